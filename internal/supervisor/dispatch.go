// ABOUTME: Concurrent specialist dispatch with dependency ordering under the turn deadline.
// ABOUTME: Independent specialists run in parallel; dependents start after their dependencies finish.

package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/2389/coven-supervisor/internal/specialist"
	"github.com/2389/coven-supervisor/internal/turn"
)

// node is one routed specialist in the dispatch graph.
type node struct {
	assignment turn.Assignment
	runner     Runner
	deps       []string
	done       chan struct{}

	// Guarded by dispatcher.mu.
	finished bool
	result   *specialist.Result
	failure  *turn.Failure
	partial  *specialist.Result
}

// outcome is what dispatch hands to aggregation.
type outcome struct {
	results  []*specialist.Result
	failures []turn.Failure
	partials []*specialist.Result
}

type dispatcher struct {
	s     *Supervisor
	base  specialist.SessionContext
	nodes map[string]*node
	order []*node

	mu     sync.Mutex
	frozen bool
}

// dispatch runs the assignments and returns once all finished or the deadline
// passed plus the grace period. Outcomes arriving after the deadline are dropped.
func (s *Supervisor) dispatch(ctx context.Context, base specialist.SessionContext, assignments []turn.Assignment) outcome {
	d := &dispatcher{s: s, base: base, nodes: make(map[string]*node, len(assignments))}
	for _, a := range assignments {
		n := &node{assignment: a, runner: s.specialists[a.Specialist], done: make(chan struct{})}
		d.nodes[a.Specialist] = n
		d.order = append(d.order, n)
	}
	graph := make(map[string][]string, len(d.order))
	for _, n := range d.order {
		n.deps = d.dependencies(n)
		graph[n.assignment.Specialist] = n.deps
	}
	cyclic := cycleMembers(graph)

	var g errgroup.Group
	for _, n := range d.order {
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("specialist panicked", "specialist", n.assignment.Specialist, "panic", r)
					d.fail(n, turn.KindInternal, "internal error", nil)
				}
			}()
			if cyclic[n.assignment.Specialist] {
				d.fail(n, turn.KindDependency, "dependency cycle", nil)
				return nil
			}
			d.run(ctx, n)
			return nil
		})
	}

	allDone := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(allDone)
	}()

	select {
	case <-allDone:
	case <-ctx.Done():
		d.freeze()
		s.logger.Warn("turn deadline reached, cancelling running specialists")
		select {
		case <-allDone:
		case <-time.After(s.grace):
			s.logger.Warn("specialists still running after grace period", "grace", s.grace)
		}
	}
	return d.collect()
}

// dependencies merges routed and declared dependencies, restricted to routed specialists.
func (d *dispatcher) dependencies(n *node) []string {
	declared := append([]string(nil), n.assignment.DependsOn...)
	if n.runner != nil {
		declared = append(declared, n.runner.Descriptor().DependsOn...)
	}
	seen := make(map[string]bool)
	var deps []string
	for _, dep := range declared {
		if dep == n.assignment.Specialist || seen[dep] {
			continue
		}
		if _, ok := d.nodes[dep]; !ok {
			continue
		}
		seen[dep] = true
		deps = append(deps, dep)
	}
	return deps
}

func (d *dispatcher) run(ctx context.Context, n *node) {
	name := n.assignment.Specialist

	upstream := make([]*specialist.Result, 0, len(n.deps))
	for _, dep := range n.deps {
		select {
		case <-d.nodes[dep].done:
		case <-ctx.Done():
			d.fail(n, turn.KindTimeout, "deadline exceeded", nil)
			return
		}
		res := d.resultOf(dep)
		if res == nil {
			d.fail(n, turn.KindDependency, fmt.Sprintf("dependency %s failed", dep), nil)
			return
		}
		upstream = append(upstream, res)
	}

	sc := d.base
	sc.Upstream = upstream

	start := time.Now()
	d.s.logger.Info("→ dispatching specialist",
		"specialist", name,
		"depends_on", n.deps,
	)

	res, err := n.runner.Run(ctx, n.assignment.SubTask, sc)
	if err != nil {
		var failed *specialist.FailedError
		switch {
		case ctx.Err() != nil:
			d.fail(n, turn.KindTimeout, "deadline exceeded", nil)
		case errors.As(err, &failed):
			d.fail(n, failed.Kind, failed.Reason, failed.Partial)
		default:
			d.fail(n, turn.KindInternal, "internal error", nil)
		}
		d.s.logger.Warn("← specialist failed",
			"specialist", name,
			"duration", time.Since(start),
			"error", err,
		)
		return
	}

	d.s.logger.Info("← specialist responded",
		"specialist", name,
		"duration", time.Since(start),
		"succeeded", res.Succeeded,
		"failed", res.Failed,
	)
	d.succeed(n, res)
}

func (d *dispatcher) succeed(n *node, res *specialist.Result) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if n.finished {
		return
	}
	n.finished = true
	if !d.frozen {
		n.result = res
	}
	close(n.done)
}

func (d *dispatcher) fail(n *node, kind turn.ErrorKind, reason string, partial *specialist.Result) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if n.finished {
		return
	}
	n.finished = true
	if !d.frozen {
		n.failure = &turn.Failure{Specialist: n.assignment.Specialist, Kind: kind, Reason: reason}
		n.partial = partial
	}
	close(n.done)
}

func (d *dispatcher) resultOf(name string) *specialist.Result {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.nodes[name].result
}

func (d *dispatcher) freeze() {
	d.mu.Lock()
	d.frozen = true
	d.mu.Unlock()
}

// collect snapshots outcomes; specialists without one are reported as timed out.
func (d *dispatcher) collect() outcome {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.frozen = true

	var out outcome
	for _, n := range d.order {
		switch {
		case n.result != nil:
			out.results = append(out.results, n.result)
		case n.failure != nil:
			out.failures = append(out.failures, *n.failure)
			if n.partial != nil {
				out.partials = append(out.partials, n.partial)
			}
		default:
			out.failures = append(out.failures, turn.Failure{
				Specialist: n.assignment.Specialist,
				Kind:       turn.KindTimeout,
				Reason:     "deadline exceeded",
			})
		}
	}
	return out
}

// cycleMembers returns the specialists that can reach themselves through dependencies.
func cycleMembers(graph map[string][]string) map[string]bool {
	in := make(map[string]bool)
	for start, deps := range graph {
		seen := make(map[string]bool)
		stack := append([]string(nil), deps...)
		for len(stack) > 0 {
			cur := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if cur == start {
				in[start] = true
				break
			}
			if seen[cur] {
				continue
			}
			seen[cur] = true
			stack = append(stack, graph[cur]...)
		}
	}
	return in
}
