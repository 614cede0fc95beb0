// ABOUTME: Demo biomedical tool pack served by cmd/fake-toolpack over MCP and gRPC.
// ABOUTME: Literature search, abstracts, compound assays, protein interactions and summaries.

package toolpack

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/2389/coven-supervisor/internal/mcp"
)

// TargetSeparator joins a target prefix and a tool name, as gateways name tools.
const TargetSeparator = "___"

// Tool is one tool in the pack.
type Tool struct {
	Name        string
	Description string
	InputSchema json.RawMessage
	Run         func(ctx context.Context, args gjson.Result) (any, error)
}

// Config configures a Pack.
type Config struct {
	// Target prefixes tool names advertised over MCP ("biomed" gives "biomed___search_pubmed").
	Target string
	// Latency is added to every call.
	Latency time.Duration
	Logger  *slog.Logger
}

// Pack is the set of demo tools.
type Pack struct {
	target  string
	latency time.Duration
	logger  *slog.Logger
	tools   []Tool
}

var _ mcp.ToolHandler = (*Pack)(nil)
var _ mcp.ToolSearcher = (*Pack)(nil)

// New creates the pack.
func New(cfg Config) *Pack {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pack{
		target:  cfg.Target,
		latency: cfg.Latency,
		logger:  logger.With("component", "toolpack"),
		tools:   builtinTools(),
	}
}

// Tools returns the tools under their bare names.
func (p *Pack) Tools() []Tool {
	return slices.Clone(p.tools)
}

func (p *Pack) remoteName(name string) string {
	if p.target == "" {
		return name
	}
	return p.target + TargetSeparator + name
}

func (p *Pack) info(t Tool) mcp.ToolInfo {
	return mcp.ToolInfo{Name: p.remoteName(t.Name), Description: t.Description, InputSchema: t.InputSchema}
}

// ListTools implements mcp.ToolHandler.
func (p *Pack) ListTools(context.Context) []mcp.ToolInfo {
	out := make([]mcp.ToolInfo, 0, len(p.tools))
	for _, t := range p.tools {
		out = append(out, p.info(t))
	}
	return out
}

// CallTool implements mcp.ToolHandler. Both prefixed and bare names are accepted.
func (p *Pack) CallTool(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
	bare := name
	if p.target != "" {
		bare = strings.TrimPrefix(name, p.target+TargetSeparator)
	}
	idx := slices.IndexFunc(p.tools, func(t Tool) bool { return t.Name == bare })
	if idx < 0 {
		return nil, fmt.Errorf("%w: %s", mcp.ErrToolNotFound, name)
	}

	if p.latency > 0 {
		select {
		case <-time.After(p.latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	if !gjson.ValidBytes(args) {
		return nil, &mcp.ToolError{Message: "arguments must be valid JSON"}
	}

	start := time.Now()
	result, err := p.tools[idx].Run(ctx, gjson.ParseBytes(args))
	if err != nil {
		p.logger.Debug("tool failed", "tool", bare, "error", err)
		return nil, err
	}
	out, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("encoding %s output: %w", bare, err)
	}
	p.logger.Debug("tool call", "tool", bare, "duration", time.Since(start), "bytes", len(out))
	return out, nil
}

// SearchTools implements mcp.ToolSearcher by ranking tools on how many query
// terms appear in their name and description.
func (p *Pack) SearchTools(_ context.Context, query string) []mcp.ToolInfo {
	terms := queryTerms(query)
	type scored struct {
		tool  Tool
		score int
	}
	var hits []scored
	for _, t := range p.tools {
		text := strings.ToLower(strings.ReplaceAll(t.Name, "_", " ") + " " + t.Description)
		score := 0
		for _, term := range terms {
			if strings.Contains(text, term) {
				score++
			}
		}
		if score > 0 {
			hits = append(hits, scored{t, score})
		}
	}
	slices.SortStableFunc(hits, func(a, b scored) int { return cmp.Compare(b.score, a.score) })

	out := make([]mcp.ToolInfo, 0, len(hits))
	for _, h := range hits {
		out = append(out, p.info(h.tool))
	}
	return out
}

var stopWords = map[string]bool{
	"the": true, "and": true, "for": true, "with": true, "what": true, "which": true,
	"are": true, "does": true, "that": true, "from": true, "about": true, "into": true,
}

// queryTerms lowercases the query and keeps words of three or more letters.
func queryTerms(query string) []string {
	var terms []string
	for _, w := range strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '-')
	}) {
		if len(w) >= 3 && !stopWords[w] {
			terms = append(terms, w)
		}
	}
	return terms
}

// geneIn finds the first known gene symbol mentioned in text.
func geneIn(text string) (string, bool) {
	upper := strings.ToUpper(text)
	for _, word := range strings.FieldsFunc(upper, func(r rune) bool {
		return !(r >= 'A' && r <= 'Z' || r >= '0' && r <= '9')
	}) {
		if canonical, ok := aliases[word]; ok {
			return canonical, true
		}
		if _, ok := interactions[word]; ok {
			return word, true
		}
		for _, c := range compounds {
			if c.Target == word {
				return word, true
			}
		}
	}
	return "", false
}

// textArg returns the first non-empty string among the named arguments.
func textArg(args gjson.Result, names ...string) string {
	for _, n := range names {
		if v := strings.TrimSpace(args.Get(n).String()); v != "" {
			return v
		}
	}
	return ""
}

func builtinTools() []Tool {
	return []Tool{
		{
			Name:        "search_pubmed",
			Description: "Search biomedical literature articles by keyword",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"query":{"type":"string"},"broaden":{"type":"boolean"},"limit":{"type":"integer"}},"required":["query"]}`),
			Run:         searchPubmed,
		},
		{
			Name:        "fetch_abstract",
			Description: "Fetch the abstract of a literature article by PMID",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"pmid":{"type":"string"},"query":{"type":"string"}}}`),
			Run:         fetchAbstract,
		},
		{
			Name:        "query_db",
			Description: "Query the compound database for assays against a protein target",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"target":{"type":"string"},"query":{"type":"string"}}}`),
			Run:         queryDB,
		},
		{
			Name:        "protein_interactions",
			Description: "List known protein interaction partners with confidence scores",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"protein":{"type":"string"},"query":{"type":"string"}}}`),
			Run:         proteinInteractions,
		},
		{
			Name:        "render_summary",
			Description: "Summarize findings gathered by other tools into a short report",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"query":{"type":"string"},"findings":{}}}`),
			Run:         renderSummary,
		},
	}
}

// searchPubmed matches articles on at least two query terms, or one when broadened.
func searchPubmed(_ context.Context, args gjson.Result) (any, error) {
	query := textArg(args, "query")
	if query == "" {
		return nil, &mcp.ToolError{Message: "query is required"}
	}
	limit := int(args.Get("limit").Int())
	if limit <= 0 {
		limit = 5
	}
	need := 2
	if args.Get("broaden").Bool() {
		need = 1
	}
	found := matchArticles(query, need, limit)
	return map[string]any{"query": query, "count": len(found), "articles": found}, nil
}

// matchArticles returns the newest articles sharing at least need terms with
// the query. A single-term query needs only that term.
func matchArticles(query string, need, limit int) []article {
	terms := queryTerms(query)
	found := []article{}
	for _, a := range articles {
		text := strings.ToLower(a.Title + " " + strings.Join(a.Keywords, " "))
		hits := 0
		for _, term := range terms {
			if strings.Contains(text, term) {
				hits++
			}
		}
		if hits >= need || (len(terms) == 1 && hits == 1) {
			found = append(found, a)
		}
	}
	slices.SortStableFunc(found, func(a, b article) int { return cmp.Compare(b.Year, a.Year) })
	if len(found) > limit {
		found = found[:limit]
	}
	return found
}

func fetchAbstract(_ context.Context, args gjson.Result) (any, error) {
	pmid := textArg(args, "pmid")
	if pmid == "" {
		query := textArg(args, "query")
		if query == "" {
			return nil, &mcp.ToolError{Message: "pmid or query is required"}
		}
		list := matchArticles(query, 1, 1)
		if len(list) == 0 {
			return nil, &mcp.ToolError{Message: "no article matches the query"}
		}
		pmid = list[0].PMID
	}
	for _, a := range articles {
		if a.PMID == pmid {
			return map[string]any{"pmid": a.PMID, "title": a.Title, "abstract": a.Abstract}, nil
		}
	}
	return nil, &mcp.ToolError{Message: "unknown pmid " + pmid}
}

func queryDB(_ context.Context, args gjson.Result) (any, error) {
	target := textArg(args, "target")
	if target == "" {
		target = textArg(args, "query")
	}
	gene, ok := geneIn(target)
	rows := []compound{}
	if ok {
		for _, c := range compounds {
			if c.Target == gene {
				rows = append(rows, c)
			}
		}
		slices.SortFunc(rows, func(a, b compound) int { return cmp.Compare(a.IC50nM, b.IC50nM) })
	}
	return map[string]any{"target": gene, "rows": rows}, nil
}

func proteinInteractions(_ context.Context, args gjson.Result) (any, error) {
	gene, ok := geneIn(textArg(args, "protein", "query"))
	if !ok {
		return nil, &mcp.ToolError{Message: "no known protein named in the request"}
	}
	return map[string]any{"protein": gene, "partners": interactions[gene]}, nil
}

// renderSummary counts the findings handed to it; findings may be any JSON.
func renderSummary(_ context.Context, args gjson.Result) (any, error) {
	findings := args.Get("findings")
	var lines []string
	if findings.IsObject() {
		findings.ForEach(func(key, value gjson.Result) bool {
			answer := value.Get("answer").String()
			if answer == "" {
				answer = value.Raw
			}
			lines = append(lines, fmt.Sprintf("- %s: %s", key.String(), answer))
			return true
		})
	}
	slices.Sort(lines)
	topic := textArg(args, "query")
	summary := fmt.Sprintf("Summary for %q: %d source(s).", topic, len(lines))
	if len(lines) > 0 {
		summary += "\n" + strings.Join(lines, "\n")
	}
	return map[string]any{"summary": summary, "sources": len(lines)}, nil
}
