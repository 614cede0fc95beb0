// ABOUTME: Specialist descriptors and the TOML catalog they are loaded from.
// ABOUTME: Descriptors are read-only at runtime; the catalog is validated as a whole.

package specialist

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"slices"
	"strings"

	"github.com/BurntSushi/toml"
)

// ErrInvalidCatalog indicates the specialist catalog failed validation.
var ErrInvalidCatalog = errors.New("invalid specialist catalog")

// Descriptor statically describes one specialist capability.
type Descriptor struct {
	Name        string   `toml:"name" json:"name"`
	Description string   `toml:"description" json:"description"`
	Tools       []string `toml:"tools" json:"tools"`
	// MaxConcurrency bounds parallel tool calls within a round. 0 means unbounded.
	MaxConcurrency int      `toml:"max_concurrency" json:"max_concurrency,omitempty"`
	DependsOn      []string `toml:"depends_on" json:"depends_on,omitempty"`

	// Keywords, Default and Plan drive the rule-based oracle only.
	Keywords []string   `toml:"keywords" json:"keywords,omitempty"`
	Default  bool       `toml:"default" json:"default,omitempty"`
	Plan     []PlanStep `toml:"plan" json:"plan,omitempty"`
}

// PlanStep is one statically planned tool call. Steps sharing a stage run in parallel.
type PlanStep struct {
	Stage int    `toml:"stage" json:"stage"`
	Tool  string `toml:"tool" json:"tool"`
	// Input is a JSON template; {{task}} is replaced with the sub-task text.
	Input string `toml:"input" json:"input"`
	// Require is a gjson path that must exist in the output for it to count as sufficient.
	Require     string `toml:"require" json:"require,omitempty"`
	RefineInput string `toml:"refine_input" json:"refine_input,omitempty"`
}

// Owns reports whether the tool is in the specialist's tool set.
func (d Descriptor) Owns(tool string) bool {
	return slices.Contains(d.Tools, tool)
}

// Catalog is the set of configured specialists.
type Catalog struct {
	Specialists []Descriptor `toml:"specialist"`
}

// LoadCatalog reads a TOML catalog, expanding ${VAR} references.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading catalog: %w", err)
	}
	return ParseCatalog(string(data))
}

// ParseCatalog decodes and validates a TOML catalog document.
func ParseCatalog(doc string) (*Catalog, error) {
	var cat Catalog
	if _, err := toml.Decode(expandEnvVars(doc), &cat); err != nil {
		return nil, fmt.Errorf("parsing catalog: %w", err)
	}
	if err := cat.Validate(); err != nil {
		return nil, err
	}
	return &cat, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR} with environment variable values.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := strings.TrimSuffix(strings.TrimPrefix(match, "${"), "}")
		return os.Getenv(varName)
	})
}

// Validate checks names, tool sets and dependency references.
func (c *Catalog) Validate() error {
	if len(c.Specialists) == 0 {
		return fmt.Errorf("%w: no specialists defined", ErrInvalidCatalog)
	}

	names := make(map[string]bool, len(c.Specialists))
	for _, d := range c.Specialists {
		if d.Name == "" {
			return fmt.Errorf("%w: specialist name is required", ErrInvalidCatalog)
		}
		if names[d.Name] {
			return fmt.Errorf("%w: duplicate specialist %q", ErrInvalidCatalog, d.Name)
		}
		names[d.Name] = true
		if len(d.Tools) == 0 {
			return fmt.Errorf("%w: specialist %q has no tools", ErrInvalidCatalog, d.Name)
		}
		if d.MaxConcurrency < 0 {
			return fmt.Errorf("%w: specialist %q max_concurrency must be >= 0", ErrInvalidCatalog, d.Name)
		}
		for _, step := range d.Plan {
			if !d.Owns(step.Tool) {
				return fmt.Errorf("%w: specialist %q plans tool %q it does not own", ErrInvalidCatalog, d.Name, step.Tool)
			}
		}
	}

	for _, d := range c.Specialists {
		for _, dep := range d.DependsOn {
			if dep == d.Name {
				return fmt.Errorf("%w: specialist %q depends on itself", ErrInvalidCatalog, d.Name)
			}
			if !names[dep] {
				return fmt.Errorf("%w: specialist %q depends on unknown %q", ErrInvalidCatalog, d.Name, dep)
			}
		}
	}
	return nil
}

// Lookup finds a descriptor by name.
func (c *Catalog) Lookup(name string) (Descriptor, bool) {
	for _, d := range c.Specialists {
		if d.Name == name {
			return d, true
		}
	}
	return Descriptor{}, false
}
