package results

import (
	"errors"
	"path"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Category is an output artifact class.
type Category string

const (
	CategoryStructured Category = "structured-data"
	CategoryLog        Category = "log"
	CategoryText       Category = "text"
	CategoryOther      Category = "other"
)

// Categories lists every category in report order.
var Categories = []Category{CategoryStructured, CategoryLog, CategoryText, CategoryOther}

// DefaultRules is the fixed extension taxonomy. Patterns match the lowercased
// base name of a key.
var DefaultRules = []Rule{
	{Category: CategoryStructured, Patterns: []string{"*.{nc,nc4,h5,hdf5,he5}", "*.nc.*", "*.nc4.*"}},
	{Category: CategoryLog, Patterns: []string{"*.{log,out,err}", "*.log.*"}},
	{Category: CategoryText, Patterns: []string{"*.{txt,json,yml,yaml,rc,csv,md}", "input.geos*"}},
}

// ErrInvalidPattern is returned when a rule pattern cannot be compiled.
var ErrInvalidPattern = errors.New("invalid glob pattern")

// PatternError wraps pattern-related errors with context.
type PatternError struct {
	Pattern string
	Err     error
}

func (e *PatternError) Error() string {
	return "pattern " + e.Pattern + ": " + e.Err.Error()
}

func (e *PatternError) Unwrap() error {
	return e.Err
}

// Rule assigns keys matching any pattern to a category.
type Rule struct {
	Category Category
	Patterns []string
}

// Taxonomy categorizes keys. First matching rule wins; unmatched keys are
// CategoryOther. Safe for concurrent use.
type Taxonomy struct {
	rules []Rule
}

// NewTaxonomy validates rules.
func NewTaxonomy(rules []Rule) (*Taxonomy, error) {
	for _, r := range rules {
		for _, p := range r.Patterns {
			if !doublestar.ValidatePattern(p) {
				return nil, &PatternError{Pattern: p, Err: ErrInvalidPattern}
			}
		}
	}
	return &Taxonomy{rules: rules}, nil
}

// MustTaxonomy is NewTaxonomy for static rule sets.
func MustTaxonomy(rules []Rule) *Taxonomy {
	t, err := NewTaxonomy(rules)
	if err != nil {
		panic(err)
	}
	return t
}

var defaultTaxonomy = MustTaxonomy(DefaultRules)

// Categorize returns the category for key using the default rules.
func Categorize(key string) Category {
	return defaultTaxonomy.Categorize(key)
}

// Categorize returns the category for key.
func (t *Taxonomy) Categorize(key string) Category {
	base := strings.ToLower(path.Base(key))
	for _, r := range t.rules {
		for _, p := range r.Patterns {
			if ok, err := doublestar.Match(p, base); err == nil && ok {
				return r.Category
			}
		}
	}
	return CategoryOther
}
