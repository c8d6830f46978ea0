// Package limits holds the static per-model quota catalog. Loaded once at
// startup and immutable afterwards; every component that needs published
// model limits reads them from here.
package limits

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"

	"go.yaml.in/yaml/v3"
)

//go:embed catalog.yaml
var embeddedCatalog []byte

// ModelLimit is the published quota and token ceiling set for one model.
// A zero value in any quota field means the provider publishes no limit for
// that dimension; scoring treats it as unconstrained.
type ModelLimit struct {
	RPM              int `yaml:"rpm"`
	RPD              int `yaml:"rpd"`
	TPMInput         int `yaml:"tpm_input"`
	TPDInput         int `yaml:"tpd_input"`
	InputTokenLimit  int `yaml:"input_token_limit"`
	OutputTokenLimit int `yaml:"output_token_limit"`
}

type catalog struct {
	Models  map[string]ModelLimit `yaml:"models"`
	Aliases map[string]string     `yaml:"aliases"`
}

// Registry answers model-limit lookups and normalizes model identifiers.
type Registry struct {
	models        map[string]ModelLimit
	aliases       map[string]string
	fallbackInput int
}

// Load builds a Registry from the catalog at path, or from the embedded
// catalog when path is empty. fallbackInput is the input token limit assumed
// for models missing from the catalog.
func Load(path string, fallbackInput int) (*Registry, error) {
	data := embeddedCatalog
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read model catalog: %w", err)
		}
		data = b
	}

	var cat catalog
	if err := yaml.Unmarshal(data, &cat); err != nil {
		return nil, fmt.Errorf("parse model catalog: %w", err)
	}
	if len(cat.Models) == 0 {
		return nil, fmt.Errorf("model catalog is empty")
	}

	r := &Registry{
		models:        make(map[string]ModelLimit, len(cat.Models)),
		aliases:       make(map[string]string, len(cat.Aliases)),
		fallbackInput: fallbackInput,
	}
	for id, lim := range cat.Models {
		r.models[strings.ToLower(id)] = lim
	}
	for alias, target := range cat.Aliases {
		r.aliases[strings.ToLower(alias)] = strings.ToLower(target)
	}
	return r, nil
}

// Normalize lowercases a model identifier, strips the native "models/"
// prefix, and expands catalog aliases. The result is the canonical id used
// for tracking and scoring.
func (r *Registry) Normalize(model string) string {
	m := strings.ToLower(strings.TrimSpace(model))
	m = strings.TrimPrefix(m, "models/")
	if target, ok := r.aliases[m]; ok {
		return target
	}
	return m
}

// Lookup returns the limit set for a normalized model id. Callers should log
// and skip tracking on a miss; unknown models pass through for forward
// compatibility.
func (r *Registry) Lookup(model string) (ModelLimit, bool) {
	lim, ok := r.models[r.Normalize(model)]
	return lim, ok
}

// InputLimitFor returns the input token ceiling for the model, falling back
// to the configured default for unknown models.
func (r *Registry) InputLimitFor(model string) int {
	if lim, ok := r.Lookup(model); ok && lim.InputTokenLimit > 0 {
		return lim.InputTokenLimit
	}
	return r.fallbackInput
}

// Known returns the sorted canonical model ids in the catalog.
func (r *Registry) Known() []string {
	ids := make([]string, 0, len(r.models))
	for id := range r.models {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
