package config

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/lexiqai/orvoice/internal/domain"
)

// Catalog describes the case types a theatre runs and the phrases staff use
// for each milestone.
//
//	case_types:
//	  general:
//	    milestones: [wheels_in, anesthesia_start, procedure_start, procedure_end]
//	phrases:
//	  wheels_in: ["wheels in", "patient in room"]
type Catalog struct {
	CaseTypes map[string]CaseType `yaml:"case_types"`
	Phrases   map[string][]string `yaml:"phrases"`
}

// CaseType is one canonical milestone ordering.
type CaseType struct {
	Label      string   `yaml:"label"`
	Milestones []string `yaml:"milestones"`
}

// LoadCatalog reads and validates a catalog file.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog %s: %w", path, err)
	}
	cat, err := ParseCatalog(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse catalog %s: %w", path, err)
	}
	return cat, nil
}

// ParseCatalog parses catalog YAML.
func ParseCatalog(data []byte) (*Catalog, error) {
	var cat Catalog
	if err := yaml.Unmarshal(data, &cat); err != nil {
		return nil, fmt.Errorf("invalid YAML: %w", err)
	}
	if err := cat.Validate(); err != nil {
		return nil, err
	}
	return &cat, nil
}

// DefaultCatalog builds a single-case-type catalog from MILESTONE_ORDER.
func DefaultCatalog(cfg *Config) *Catalog {
	return &Catalog{
		CaseTypes: map[string]CaseType{
			cfg.DefaultCaseType: {Milestones: append([]string(nil), cfg.MilestoneOrder...)},
		},
	}
}

// Validate rejects empty or repeating orderings.
func (c *Catalog) Validate() error {
	if len(c.CaseTypes) == 0 {
		return fmt.Errorf("catalog defines no case types")
	}
	for name, ct := range c.CaseTypes {
		if len(ct.Milestones) == 0 {
			return fmt.Errorf("case type %q has no milestones", name)
		}
		seen := make(map[string]bool, len(ct.Milestones))
		for _, m := range ct.Milestones {
			m = strings.TrimSpace(m)
			if m == "" {
				return fmt.Errorf("case type %q has an empty milestone", name)
			}
			if seen[m] {
				return fmt.Errorf("case type %q lists %q twice", name, m)
			}
			seen[m] = true
		}
	}
	for kind, phrases := range c.Phrases {
		if len(phrases) == 0 {
			return fmt.Errorf("milestone %q has an empty phrase list", kind)
		}
	}
	return nil
}

// Ordering returns the canonical milestone sequence for caseType.
func (c *Catalog) Ordering(caseType string) ([]domain.MilestoneKind, error) {
	ct, ok := c.CaseTypes[caseType]
	if !ok {
		return nil, fmt.Errorf("unknown case type %q", caseType)
	}
	out := make([]domain.MilestoneKind, len(ct.Milestones))
	for i, m := range ct.Milestones {
		out[i] = domain.MilestoneKind(strings.TrimSpace(m))
	}
	return out, nil
}

// CaseTypeNames lists the configured case types in name order.
func (c *Catalog) CaseTypeNames() []string {
	names := make([]string, 0, len(c.CaseTypes))
	for name := range c.CaseTypes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// PhraseMap returns the catalog phrases keyed by milestone kind.
func (c *Catalog) PhraseMap() map[domain.MilestoneKind][]string {
	out := make(map[domain.MilestoneKind][]string, len(c.Phrases))
	for kind, phrases := range c.Phrases {
		out[domain.MilestoneKind(kind)] = append([]string(nil), phrases...)
	}
	return out
}
