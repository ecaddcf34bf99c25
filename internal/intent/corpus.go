package intent

import (
	"strings"

	"github.com/lexiqai/orvoice/internal/domain"
)

// Corpus supplies the phrases staff use for each milestone.
type Corpus interface {
	Phrases(kind domain.MilestoneKind) []string
}

// StaticCorpus is an in-memory phrase table.
type StaticCorpus map[domain.MilestoneKind][]string

// Phrases returns the phrases for kind. Kinds without an entry fall back to
// their name with underscores read as spaces, so catalog-defined milestones
// are recognisable without extra configuration.
func (c StaticCorpus) Phrases(kind domain.MilestoneKind) []string {
	if phrases, ok := c[kind]; ok && len(phrases) > 0 {
		return phrases
	}
	return []string{strings.ReplaceAll(string(kind), "_", " ")}
}

// DefaultPhrases covers the built-in milestones.
func DefaultPhrases() StaticCorpus {
	return StaticCorpus{
		domain.MilestoneWheelsIn: {
			"wheels in",
			"patient in room",
			"patient arrived",
		},
		domain.MilestoneAnesthesiaStart: {
			"anesthesia start",
			"anaesthesia start",
			"anesthesia started",
			"start anesthesia",
			"induction",
		},
		domain.MilestoneProcedureStart: {
			"procedure start",
			"procedure started",
			"start procedure",
			"incision",
		},
		domain.MilestoneProcedureEnd: {
			"procedure end",
			"procedure ended",
			"procedure complete",
			"end procedure",
			"closing",
		},
		domain.MilestoneWheelsOut: {
			"wheels out",
			"patient out of room",
			"patient left",
		},
		domain.MilestoneRoomClean: {
			"room clean",
			"room cleaned",
			"cleaning done",
		},
		domain.MilestoneRoomReady: {
			"room ready",
			"room is ready",
			"ready for next case",
		},
	}
}

// NewStaticCorpus layers overrides on top of the default phrases. A kind
// listed in overrides replaces its defaults entirely.
func NewStaticCorpus(overrides map[domain.MilestoneKind][]string) StaticCorpus {
	c := DefaultPhrases()
	for kind, phrases := range overrides {
		if len(phrases) == 0 {
			continue
		}
		c[kind] = append([]string(nil), phrases...)
	}
	return c
}
