package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexiqai/orvoice/internal/domain"
)

const sampleCatalog = `
case_types:
  general:
    label: General surgery
    milestones: [wheels_in, anesthesia_start, procedure_start, procedure_end, wheels_out]
  local:
    milestones: [wheels_in, procedure_start, procedure_end]
phrases:
  wheels_in: ["wheels in", "patient in room"]
`

func TestParseCatalog(t *testing.T) {
	cat, err := ParseCatalog([]byte(sampleCatalog))
	require.NoError(t, err)

	assert.Equal(t, []string{"general", "local"}, cat.CaseTypeNames())

	ordering, err := cat.Ordering("local")
	require.NoError(t, err)
	assert.Equal(t, []domain.MilestoneKind{
		domain.MilestoneWheelsIn,
		domain.MilestoneProcedureStart,
		domain.MilestoneProcedureEnd,
	}, ordering)

	_, err = cat.Ordering("cardiac")
	assert.Error(t, err)

	assert.Equal(t, []string{"wheels in", "patient in room"}, cat.PhraseMap()[domain.MilestoneWheelsIn])
}

func TestParseCatalog_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"no case types", "phrases: {}"},
		{"empty ordering", "case_types:\n  a:\n    milestones: []"},
		{"repeated milestone", "case_types:\n  a:\n    milestones: [wheels_in, wheels_in]"},
		{"empty phrases", "case_types:\n  a:\n    milestones: [wheels_in]\nphrases:\n  wheels_in: []"},
		{"bad yaml", "case_types: ["},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseCatalog([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestDefaultCatalog(t *testing.T) {
	cfg := &Config{DefaultCaseType: "general", MilestoneOrder: []string{"wheels_in", "room_ready"}}
	cat := DefaultCatalog(cfg)

	ordering, err := cat.Ordering("general")
	require.NoError(t, err)
	assert.Equal(t, []domain.MilestoneKind{domain.MilestoneWheelsIn, domain.MilestoneRoomReady}, ordering)
}

func TestWatchCatalog_Reloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleCatalog), 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan *Catalog, 4)
	go func() {
		_ = WatchCatalog(ctx, path, func(c *Catalog) { reloaded <- c })
	}()

	// give the watcher time to register
	time.Sleep(200 * time.Millisecond)

	updated := "case_types:\n  cardiac:\n    milestones: [wheels_in, procedure_start]\n"
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o644))

	select {
	case cat := <-reloaded:
		assert.Equal(t, []string{"cardiac"}, cat.CaseTypeNames())
	case <-time.After(3 * time.Second):
		t.Fatal("catalog was not reloaded")
	}
}
