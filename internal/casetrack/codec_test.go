package casetrack

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexiqai/orvoice/internal/domain"
)

func TestMarshalState(t *testing.T) {
	state := domain.CaseMilestoneState{
		Case:     testCase,
		Ordering: domain.DefaultOrdering(),
		Milestones: []domain.Milestone{
			{Seq: 1, Kind: domain.MilestoneWheelsIn, At: t0, EventAt: t0, Source: domain.SourceVoice, UtteranceID: "u-1"},
			{Seq: 2, Kind: domain.MilestoneProcedureStart, At: t0.Add(time.Minute), EventAt: t0.Add(time.Minute), Source: domain.SourceManual},
		},
		Stage:       2,
		Status:      domain.CaseStatusActive,
		Revision:    3,
		ActivatedAt: t0,
	}

	data, err := MarshalState(state)
	require.NoError(t, err)

	decoded, err := UnmarshalState(data)
	require.NoError(t, err)
	assert.Equal(t, state, decoded)
}

func TestUnmarshalState_Rejects(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"garbage", "{"},
		{"version", `{"version":9,"state":{}}`},
		{"empty ordering", `{"version":1,"state":{"ordering":[],"status":"active","stage":-1}}`},
		{"bad status", `{"version":1,"state":{"ordering":["wheels_in"],"status":"archived","stage":-1}}`},
		{"stage mismatch", `{"version":1,"state":{"ordering":["wheels_in"],"status":"active","stage":0}}`},
		{"unknown kind", `{"version":1,"state":{"ordering":["wheels_in"],"status":"active","stage":-1,` +
			`"milestones":[{"seq":1,"kind":"room_ready","at":"2026-03-01T08:00:00Z"}]}}`},
		{"backwards", `{"version":1,"state":{"ordering":["wheels_in","wheels_out"],"status":"active","stage":1,` +
			`"milestones":[{"seq":1,"kind":"wheels_out","at":"2026-03-01T09:00:00Z"},{"seq":2,"kind":"wheels_in","at":"2026-03-01T08:00:00Z"}]}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := UnmarshalState([]byte(tt.data))
			assert.Error(t, err)
		})
	}
}

func TestFormatElapsed(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{0, "00:00"},
		{-time.Second, "00:00"},
		{4*time.Minute + 7*time.Second + 900*time.Millisecond, "04:07"},
		{time.Hour + 2*time.Minute + 3*time.Second, "1:02:03"},
		{26 * time.Hour, "26:00:00"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatElapsed(tt.in), tt.in.String())
	}
}

func TestElapsed(t *testing.T) {
	state := domain.CaseMilestoneState{
		Ordering:   domain.DefaultOrdering(),
		Milestones: []domain.Milestone{{Seq: 1, Kind: domain.MilestoneWheelsIn, At: t0}},
	}

	d, ok := state.Elapsed(domain.MilestoneWheelsIn, t0.Add(90*time.Second))
	require.True(t, ok)
	assert.Equal(t, "01:30", FormatElapsed(d))

	_, ok = state.Elapsed(domain.MilestoneWheelsOut, t0)
	assert.False(t, ok)
}
