package submission

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/orvoice/internal/domain"
	"github.com/lexiqai/orvoice/internal/observability"
)

// LogSubmitter records submissions in the log. It is used when no
// submission service is configured.
type LogSubmitter struct {
	logger zerolog.Logger
	now    func() time.Time
}

// NewLogSubmitter creates a log-only submitter.
func NewLogSubmitter() *LogSubmitter {
	return &LogSubmitter{logger: observability.Component("submission"), now: time.Now}
}

func (l *LogSubmitter) Submit(_ context.Context, export domain.CaseExport) (Receipt, error) {
	arr := zerolog.Arr()
	for _, m := range export.Milestones {
		arr.Dict(zerolog.Dict().
			Str("kind", string(m.Kind)).
			Time("timestamp", m.Timestamp).
			Str("source", string(m.Source)))
	}
	l.logger.Info().
		Str("mrn", export.Case.MRN).
		Str("ot_id", export.Case.OTID).
		Bool("complete", export.Complete).
		Array("milestones", arr).
		Msg("Case submission (no submission service configured)")
	observability.RecordSubmission(l.now(), true)
	return Receipt{CaseID: export.Case.MRN, AcceptedAt: l.now()}, nil
}

func (l *LogSubmitter) HealthCheck(context.Context) (bool, error) { return true, nil }

func (l *LogSubmitter) Close() error { return nil }
