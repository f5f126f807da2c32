// Package history is append-only persistence of every AnalysisResult,
// backing the reporting dashboard's data layer. Backend is Postgres via
// github.com/jackc/pgx/v5/pgxpool; the single analysis_records table uses
// a JSONB column for indicators/actions. Writes are fire-and-forget:
// a failure is logged, never propagated to the reply path.
package history

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"phishtriage/internal/domain"
	"phishtriage/pkg/logger"
)

const schema = `
CREATE TABLE IF NOT EXISTS analysis_records (
	id UUID PRIMARY KEY,
	message_id TEXT NOT NULL,
	mailbox TEXT NOT NULL,
	sender TEXT NOT NULL,
	is_phishing BOOLEAN NOT NULL,
	risk_score DOUBLE PRECISION NOT NULL,
	confidence DOUBLE PRECISION NOT NULL,
	severity TEXT NOT NULL,
	indicators JSONB NOT NULL,
	recommended_actions JSONB NOT NULL,
	explanation TEXT,
	analysis_timestamp TIMESTAMPTZ NOT NULL,
	recorded_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_analysis_records_mailbox ON analysis_records(mailbox, recorded_at DESC);
CREATE INDEX IF NOT EXISTS idx_analysis_records_sender ON analysis_records(sender, recorded_at DESC);
`

// Store persists AnalysisRecords best-effort.
type Store struct {
	pool *pgxpool.Pool
}

func New(ctx context.Context, connString string) (*Store, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, err
	}
	return &Store{pool: pool}, nil
}

// InitSchema creates the table if it doesn't exist. Intended to run once
// at startup; a migration tool would replace this in a larger deployment.
func (s *Store) InitSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schema)
	return err
}

func (s *Store) Close() {
	s.pool.Close()
}

// Record writes one AnalysisResult, best-effort: a failure is logged,
// never returned to the caller, so a database outage cannot stall the
// pipeline.
func (s *Store) Record(ctx context.Context, mailbox, sender string, result domain.AnalysisResult) {
	log := logger.Get()

	indicatorsJSON, err := json.Marshal(result.Indicators)
	if err != nil {
		log.Error().Err(err).Msg("history: failed to marshal indicators")
		return
	}
	actionsJSON, err := json.Marshal(result.RecommendedActions)
	if err != nil {
		log.Error().Err(err).Msg("history: failed to marshal recommended actions")
		return
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO analysis_records (
			id, message_id, mailbox, sender, is_phishing, risk_score, confidence,
			severity, indicators, recommended_actions, explanation, analysis_timestamp
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`,
		uuid.New(), result.MessageID, mailbox, sender, result.IsPhishing, result.RiskScore,
		result.Confidence, string(result.Severity), indicatorsJSON, actionsJSON,
		nullableString(result.Explanation), recordedTimestamp(result.AnalysisTimestamp),
	)
	if err != nil {
		log.Error().Err(err).Str("message_id", result.MessageID).Msg("history: failed to record analysis")
	}
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func recordedTimestamp(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now()
	}
	return t
}
