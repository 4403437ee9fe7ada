package sink

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/lib/pq"

	"marketwatch/internal/models"
)

// PostgresSink persists results in an append-only anomalies table. Inserts
// use ON CONFLICT DO NOTHING on the (security_id, ts, model_ref) unique key
// so re-delivery is idempotent.
type PostgresSink struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPostgresSink opens the database and ensures the anomalies table exists.
func NewPostgresSink(dsn string, logger *slog.Logger) (*PostgresSink, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres ping failed: %w", err)
	}

	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS anomalies (
			id            UUID PRIMARY KEY,
			security_id   TEXT        NOT NULL,
			ts            TIMESTAMPTZ NOT NULL,
			score         DOUBLE PRECISION NOT NULL,
			model_ref     TEXT        NOT NULL,
			contributions JSONB       NOT NULL,
			flagged       BOOLEAN     NOT NULL,
			created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (security_id, ts, model_ref)
		);
		CREATE INDEX IF NOT EXISTS anomalies_security_ts_idx ON anomalies (security_id, ts DESC);
		CREATE INDEX IF NOT EXISTS anomalies_score_idx ON anomalies (score DESC);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure anomalies table: %w", err)
	}

	return &PostgresSink{db: db, logger: logger.With("component", "postgres_sink")}, nil
}

// Insert appends a row if the key is absent.
func (s *PostgresSink) Insert(ctx context.Context, result *models.AnomalyResult) (bool, error) {
	if err := models.ValidateResult(result); err != nil {
		return false, err
	}

	contribs, err := json.Marshal(result.PerFeatureContribution)
	if err != nil {
		return false, fmt.Errorf("marshal contributions: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO anomalies (id, security_id, ts, score, model_ref, contributions, flagged)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (security_id, ts, model_ref) DO NOTHING
	`, result.ID, result.SecurityID, result.Timestamp, result.Score, result.ModelRef, contribs, result.Flagged)
	if err != nil {
		return false, fmt.Errorf("%w: insert: %v", models.ErrSinkWrite, err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%w: rows affected: %v", models.ErrSinkWrite, err)
	}
	if rows == 0 {
		s.logger.Debug("result_already_present",
			"security_id", result.SecurityID, "ts", result.Timestamp, "model_ref", result.ModelRef)
		return false, nil
	}

	s.logger.Info("result_persisted",
		"security_id", result.SecurityID,
		"ts", result.Timestamp,
		"score", result.Score,
		"flagged", result.Flagged,
	)
	return true, nil
}

// RecentBySecurity reads results for one security, newest first.
func (s *PostgresSink) RecentBySecurity(ctx context.Context, securityID string, limit int) ([]models.AnomalyResult, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, security_id, ts, score, model_ref, contributions, flagged
		FROM anomalies WHERE security_id = $1
		ORDER BY ts DESC LIMIT $2
	`, securityID, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent: %w", err)
	}
	defer rows.Close()
	return scanResults(rows)
}

// TopByScore reads results ordered by descending score.
func (s *PostgresSink) TopByScore(ctx context.Context, limit int) ([]models.AnomalyResult, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, security_id, ts, score, model_ref, contributions, flagged
		FROM anomalies
		ORDER BY score DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query top: %w", err)
	}
	defer rows.Close()
	return scanResults(rows)
}

func scanResults(rows *sql.Rows) ([]models.AnomalyResult, error) {
	var out []models.AnomalyResult
	for rows.Next() {
		var r models.AnomalyResult
		var contribs []byte
		if err := rows.Scan(&r.ID, &r.SecurityID, &r.Timestamp, &r.Score, &r.ModelRef, &contribs, &r.Flagged); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		if err := json.Unmarshal(contribs, &r.PerFeatureContribution); err != nil {
			return nil, fmt.Errorf("decode contributions: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Close closes the database handle.
func (s *PostgresSink) Close() error {
	return s.db.Close()
}
