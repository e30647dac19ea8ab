package regression

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/homewalk/tourforge/internal/errs"
)

// PostgresStore persists baselines in the quality_baselines table:
//
//	CREATE TABLE quality_baselines (
//	    asset_id          TEXT PRIMARY KEY,
//	    source_digest     TEXT        NOT NULL,
//	    output_digest     TEXT        NOT NULL,
//	    converter_version TEXT        NOT NULL,
//	    qa_score          DOUBLE PRECISION NOT NULL,
//	    phash_baseline    TEXT,
//	    ssim_baseline     DOUBLE PRECISION,
//	    recorded_at       TIMESTAMPTZ NOT NULL
//	);
type PostgresStore struct {
	db *sqlx.DB
}

func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

type baselineRow struct {
	AssetID          string    `db:"asset_id"`
	SourceDigest     string    `db:"source_digest"`
	OutputDigest     string    `db:"output_digest"`
	ConverterVersion string    `db:"converter_version"`
	QAScore          float64   `db:"qa_score"`
	PHashBaseline    *string   `db:"phash_baseline"`
	SSIMBaseline     *float64  `db:"ssim_baseline"`
	RecordedAt       time.Time `db:"recorded_at"`
}

// LoadAll fetches every stored baseline.
func (s *PostgresStore) LoadAll(ctx context.Context) ([]Baseline, error) {
	var rows []baselineRow
	err := s.db.SelectContext(ctx, &rows, `SELECT asset_id, source_digest, output_digest,
        converter_version, qa_score, phash_baseline, ssim_baseline, recorded_at
        FROM quality_baselines`)
	if err != nil {
		return nil, errs.IO("load baselines", err)
	}

	out := make([]Baseline, 0, len(rows))
	for _, r := range rows {
		b := Baseline{
			AssetID:          r.AssetID,
			SourceDigest:     r.SourceDigest,
			OutputDigest:     r.OutputDigest,
			ConverterVersion: r.ConverterVersion,
			QAScore:          r.QAScore,
			RecordedAt:       r.RecordedAt,
		}
		if r.PHashBaseline != nil {
			b.PHashBaseline = *r.PHashBaseline
		}
		if r.SSIMBaseline != nil {
			b.SSIMBaseline = *r.SSIMBaseline
		}
		out = append(out, b)
	}
	return out, nil
}

// Save upserts one baseline.
func (s *PostgresStore) Save(ctx context.Context, b Baseline) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO quality_baselines
        (asset_id, source_digest, output_digest, converter_version, qa_score,
         phash_baseline, ssim_baseline, recorded_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
        ON CONFLICT (asset_id) DO UPDATE SET
            source_digest = EXCLUDED.source_digest,
            output_digest = EXCLUDED.output_digest,
            converter_version = EXCLUDED.converter_version,
            qa_score = EXCLUDED.qa_score,
            phash_baseline = EXCLUDED.phash_baseline,
            ssim_baseline = EXCLUDED.ssim_baseline,
            recorded_at = EXCLUDED.recorded_at`,
		b.AssetID, b.SourceDigest, b.OutputDigest, b.ConverterVersion, b.QAScore,
		nullable(b.PHashBaseline), b.SSIMBaseline, b.RecordedAt)
	if err != nil {
		return errs.IO("save baseline", err)
	}
	return nil
}

// LoadFrom seeds the harness from store, replacing the current map.
func (h *Harness) LoadFrom(ctx context.Context, store *PostgresStore) error {
	list, err := store.LoadAll(ctx)
	if err != nil {
		return err
	}
	fresh := make(map[string]Baseline, len(list))
	for _, b := range list {
		fresh[b.AssetID] = b
	}
	h.mu.Lock()
	h.baselines = fresh
	h.mu.Unlock()
	return nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
