package provenance

import (
	"encoding/json"

	"github.com/jmoiron/sqlx"

	"github.com/homewalk/tourforge/internal/errs"
)

// PostgresSink writes records into the provenance_records table:
//
//	CREATE TABLE provenance_records (
//	    id          BIGSERIAL PRIMARY KEY,
//	    record_type TEXT        NOT NULL,
//	    asset_id    TEXT        NOT NULL,
//	    ts          TIMESTAMPTZ NOT NULL,
//	    seq         BIGINT      NOT NULL,
//	    actor_id    TEXT,
//	    actor_email TEXT,
//	    details     JSONB       NOT NULL
//	);
//
// Inserts only; nothing in this codebase updates or deletes rows.
type PostgresSink struct {
	db *sqlx.DB
}

func NewPostgresSink(db *sqlx.DB) *PostgresSink {
	return &PostgresSink{db: db}
}

const insertRecord = `INSERT INTO provenance_records
    (record_type, asset_id, ts, seq, actor_id, actor_email, details)
    VALUES ($1, $2, $3, $4, $5, $6, $7)`

func (s *PostgresSink) Emit(rec Record) error {
	details, err := json.Marshal(rec.Details)
	if err != nil {
		return errs.Unexpected("marshal provenance details", err)
	}
	if _, err := s.db.Exec(insertRecord,
		string(rec.Type), rec.AssetID, rec.Timestamp, rec.Seq,
		nullable(rec.ActorID), nullable(rec.ActorEmail), details); err != nil {
		return errs.IO("insert provenance record", err)
	}
	return nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
