package audit

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// Repository writes audit logs.
//
// Expected schema:
//
//	CREATE TABLE audit_logs (
//		id             TEXT        PRIMARY KEY,
//		actor          TEXT        NOT NULL DEFAULT '',
//		role           TEXT        NOT NULL DEFAULT '',
//		action         TEXT        NOT NULL,
//		resource_type  TEXT        NOT NULL DEFAULT '',
//		resource_id    TEXT        NOT NULL DEFAULT '',
//		metadata       JSONB,
//		payload_digest TEXT        NOT NULL DEFAULT '',
//		ip             TEXT        NOT NULL DEFAULT '',
//		user_agent     TEXT        NOT NULL DEFAULT '',
//		created_at     TIMESTAMPTZ NOT NULL
//	);
type Repository struct {
	db *sql.DB
}

// NewRepository constructs an audit repository.
func NewRepository(db *sql.DB) *Repository {
	if db == nil {
		return nil
	}
	return &Repository{db: db}
}

// Log writes an audit entry.
func (r *Repository) Log(ctx context.Context, entry Entry) error {
	if r == nil || r.db == nil {
		return errors.New("audit repo: nil db")
	}
	if entry.ID == "" {
		entry.ID = NewID()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	if entry.PayloadDigest == "" {
		entry.PayloadDigest = DigestJSON(entry.Metadata)
	}

	_, err := r.db.ExecContext(ctx, `
INSERT INTO audit_logs (
	id, actor, role, action, resource_type, resource_id,
	metadata, payload_digest, ip, user_agent, created_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11
)`, entry.ID, entry.Actor, entry.Role, entry.Action, entry.ResourceType, entry.ResourceID,
		entry.Metadata, entry.PayloadDigest, entry.IP, entry.UserAgent, entry.CreatedAt)
	return err
}
