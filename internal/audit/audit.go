// Package audit keeps a durable record of every language model invocation,
// duplicates included.
package audit

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ericksa/contractlens/internal/store"
)

type Auditor struct {
	db      *sql.DB
	dialect store.Dialect
	logger  *zap.Logger
}

type Entry struct {
	ID            string        `json:"id"`
	Operation     string        `json:"operation"`
	Provider      string        `json:"provider"`
	Model         string        `json:"model"`
	SubjectID     string        `json:"subject_id,omitempty"`
	Images        int           `json:"images"`
	PromptChars   int           `json:"prompt_chars"`
	ResponseChars int           `json:"response_chars"`
	Duration      time.Duration `json:"duration"`
	Error         string        `json:"error,omitempty"`
	Timestamp     time.Time     `json:"timestamp"`
}

// New writes to the model_audit table of s.
func New(s *store.Store, logger *zap.Logger) *Auditor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Auditor{db: s.DB(), dialect: s.Dialect(), logger: logger}
}

// Log records e. Failures are logged and never surface to the caller.
func (a *Auditor) Log(ctx context.Context, e Entry) {
	if a == nil || a.db == nil {
		return
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC().Truncate(time.Microsecond)
	}
	// the audit row must survive a caller whose deadline just expired
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	_, err := a.db.ExecContext(ctx, a.dialect.Rebind(`INSERT INTO model_audit
		(id, operation, provider, model, subject_id, images, prompt_chars, response_chars, duration_ms, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		e.ID, e.Operation, e.Provider, e.Model, e.SubjectID, e.Images, e.PromptChars, e.ResponseChars,
		e.Duration.Milliseconds(), e.Error, e.Timestamp)
	if err != nil {
		a.logger.Warn("failed to write audit log", zap.Error(err), zap.String("operation", e.Operation))
	}
}

// Recent returns the newest entries first.
func (a *Auditor) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if a == nil || a.db == nil {
		return nil, nil
	}
	rows, err := a.db.QueryContext(ctx, a.dialect.Rebind(`SELECT id, operation, provider, model, subject_id, images,
		prompt_chars, response_chars, duration_ms, error, created_at
		FROM model_audit ORDER BY created_at DESC LIMIT ?`), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var ms int64
		if err := rows.Scan(&e.ID, &e.Operation, &e.Provider, &e.Model, &e.SubjectID, &e.Images,
			&e.PromptChars, &e.ResponseChars, &ms, &e.Error, &e.Timestamp); err != nil {
			return nil, err
		}
		e.Duration = time.Duration(ms) * time.Millisecond
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
