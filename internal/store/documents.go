package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ericksa/contractlens/internal/domain"
)

const documentColumns = `id, owner_id, name, blob_key, status, failure_reason, retried_as, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner, extra ...any) (domain.Document, error) {
	var d domain.Document
	var status, reason string
	dest := append([]any{&d.ID, &d.OwnerID, &d.Name, &d.BlobKey, &status, &reason, &d.RetriedAs, &d.CreatedAt, &d.UpdatedAt}, extra...)
	if err := row.Scan(dest...); err != nil {
		return d, err
	}
	st, err := domain.ParseStatus(status)
	if err != nil {
		return d, err
	}
	d.Status = st
	d.FailureReason = domain.FailureReason(reason)
	return d, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// CreateDocument inserts d in the uploaded state. ID and timestamps are
// assigned when empty.
func (s *Store) CreateDocument(ctx context.Context, d *domain.Document) error {
	return s.insertDocument(ctx, s.db, d)
}

func (s *Store) insertDocument(ctx context.Context, ex execer, d *domain.Document) error {
	if d.OwnerID == "" || d.Name == "" || d.BlobKey == "" {
		return fmt.Errorf("%w: document requires owner, name and blob key", domain.ErrInvalidInput)
	}
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	now := s.timestamp()
	d.Status = domain.StatusUploaded
	d.FailureReason = domain.ReasonNone
	d.RetriedAs = ""
	d.CreatedAt, d.UpdatedAt = now, now

	_, err := ex.ExecContext(ctx, s.q(`INSERT INTO documents (`+documentColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		d.ID, d.OwnerID, d.Name, d.BlobKey, string(d.Status), string(d.FailureReason), d.RetriedAs, d.CreatedAt, d.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert document: %w", err)
	}
	return nil
}

// ClaimRetry records next as the single retry of the failed document failedID
// and inserts it in the uploaded state, in one transaction. It reports false,
// inserting nothing, when the document is not failed or was already retried.
func (s *Store) ClaimRetry(ctx context.Context, failedID string, next *domain.Document) (bool, error) {
	if next.ID == "" {
		next.ID = uuid.NewString()
	}
	claimed := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, s.q(`UPDATE documents SET retried_as = ?, updated_at = ? WHERE id = ? AND status = ? AND retried_as = ''`),
			next.ID, s.timestamp(), failedID, string(domain.StatusFailed))
		if err != nil {
			return fmt.Errorf("failed to claim retry: %w", err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return nil
		}
		if err := s.insertDocument(ctx, tx, next); err != nil {
			return err
		}
		claimed = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return claimed, nil
}

// GetDocument returns domain.ErrNotFound when no row matches.
func (s *Store) GetDocument(ctx context.Context, id string) (domain.Document, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+documentColumns+` FROM documents WHERE id = ?`), id)
	d, err := scanDocument(row)
	if isNoRows(err) {
		return d, fmt.Errorf("document %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return d, fmt.Errorf("failed to load document: %w", err)
	}
	return d, nil
}

// TransitionStatus moves a document from one status to the next only if it is
// currently in from. It reports whether this call performed the change.
func (s *Store) TransitionStatus(ctx context.Context, id string, from, to domain.Status) (bool, error) {
	if !from.CanTransition(to) {
		return false, fmt.Errorf("%w: illegal transition %s -> %s", domain.ErrInvalidInput, from, to)
	}
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE documents SET status = ?, updated_at = ? WHERE id = ? AND status = ?`),
		string(to), s.timestamp(), id, string(from))
	if err != nil {
		return false, fmt.Errorf("failed to update document status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// FinalizeDocument writes the whole clause set and moves the document from
// analyzing to done in one transaction. Nothing is committed once ctx is done.
func (s *Store) FinalizeDocument(ctx context.Context, id string, clauses []domain.Clause) error {
	if len(clauses) == 0 {
		return fmt.Errorf("%w: no clauses to store", domain.ErrInvalidInput)
	}
	for i := range clauses {
		c := &clauses[i]
		if c.Analysis == nil || c.Title == "" || c.Seq <= 0 {
			return fmt.Errorf("%w: clause %d is incomplete", domain.ErrInvalidInput, c.Seq)
		}
		lvl, err := domain.ParseRiskLevel(string(c.Analysis.RiskLevel))
		if err != nil {
			return err
		}
		c.Analysis.RiskLevel = lvl
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		insertClause := s.q(`INSERT INTO clauses (id, document_id, seq, label, title, body) VALUES (?, ?, ?, ?, ?, ?)`)
		insertAnalysis := s.q(`INSERT INTO clause_analyses (id, clause_id, risk_level, summary, suggestion) VALUES (?, ?, ?, ?, ?)`)
		for i := range clauses {
			c := &clauses[i]
			c.ID = uuid.NewString()
			c.DocumentID = id
			c.Analysis.ID = uuid.NewString()
			c.Analysis.ClauseID = c.ID
			if _, err := tx.ExecContext(ctx, insertClause, c.ID, id, c.Seq, c.Label, c.Title, c.Body); err != nil {
				return fmt.Errorf("failed to insert clause %d: %w", c.Seq, err)
			}
			if _, err := tx.ExecContext(ctx, insertAnalysis, c.Analysis.ID, c.ID, string(c.Analysis.RiskLevel), c.Analysis.Summary, c.Analysis.Suggestion); err != nil {
				return fmt.Errorf("failed to insert analysis for clause %d: %w", c.Seq, err)
			}
		}

		res, err := tx.ExecContext(ctx, s.q(`UPDATE documents SET status = ?, failure_reason = '', updated_at = ? WHERE id = ? AND status = ?`),
			string(domain.StatusDone), s.timestamp(), id, string(domain.StatusAnalyzing))
		if err != nil {
			return fmt.Errorf("failed to mark document done: %w", err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return fmt.Errorf("document %s is no longer analyzing", id)
		}

		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: refusing to commit late result", domain.ErrTimeout)
		}
		return nil
	})
}

// FailDocument moves an analyzing document to failed with reason.
func (s *Store) FailDocument(ctx context.Context, id string, reason domain.FailureReason) error {
	if reason == domain.ReasonNone {
		reason = domain.ReasonInternal
	}
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE documents SET status = ?, failure_reason = ?, updated_at = ? WHERE id = ? AND status = ?`),
		string(domain.StatusFailed), string(reason), s.timestamp(), id, string(domain.StatusAnalyzing))
	if err != nil {
		return fmt.Errorf("failed to mark document failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return fmt.Errorf("document %s is no longer analyzing", id)
	}
	return nil
}

// ListDocuments returns the owner's documents newest first with clause and
// HIGH-risk counts.
func (s *Store) ListDocuments(ctx context.Context, ownerID string) ([]domain.DocumentSummary, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT `+documentColumns+`,
		(SELECT COUNT(*) FROM clauses c WHERE c.document_id = documents.id),
		(SELECT COUNT(*) FROM clauses c JOIN clause_analyses a ON a.clause_id = c.id
			WHERE c.document_id = documents.id AND a.risk_level = 'HIGH')
		FROM documents WHERE owner_id = ? ORDER BY created_at DESC, id`), ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	defer rows.Close()

	out := []domain.DocumentSummary{}
	for rows.Next() {
		var sum domain.DocumentSummary
		d, err := scanDocument(rows, &sum.ClauseCount, &sum.RiskCount)
		if err != nil {
			return nil, err
		}
		sum.Document = d
		out = append(out, sum)
	}
	return out, rows.Err()
}

// ListClauses returns a document's clauses with their analyses in seq order.
func (s *Store) ListClauses(ctx context.Context, documentID string) ([]domain.Clause, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT c.id, c.document_id, c.seq, c.label, c.title, c.body,
		a.id, a.risk_level, a.summary, a.suggestion
		FROM clauses c JOIN clause_analyses a ON a.clause_id = c.id
		WHERE c.document_id = ? ORDER BY c.seq`), documentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list clauses: %w", err)
	}
	defer rows.Close()

	out := []domain.Clause{}
	for rows.Next() {
		var c domain.Clause
		a := &domain.ClauseAnalysis{}
		var lvl string
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.Seq, &c.Label, &c.Title, &c.Body,
			&a.ID, &lvl, &a.Summary, &a.Suggestion); err != nil {
			return nil, err
		}
		if a.RiskLevel, err = domain.ParseRiskLevel(lvl); err != nil {
			return nil, err
		}
		a.ClauseID = c.ID
		c.Analysis = a
		out = append(out, c)
	}
	return out, rows.Err()
}

// DeleteDocument removes an owner's document together with its clauses,
// analyses and document-scoped chat history. Documents under analysis are kept
// and domain.ErrAlreadyAnalyzing is returned.
func (s *Store) DeleteDocument(ctx context.Context, id, ownerID string) (domain.Document, error) {
	var doc domain.Document
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		doc, err = scanDocument(tx.QueryRowContext(ctx, s.q(`SELECT `+documentColumns+` FROM documents WHERE id = ? AND owner_id = ?`), id, ownerID))
		if isNoRows(err) {
			return fmt.Errorf("document %s: %w", id, domain.ErrNotFound)
		}
		if err != nil {
			return err
		}
		if doc.Status == domain.StatusAnalyzing {
			return fmt.Errorf("document %s: %w", id, domain.ErrAlreadyAnalyzing)
		}

		stmts := []string{
			`DELETE FROM chat_messages WHERE session_id IN (SELECT id FROM chat_sessions WHERE document_id = ?)`,
			`DELETE FROM chat_sessions WHERE document_id = ?`,
			`DELETE FROM clause_analyses WHERE clause_id IN (SELECT id FROM clauses WHERE document_id = ?)`,
			`DELETE FROM clauses WHERE document_id = ?`,
		}
		for _, stmt := range stmts {
			if _, err := tx.ExecContext(ctx, s.q(stmt), id); err != nil {
				return fmt.Errorf("failed to delete document data: %w", err)
			}
		}
		res, err := tx.ExecContext(ctx, s.q(`DELETE FROM documents WHERE id = ? AND status <> ?`), id, string(domain.StatusAnalyzing))
		if err != nil {
			return fmt.Errorf("failed to delete document: %w", err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return fmt.Errorf("document %s: %w", id, domain.ErrAlreadyAnalyzing)
		}
		return nil
	})
	return doc, err
}

// CountBlobReferences reports how many documents share a stored upload.
// Retried documents reuse the blob of the failed original.
func (s *Store) CountBlobReferences(ctx context.Context, blobKey string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM documents WHERE blob_key = ?`), blobKey).Scan(&n)
	return n, err
}

// FailStaleAnalyses marks documents stuck in analyzing since before cutoff as
// timed out. A process restart leaves such rows behind.
func (s *Store) FailStaleAnalyses(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE documents SET status = ?, failure_reason = ?, updated_at = ? WHERE status = ? AND updated_at < ?`),
		string(domain.StatusFailed), string(domain.ReasonTimeout), s.timestamp(), string(domain.StatusAnalyzing), cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to expire stale analyses: %w", err)
	}
	return res.RowsAffected()
}
