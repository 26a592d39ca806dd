package store

import (
	"context"
	"fmt"

	"github.com/ericksa/contractlens/internal/domain"
)

// ContextRow is one analyzed clause joined with its document, as read by the
// context retriever.
type ContextRow struct {
	DocumentID   string
	DocumentName string
	Seq          int
	Label        string
	Title        string
	Body         string
	RiskLevel    domain.RiskLevel
	Summary      string
	Suggestion   string
}

// ContextRows returns analyzed clauses of the owner's done documents, newest
// document first and clauses in seq order, capped at limit. A non-nil
// documentID restricts the read to that document.
func (s *Store) ContextRows(ctx context.Context, ownerID string, documentID *string, limit int) ([]ContextRow, error) {
	query := `SELECT d.id, d.name, c.seq, c.label, c.title, c.body, a.risk_level, a.summary, a.suggestion
		FROM clauses c
		JOIN clause_analyses a ON a.clause_id = c.id
		JOIN documents d ON d.id = c.document_id
		WHERE d.owner_id = ? AND d.status = ?`
	args := []any{ownerID, string(domain.StatusDone)}
	if documentID != nil {
		query += ` AND d.id = ?`
		args = append(args, *documentID)
	}
	query += ` ORDER BY d.created_at DESC, d.id, c.seq LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query context rows: %w", err)
	}
	defer rows.Close()

	var out []ContextRow
	for rows.Next() {
		var r ContextRow
		var lvl string
		if err := rows.Scan(&r.DocumentID, &r.DocumentName, &r.Seq, &r.Label, &r.Title, &r.Body,
			&lvl, &r.Summary, &r.Suggestion); err != nil {
			return nil, err
		}
		if r.RiskLevel, err = domain.ParseRiskLevel(lvl); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
