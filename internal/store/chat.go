package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ericksa/contractlens/internal/domain"
)

func scanSession(row rowScanner) (domain.ChatSession, error) {
	var cs domain.ChatSession
	var docID sql.NullString
	if err := row.Scan(&cs.ID, &cs.OwnerID, &docID, &cs.Title, &cs.CreatedAt); err != nil {
		return cs, err
	}
	if docID.Valid {
		cs.DocumentID = &docID.String
	}
	return cs, nil
}

func (s *Store) CreateSession(ctx context.Context, cs *domain.ChatSession) error {
	if cs.OwnerID == "" {
		return fmt.Errorf("%w: session requires an owner", domain.ErrInvalidInput)
	}
	if cs.ID == "" {
		cs.ID = uuid.NewString()
	}
	cs.CreatedAt = s.timestamp()

	var docID any
	if cs.DocumentID != nil {
		docID = *cs.DocumentID
	}
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO chat_sessions (id, owner_id, document_id, title, created_at) VALUES (?, ?, ?, ?, ?)`),
		cs.ID, cs.OwnerID, docID, cs.Title, cs.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create chat session: %w", err)
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, id string) (domain.ChatSession, error) {
	cs, err := scanSession(s.db.QueryRowContext(ctx, s.q(`SELECT id, owner_id, document_id, title, created_at FROM chat_sessions WHERE id = ?`), id))
	if isNoRows(err) {
		return cs, fmt.Errorf("session %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return cs, fmt.Errorf("failed to load chat session: %w", err)
	}
	return cs, nil
}

func (s *Store) SetSessionTitle(ctx context.Context, id, title string) error {
	_, err := s.db.ExecContext(ctx, s.q(`UPDATE chat_sessions SET title = ? WHERE id = ?`), title, id)
	if err != nil {
		return fmt.Errorf("failed to update session title: %w", err)
	}
	return nil
}

// ListSessions returns the owner's most recent sessions, newest first.
func (s *Store) ListSessions(ctx context.Context, ownerID string, limit int) ([]domain.ChatSession, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT id, owner_id, document_id, title, created_at FROM chat_sessions
		WHERE owner_id = ? ORDER BY created_at DESC, id LIMIT ?`), ownerID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list chat sessions: %w", err)
	}
	defer rows.Close()

	out := []domain.ChatSession{}
	for rows.Next() {
		cs, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cs)
	}
	return out, rows.Err()
}

const messageColumns = `id, session_id, seq, role, content, created_at`

func scanMessages(rows *sql.Rows) ([]domain.ChatMessage, error) {
	defer rows.Close()
	out := []domain.ChatMessage{}
	for rows.Next() {
		var m domain.ChatMessage
		var role string
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Seq, &role, &m.Content, &m.CreatedAt); err != nil {
			return nil, err
		}
		r, err := domain.ParseRole(role)
		if err != nil {
			return nil, err
		}
		m.Role = r
		out = append(out, m)
	}
	return out, rows.Err()
}

// ListMessages returns the whole session in seq order.
func (s *Store) ListMessages(ctx context.Context, sessionID string) ([]domain.ChatMessage, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT `+messageColumns+` FROM chat_messages WHERE session_id = ? ORDER BY seq`), sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list chat messages: %w", err)
	}
	return scanMessages(rows)
}

// RecentMessages returns the last n messages of a session, oldest first.
func (s *Store) RecentMessages(ctx context.Context, sessionID string, n int) ([]domain.ChatMessage, error) {
	if n <= 0 {
		return []domain.ChatMessage{}, nil
	}
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT `+messageColumns+` FROM chat_messages WHERE session_id = ? ORDER BY seq DESC LIMIT ?`), sessionID, n)
	if err != nil {
		return nil, fmt.Errorf("failed to read chat history: %w", err)
	}
	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// AppendMessage assigns the next seq in the session and a timestamp strictly
// after the previous message, then inserts m.
func (s *Store) AppendMessage(ctx context.Context, m *domain.ChatMessage) error {
	if _, err := domain.ParseRole(string(m.Role)); err != nil {
		return err
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var lastSeq int
		var lastAt time.Time
		err := tx.QueryRowContext(ctx, s.q(`SELECT seq, created_at FROM chat_messages WHERE session_id = ? ORDER BY seq DESC LIMIT 1`), m.SessionID).
			Scan(&lastSeq, &lastAt)
		if err != nil && !isNoRows(err) {
			return fmt.Errorf("failed to read last message: %w", err)
		}

		m.Seq = lastSeq + 1
		m.CreatedAt = s.timestamp()
		if lastSeq > 0 && !m.CreatedAt.After(lastAt) {
			m.CreatedAt = lastAt.UTC().Add(time.Microsecond)
		}

		_, err = tx.ExecContext(ctx, s.q(`INSERT INTO chat_messages (`+messageColumns+`) VALUES (?, ?, ?, ?, ?, ?)`),
			m.ID, m.SessionID, m.Seq, string(m.Role), m.Content, m.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to append chat message: %w", err)
		}
		return nil
	})
}
