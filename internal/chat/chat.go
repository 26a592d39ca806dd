// Package chat answers questions about a user's analyzed contracts, keeping a
// per-session conversation history.
package chat

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/ericksa/contractlens/internal/domain"
	"github.com/ericksa/contractlens/internal/llm"
	"github.com/ericksa/contractlens/internal/logging"
	"github.com/ericksa/contractlens/internal/metrics"
	"github.com/ericksa/contractlens/internal/retrieval"
	"github.com/ericksa/contractlens/internal/store"
)

const (
	NewSessionTitle = "New consultation"
	// ApologyReply replaces a blank model answer.
	ApologyReply = "Sorry, I couldn't come up with an answer. Could you rephrase the question?"

	contextPlaceholder = "{context}"
	truncationNote     = "\n\n... (context truncated)"
	titleRunes         = 50
	sessionListLimit   = 20
)

const DefaultSystemPrompt = `You are a contract review assistant. You explain the analysis of the contracts the user uploaded and answer legal questions about them.

Rules:
- Explain unfavorable clauses plainly and say why they are risky.
- When citing a clause use the form "<number> - <title>".
- When suggesting a change, give concrete wording.
- Your answers are for reference only and are not legal advice; recommend a lawyer for anything you are unsure of.

The user's analyzed contract data follows. Base your answers on it:

{context}`

const DefaultNoContextPrompt = `You are a contract review assistant. The user has not uploaded any analyzed contract yet, so you have no contract data to refer to.

Answer general contract and legal questions, say clearly that you cannot see any of their documents, and suggest uploading a contract for a clause-by-clause review. Your answers are for reference only and are not legal advice.`

// ContextBuilder produces the context block for a turn.
type ContextBuilder interface {
	Build(ctx context.Context, userID string, documentID *string) (retrieval.Block, error)
}

type Config struct {
	HistoryWindow   int
	MaxContextChars int
	Timeout         time.Duration
	SystemPrompt    string
	NoContextPrompt string
}

type Orchestrator struct {
	cfg     Config
	store   *store.Store
	context ContextBuilder
	model   llm.Completer
	locks   *keyedMutex
	metrics *metrics.Metrics
	logger  *zap.Logger
}

func New(cfg Config, s *store.Store, cb ContextBuilder, model llm.Completer, mx *metrics.Metrics, logger *zap.Logger) *Orchestrator {
	if cfg.HistoryWindow < 0 {
		cfg.HistoryWindow = 0
	}
	if cfg.MaxContextChars <= 0 {
		cfg.MaxContextChars = 12000
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if strings.TrimSpace(cfg.SystemPrompt) == "" {
		cfg.SystemPrompt = DefaultSystemPrompt
	}
	if strings.TrimSpace(cfg.NoContextPrompt) == "" {
		cfg.NoContextPrompt = DefaultNoContextPrompt
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		cfg:     cfg,
		store:   s,
		context: cb,
		model:   model,
		locks:   newKeyedMutex(),
		metrics: mx,
		logger:  logger,
	}
}

type SendRequest struct {
	// SessionID is empty to start a new session.
	SessionID  string
	UserID     string
	DocumentID *string
	Message    string
}

// Reply is the outcome of a turn. Assistant is nil when the model failed; the
// user message is stored either way.
type Reply struct {
	Session   domain.ChatSession  `json:"session"`
	User      domain.ChatMessage  `json:"user_message"`
	Assistant *domain.ChatMessage `json:"message,omitempty"`
}

// Send runs one turn. Turns of the same session never interleave.
func (o *Orchestrator) Send(ctx context.Context, req SendRequest) (Reply, error) {
	message := strings.TrimSpace(req.Message)
	if req.UserID == "" || message == "" {
		return Reply{}, fmt.Errorf("%w: user and message are required", domain.ErrInvalidInput)
	}
	if req.DocumentID != nil {
		if err := o.checkDocument(ctx, *req.DocumentID, req.UserID); err != nil {
			return Reply{}, err
		}
	}

	session, err := o.resolveSession(ctx, req)
	if err != nil {
		return Reply{}, err
	}
	ctx = logging.WithSessionID(ctx, session.ID)
	log := logging.For(ctx, o.logger)

	unlock, err := o.locks.Lock(ctx, session.ID)
	if err != nil {
		return Reply{Session: session}, err
	}
	defer unlock()

	reply, err := o.turn(ctx, session, req, message)
	o.metrics.ObserveChatTurn(err)
	if err != nil {
		log.Warn("chat turn failed", zap.Error(err))
	}
	return reply, err
}

func (o *Orchestrator) turn(ctx context.Context, session domain.ChatSession, req SendRequest, message string) (Reply, error) {
	reply := Reply{Session: session}
	scope := req.DocumentID
	if scope == nil {
		scope = session.DocumentID
	}

	history, err := o.store.RecentMessages(ctx, session.ID, o.cfg.HistoryWindow)
	if err != nil {
		return reply, err
	}
	block, err := o.context.Build(ctx, req.UserID, scope)
	if err != nil {
		return reply, err
	}
	llmReq := o.buildRequest(block, history, message)

	reply.User = domain.ChatMessage{SessionID: session.ID, Role: domain.RoleUser, Content: message}
	if err := o.store.AppendMessage(ctx, &reply.User); err != nil {
		return reply, err
	}
	if len(history) == 0 {
		title := truncateRunes(message, titleRunes)
		if err := o.store.SetSessionTitle(ctx, session.ID, title); err != nil {
			return reply, err
		}
		reply.Session.Title = title
	}

	callCtx, cancel := context.WithTimeout(ctx, o.cfg.Timeout)
	defer cancel()
	resp, err := o.model.Complete(callCtx, llmReq)
	if err != nil {
		return reply, fmt.Errorf("%w: %v", domain.ErrAssistantUnavailable, err)
	}
	// a model that ignores its context may answer past the deadline
	if err := callCtx.Err(); err != nil {
		return reply, fmt.Errorf("%w: %v", domain.ErrAssistantUnavailable, err)
	}

	text := strings.TrimSpace(resp.Text)
	if text == "" {
		text = ApologyReply
	}
	assistant := domain.ChatMessage{SessionID: session.ID, Role: domain.RoleAssistant, Content: text}
	// the answer arrived in time; store it even if the caller leaves now
	if err := o.store.AppendMessage(context.WithoutCancel(ctx), &assistant); err != nil {
		return reply, err
	}
	reply.Assistant = &assistant
	return reply, nil
}

func (o *Orchestrator) buildRequest(block retrieval.Block, history []domain.ChatMessage, message string) llm.Request {
	system := o.cfg.NoContextPrompt
	if !block.Empty {
		text := block.Text
		if utf8.RuneCountInString(text) > o.cfg.MaxContextChars {
			text = truncateRunes(text, o.cfg.MaxContextChars) + truncationNote
		}
		if strings.Contains(o.cfg.SystemPrompt, contextPlaceholder) {
			system = strings.Replace(o.cfg.SystemPrompt, contextPlaceholder, text, 1)
		} else {
			system = o.cfg.SystemPrompt + "\n\n" + text
		}
	}

	msgs := make([]llm.Message, 0, len(history)+1)
	for _, m := range history {
		role := llm.RoleUser
		if m.Role == domain.RoleAssistant {
			role = llm.RoleAssistant
		}
		msgs = append(msgs, llm.Message{Role: role, Content: m.Content})
	}
	msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: message})
	return llm.Request{Operation: "chat", System: system, Messages: msgs}
}

func (o *Orchestrator) resolveSession(ctx context.Context, req SendRequest) (domain.ChatSession, error) {
	if req.SessionID == "" {
		session := domain.ChatSession{OwnerID: req.UserID, DocumentID: req.DocumentID, Title: NewSessionTitle}
		if err := o.store.CreateSession(ctx, &session); err != nil {
			return domain.ChatSession{}, err
		}
		logging.For(ctx, o.logger).Info("chat session created", zap.String("session.id", session.ID))
		return session, nil
	}
	return o.ownedSession(ctx, req.SessionID, req.UserID)
}

func (o *Orchestrator) ownedSession(ctx context.Context, sessionID, userID string) (domain.ChatSession, error) {
	session, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		return domain.ChatSession{}, err
	}
	if session.OwnerID != userID {
		return domain.ChatSession{}, fmt.Errorf("session %s: %w", sessionID, domain.ErrNotFound)
	}
	return session, nil
}

func (o *Orchestrator) checkDocument(ctx context.Context, documentID, userID string) error {
	doc, err := o.store.GetDocument(ctx, documentID)
	if err != nil {
		return err
	}
	if doc.OwnerID != userID {
		return fmt.Errorf("document %s: %w", documentID, domain.ErrNotFound)
	}
	return nil
}

// Sessions lists the user's most recent sessions, newest first.
func (o *Orchestrator) Sessions(ctx context.Context, userID string) ([]domain.ChatSession, error) {
	return o.store.ListSessions(ctx, userID, sessionListLimit)
}

// Messages returns a session's full history in order.
func (o *Orchestrator) Messages(ctx context.Context, sessionID, userID string) ([]domain.ChatMessage, error) {
	if _, err := o.ownedSession(ctx, sessionID, userID); err != nil {
		return nil, err
	}
	return o.store.ListMessages(ctx, sessionID)
}

func truncateRunes(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max])
}
