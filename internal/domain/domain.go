// Package domain holds the entities shared by the analysis pipeline and the
// chat assistant, together with their closed enumerations.
package domain

import (
	"fmt"
	"strings"
	"time"
)

// Status is the lifecycle state of a Document.
type Status string

const (
	StatusUploaded  Status = "uploaded"
	StatusAnalyzing Status = "analyzing"
	StatusDone      Status = "done"
	StatusFailed    Status = "failed"
)

// transitions lists every legal lifecycle edge. Terminal states have none.
var transitions = map[Status][]Status{
	StatusUploaded:  {StatusAnalyzing},
	StatusAnalyzing: {StatusDone, StatusFailed},
}

// ParseStatus rejects anything outside the closed status set.
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusUploaded, StatusAnalyzing, StatusDone, StatusFailed:
		return st, nil
	}
	return "", fmt.Errorf("%w: unknown document status %q", ErrInvalidInput, s)
}

// CanTransition reports whether s may move to next.
func (s Status) CanTransition(next Status) bool {
	for _, t := range transitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusFailed
}

// RiskLevel is the classifier's verdict for one clause.
type RiskLevel string

const (
	RiskHigh   RiskLevel = "HIGH"
	RiskMedium RiskLevel = "MEDIUM"
	RiskLow    RiskLevel = "LOW"
)

// ParseRiskLevel accepts any casing and surrounding space but only the three levels.
func ParseRiskLevel(s string) (RiskLevel, error) {
	switch lvl := RiskLevel(strings.ToUpper(strings.TrimSpace(s))); lvl {
	case RiskHigh, RiskMedium, RiskLow:
		return lvl, nil
	}
	return "", fmt.Errorf("%w: unknown risk level %q", ErrInvalidInput, s)
}

// Role identifies the author of a chat message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

func ParseRole(s string) (Role, error) {
	switch r := Role(s); r {
	case RoleUser, RoleAssistant:
		return r, nil
	}
	return "", fmt.Errorf("%w: unknown chat role %q", ErrInvalidInput, s)
}

// FailureReason is the sanitized, client-safe explanation stored on a failed Document.
type FailureReason string

const (
	ReasonNone                 FailureReason = ""
	ReasonUnreadableDocument   FailureReason = "unreadable_document"
	ReasonClassificationFailed FailureReason = "classification_failed"
	ReasonTimeout              FailureReason = "timeout"
	ReasonInternal             FailureReason = "internal_error"
)

// Retryable reports whether a new analysis of the same upload may succeed.
func (r FailureReason) Retryable() bool {
	switch r {
	case ReasonClassificationFailed, ReasonTimeout, ReasonInternal:
		return true
	}
	return false
}

type Document struct {
	ID            string        `json:"id"`
	OwnerID       string        `json:"owner_id"`
	Name          string        `json:"name"`
	BlobKey       string        `json:"-"`
	Status        Status        `json:"status"`
	FailureReason FailureReason `json:"failure_reason,omitempty"`
	// RetriedAs names the document that retries this failed one.
	RetriedAs     string        `json:"retried_as,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// Clause is one provision of a Document. Seq is unique within the document and
// defines display and retrieval order. Label keeps the model's own numbering
// (e.g. "Article 5") for display.
type Clause struct {
	ID         string          `json:"id"`
	DocumentID string          `json:"document_id"`
	Seq        int             `json:"seq"`
	Label      string          `json:"label"`
	Title      string          `json:"title"`
	Body       string          `json:"body,omitempty"`
	Analysis   *ClauseAnalysis `json:"analysis,omitempty"`
}

type ClauseAnalysis struct {
	ID         string    `json:"id"`
	ClauseID   string    `json:"clause_id"`
	RiskLevel  RiskLevel `json:"risk_level"`
	Summary    string    `json:"summary"`
	Suggestion string    `json:"suggestion"`
}

type ChatSession struct {
	ID         string    `json:"id"`
	OwnerID    string    `json:"owner_id"`
	DocumentID *string   `json:"document_id,omitempty"`
	Title      string    `json:"title"`
	CreatedAt  time.Time `json:"created_at"`
}

type ChatMessage struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Seq       int       `json:"seq"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// DocumentSummary is the list projection of a Document.
type DocumentSummary struct {
	Document
	ClauseCount int `json:"clause_count"`
	RiskCount   int `json:"risk_count"`
}
