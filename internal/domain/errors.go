package domain

import "errors"

var (
	// ErrUnreadableDocument means extraction produced no payload at all. Fatal for the job.
	ErrUnreadableDocument = errors.New("unreadable document")
	// ErrClassificationFailed covers model failure and responses with no valid record.
	ErrClassificationFailed = errors.New("classification failed")
	// ErrAlreadyAnalyzing is returned to the losing caller of a concurrent analyze.
	ErrAlreadyAnalyzing = errors.New("document is already being analyzed")
	// ErrAlreadyFinalized is returned when analyze targets a done or failed document.
	ErrAlreadyFinalized = errors.New("document analysis already finalized")
	// ErrAssistantUnavailable means the chat model call failed; the user message is kept.
	ErrAssistantUnavailable = errors.New("assistant unavailable")

	// ErrTimeout marks a run abandoned because its deadline passed.
	ErrTimeout = errors.New("deadline exceeded")

	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
)

// ReasonFor maps a pipeline error to the reason persisted on a failed Document.
func ReasonFor(err error) FailureReason {
	switch {
	case err == nil:
		return ReasonNone
	case errors.Is(err, ErrUnreadableDocument):
		return ReasonUnreadableDocument
	case errors.Is(err, ErrClassificationFailed):
		return ReasonClassificationFailed
	case errors.Is(err, ErrTimeout):
		return ReasonTimeout
	default:
		return ReasonInternal
	}
}
