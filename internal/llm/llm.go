// Package llm is the language model boundary: a provider-neutral request
// shape, an OpenAI-compatible client, a Gemini client, and wrappers that add
// rate limiting, metrics and auditing.
package llm

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ericksa/contractlens/internal/audit"
	"github.com/ericksa/contractlens/internal/config"
	"github.com/ericksa/contractlens/internal/metrics"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Image is a base64-encoded picture attached to a message.
type Image struct {
	MIMEType string
	Data     string
}

type Message struct {
	Role    Role
	Content string
	Images  []Image
}

type Request struct {
	// Operation and SubjectID label the call in metrics and the audit log.
	Operation string
	SubjectID string

	System   string
	Messages []Message
	// JSON asks the provider to constrain the reply to a JSON object.
	JSON bool
}

// HasImages reports whether any message carries an image; providers switch to
// their vision model when it does.
func (r Request) HasImages() bool {
	for _, m := range r.Messages {
		if len(m.Images) > 0 {
			return true
		}
	}
	return false
}

func (r Request) promptChars() int {
	n := len(r.System)
	for _, m := range r.Messages {
		n += len(m.Content)
	}
	return n
}

func (r Request) imageCount() int {
	n := 0
	for _, m := range r.Messages {
		n += len(m.Images)
	}
	return n
}

type Response struct {
	Text  string
	Model string
}

// Completer sends one request to a model and returns its reply.
type Completer interface {
	Complete(ctx context.Context, req Request) (Response, error)
}

// Provider is a Completer that knows its own name.
type Provider interface {
	Completer
	Name() string
}

// New builds the configured provider wrapped with rate limiting and
// instrumentation. mx and aud may be nil.
func New(ctx context.Context, cfg config.LLMConfig, mx *metrics.Metrics, aud *audit.Auditor, logger *zap.Logger) (Completer, error) {
	var p Provider
	switch strings.ToLower(cfg.Provider) {
	case "openai", "":
		p = NewOpenAIClient(cfg)
	case "gemini":
		g, err := NewGeminiClient(ctx, cfg)
		if err != nil {
			return nil, err
		}
		p = g
	default:
		return nil, fmt.Errorf("unsupported llm provider: %q", cfg.Provider)
	}

	limited := NewLimited(p, rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst))
	return NewInstrumented(limited, p.Name(), mx, aud, logger), nil
}
