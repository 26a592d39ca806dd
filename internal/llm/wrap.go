package llm

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ericksa/contractlens/internal/audit"
	"github.com/ericksa/contractlens/internal/logging"
	"github.com/ericksa/contractlens/internal/metrics"
)

// Limited bounds the outbound call rate shared by every caller of next.
type Limited struct {
	next    Completer
	limiter *rate.Limiter
}

func NewLimited(next Completer, limiter *rate.Limiter) *Limited {
	return &Limited{next: next, limiter: limiter}
}

func (l *Limited) Complete(ctx context.Context, req Request) (Response, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return Response{}, fmt.Errorf("rate limiter error: %w", err)
	}
	return l.next.Complete(ctx, req)
}

// Instrumented records latency, outcome and an audit row for every call.
type Instrumented struct {
	next     Completer
	provider string
	metrics  *metrics.Metrics
	audit    *audit.Auditor
	logger   *zap.Logger
}

func NewInstrumented(next Completer, provider string, mx *metrics.Metrics, aud *audit.Auditor, logger *zap.Logger) *Instrumented {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Instrumented{next: next, provider: provider, metrics: mx, audit: aud, logger: logger}
}

func (i *Instrumented) Complete(ctx context.Context, req Request) (Response, error) {
	if req.SubjectID == "" {
		req.SubjectID = logging.DocumentIDFromContext(ctx)
	}
	if req.SubjectID == "" {
		req.SubjectID = logging.SessionIDFromContext(ctx)
	}

	start := time.Now()
	resp, err := i.next.Complete(ctx, req)
	elapsed := time.Since(start)

	i.metrics.ObserveModelCall(req.Operation, i.provider, elapsed, err)

	entry := audit.Entry{
		Operation:     req.Operation,
		Provider:      i.provider,
		Model:         resp.Model,
		SubjectID:     req.SubjectID,
		Images:        req.imageCount(),
		PromptChars:   req.promptChars(),
		ResponseChars: len(resp.Text),
		Duration:      elapsed,
	}
	log := logging.For(ctx, i.logger).With(
		zap.String("operation", req.Operation),
		zap.String("provider", i.provider),
		zap.Duration("duration", elapsed),
		zap.Int("images", entry.Images),
	)
	if err != nil {
		entry.Error = err.Error()
		log.Warn("model call failed", zap.Error(err))
	} else {
		log.Info("model call completed", zap.String("model", resp.Model), zap.Int("response_chars", entry.ResponseChars))
		log.Debug("model output", zap.String("text", resp.Text))
	}
	i.audit.Log(ctx, entry)
	return resp, err
}
