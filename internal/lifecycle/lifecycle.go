// Package lifecycle drives a document from upload to a terminal analysis
// status: uploaded -> analyzing -> done | failed.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ericksa/contractlens/internal/blob"
	"github.com/ericksa/contractlens/internal/classify"
	"github.com/ericksa/contractlens/internal/domain"
	"github.com/ericksa/contractlens/internal/extract"
	"github.com/ericksa/contractlens/internal/logging"
	"github.com/ericksa/contractlens/internal/metrics"
	"github.com/ericksa/contractlens/internal/store"
)

type Extractor interface {
	Extract(ctx context.Context, raw []byte) (extract.Payload, error)
}

type Classifier interface {
	Classify(ctx context.Context, payload extract.Payload) ([]classify.Record, error)
}

// CacheInvalidator drops derived data cached for an owner.
type CacheInvalidator interface {
	Invalidate(ownerID string)
}

type Config struct {
	AnalyzeTimeout time.Duration
}

type Controller struct {
	cfg         Config
	store       *store.Store
	blobs       blob.Store
	extractor   Extractor
	classifier  Classifier
	invalidator CacheInvalidator
	metrics     *metrics.Metrics
	logger      *zap.Logger
}

type Options struct {
	Store       *store.Store
	Blobs       blob.Store
	Extractor   Extractor
	Classifier  Classifier
	Invalidator CacheInvalidator // optional
	Metrics     *metrics.Metrics // optional
	Logger      *zap.Logger
}

func New(cfg Config, opts Options) *Controller {
	if cfg.AnalyzeTimeout <= 0 {
		cfg.AnalyzeTimeout = 120 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Controller{
		cfg:         cfg,
		store:       opts.Store,
		blobs:       opts.Blobs,
		extractor:   opts.Extractor,
		classifier:  opts.Classifier,
		invalidator: opts.Invalidator,
		metrics:     opts.Metrics,
		logger:      opts.Logger,
	}
}

// Result is a document with its clauses. Clauses is non-empty only when the
// document is done.
type Result struct {
	Document domain.Document `json:"document"`
	Clauses  []domain.Clause `json:"clauses,omitempty"`
}

// Upload stores the raw bytes and creates the document in the uploaded state.
func (c *Controller) Upload(ctx context.Context, ownerID, name string, raw []byte) (domain.Document, error) {
	name = strings.TrimSpace(name)
	if ownerID == "" || name == "" {
		return domain.Document{}, fmt.Errorf("%w: owner and file name are required", domain.ErrInvalidInput)
	}
	if len(raw) == 0 {
		return domain.Document{}, fmt.Errorf("%w: empty upload", domain.ErrInvalidInput)
	}

	id := uuid.NewString()
	doc := domain.Document{ID: id, OwnerID: ownerID, Name: name, BlobKey: "documents/" + id}
	if err := c.blobs.Put(ctx, doc.BlobKey, raw, "application/pdf"); err != nil {
		return domain.Document{}, fmt.Errorf("failed to store upload: %w", err)
	}
	if err := c.store.CreateDocument(ctx, &doc); err != nil {
		if derr := c.blobs.Delete(context.WithoutCancel(ctx), doc.BlobKey); derr != nil {
			c.logger.Warn("failed to remove orphaned blob", zap.String("blob_key", doc.BlobKey), zap.Error(derr))
		}
		return domain.Document{}, err
	}
	logging.For(ctx, c.logger).Info("document uploaded", zap.String("document.id", doc.ID), zap.Int("bytes", len(raw)))
	return doc, nil
}

// Analyze runs extraction and classification for an uploaded document. Only
// one caller wins the uploaded -> analyzing transition; the others get
// domain.ErrAlreadyAnalyzing, or domain.ErrAlreadyFinalized once the document
// is terminal. On a failed run the returned Result still carries the failed
// document alongside the error.
func (c *Controller) Analyze(ctx context.Context, documentID string) (Result, error) {
	won, err := c.store.TransitionStatus(ctx, documentID, domain.StatusUploaded, domain.StatusAnalyzing)
	if err != nil {
		return Result{}, err
	}
	if !won {
		doc, err := c.store.GetDocument(ctx, documentID)
		if err != nil {
			return Result{}, err
		}
		switch doc.Status {
		case domain.StatusAnalyzing:
			return Result{Document: doc}, fmt.Errorf("document %s: %w", documentID, domain.ErrAlreadyAnalyzing)
		case domain.StatusDone, domain.StatusFailed:
			return Result{Document: doc}, fmt.Errorf("document %s: %w", documentID, domain.ErrAlreadyFinalized)
		default:
			return Result{Document: doc}, fmt.Errorf("document %s: status guard not acquired in %s", documentID, doc.Status)
		}
	}

	doc, err := c.store.GetDocument(ctx, documentID)
	if err != nil {
		return Result{}, err
	}
	return c.run(ctx, doc)
}

func (c *Controller) run(ctx context.Context, doc domain.Document) (Result, error) {
	start := time.Now()
	ctx = logging.WithDocumentID(ctx, doc.ID)
	log := logging.For(ctx, c.logger)
	log.Info("analysis started")

	// the run outlives a disconnected caller but never its own deadline
	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.AnalyzeTimeout)
	defer cancel()

	clauses, err := c.pipeline(runCtx, doc)
	if err == nil {
		err = c.store.FinalizeDocument(runCtx, doc.ID, clauses)
	}
	if err != nil {
		return c.fail(ctx, runCtx, doc, err, start)
	}

	if c.invalidator != nil {
		c.invalidator.Invalidate(doc.OwnerID)
	}
	c.metrics.ObserveAnalysis(string(domain.StatusDone), time.Since(start))
	log.Info("analysis done", zap.Int("clauses", len(clauses)), zap.Duration("duration", time.Since(start)))

	// the result is committed; report it even if the caller went away
	readCtx, cancelRead := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancelRead()
	final, err := c.store.GetDocument(readCtx, doc.ID)
	if err != nil {
		return Result{}, err
	}
	return Result{Document: final, Clauses: clauses}, nil
}

func (c *Controller) pipeline(ctx context.Context, doc domain.Document) ([]domain.Clause, error) {
	raw, err := c.blobs.Get(ctx, doc.BlobKey)
	if err != nil {
		return nil, fmt.Errorf("failed to load upload: %w", err)
	}
	payload, err := c.extractor.Extract(ctx, raw)
	if err != nil {
		return nil, err
	}
	records, err := c.classifier.Classify(ctx, payload)
	if err != nil {
		return nil, err
	}

	clauses := make([]domain.Clause, len(records))
	for i, r := range records {
		clauses[i] = domain.Clause{
			DocumentID: doc.ID,
			Seq:        r.Number,
			Label:      r.Label,
			Title:      r.Title,
			Body:       r.Body,
			Analysis: &domain.ClauseAnalysis{
				RiskLevel:  r.RiskLevel,
				Summary:    r.Summary,
				Suggestion: r.Suggestion,
			},
		}
	}
	return clauses, nil
}

// fail records the sanitized reason and returns the error kind to the caller.
func (c *Controller) fail(ctx, runCtx context.Context, doc domain.Document, cause error, start time.Time) (Result, error) {
	if errors.Is(cause, context.DeadlineExceeded) || errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		cause = fmt.Errorf("%w: analysis exceeded %s: %v", domain.ErrTimeout, c.cfg.AnalyzeTimeout, cause)
	}
	reason := domain.ReasonFor(cause)

	log := logging.For(ctx, c.logger)
	log.Warn("analysis failed", zap.String("reason", string(reason)), zap.Error(cause))

	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := c.store.FailDocument(persistCtx, doc.ID, reason); err != nil {
		log.Error("failed to record analysis failure", zap.Error(err))
		return Result{}, err
	}
	c.metrics.ObserveAnalysis(string(reason), time.Since(start))

	final, err := c.store.GetDocument(persistCtx, doc.ID)
	if err != nil {
		return Result{}, err
	}

	switch reason {
	case domain.ReasonUnreadableDocument:
		return Result{Document: final}, fmt.Errorf("document %s: %w", doc.ID, domain.ErrUnreadableDocument)
	case domain.ReasonClassificationFailed:
		return Result{Document: final}, fmt.Errorf("document %s: %w", doc.ID, domain.ErrClassificationFailed)
	case domain.ReasonTimeout:
		return Result{Document: final}, fmt.Errorf("document %s: %w", doc.ID, domain.ErrTimeout)
	default:
		return Result{Document: final}, fmt.Errorf("document %s: analysis failed", doc.ID)
	}
}

// UploadAndAnalyze is the upload boundary: store, then analyze to a terminal
// status.
func (c *Controller) UploadAndAnalyze(ctx context.Context, ownerID, name string, raw []byte) (Result, error) {
	doc, err := c.Upload(ctx, ownerID, name, raw)
	if err != nil {
		return Result{}, err
	}
	return c.Analyze(ctx, doc.ID)
}

// Retry analyzes a failed document again as a new document sharing the same
// upload. The failed document keeps its status. A failed document is retried
// at most once: later callers get domain.ErrAlreadyAnalyzing while that retry
// runs and domain.ErrAlreadyFinalized after. Unreadable uploads cannot be
// retried.
func (c *Controller) Retry(ctx context.Context, documentID, ownerID string) (Result, error) {
	doc, err := c.owned(ctx, documentID, ownerID)
	if err != nil {
		return Result{}, err
	}
	switch doc.Status {
	case domain.StatusUploaded:
		return c.Analyze(ctx, doc.ID)
	case domain.StatusAnalyzing:
		return Result{Document: doc}, fmt.Errorf("document %s: %w", doc.ID, domain.ErrAlreadyAnalyzing)
	case domain.StatusDone:
		return Result{Document: doc}, fmt.Errorf("document %s: %w", doc.ID, domain.ErrAlreadyFinalized)
	}
	if !doc.FailureReason.Retryable() {
		return Result{Document: doc}, fmt.Errorf("document %s failed with %s: %w", doc.ID, doc.FailureReason, domain.ErrAlreadyFinalized)
	}
	if doc.RetriedAs != "" {
		return c.retried(ctx, doc)
	}

	next := domain.Document{OwnerID: doc.OwnerID, Name: doc.Name, BlobKey: doc.BlobKey}
	claimed, err := c.store.ClaimRetry(ctx, doc.ID, &next)
	if err != nil {
		return Result{}, err
	}
	if !claimed {
		if doc, err = c.store.GetDocument(ctx, doc.ID); err != nil {
			return Result{}, err
		}
		return c.retried(ctx, doc)
	}
	logging.For(ctx, c.logger).Info("retrying analysis", zap.String("from", doc.ID), zap.String("document.id", next.ID))
	return c.Analyze(ctx, next.ID)
}

// retried reports the state of the retry already claimed for doc.
func (c *Controller) retried(ctx context.Context, doc domain.Document) (Result, error) {
	next, err := c.store.GetDocument(ctx, doc.RetriedAs)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return Result{Document: doc}, fmt.Errorf("document %s retry was deleted: %w", doc.ID, domain.ErrAlreadyFinalized)
		}
		return Result{}, err
	}
	if next.Status.Terminal() {
		return Result{Document: next}, fmt.Errorf("document %s already retried as %s: %w", doc.ID, next.ID, domain.ErrAlreadyFinalized)
	}
	return Result{Document: next}, fmt.Errorf("document %s already retried as %s: %w", doc.ID, next.ID, domain.ErrAlreadyAnalyzing)
}

// Result is the result-read boundary. Foreign documents read as not found.
func (c *Controller) Result(ctx context.Context, documentID, ownerID string) (Result, error) {
	doc, err := c.owned(ctx, documentID, ownerID)
	if err != nil {
		return Result{}, err
	}
	res := Result{Document: doc}
	if doc.Status == domain.StatusDone {
		if res.Clauses, err = c.store.ListClauses(ctx, doc.ID); err != nil {
			return Result{}, err
		}
	}
	return res, nil
}

func (c *Controller) List(ctx context.Context, ownerID string) ([]domain.DocumentSummary, error) {
	return c.store.ListDocuments(ctx, ownerID)
}

// Delete removes a document and everything derived from it. The stored upload
// is removed once no other document refers to it.
func (c *Controller) Delete(ctx context.Context, documentID, ownerID string) error {
	doc, err := c.store.DeleteDocument(ctx, documentID, ownerID)
	if err != nil {
		return err
	}
	if c.invalidator != nil {
		c.invalidator.Invalidate(ownerID)
	}

	log := logging.For(ctx, c.logger).With(zap.String("document.id", doc.ID))
	refs, err := c.store.CountBlobReferences(ctx, doc.BlobKey)
	if err != nil {
		log.Warn("failed to count blob references", zap.Error(err))
		return nil
	}
	if refs == 0 {
		if err := c.blobs.Delete(ctx, doc.BlobKey); err != nil {
			log.Warn("failed to delete blob", zap.String("blob_key", doc.BlobKey), zap.Error(err))
		}
	}
	log.Info("document deleted")
	return nil
}

// RecoverStale fails documents left in analyzing by a previous process.
func (c *Controller) RecoverStale(ctx context.Context) (int64, error) {
	n, err := c.store.FailStaleAnalyses(ctx, time.Now().Add(-c.cfg.AnalyzeTimeout))
	if err == nil && n > 0 {
		c.logger.Warn("expired stale analyses", zap.Int64("documents", n))
	}
	return n, err
}

func (c *Controller) owned(ctx context.Context, documentID, ownerID string) (domain.Document, error) {
	doc, err := c.store.GetDocument(ctx, documentID)
	if err != nil {
		return domain.Document{}, err
	}
	if doc.OwnerID != ownerID {
		return domain.Document{}, fmt.Errorf("document %s: %w", documentID, domain.ErrNotFound)
	}
	return doc, nil
}
