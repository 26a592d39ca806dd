package lifecycle

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/ericksa/contractlens/internal/blob"
	"github.com/ericksa/contractlens/internal/classify"
	"github.com/ericksa/contractlens/internal/domain"
	"github.com/ericksa/contractlens/internal/extract"
	"github.com/ericksa/contractlens/internal/llm"
	"github.com/ericksa/contractlens/internal/store"
)

type fakeExtractor struct {
	err error
}

func (f *fakeExtractor) Extract(ctx context.Context, raw []byte) (extract.Payload, error) {
	if f.err != nil {
		return nil, f.err
	}
	return extract.TextPayload{Text: string(raw)}, nil
}

type classifierFunc func(ctx context.Context, p extract.Payload) ([]classify.Record, error)

func (f classifierFunc) Classify(ctx context.Context, p extract.Payload) ([]classify.Record, error) {
	return f(ctx, p)
}

func twoRecords(context.Context, extract.Payload) ([]classify.Record, error) {
	return []classify.Record{
		{Number: 1, Label: "Article 1", Title: "Purpose", RiskLevel: domain.RiskLow, Summary: "s", Suggestion: "none"},
		{Number: 4, Label: "Article 4", Title: "Penalty", RiskLevel: domain.RiskHigh, Summary: "s", Suggestion: "reduce", Body: "Pay 300%."},
	}, nil
}

type recordingInvalidator struct {
	mu     sync.Mutex
	owners []string
}

func (r *recordingInvalidator) Invalidate(owner string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.owners = append(r.owners, owner)
}

type fixture struct {
	ctrl  *Controller
	store *store.Store
	blobs *blob.FSStore
	inv   *recordingInvalidator
}

func newFixture(t *testing.T, ext Extractor, cls Classifier, timeout time.Duration) *fixture {
	t.Helper()
	s, err := store.OpenInMemory(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	blobs, err := blob.NewFSStore(t.TempDir())
	require.NoError(t, err)
	inv := &recordingInvalidator{}

	ctrl := New(Config{AnalyzeTimeout: timeout}, Options{
		Store:       s,
		Blobs:       blobs,
		Extractor:   ext,
		Classifier:  cls,
		Invalidator: inv,
		Logger:      zaptest.NewLogger(t),
	})
	return &fixture{ctrl: ctrl, store: s, blobs: blobs, inv: inv}
}

func (f *fixture) clauseRows(t *testing.T) int {
	var n int
	require.NoError(t, f.store.DB().QueryRow(`SELECT COUNT(*) FROM clauses`).Scan(&n))
	return n
}

func TestUploadAndAnalyze_Done(t *testing.T) {
	f := newFixture(t, &fakeExtractor{}, classifierFunc(twoRecords), time.Second)

	res, err := f.ctrl.UploadAndAnalyze(context.Background(), "u1", "lease.pdf", []byte("contract text"))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDone, res.Document.Status)
	require.Len(t, res.Clauses, 2)
	assert.Equal(t, 1, res.Clauses[0].Seq)
	assert.Equal(t, 4, res.Clauses[1].Seq)
	assert.Equal(t, []string{"u1"}, f.inv.owners)

	read, err := f.ctrl.Result(context.Background(), res.Document.ID, "u1")
	require.NoError(t, err)
	require.Len(t, read.Clauses, 2)
	assert.Equal(t, domain.RiskHigh, read.Clauses[1].Analysis.RiskLevel)
	assert.Equal(t, "Pay 300%.", read.Clauses[1].Body)
}

func TestUploadAndAnalyze_WithRealClassifierDropsInvalid(t *testing.T) {
	model := llmFunc(func(ctx context.Context, req llm.Request) (llm.Response, error) {
		return llm.Response{Text: "```json\n" + `{"clauses":[
			{"clause_number":"1","title":"Deposit","risk_level":"LOW","summary":"a","suggestion":"b"},
			{"clause_number":"2","title":"Repairs","risk_level":"EXTREME","summary":"a","suggestion":"b"},
			{"clause_number":"3","title":"Termination","risk_level":"HIGH","summary":"a","suggestion":"b"}
		]}` + "\n```"}, nil
	})
	cls := classify.New(classify.Config{}, model, nil, zap.NewNop())
	f := newFixture(t, &fakeExtractor{}, cls, time.Second)

	res, err := f.ctrl.UploadAndAnalyze(context.Background(), "u1", "lease.pdf", []byte("text"))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDone, res.Document.Status)
	require.Len(t, res.Clauses, 2)
	assert.Equal(t, 1, res.Clauses[0].Seq)
	assert.Equal(t, 3, res.Clauses[1].Seq)
}

type scannedExtractor struct{ pages int }

func (s scannedExtractor) Extract(context.Context, []byte) (extract.Payload, error) {
	p := extract.ImagePayload{}
	for i := 0; i < s.pages; i++ {
		p.Pages = append(p.Pages, extract.PageImage{Index: i, MIMEType: "image/png", Data: "aW1n"})
	}
	return p, nil
}

func TestUploadAndAnalyze_ScannedModelFailure(t *testing.T) {
	var images int
	model := llmFunc(func(ctx context.Context, req llm.Request) (llm.Response, error) {
		for _, m := range req.Messages {
			images += len(m.Images)
		}
		return llm.Response{}, errors.New("upstream 503")
	})
	cls := classify.New(classify.Config{}, model, nil, zap.NewNop())
	f := newFixture(t, scannedExtractor{pages: 2}, cls, time.Second)

	res, err := f.ctrl.UploadAndAnalyze(context.Background(), "u1", "scan.pdf", []byte("%PDF"))
	assert.ErrorIs(t, err, domain.ErrClassificationFailed)
	assert.Equal(t, 2, images, "one image per page reaches the model")
	assert.Equal(t, domain.StatusFailed, res.Document.Status)
	assert.Zero(t, f.clauseRows(t))
}

type llmFunc func(ctx context.Context, req llm.Request) (llm.Response, error)

func (f llmFunc) Complete(ctx context.Context, req llm.Request) (llm.Response, error) { return f(ctx, req) }

func TestUploadAndAnalyze_Failures(t *testing.T) {
	tests := []struct {
		name   string
		ext    Extractor
		cls    Classifier
		want   error
		reason domain.FailureReason
	}{
		{
			name:   "unreadable",
			ext:    &fakeExtractor{err: domain.ErrUnreadableDocument},
			cls:    classifierFunc(twoRecords),
			want:   domain.ErrUnreadableDocument,
			reason: domain.ReasonUnreadableDocument,
		},
		{
			name: "classification failed",
			ext:  &fakeExtractor{},
			cls: classifierFunc(func(context.Context, extract.Payload) ([]classify.Record, error) {
				return nil, errors.Join(domain.ErrClassificationFailed, errors.New("raw model text: secret"))
			}),
			want:   domain.ErrClassificationFailed,
			reason: domain.ReasonClassificationFailed,
		},
		{
			name: "invalid record reaches store",
			ext:  &fakeExtractor{},
			cls: classifierFunc(func(context.Context, extract.Payload) ([]classify.Record, error) {
				return []classify.Record{{Number: 1, Title: "x", RiskLevel: "BAD"}}, nil
			}),
			reason: domain.ReasonInternal,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.ext, tt.cls, time.Second)
			res, err := f.ctrl.UploadAndAnalyze(context.Background(), "u1", "a.pdf", []byte("x"))
			require.Error(t, err)
			if tt.want != nil {
				assert.ErrorIs(t, err, tt.want)
			}
			assert.NotContains(t, err.Error(), "secret", "model output must not reach the caller")
			assert.Equal(t, domain.StatusFailed, res.Document.Status)
			assert.Equal(t, tt.reason, res.Document.FailureReason)
			assert.Zero(t, f.clauseRows(t), "a failed run writes no clauses")
			assert.Empty(t, f.inv.owners)
		})
	}
}

func TestAnalyze_Timeout(t *testing.T) {
	slow := classifierFunc(func(ctx context.Context, p extract.Payload) ([]classify.Record, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	f := newFixture(t, &fakeExtractor{}, slow, 30*time.Millisecond)

	res, err := f.ctrl.UploadAndAnalyze(context.Background(), "u1", "a.pdf", []byte("x"))
	assert.ErrorIs(t, err, domain.ErrTimeout)
	assert.Equal(t, domain.ReasonTimeout, res.Document.FailureReason)
	assert.Zero(t, f.clauseRows(t))
}

func TestAnalyze_LateResultNeverCommits(t *testing.T) {
	late := classifierFunc(func(ctx context.Context, p extract.Payload) ([]classify.Record, error) {
		<-ctx.Done()
		return twoRecords(ctx, p)
	})
	f := newFixture(t, &fakeExtractor{}, late, 30*time.Millisecond)

	res, err := f.ctrl.UploadAndAnalyze(context.Background(), "u1", "a.pdf", []byte("x"))
	assert.ErrorIs(t, err, domain.ErrTimeout)
	assert.Equal(t, domain.StatusFailed, res.Document.Status)
	assert.Zero(t, f.clauseRows(t))
}

func TestAnalyze_ConcurrentCallersSingleWinner(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	blocking := classifierFunc(func(ctx context.Context, p extract.Payload) ([]classify.Record, error) {
		close(entered)
		<-release
		return twoRecords(ctx, p)
	})
	f := newFixture(t, &fakeExtractor{}, blocking, 5*time.Second)
	doc, err := f.ctrl.Upload(context.Background(), "u1", "a.pdf", []byte("x"))
	require.NoError(t, err)

	winner := make(chan error, 1)
	go func() {
		_, err := f.ctrl.Analyze(context.Background(), doc.ID)
		winner <- err
	}()
	<-entered

	var wg sync.WaitGroup
	errs := make([]error, 5)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = f.ctrl.Analyze(context.Background(), doc.ID)
		}()
	}
	wg.Wait()
	for _, err := range errs {
		assert.ErrorIs(t, err, domain.ErrAlreadyAnalyzing)
	}

	close(release)
	require.NoError(t, <-winner)
	assert.Equal(t, 2, f.clauseRows(t), "exactly one clause set is written")

	_, err = f.ctrl.Analyze(context.Background(), doc.ID)
	assert.ErrorIs(t, err, domain.ErrAlreadyFinalized)
}

func TestAnalyze_FailedIsFinal(t *testing.T) {
	f := newFixture(t, &fakeExtractor{err: domain.ErrUnreadableDocument}, classifierFunc(twoRecords), time.Second)
	res, err := f.ctrl.UploadAndAnalyze(context.Background(), "u1", "a.pdf", []byte("x"))
	require.Error(t, err)

	_, err = f.ctrl.Analyze(context.Background(), res.Document.ID)
	assert.ErrorIs(t, err, domain.ErrAlreadyFinalized)

	_, err = f.ctrl.Retry(context.Background(), res.Document.ID, "u1")
	assert.ErrorIs(t, err, domain.ErrAlreadyFinalized, "unreadable uploads are not retryable")
}

func TestAnalyze_NotFound(t *testing.T) {
	f := newFixture(t, &fakeExtractor{}, classifierFunc(twoRecords), time.Second)
	_, err := f.ctrl.Analyze(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRetry_CreatesNewDocument(t *testing.T) {
	var mu sync.Mutex
	fail := true
	flaky := classifierFunc(func(ctx context.Context, p extract.Payload) ([]classify.Record, error) {
		mu.Lock()
		defer mu.Unlock()
		if fail {
			fail = false
			return nil, domain.ErrClassificationFailed
		}
		return twoRecords(ctx, p)
	})
	f := newFixture(t, &fakeExtractor{}, flaky, time.Second)

	first, err := f.ctrl.UploadAndAnalyze(context.Background(), "u1", "a.pdf", []byte("x"))
	require.ErrorIs(t, err, domain.ErrClassificationFailed)

	_, err = f.ctrl.Retry(context.Background(), first.Document.ID, "u2")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	second, err := f.ctrl.Retry(context.Background(), first.Document.ID, "u1")
	require.NoError(t, err)
	assert.NotEqual(t, first.Document.ID, second.Document.ID)
	assert.Equal(t, domain.StatusDone, second.Document.Status)

	orig, err := f.ctrl.Result(context.Background(), first.Document.ID, "u1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, orig.Document.Status)

	_, err = f.ctrl.Retry(context.Background(), second.Document.ID, "u1")
	assert.ErrorIs(t, err, domain.ErrAlreadyFinalized)
}

func TestRetry_SingleRetryPerFailedDocument(t *testing.T) {
	var calls atomic.Int32
	entered := make(chan struct{})
	release := make(chan struct{})
	flaky := classifierFunc(func(ctx context.Context, p extract.Payload) ([]classify.Record, error) {
		switch calls.Add(1) {
		case 1:
			return nil, domain.ErrClassificationFailed
		case 2:
			close(entered)
			<-release
		}
		return twoRecords(ctx, p)
	})
	f := newFixture(t, &fakeExtractor{}, flaky, 5*time.Second)

	first, err := f.ctrl.UploadAndAnalyze(context.Background(), "u1", "a.pdf", []byte("x"))
	require.ErrorIs(t, err, domain.ErrClassificationFailed)

	winner := make(chan error, 1)
	go func() {
		_, err := f.ctrl.Retry(context.Background(), first.Document.ID, "u1")
		winner <- err
	}()
	<-entered

	var wg sync.WaitGroup
	errs := make([]error, 3)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = f.ctrl.Retry(context.Background(), first.Document.ID, "u1")
		}()
	}
	wg.Wait()
	for _, err := range errs {
		assert.ErrorIs(t, err, domain.ErrAlreadyAnalyzing)
	}

	close(release)
	require.NoError(t, <-winner)

	res, err := f.ctrl.Retry(context.Background(), first.Document.ID, "u1")
	assert.ErrorIs(t, err, domain.ErrAlreadyFinalized)
	assert.Equal(t, domain.StatusDone, res.Document.Status)

	assert.EqualValues(t, 2, calls.Load(), "the model is called once for the upload and once for the retry")
	docs, err := f.ctrl.List(context.Background(), "u1")
	require.NoError(t, err)
	assert.Len(t, docs, 2)

	orig, err := f.ctrl.Result(context.Background(), first.Document.ID, "u1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, orig.Document.Status)
	assert.Equal(t, res.Document.ID, orig.Document.RetriedAs)
}

func TestAnalyze_DoneSurvivesCallerCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cancelling := classifierFunc(func(runCtx context.Context, p extract.Payload) ([]classify.Record, error) {
		cancel()
		return twoRecords(runCtx, p)
	})
	f := newFixture(t, &fakeExtractor{}, cancelling, time.Second)
	doc, err := f.ctrl.Upload(ctx, "u1", "a.pdf", []byte("x"))
	require.NoError(t, err)

	res, err := f.ctrl.Analyze(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDone, res.Document.Status)
	assert.Len(t, res.Clauses, 2)
}

func TestResult_Ownership(t *testing.T) {
	f := newFixture(t, &fakeExtractor{}, classifierFunc(twoRecords), time.Second)
	res, err := f.ctrl.UploadAndAnalyze(context.Background(), "u1", "a.pdf", []byte("x"))
	require.NoError(t, err)

	_, err = f.ctrl.Result(context.Background(), res.Document.ID, "intruder")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestUpload_Validation(t *testing.T) {
	f := newFixture(t, &fakeExtractor{}, classifierFunc(twoRecords), time.Second)
	_, err := f.ctrl.Upload(context.Background(), "u1", "a.pdf", nil)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	_, err = f.ctrl.Upload(context.Background(), "u1", "  ", []byte("x"))
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestListAndDelete(t *testing.T) {
	var mu sync.Mutex
	fail := true
	flaky := classifierFunc(func(ctx context.Context, p extract.Payload) ([]classify.Record, error) {
		mu.Lock()
		defer mu.Unlock()
		if fail {
			fail = false
			return nil, domain.ErrClassificationFailed
		}
		return twoRecords(ctx, p)
	})
	f := newFixture(t, &fakeExtractor{}, flaky, time.Second)
	ctx := context.Background()

	failed, _ := f.ctrl.UploadAndAnalyze(ctx, "u1", "a.pdf", []byte("x"))
	retried, err := f.ctrl.Retry(ctx, failed.Document.ID, "u1")
	require.NoError(t, err)

	list, err := f.ctrl.List(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, list, 2)

	// the retried document shares the upload, so the blob survives this delete
	require.NoError(t, f.ctrl.Delete(ctx, failed.Document.ID, "u1"))
	_, err = f.blobs.Get(ctx, failed.Document.BlobKey)
	require.NoError(t, err)

	require.NoError(t, f.ctrl.Delete(ctx, retried.Document.ID, "u1"))
	_, err = f.blobs.Get(ctx, failed.Document.BlobKey)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Zero(t, f.clauseRows(t))

	list, err = f.ctrl.List(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestRecoverStale(t *testing.T) {
	f := newFixture(t, &fakeExtractor{}, classifierFunc(twoRecords), time.Millisecond)
	doc, err := f.ctrl.Upload(context.Background(), "u1", "a.pdf", []byte("x"))
	require.NoError(t, err)
	_, err = f.store.TransitionStatus(context.Background(), doc.ID, domain.StatusUploaded, domain.StatusAnalyzing)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	n, err := f.ctrl.RecoverStale(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
