package extract

import (
	"context"
	"errors"
	"image"
	"image/color"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ericksa/contractlens/internal/domain"
)

type fakeDocument struct {
	pages     []string
	renderErr map[int]error
	rendered  atomic.Int32
	closed    bool
}

func (d *fakeDocument) NumPage() int { return len(d.pages) }

func (d *fakeDocument) Text(page int) (string, error) { return d.pages[page], nil }

func (d *fakeDocument) Render(page int, dpi float64) (image.Image, error) {
	d.rendered.Add(1)
	if err := d.renderErr[page]; err != nil {
		return nil, err
	}
	img := image.NewRGBA(image.Rect(0, 0, 2, 2))
	img.Set(0, 0, color.RGBA{R: uint8(page), A: 255})
	return img, nil
}

func (d *fakeDocument) Close() error {
	d.closed = true
	return nil
}

func openerFor(doc *fakeDocument) Opener {
	return OpenerFunc(func([]byte) (Document, error) { return doc, nil })
}

func newExtractor(t *testing.T, doc *fakeDocument) *Extractor {
	return New(DefaultConfig(), openerFor(doc), zaptest.NewLogger(t))
}

func TestExtract_TextDocument(t *testing.T) {
	doc := &fakeDocument{pages: []string{
		"Article 1 (Purpose) This agreement sets out the terms of the lease.",
		"Article 2 (Term) Two years.",
	}}
	payload, err := newExtractor(t, doc).Extract(context.Background(), []byte("%PDF"))
	require.NoError(t, err)

	text, ok := payload.(TextPayload)
	require.True(t, ok, "expected a text payload, got %T", payload)
	assert.Contains(t, text.Text, "Article 1")
	assert.Contains(t, text.Text, "Article 2")
	assert.Zero(t, doc.rendered.Load())
	assert.True(t, doc.closed)
}

func TestExtract_ThresholdBoundary(t *testing.T) {
	exactly := strings.Repeat("가", 50)
	payload, err := newExtractor(t, &fakeDocument{pages: []string{"  " + exactly + "\n"}}).Extract(context.Background(), []byte("x"))
	require.NoError(t, err)
	assert.IsType(t, TextPayload{}, payload, "runes are counted, not bytes")

	below := strings.Repeat("a", 49)
	payload, err = newExtractor(t, &fakeDocument{pages: []string{below}}).Extract(context.Background(), []byte("x"))
	require.NoError(t, err)
	assert.IsType(t, ImagePayload{}, payload)
}

func TestExtract_ScannedDocument(t *testing.T) {
	doc := &fakeDocument{pages: make([]string, 3)}
	payload, err := newExtractor(t, doc).Extract(context.Background(), []byte("x"))
	require.NoError(t, err)

	images, ok := payload.(ImagePayload)
	require.True(t, ok)
	require.Len(t, images.Pages, 3)
	for i, p := range images.Pages {
		assert.Equal(t, i, p.Index)
		assert.Equal(t, "image/png", p.MIMEType)
		assert.NotEmpty(t, p.Data)
	}
	assert.NotEqual(t, images.Pages[0].Data, images.Pages[1].Data, "each page is encoded independently")
}

func TestExtract_ScannedRendersEveryPage(t *testing.T) {
	doc := &fakeDocument{pages: make([]string, 12)}
	payload, err := New(DefaultConfig(), openerFor(doc), zaptest.NewLogger(t)).Extract(context.Background(), []byte("x"))
	require.NoError(t, err)
	pages := payload.(ImagePayload).Pages
	require.Len(t, pages, 12)
	assert.Equal(t, 11, pages[11].Index)
}

func TestExtract_Unreadable(t *testing.T) {
	tests := []struct {
		name   string
		opener Opener
		raw    []byte
	}{
		{"empty bytes", openerFor(&fakeDocument{pages: []string{"x"}}), nil},
		{"not a pdf", OpenerFunc(func([]byte) (Document, error) { return nil, errors.New("format error") }), []byte("zip")},
		{"no pages", openerFor(&fakeDocument{}), []byte("x")},
		{"render failure", openerFor(&fakeDocument{pages: []string{"", ""}, renderErr: map[int]error{1: errors.New("bad stream")}}), []byte("x")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload, err := New(DefaultConfig(), tt.opener, zaptest.NewLogger(t)).Extract(context.Background(), tt.raw)
			assert.ErrorIs(t, err, domain.ErrUnreadableDocument)
			assert.Nil(t, payload, "no partial payload")
		})
	}
}

func TestExtract_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newExtractor(t, &fakeDocument{pages: []string{"text"}}).Extract(ctx, []byte("x"))
	assert.ErrorIs(t, err, context.Canceled)
}
