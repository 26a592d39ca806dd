// Package extract turns uploaded PDF bytes into either text or page images,
// whichever a language model can read.
package extract

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image/png"
	"runtime"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ericksa/contractlens/internal/domain"
)

// Payload is either a TextPayload or an ImagePayload.
type Payload interface {
	isPayload()
}

type TextPayload struct {
	Text string
}

// ImagePayload holds one image per page, in page order.
type ImagePayload struct {
	Pages []PageImage
}

type PageImage struct {
	Index    int
	MIMEType string
	Data     string // base64
}

func (TextPayload) isPayload() {}
func (ImagePayload) isPayload() {}

type Config struct {
	// ScannedThreshold is the rune count of the trimmed text below which the
	// source is treated as scanned.
	ScannedThreshold int
	RenderDPI        float64
	Workers          int
}

func DefaultConfig() Config {
	return Config{ScannedThreshold: 50, RenderDPI: 150, Workers: runtime.NumCPU()}
}

type Extractor struct {
	cfg    Config
	opener Opener
	logger *zap.Logger
}

// New returns an Extractor. A nil opener selects the MuPDF-backed default.
func New(cfg Config, opener Opener, logger *zap.Logger) *Extractor {
	def := DefaultConfig()
	if cfg.RenderDPI <= 0 {
		cfg.RenderDPI = def.RenderDPI
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if opener == nil {
		opener = FitzOpener{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{cfg: cfg, opener: opener, logger: logger}
}

// Extract reads raw as a PDF. Text-bearing documents yield a TextPayload;
// documents with too little text yield one image per page. Any failure is reported as
// domain.ErrUnreadableDocument and no partial payload is returned.
func (e *Extractor) Extract(ctx context.Context, raw []byte) (Payload, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty upload", domain.ErrUnreadableDocument)
	}
	doc, err := e.opener.Open(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrUnreadableDocument, err)
	}
	defer doc.Close()

	pages := doc.NumPage()
	if pages <= 0 {
		return nil, fmt.Errorf("%w: document has no pages", domain.ErrUnreadableDocument)
	}

	var sb strings.Builder
	for i := 0; i < pages; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		text, err := doc.Text(i)
		if err != nil {
			return nil, fmt.Errorf("%w: page %d text: %v", domain.ErrUnreadableDocument, i+1, err)
		}
		if sb.Len() > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(text)
	}

	text := strings.TrimSpace(sb.String())
	if utf8.RuneCountInString(text) >= e.cfg.ScannedThreshold {
		e.logger.Debug("extracted text", zap.Int("pages", pages), zap.Int("chars", len(text)))
		return TextPayload{Text: text}, nil
	}

	images, err := e.render(ctx, doc, pages)
	if err != nil {
		return nil, err
	}
	e.logger.Debug("rendered scanned document", zap.Int("pages", len(images)))
	return ImagePayload{Pages: images}, nil
}

func (e *Extractor) render(ctx context.Context, doc Document, pages int) ([]PageImage, error) {
	out := make([]PageImage, pages)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Workers)
	for i := 0; i < pages; i++ {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			img, err := doc.Render(i, e.cfg.RenderDPI)
			if err != nil {
				return fmt.Errorf("%w: page %d render: %v", domain.ErrUnreadableDocument, i+1, err)
			}
			var buf bytes.Buffer
			if err := png.Encode(&buf, img); err != nil {
				return fmt.Errorf("%w: page %d encode: %v", domain.ErrUnreadableDocument, i+1, err)
			}
			out[i] = PageImage{
				Index:    i,
				MIMEType: "image/png",
				Data:     base64.StdEncoding.EncodeToString(buf.Bytes()),
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
