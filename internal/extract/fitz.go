package extract

import (
	"image"

	"github.com/gen2brain/go-fitz"
)

// Document is the subset of a parsed PDF the extractor needs. Page indexes
// are zero-based.
type Document interface {
	NumPage() int
	Text(page int) (string, error)
	Render(page int, dpi float64) (image.Image, error)
	Close() error
}

type Opener interface {
	Open(raw []byte) (Document, error)
}

// OpenerFunc adapts a function to Opener.
type OpenerFunc func(raw []byte) (Document, error)

func (f OpenerFunc) Open(raw []byte) (Document, error) { return f(raw) }

// FitzOpener parses documents with MuPDF.
type FitzOpener struct{}

func (FitzOpener) Open(raw []byte) (Document, error) {
	doc, err := fitz.NewFromMemory(raw)
	if err != nil {
		return nil, err
	}
	return fitzDocument{doc}, nil
}

// fitzDocument serializes page access internally, so concurrent Render calls
// are safe.
type fitzDocument struct {
	doc *fitz.Document
}

func (d fitzDocument) NumPage() int { return d.doc.NumPage() }

func (d fitzDocument) Text(page int) (string, error) { return d.doc.Text(page) }

func (d fitzDocument) Render(page int, dpi float64) (image.Image, error) {
	return d.doc.ImageDPI(page, dpi)
}

func (d fitzDocument) Close() error { return d.doc.Close() }
