package document

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"code.sajari.com/docconv"
	"github.com/ledongthuc/pdf"
)

var (
	ErrUnsupportedType = errors.New("unsupported document type")
	ErrNotFound        = errors.New("document not found")
)

// Page is one page of extracted text. Numbers are 1-based and stay stable
// even when a page has no text.
type Page struct {
	Number int
	Text   string
}

type kind int

const (
	kindPDF kind = iota + 1
	kindOffice
	kindPlain
)

var kinds = map[string]kind{
	".pdf":  kindPDF,
	".docx": kindOffice,
	".odt":  kindOffice,
	".rtf":  kindOffice,
	".html": kindOffice,
	".htm":  kindOffice,
	".xml":  kindOffice,
	".txt":  kindPlain,
	".md":   kindPlain,
	".csv":  kindPlain,
	".json": kindPlain,
}

// Supported reports whether files with the given extension can be loaded.
func Supported(ext string) bool {
	_, ok := kinds[strings.ToLower(ext)]
	return ok
}

type Loader struct{}

func NewLoader() *Loader {
	return &Loader{}
}

// Load extracts the pages of the file at path.
func (l *Loader) Load(ctx context.Context, path string) ([]Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	k, ok := kinds[strings.ToLower(filepath.Ext(path))]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, filepath.Ext(path))
	}

	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%w: %s is a directory", ErrNotFound, path)
	}

	switch k {
	case kindPDF:
		return loadPDF(path)
	case kindOffice:
		res, err := docconv.ConvertPath(path)
		if err != nil {
			return nil, fmt.Errorf("convert %s: %w", filepath.Base(path), err)
		}
		return SplitPages(res.Body), nil
	default:
		b, err := os.ReadFile(path) // #nosec G304 -- path is assigned by the upload handler
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", filepath.Base(path), err)
		}
		return SplitPages(string(b)), nil
	}
}

func loadPDF(path string) (pages []Page, err error) {
	// The PDF reader panics on some malformed xref tables.
	defer func() {
		if r := recover(); r != nil {
			pages = nil
			err = fmt.Errorf("parse pdf %s: %v", filepath.Base(path), r)
		}
	}()

	f, r, err := pdf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open pdf %s: %w", filepath.Base(path), err)
	}
	defer f.Close()

	n := r.NumPage()
	pages = make([]Page, 0, n)
	for i := 1; i <= n; i++ {
		p := r.Page(i)
		if p.V.IsNull() {
			pages = append(pages, Page{Number: i})
			continue
		}
		txt, err := p.GetPlainText(nil)
		if err != nil {
			return nil, fmt.Errorf("extract page %d of %s: %w", i, filepath.Base(path), err)
		}
		pages = append(pages, Page{Number: i, Text: txt})
	}
	return pages, nil
}

// SplitPages splits converted text on form feeds, which converters emit
// between pages. A trailing form feed does not open an extra page.
func SplitPages(body string) []Page {
	body = strings.TrimSuffix(body, "\f")
	parts := strings.Split(body, "\f")
	pages := make([]Page, len(parts))
	for i, p := range parts {
		pages[i] = Page{Number: i + 1, Text: p}
	}
	return pages
}
