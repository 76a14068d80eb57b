// Package textsource resolves document keys to per-page text.
package textsource

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"os"
	"path"
	"strings"

	"github.com/dvloznov/statement-insights/internal/domain"
	"github.com/dvloznov/statement-insights/internal/llm"
	"github.com/dvloznov/statement-insights/internal/logger"
)

// Supported document key schemes.
const (
	SchemeGCS   = "gs"
	SchemeS3    = "s3"
	SchemeMinIO = "minio"
	SchemeFile  = "file"
)

// pageBreak separates pages in plain-text documents.
const pageBreak = "\f"

// ObjectReader reads one object from a bucket.
type ObjectReader interface {
	ReadObject(ctx context.Context, bucket, key string) ([]byte, error)
}

// Location is a parsed document key.
type Location struct {
	Scheme string
	Bucket string
	Key    string // object key, or the filesystem path for file://
}

// Filename returns the last path element of the key.
func (l Location) Filename() string {
	return path.Base(l.Key)
}

// ParseLocation splits a document key such as gs://bucket/path/file.pdf.
func ParseLocation(raw string) (Location, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return Location{}, domain.Wrap(domain.ErrValidation, "parse document key %q: %w", raw, err)
	}

	switch u.Scheme {
	case SchemeGCS, SchemeS3, SchemeMinIO:
		key := strings.TrimPrefix(u.Path, "/")
		if u.Host == "" || key == "" {
			return Location{}, domain.Wrap(domain.ErrValidation, "document key %q has no bucket or object path", raw)
		}
		return Location{Scheme: u.Scheme, Bucket: u.Host, Key: key}, nil
	case SchemeFile:
		p := u.Host + u.Path
		if p == "" {
			return Location{}, domain.Wrap(domain.ErrValidation, "document key %q has no path", raw)
		}
		return Location{Scheme: SchemeFile, Key: p}, nil
	default:
		return Location{}, domain.Wrap(domain.ErrValidation, "unsupported document scheme %q in %q", u.Scheme, raw)
	}
}

// Fetcher dispatches document keys to the configured object stores.
type Fetcher struct {
	gcs      ObjectReader
	minio    ObjectReader
	pdf      llm.PageExtractor
	readFile func(name string) ([]byte, error)
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithGCS serves gs:// keys.
func WithGCS(r ObjectReader) Option {
	return func(f *Fetcher) { f.gcs = r }
}

// WithMinIO serves s3:// and minio:// keys.
func WithMinIO(r ObjectReader) Option {
	return func(f *Fetcher) { f.minio = r }
}

// WithPageExtractor handles PDF documents.
func WithPageExtractor(p llm.PageExtractor) Option {
	return func(f *Fetcher) { f.pdf = p }
}

// NewFetcher creates a fetcher. file:// keys are always served.
func NewFetcher(opts ...Option) *Fetcher {
	f := &Fetcher{readFile: os.ReadFile}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Validate checks that key parses and that a backend is configured for its scheme.
func (f *Fetcher) Validate(key string) error {
	loc, err := ParseLocation(key)
	if err != nil {
		return err
	}
	if loc.Scheme != SchemeFile && f.readerFor(loc.Scheme) == nil {
		return domain.Wrap(domain.ErrValidation, "no object store configured for %s:// keys", loc.Scheme)
	}
	return nil
}

func (f *Fetcher) readerFor(scheme string) ObjectReader {
	switch scheme {
	case SchemeGCS:
		return f.gcs
	case SchemeS3, SchemeMinIO:
		return f.minio
	}
	return nil
}

// Fetch downloads the document behind key and returns its pages.
func (f *Fetcher) Fetch(ctx context.Context, key string) ([]domain.Page, error) {
	loc, err := ParseLocation(key)
	if err != nil {
		return nil, err
	}

	var data []byte
	if loc.Scheme == SchemeFile {
		data, err = f.readFile(loc.Key)
		if os.IsNotExist(err) {
			return nil, domain.Wrap(domain.ErrNotFound, "Fetch: %s: %w", key, err)
		}
	} else {
		reader := f.readerFor(loc.Scheme)
		if reader == nil {
			return nil, domain.Wrap(domain.ErrValidation, "no object store configured for %s:// keys", loc.Scheme)
		}
		data, err = reader.ReadObject(ctx, loc.Bucket, loc.Key)
	}
	if err != nil {
		return nil, fmt.Errorf("Fetch: %s: %w", key, err)
	}

	if isPDF(loc, data) {
		return f.extractPDF(ctx, key, data)
	}
	return SplitText(string(data)), nil
}

func (f *Fetcher) extractPDF(ctx context.Context, key string, data []byte) ([]domain.Page, error) {
	if f.pdf == nil {
		return nil, domain.Wrap(domain.ErrValidation, "%s is a PDF and no page extractor is configured", key)
	}

	pages, usage, err := f.pdf.ExtractPages(ctx, data)
	if err != nil {
		return nil, fmt.Errorf("Fetch: extract pages of %s: %w", key, err)
	}

	log := logger.FromContext(ctx)
	log.Debug().
		Str("document", key).
		Int("pages", len(pages)).
		Int64("model_tokens", usage.TotalTokens).
		Msg("Extracted PDF pages")
	return pages, nil
}

func isPDF(loc Location, data []byte) bool {
	if strings.EqualFold(path.Ext(loc.Key), ".pdf") {
		return true
	}
	return bytes.HasPrefix(data, []byte("%PDF"))
}

// SplitText splits plain text into pages on form feeds. Page numbers are 1-based.
func SplitText(content string) []domain.Page {
	parts := strings.Split(content, pageBreak)
	// A trailing form feed does not start another page.
	if len(parts) > 1 && strings.TrimSpace(parts[len(parts)-1]) == "" {
		parts = parts[:len(parts)-1]
	}

	pages := make([]domain.Page, 0, len(parts))
	for i, text := range parts {
		pages = append(pages, domain.Page{Number: i + 1, Text: text})
	}
	return pages
}
