// Package ingest turns files and web pages into document text for a
// user's store.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/cloudwego/eino-ext/components/document/loader/file"
	"github.com/cloudwego/eino/components/document"
	"github.com/cloudwego/eino/components/document/parser"
	"github.com/cloudwego/eino/schema"
	"github.com/go-shiori/go-readability"
)

// ErrNoText is returned when a file yields no readable text.
var ErrNoText = errors.New("file has no readable text content")

// Extractor loads a file from disk and returns its text. Unknown
// extensions are read as plain text; .html and .htm go through readability.
type Extractor struct {
	loader *file.FileLoader
}

func NewExtractor(ctx context.Context) (*Extractor, error) {
	html := htmlParser{}
	ext, err := parser.NewExtParser(ctx, &parser.ExtParserConfig{
		Parsers: map[string]parser.Parser{
			".html": html,
			".htm":  html,
		},
		FallbackParser: parser.TextParser{},
	})
	if err != nil {
		return nil, fmt.Errorf("init ext parser: %w", err)
	}
	loader, err := file.NewFileLoader(ctx, &file.FileLoaderConfig{
		UseNameAsID: true,
		Parser:      ext,
	})
	if err != nil {
		return nil, fmt.Errorf("init file loader: %w", err)
	}
	return &Extractor{loader: loader}, nil
}

// Extract returns the text of the file at path.
func (e *Extractor) Extract(ctx context.Context, path string) (string, error) {
	docs, err := e.loader.Load(ctx, document.Source{URI: path})
	if err != nil {
		return "", fmt.Errorf("load file: %w", err)
	}
	var b strings.Builder
	for _, doc := range docs {
		content := strings.TrimSpace(doc.Content)
		if content == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(content)
	}
	if b.Len() == 0 {
		return "", ErrNoText
	}
	return b.String(), nil
}

// htmlParser reduces an HTML page to its readable text.
type htmlParser struct{}

func (htmlParser) Parse(ctx context.Context, reader io.Reader, opts ...parser.Option) ([]*schema.Document, error) {
	common := parser.GetCommonOptions(nil, opts...)
	article, err := readability.FromReader(reader, nil)
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	meta := map[string]any{"title": article.Title}
	for k, v := range common.ExtraMeta {
		meta[k] = v
	}
	return []*schema.Document{{Content: article.TextContent, MetaData: meta}}, nil
}

// MediaType guesses the media type from the extension, falling back to
// sniffing the first bytes of the file.
func MediaType(path string) string {
	if t := mime.TypeByExtension(strings.ToLower(filepath.Ext(path))); t != "" {
		return t
	}
	f, err := os.Open(path)
	if err != nil {
		return "text/plain"
	}
	defer f.Close()
	head := make([]byte, 512)
	n, _ := io.ReadFull(f, head)
	return http.DetectContentType(head[:n])
}
