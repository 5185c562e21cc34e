package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode"

	"github.com/go-shiori/go-readability"
)

const defaultScrapeLimit = 2 << 20

// Page is the readable text of one fetched URL.
type Page struct {
	URL      string `json:"url"`
	Title    string `json:"title"`
	Filename string `json:"filename"`
	Text     string `json:"-"`
}

// Scraper fetches web pages and extracts their readable text.
type Scraper struct {
	Client   *http.Client
	MaxBytes int64
}

func NewScraper(maxBytes int64) *Scraper {
	if maxBytes <= 0 {
		maxBytes = defaultScrapeLimit
	}
	return &Scraper{Client: &http.Client{Timeout: 15 * time.Second}, MaxBytes: maxBytes}
}

// Fetch downloads target and returns its article text. The page title,
// or the URL path when there is none, becomes the document filename.
func (s *Scraper) Fetch(ctx context.Context, target string) (Page, error) {
	parsed, err := url.Parse(strings.TrimSpace(target))
	if err != nil {
		return Page{}, fmt.Errorf("invalid url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return Page{}, errors.New("unsupported url scheme")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, parsed.String(), nil)
	if err != nil {
		return Page{}, err
	}
	req.Header.Set("User-Agent", "chatrecall-scraper/1.0")

	resp, err := s.Client.Do(req)
	if err != nil {
		return Page{}, fmt.Errorf("fetch url: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Page{}, fmt.Errorf("fetch url: %s", resp.Status)
	}

	article, err := readability.FromReader(io.LimitReader(resp.Body, s.MaxBytes), parsed)
	if err != nil {
		return Page{}, fmt.Errorf("parse html: %w", err)
	}
	text := strings.TrimSpace(article.TextContent)
	if text == "" {
		return Page{}, ErrNoText
	}
	title := strings.TrimSpace(article.Title)
	name := title
	if name == "" {
		name = parsed.Host + parsed.Path
	}
	return Page{
		URL:      parsed.String(),
		Title:    title,
		Filename: SafeFilename(name) + ".html",
		Text:     text,
	}, nil
}

// SafeFilename keeps letters, digits, dots, dashes and underscores and
// maps everything else to '_'.
func SafeFilename(name string) string {
	name = strings.TrimSpace(name)
	var b strings.Builder
	for _, r := range name {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r), r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := strings.Trim(b.String(), "._")
	if runes := []rune(out); len(runes) > 80 {
		out = string(runes[:80])
	}
	if out == "" {
		return "page"
	}
	return out
}
