// Package assembler builds the bounded context block handed to the
// completion backend alongside a new user message.
package assembler

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"
	"unicode/utf8"

	"chatrecall/internal/config"
	"chatrecall/internal/models"
	"chatrecall/internal/storage"
)

// Source is the read side of one user's store.
type Source interface {
	RecentTurns(ctx context.Context, limit int) ([]models.Turn, error)
	KeywordSearch(ctx context.Context, query string, limit int) ([]models.Turn, error)
	SimilaritySearch(ctx context.Context, query string, limit int) ([]models.Turn, error)
	ListDocuments(ctx context.Context) ([]models.Document, error)
}

// SourceFunc resolves the store of a user.
type SourceFunc func(ctx context.Context, userID string) (Source, error)

// FromRegistry adapts a store registry to a SourceFunc.
func FromRegistry(reg *storage.Registry) SourceFunc {
	return func(ctx context.Context, userID string) (Source, error) {
		s, err := reg.Store(ctx, userID)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}

// BufferSource yields the in-memory window of a session.
type BufferSource interface {
	Snapshot(userID, sessionID string) []models.Turn
}

const (
	LabelBuffer     = "Current conversation"
	LabelRecent     = "Earlier conversation"
	LabelKeyword    = "Related by keyword"
	LabelSimilarity = "Related by similarity"
	previewSuffix   = " [...]"
)

// Block is what the completion boundary receives.
type Block struct {
	Instructions string `json:"instructions"`
	Context      string `json:"context"`
	Truncated    bool   `json:"truncated"`
}

// SectionStat describes one section before budget fitting.
type SectionStat struct {
	Label string `json:"label"`
	Items int    `json:"items"`
	Chars int    `json:"chars"`
}

// Stats reports what each source contributed.
type Stats struct {
	BufferTurns        int           `json:"buffer_turns"`
	RecentTurns        int           `json:"recent_turns"`
	KeywordTurns       int           `json:"keyword_turns"`
	SimilarityTurns    int           `json:"similarity_turns"`
	Documents          int           `json:"documents"`
	DocumentsFull      int           `json:"documents_full"`
	DocumentsPreviewed int           `json:"documents_previewed"`
	DuplicatesSkipped  int           `json:"duplicates_skipped"`
	Sections           []SectionStat `json:"sections"`
	TotalChars         int           `json:"total_chars"`
	Truncated          bool          `json:"truncated"`
	Degraded           []string      `json:"degraded,omitempty"`
	Elapsed            time.Duration `json:"elapsed_ns"`
}

type Assembler struct {
	cfg     config.ContextConfig
	buffers BufferSource
	sources SourceFunc
}

// New builds an assembler. Either dependency may be nil; the stages it
// feeds are then skipped.
func New(cfg config.ContextConfig, buffers BufferSource, sources SourceFunc) *Assembler {
	return &Assembler{cfg: cfg, buffers: buffers, sources: sources}
}

// Assemble gathers the buffer window, recent history, keyword and
// similarity matches and document previews for message, in that order.
// Each turn appears at most once. Store failures degrade the block
// instead of failing it.
func (a *Assembler) Assemble(ctx context.Context, userID, sessionID, message, baseInstructions string) (Block, Stats) {
	start := time.Now()
	var stats Stats
	if baseInstructions == "" {
		baseInstructions = a.cfg.BaseInstructions
	}

	seen := make(map[string]struct{})
	var sections []Section
	addTurns := func(label string, turns []models.Turn) int {
		kept := make([]models.Turn, 0, len(turns))
		for _, t := range turns {
			if t.ID != "" {
				if _, dup := seen[t.ID]; dup {
					stats.DuplicatesSkipped++
					continue
				}
				seen[t.ID] = struct{}{}
			}
			kept = append(kept, t)
		}
		if len(kept) == 0 {
			return 0
		}
		s := Section{Label: label, Body: formatTurns(kept)}
		sections = append(sections, s)
		stats.Sections = append(stats.Sections, SectionStat{Label: label, Items: len(kept), Chars: utf8.RuneCountInString(s.render())})
		return len(kept)
	}
	degrade := func(stage string, err error) {
		log.Printf("assembler %s failed for user %s: %v", stage, userID, err)
		stats.Degraded = append(stats.Degraded, fmt.Sprintf("%s: %v", stage, err))
	}

	if a.buffers != nil {
		stats.BufferTurns = addTurns(LabelBuffer, a.buffers.Snapshot(userID, sessionID))
	}

	var src Source
	if a.sources != nil {
		var err error
		if src, err = a.sources(ctx, userID); err != nil {
			degrade("store", err)
			src = nil
		}
	}
	if src != nil {
		if turns, err := src.RecentTurns(ctx, a.cfg.RecentTurns); err != nil {
			degrade("recent", err)
		} else {
			stats.RecentTurns = addTurns(LabelRecent, turns)
		}
		if turns, err := src.KeywordSearch(ctx, message, a.cfg.KeywordLimit); err != nil {
			degrade("keyword", err)
		} else {
			stats.KeywordTurns = addTurns(LabelKeyword, turns)
		}
		if turns, err := src.SimilaritySearch(ctx, message, a.cfg.SimilarityLimit); err != nil {
			degrade("similarity", err)
		} else {
			stats.SimilarityTurns = addTurns(LabelSimilarity, turns)
		}
		if docs, err := src.ListDocuments(ctx); err != nil {
			degrade("documents", err)
		} else {
			sections = a.addDocuments(sections, docs, &stats)
		}
	}

	text, truncated := FitToBudget(sections, a.cfg.Budget)
	stats.TotalChars = utf8.RuneCountInString(text)
	stats.Truncated = truncated
	stats.Elapsed = time.Since(start)
	return Block{Instructions: baseInstructions, Context: text, Truncated: truncated}, stats
}

// addDocuments appends one section per document, newest first. A document
// is injected whole while the block stays under budget, otherwise as a
// preview of PreviewChars.
func (a *Assembler) addDocuments(sections []Section, docs []models.Document, stats *Stats) []Section {
	if a.cfg.MaxDocuments > 0 && len(docs) > a.cfg.MaxDocuments {
		docs = docs[:a.cfg.MaxDocuments]
	}
	used := 0
	for i, s := range sections {
		if i > 0 {
			used += utf8.RuneCountInString(sectionSeparator)
		}
		used += utf8.RuneCountInString(s.render())
	}
	for _, d := range docs {
		if strings.TrimSpace(d.Content) == "" {
			continue
		}
		full := Section{Label: documentLabel(d), Body: d.Content}
		n := utf8.RuneCountInString(full.render())
		if used > 0 {
			n += utf8.RuneCountInString(sectionSeparator)
		}
		s := full
		if used+n <= a.cfg.Budget {
			stats.DocumentsFull++
		} else {
			s = Section{Label: documentLabel(d), Body: preview(d.Content, a.cfg.PreviewChars)}
			n = utf8.RuneCountInString(s.render())
			if used > 0 {
				n += utf8.RuneCountInString(sectionSeparator)
			}
			stats.DocumentsPreviewed++
		}
		used += n
		stats.Documents++
		sections = append(sections, s)
		stats.Sections = append(stats.Sections, SectionStat{Label: s.Label, Items: 1, Chars: utf8.RuneCountInString(s.render())})
	}
	return sections
}

func documentLabel(d models.Document) string {
	if d.MediaType == "" {
		return "Document " + d.Filename
	}
	return fmt.Sprintf("Document %s (%s)", d.Filename, d.MediaType)
}

func preview(content string, limit int) string {
	content = strings.TrimSpace(content)
	if limit <= 0 || utf8.RuneCountInString(content) <= limit {
		return content
	}
	return cutAtBoundary(content, limit) + previewSuffix
}

func formatTurns(turns []models.Turn) string {
	var b strings.Builder
	for i, t := range turns {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString("User: ")
		b.WriteString(strings.TrimSpace(t.UserText))
		b.WriteString("\nAssistant: ")
		b.WriteString(strings.TrimSpace(t.AssistantText))
	}
	return b.String()
}
