// Command inspect prints the context block a user's next message would be
// answered with, without calling any completion backend.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/joho/godotenv"

	"chatrecall/internal/assembler"
	"chatrecall/internal/buffer"
	"chatrecall/internal/config"
	"chatrecall/internal/storage"
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	labelStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("11")).Bold(true)
	blockStyle   = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	sectionStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Bold(true)
)

func main() {
	_ = godotenv.Load()

	cfgPath := flag.String("config", os.Getenv("CHATRECALL_CONFIG"), "config file")
	userID := flag.String("user", "", "account id whose store is read")
	sessionID := flag.String("session", "", "session to rebuild; defaults to the active one")
	message := flag.String("message", "", "message to assemble context for")
	flag.Parse()

	if strings.TrimSpace(*userID) == "" || strings.TrimSpace(*message) == "" {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	out, err := inspect(ctx, cfg, *userID, *sessionID, *message)
	if err != nil {
		log.Fatalf("inspect: %v", err)
	}
	fmt.Println(out)
}

func inspect(ctx context.Context, cfg *config.Config, userID, sessionID, message string) (string, error) {
	stores, err := storage.NewRegistry(cfg, storage.Options{})
	if err != nil {
		return "", err
	}
	defer stores.Close()

	store, err := stores.Store(ctx, userID)
	if err != nil {
		return "", err
	}
	if sessionID == "" {
		active, ok, err := store.ActiveSession(ctx)
		if err != nil {
			return "", fmt.Errorf("find active session: %w", err)
		}
		if ok {
			sessionID = active.ID
		}
	}

	buffers := buffer.NewRegistry(cfg.Context.BufferSize)
	if sessionID != "" {
		turns, err := store.SessionTurns(ctx, sessionID, buffers.Limit())
		if err != nil {
			return "", fmt.Errorf("load session turns: %w", err)
		}
		buffers.Replace(buffer.Key{UserID: userID, SessionID: sessionID}, turns)
	}

	asm := assembler.New(cfg.Context, buffers, assembler.FromRegistry(stores))
	block, stats := asm.Assemble(ctx, userID, sessionID, message, "")
	return render(userID, sessionID, block, stats), nil
}

func render(userID, sessionID string, block assembler.Block, stats assembler.Stats) string {
	var b strings.Builder
	session := sessionID
	if session == "" {
		session = "(none)"
	}
	b.WriteString(titleStyle.Render(fmt.Sprintf("user %s  session %s", userID, session)))
	b.WriteString("\n")

	for _, s := range stats.Sections {
		b.WriteString(sectionStyle.Render(s.Label))
		b.WriteString(labelStyle.Render(fmt.Sprintf("  %d items, %d chars", s.Items, s.Chars)))
		b.WriteString("\n")
	}
	row := func(name string, v any) {
		b.WriteString(labelStyle.Render(fmt.Sprintf("%-20s", name)))
		b.WriteString(fmt.Sprint(v))
		b.WriteString("\n")
	}
	row("buffer turns", stats.BufferTurns)
	row("recent turns", stats.RecentTurns)
	row("keyword turns", stats.KeywordTurns)
	row("similarity turns", stats.SimilarityTurns)
	row("documents", fmt.Sprintf("%d (%d full, %d previewed)", stats.Documents, stats.DocumentsFull, stats.DocumentsPreviewed))
	row("duplicates skipped", stats.DuplicatesSkipped)
	row("total chars", stats.TotalChars)
	row("elapsed", stats.Elapsed)
	if stats.Truncated {
		b.WriteString(warnStyle.Render("context truncated to fit the budget"))
		b.WriteString("\n")
	}
	if len(stats.Degraded) > 0 {
		b.WriteString(warnStyle.Render("degraded: " + strings.Join(stats.Degraded, ", ")))
		b.WriteString("\n")
	}

	if block.Instructions != "" {
		b.WriteString(labelStyle.Render("instructions"))
		b.WriteString("\n")
		b.WriteString(blockStyle.Render(block.Instructions))
		b.WriteString("\n")
	}
	ctxText := block.Context
	if ctxText == "" {
		ctxText = labelStyle.Render("(empty context)")
	}
	b.WriteString(blockStyle.Render(ctxText))
	return b.String()
}
