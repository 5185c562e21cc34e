package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"chatrecall/internal/ingest"

	"github.com/cloudwego/eino-ext/components/tool/duckduckgo/v2"
	"github.com/cloudwego/eino-ext/components/tool/googlesearch"
	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/components/tool/utils"
	"github.com/cloudwego/eino/schema"
)

// InitToolsChain builds the agent tools. Web search needs at least one
// search provider; the document reader is always available.
func InitToolsChain() []tool.BaseTool {
	var tools []tool.BaseTool

	if ws := InitWebSearch(); ws != nil {
		tools = append(tools, ws)
	}
	if dr := initDocumentReader(); dr != nil {
		tools = append(tools, dr)
	}
	return tools
}

func InitWebSearch() tool.InvokableTool {
	googleTool := InitGooglesearch()
	duckTool := InitDDGsearch()
	if googleTool == nil && duckTool == nil {
		log.Printf("web search tool disabled: no search providers available")
		return nil
	}

	ws := &webSearchTool{
		google:  googleTool,
		duck:    duckTool,
		scraper: ingest.NewScraper(512 * 1024),
	}
	ws.scraper.Client.Timeout = WebSearchHTTPTimeout

	info := &schema.ToolInfo{
		Name: "web_search",
		Desc: "Search the web for information; " +
			"automatically fallbacks to another provider if needed;" +
			"can read a URL if needed.",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"query": {
				Desc:     "Natural language query or URL to search",
				Type:     schema.String,
				Required: true,
			},
		}),
	}

	return utils.NewTool(info, ws.run)
}

type webSearchTool struct {
	google  tool.InvokableTool
	duck    tool.InvokableTool
	scraper *ingest.Scraper
}

type webSearchParams struct {
	Query string `json:"query"`
}

func (w *webSearchTool) run(ctx context.Context, params *webSearchParams) (string, error) {
	if params == nil {
		return "", errors.New("missing search parameters")
	}
	query := strings.TrimSpace(params.Query)
	if query == "" {
		return "", errors.New("query must not be empty")
	}

	if looksLikeURL(query) && w.scraper != nil {
		page, err := w.scraper.Fetch(ctx, query)
		if err == nil {
			return fmt.Sprintf("%s\n\n%s", page.Title, page.Text), nil
		}
		log.Printf("web url loader failed: %v", err)
	}

	payloadBytes, err := json.Marshal(map[string]string{"query": query})
	if err != nil {
		return "", fmt.Errorf("marshal search params: %w", err)
	}
	payload := string(payloadBytes)

	if w.google != nil {
		if result, err := w.google.InvokableRun(ctx, payload); err == nil {
			return result, nil
		} else {
			log.Printf("google search failed: %v", err)
		}
	}

	if w.duck != nil {
		if result, err := w.duck.InvokableRun(ctx, payload); err == nil {
			return result, nil
		} else {
			log.Printf("duckduckgo search failed: %v", err)
		}
	}

	return "", errors.New("no search provider succeeded")
}

// documentReader serves stored documents to the model in chunks.
type documentReader struct {
	limiter *toolRateLimiter
}

type documentReaderParams struct {
	Filename   string `json:"filename"`
	ChunkIndex int    `json:"chunk_index,omitempty"`
	ChunkSize  int    `json:"chunk_size,omitempty"`
}

func initDocumentReader() tool.InvokableTool {
	reader := &documentReader{limiter: newToolRateLimiter(DocumentReaderRateLimit, DocumentReaderRateWindow)}
	info := &schema.ToolInfo{
		Name: "document_reader",
		Desc: "Read the user's uploaded documents in small chunks. Provide the filename shown in the context " +
			"(and optional chunk_index / chunk_size) to fetch a specific segment; limit 3 calls per minute per session.",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"filename": {
				Desc:     "Filename of the document to read.",
				Type:     schema.String,
				Required: true,
			},
			"chunk_index": {
				Desc:     "Zero-based chunk index to read, default 0.",
				Type:     schema.Integer,
				Required: false,
			},
			"chunk_size": {
				Desc:     "Number of characters per chunk (max 2000, default 1000).",
				Type:     schema.Integer,
				Required: false,
			},
		}),
	}
	return utils.NewTool(info, reader.run)
}

func (t *documentReader) run(ctx context.Context, params *documentReaderParams) (string, error) {
	if params == nil || strings.TrimSpace(params.Filename) == "" {
		return "", errors.New("filename is required")
	}
	src := DocumentsFromContext(ctx)
	if src == nil {
		return "", errors.New("no documents available for this session")
	}
	key := "file:" + params.Filename
	if userID, sessionID, ok := ToolSessionFromContext(ctx); ok {
		key = fmt.Sprintf("user:%s:session:%s", userID, sessionID)
	}
	if !t.limiter.Allow(key) {
		return "", errors.New("document reader rate limit exceeded, please retry in a minute")
	}

	doc, err := src.GetDocument(ctx, strings.TrimSpace(params.Filename))
	if err != nil {
		return "", fmt.Errorf("document %q not found", params.Filename)
	}
	text := strings.TrimSpace(doc.Content)
	if text == "" {
		return fmt.Sprintf("File: %s has no readable text content.", doc.Filename), nil
	}
	chunkSize := params.ChunkSize
	if chunkSize <= 0 || chunkSize > DocumentChunkSizeMax {
		chunkSize = DocumentChunkSizeDefault
	}
	if chunkSize < DocumentChunkSizeMin {
		chunkSize = DocumentChunkSizeMin
	}
	chunkIndex := params.ChunkIndex
	if chunkIndex < 0 {
		chunkIndex = 0
	}
	runes := []rune(text)
	totalChunks := (len(runes) + chunkSize - 1) / chunkSize
	if chunkIndex >= totalChunks {
		chunkIndex = totalChunks - 1
	}
	start := chunkIndex * chunkSize
	end := start + chunkSize
	if end > len(runes) {
		end = len(runes)
	}
	segment := string(runes[start:end])
	return fmt.Sprintf("File: %s\nChunk %d/%d\n\n%s", doc.Filename, chunkIndex+1, totalChunks, segment), nil
}

// InitDDGsearch Init DDG Search
func InitDDGsearch() tool.InvokableTool {
	duckConfig := &duckduckgo.Config{
		ToolName:   "web_search_ddg",
		ToolDesc:   "DuckDuckGo Search Tool (no token required)",
		MaxResults: 3,
		Region:     duckduckgo.RegionWT,
		Timeout:    10 * time.Second,
	}
	duckTool, err := duckduckgo.NewTextSearchTool(context.Background(), duckConfig)
	if err != nil {
		log.Printf("duckduckgo search tool disabled: %v", err)
		return nil
	}
	return duckTool
}

// InitGooglesearch Init Google Search
func InitGooglesearch() tool.InvokableTool {
	googleAPIKey := os.Getenv("GOOGLE_API_KEY")
	googleSearchEngineID := os.Getenv("GOOGLE_SEARCH_ENGINE_ID")
	if googleAPIKey == "" || googleSearchEngineID == "" {
		log.Printf("google search tool disabled: missing GOOGLE_API_KEY or GOOGLE_SEARCH_ENGINE_ID")
		return nil
	}
	googleTool, err := googlesearch.NewTool(context.Background(), &googlesearch.Config{
		ToolName:       "web_search_google",
		ToolDesc:       "Google Search Tool",
		APIKey:         googleAPIKey,
		SearchEngineID: googleSearchEngineID,
		Lang:           "en",
		Num:            5,
	})
	if err != nil {
		log.Printf("google search tool disabled: %v", err)
		return nil
	}
	return googleTool
}

func looksLikeURL(input string) bool {
	lower := strings.ToLower(input)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}
