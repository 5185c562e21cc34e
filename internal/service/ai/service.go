package ai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"chatrecall/internal/config"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/flow/agent/react"
	"github.com/cloudwego/eino/schema"
	"google.golang.org/genai"
)

// ErrEmptyCompletion is returned when the backend finished without text.
var ErrEmptyCompletion = errors.New("completion returned no text")

// CompletionRequest is everything the backend sees for one turn.
type CompletionRequest struct {
	UserID       string
	SessionID    string
	Instructions string
	Context      string
	Message      string
}

// Completer is the completion boundary: text in, text out. onChunk, when
// set, receives the reply accumulated so far after every streamed chunk.
type Completer interface {
	Complete(ctx context.Context, req CompletionRequest, onChunk func(string) error) (string, error)
}

type streamFunc func(ctx context.Context, msgs []*schema.Message) (*schema.StreamReader[*schema.Message], error)

type aiService struct {
	stream     streamFunc
	timeout    time.Duration
	retries    int
	retryDelay time.Duration
}

func NewAiService(ctx context.Context, provider, modelType, token string, cfg *config.Config, tools []tool.BaseTool) (*aiService, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	provCfg, ok := cfg.Providers[provider]
	if !ok {
		return nil, fmt.Errorf("provider %s not configured", provider)
	}
	if modelType == "" {
		modelType = provCfg.Model
	}

	var (
		chatModel model.ToolCallingChatModel
		err       error
	)
	switch provider {
	case "openai":
		chatModel, err = openai.NewChatModel(ctx, &openai.ChatModelConfig{
			BaseURL: provCfg.BaseURL,
			Model:   modelType,
			APIKey:  token,
		})
	case "gemini":
		client, cerr := genai.NewClient(ctx, &genai.ClientConfig{
			APIKey: token,
		})
		if cerr != nil {
			return nil, fmt.Errorf("new gemini client: %w", cerr)
		}
		chatModel, err = gemini.NewChatModel(ctx, &gemini.Config{
			Client: client,
			Model:  modelType,
			ThinkingConfig: &genai.ThinkingConfig{
				IncludeThoughts: true,
				ThinkingBudget:  nil,
			},
		})
	case "claude":
		var baseURLPtr *string
		if provCfg.BaseURL != "" {
			baseURLPtr = &provCfg.BaseURL
		}
		chatModel, err = claude.NewChatModel(ctx, &claude.Config{
			APIKey:    token,
			Model:     modelType,
			BaseURL:   baseURLPtr,
			MaxTokens: cfg.Completion.MaxTokens,
		})
	default:
		return nil, fmt.Errorf("invalid provider: %s", provider)
	}
	if err != nil {
		return nil, fmt.Errorf("start ai service: %w", err)
	}

	svc := &aiService{
		timeout:    time.Duration(cfg.Completion.Timeout) * time.Second,
		retries:    cfg.Completion.Retries,
		retryDelay: time.Duration(cfg.Completion.RetryDelay) * time.Millisecond,
	}
	if len(tools) > 0 {
		reactAgent, err := react.NewAgent(ctx, &react.AgentConfig{
			ToolCallingModel: chatModel,
			ToolsConfig: compose.ToolsNodeConfig{
				Tools: tools,
			},
		})
		if err != nil {
			return nil, fmt.Errorf("init react agent: %w", err)
		}
		svc.stream = func(ctx context.Context, msgs []*schema.Message) (*schema.StreamReader[*schema.Message], error) {
			return reactAgent.Stream(ctx, msgs)
		}
	} else {
		svc.stream = func(ctx context.Context, msgs []*schema.Message) (*schema.StreamReader[*schema.Message], error) {
			return chatModel.Stream(ctx, msgs)
		}
	}
	return svc, nil
}

// Complete streams one reply. Failures before the first chunk are retried;
// once text has reached the caller the error is returned as is.
func (s *aiService) Complete(ctx context.Context, req CompletionRequest, onChunk func(string) error) (string, error) {
	if strings.TrimSpace(req.Message) == "" {
		return "", errors.New("message cannot be empty")
	}
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	ctx = WithToolSession(ctx, req.UserID, req.SessionID)
	msgs := buildMessages(req)

	attempts := s.retries
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		reply, streamed, err := s.streamOnce(ctx, msgs, onChunk)
		if err == nil {
			return reply, nil
		}
		lastErr = err
		if streamed || ctx.Err() != nil || attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(s.retryDelay):
		}
	}
	return "", lastErr
}

func (s *aiService) streamOnce(ctx context.Context, msgs []*schema.Message, onChunk func(string) error) (string, bool, error) {
	reader, err := s.stream(ctx, msgs)
	if err != nil {
		return "", false, fmt.Errorf("generate ai stream failed: %w", err)
	}
	defer reader.Close()

	var full strings.Builder
	streamed := false
	for {
		chunk, err := reader.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", streamed, fmt.Errorf("receive ai stream: %w", err)
		}
		if chunk == nil || chunk.Content == "" {
			continue
		}
		full.WriteString(chunk.Content)
		streamed = true
		if onChunk != nil {
			if err := onChunk(full.String()); err != nil {
				return "", true, err
			}
		}
	}
	if strings.TrimSpace(full.String()) == "" {
		return "", streamed, ErrEmptyCompletion
	}
	return full.String(), streamed, nil
}

// buildMessages puts instructions and the assembled context in the system
// message and the new utterance in the user message.
func buildMessages(req CompletionRequest) []*schema.Message {
	system := strings.TrimSpace(req.Instructions)
	if ctxBlock := strings.TrimSpace(req.Context); ctxBlock != "" {
		if system != "" {
			system += "\n\n"
		}
		system += "Context from earlier conversations and uploaded documents:\n\n" + ctxBlock
	}
	msgs := make([]*schema.Message, 0, 2)
	if system != "" {
		msgs = append(msgs, schema.SystemMessage(system))
	}
	return append(msgs, schema.UserMessage(req.Message))
}
