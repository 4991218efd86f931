package chat

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"github.com/sashabaranov/go-openai"
	"google.golang.org/api/option"

	"github.com/facturaIA/invoice-intake-service/internal/models"
)

// Fallback answers text no command matched.
type Fallback interface {
	Reply(ctx context.Context, message string) (string, error)
	Name() string
}

const capabilityMenu = `Tôi có thể giúp bạn:
1. Xem danh sách hóa đơn ("xem danh sách hóa đơn")
2. Tìm hóa đơn theo mã ("tìm mã PD0100012345")
3. Lọc theo thời gian ("hóa đơn tháng này", "từ 01/05 đến 15/05")
4. Xem thống kê ("thống kê")
5. Xuất báo cáo Excel ("xuất báo cáo tháng này")
6. Chụp và xử lý hóa đơn ("bật camera", "chụp", "xử lý")`

// StaticFallback returns the capability menu. It is used when no chat
// provider is configured.
type StaticFallback struct{}

func (StaticFallback) Reply(context.Context, string) (string, error) {
	return capabilityMenu, nil
}

func (StaticFallback) Name() string { return "static" }

// OpenAIFallback talks to OpenAI or any compatible endpoint.
type OpenAIFallback struct {
	client       *openai.Client
	model        string
	systemPrompt string
}

func NewOpenAIFallback(cfg models.OpenAIConfig, systemPrompt string) (*OpenAIFallback, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai api key is required")
	}
	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = cfg.BaseURL
	}
	return &OpenAIFallback{
		client:       openai.NewClientWithConfig(config),
		model:        cfg.Model,
		systemPrompt: systemPrompt,
	}, nil
}

func (f *OpenAIFallback) Reply(ctx context.Context, message string) (string, error) {
	var msgs []openai.ChatCompletionMessage
	if f.systemPrompt != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: f.systemPrompt})
	}
	msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: message})

	resp, err := f.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    f.model,
		Messages: msgs,
	})
	if err != nil {
		return "", fmt.Errorf("openai chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no response from openai")
	}
	return resp.Choices[0].Message.Content, nil
}

func (f *OpenAIFallback) Name() string { return "openai" }

// GeminiFallback talks to Google Gemini.
type GeminiFallback struct {
	client *genai.Client
	model  *genai.GenerativeModel
}

func NewGeminiFallback(ctx context.Context, cfg models.GeminiConfig, systemPrompt string) (*GeminiFallback, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(cfg.APIKey))
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}

	model := client.GenerativeModel(cfg.Model)
	if systemPrompt != "" {
		model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(systemPrompt)}}
	}
	return &GeminiFallback{client: client, model: model}, nil
}

func (g *GeminiFallback) Reply(ctx context.Context, message string) (string, error) {
	resp, err := g.model.GenerateContent(ctx, genai.Text(message))
	if err != nil {
		return "", fmt.Errorf("generating content: %w", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", fmt.Errorf("no response from gemini")
	}

	var text strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if t, ok := part.(genai.Text); ok {
			text.WriteString(string(t))
		}
	}
	return text.String(), nil
}

func (g *GeminiFallback) Name() string { return "gemini" }

// Close closes the Gemini client
func (g *GeminiFallback) Close() error {
	return g.client.Close()
}

// NewFallback picks the provider named in cfg. An empty provider gives the
// static menu.
func NewFallback(ctx context.Context, cfg models.ChatConfig) (Fallback, error) {
	switch strings.ToLower(cfg.Provider) {
	case "":
		return StaticFallback{}, nil
	case "openai":
		return NewOpenAIFallback(cfg.OpenAI, cfg.SystemPrompt)
	case "gemini":
		return NewGeminiFallback(ctx, cfg.Gemini, cfg.SystemPrompt)
	default:
		return nil, fmt.Errorf("unknown chat provider %q", cfg.Provider)
	}
}
