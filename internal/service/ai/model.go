package ai

import (
	"context"
	"fmt"
	"io"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/pkg/errors"
	openai "github.com/sashabaranov/go-openai"

	"github.com/zhouzirui/chatmate/backend/internal/config"
)

// newChatModel 根据 provider 创建聊天模型，采样参数在整个生命周期内固定。
func newChatModel(ctx context.Context, cfg config.AIConfig) (model.BaseChatModel, error) {
	switch cfg.Provider {
	case config.ProviderOpenAI:
		return newOpenAIChatModel(cfg), nil
	case config.ProviderArk:
		temperature := cfg.Temperature
		topP := cfg.TopP

		var maxTokens *int
		if cfg.MaxTokens != nil {
			val := *cfg.MaxTokens
			maxTokens = &val
		}

		return ark.NewChatModel(ctx, &ark.ChatModelConfig{
			BaseURL:     cfg.BaseURL,
			Region:      cfg.Region,
			APIKey:      cfg.APIKey,
			AccessKey:   cfg.AccessKey,
			SecretKey:   cfg.SecretKey,
			Model:       cfg.Model,
			MaxTokens:   maxTokens,
			Temperature: &temperature,
			TopP:        &topP,
		})
	default:
		return nil, &config.ConfigurationError{Key: "LLM_PROVIDER", Reason: fmt.Sprintf("has unsupported value %q", cfg.Provider)}
	}
}

// openAIChatModel adapts the go-openai client to eino's chat model contract.
type openAIChatModel struct {
	client      *openai.Client
	model       string
	temperature float32
	topP        float32
	maxTokens   int
}

func newOpenAIChatModel(cfg config.AIConfig) *openAIChatModel {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	m := &openAIChatModel{
		client:      openai.NewClientWithConfig(clientCfg),
		model:       cfg.Model,
		temperature: cfg.Temperature,
		topP:        cfg.TopP,
	}
	if cfg.MaxTokens != nil {
		m.maxTokens = *cfg.MaxTokens
	}
	return m
}

func (m *openAIChatModel) request(input []*schema.Message, stream bool) openai.ChatCompletionRequest {
	messages := make([]openai.ChatCompletionMessage, 0, len(input))
	for _, msg := range input {
		if msg == nil {
			continue
		}
		role := openai.ChatMessageRoleUser
		switch msg.Role {
		case schema.System:
			role = openai.ChatMessageRoleSystem
		case schema.Assistant:
			role = openai.ChatMessageRoleAssistant
		}
		messages = append(messages, openai.ChatCompletionMessage{Role: role, Content: msg.Content})
	}

	return openai.ChatCompletionRequest{
		Model:       m.model,
		Messages:    messages,
		Temperature: m.temperature,
		TopP:        m.topP,
		MaxTokens:   m.maxTokens,
		Stream:      stream,
	}
}

func (m *openAIChatModel) Generate(ctx context.Context, input []*schema.Message, _ ...model.Option) (*schema.Message, error) {
	resp, err := m.client.CreateChatCompletion(ctx, m.request(input, false))
	if err != nil {
		return nil, errors.Wrap(err, "openai chat completion")
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("openai chat completion returned no choices")
	}
	return schema.AssistantMessage(resp.Choices[0].Message.Content, nil), nil
}

func (m *openAIChatModel) Stream(ctx context.Context, input []*schema.Message, _ ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	stream, err := m.client.CreateChatCompletionStream(ctx, m.request(input, true))
	if err != nil {
		return nil, errors.Wrap(err, "openai chat stream")
	}

	reader, writer := schema.Pipe[*schema.Message](8)
	go func() {
		defer stream.Close()
		defer writer.Close()

		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				writer.Send(nil, err)
				return
			}
			if len(resp.Choices) == 0 || resp.Choices[0].Delta.Content == "" {
				continue
			}
			if closed := writer.Send(schema.AssistantMessage(resp.Choices[0].Delta.Content, nil), nil); closed {
				return
			}
		}
	}()

	return reader, nil
}

func (m *openAIChatModel) BindTools(_ []*schema.ToolInfo) error {
	return errors.New("tool calling is not used by this client")
}
