package llm

import (
	"context"
	"errors"
	"testing"

	"github.com/comigor/chatrelay/internal/config"
	"github.com/comigor/chatrelay/internal/history"
	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/require"
)

type mockLLM struct {
	last openai.ChatCompletionRequest
	resp openai.ChatCompletionResponse
	err  error
}

func (m *mockLLM) CreateChatCompletion(ctx context.Context, r openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	m.last = r
	return m.resp, m.err
}

func TestNewClient_MissingKey(t *testing.T) {
	_, err := NewClient(config.LLMConfig{Provider: "openai"})
	require.ErrorIs(t, err, ErrNotConfigured)

	_, err = NewClient(config.LLMConfig{Provider: "local"})
	require.Error(t, err)

	c, err := NewClient(config.LLMConfig{Provider: "local", BaseURL: "http://127.0.0.1:8080/v1"})
	require.NoError(t, err)
	require.NotNil(t, c)

	_, err = NewClient(config.LLMConfig{Provider: "mystery"})
	require.Error(t, err)
}

func TestProvider_RemembersConfigurationError(t *testing.T) {
	p := NewProvider(config.LLMConfig{Provider: "openai"})
	_, err := p.Client()
	require.ErrorIs(t, err, ErrNotConfigured)

	_, err = p.Complete(context.Background(), history.Seed("x"))
	require.ErrorIs(t, err, ErrNotConfigured)
}

func TestProvider_Complete(t *testing.T) {
	m := &mockLLM{resp: openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{{Message: openai.ChatCompletionMessage{Role: "assistant", Content: "hey there"}}},
	}}
	p := FromClient(m, config.LLMConfig{Model: "gpt", Stop: []string{"<|eot_id|>"}})

	conv := history.Seed("sys").Append(history.Message{Role: history.RoleUser, Content: "hi"})
	msg, err := p.Complete(context.Background(), conv)
	require.NoError(t, err)
	require.Equal(t, history.Message{Role: history.RoleAssistant, Content: "hey there"}, msg)

	require.Equal(t, "gpt", m.last.Model)
	require.Equal(t, []string{"<|eot_id|>"}, m.last.Stop)
	require.Len(t, m.last.Messages, 2)
	require.Equal(t, openai.ChatMessageRoleUser, m.last.Messages[1].Role)
}

func TestProvider_CompleteErrors(t *testing.T) {
	p := FromClient(&mockLLM{}, config.LLMConfig{Model: "gpt"})
	_, err := p.Complete(context.Background(), history.Seed("x"))
	require.ErrorIs(t, err, ErrEmptyResponse)

	boom := errors.New("boom")
	p = FromClient(&mockLLM{err: boom}, config.LLMConfig{Model: "gpt"})
	_, err = p.Complete(context.Background(), history.Seed("x"))
	require.ErrorIs(t, err, boom)
}
