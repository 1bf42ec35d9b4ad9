package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/sashabaranov/go-openai"

	"github.com/comigor/chatrelay/internal/config"
	"github.com/comigor/chatrelay/internal/history"
)

// Provider names accepted in llm.provider.
const (
	ProviderOpenAI = "openai"
	ProviderLocal  = "local"
)

var (
	// ErrNotConfigured means the model credentials are missing.
	ErrNotConfigured = errors.New("OpenAI API key not configured")
	// ErrEmptyResponse means the model answered without any choice.
	ErrEmptyResponse = errors.New("model returned no choices")
)

// NewClient creates a new OpenAI-compatible client. The local provider talks to
// any server speaking the same API (llama.cpp server, Ollama) and needs no key.
func NewClient(cfg config.LLMConfig) (*openai.Client, error) {
	provider := strings.ToLower(cfg.Provider)
	switch provider {
	case "", ProviderOpenAI:
		if cfg.APIKey == "" {
			return nil, ErrNotConfigured
		}
	case ProviderLocal:
		if cfg.BaseURL == "" {
			return nil, fmt.Errorf("llm provider %q requires base_url", provider)
		}
	default:
		return nil, fmt.Errorf("unsupported llm provider %q", cfg.Provider)
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	return openai.NewClientWithConfig(clientCfg), nil
}

// Provider is the process-wide chat model handle. The client is built on first
// use, once; a construction failure is remembered and returned on every call.
type Provider struct {
	cfg config.LLMConfig

	once   sync.Once
	client Client
	err    error
}

// NewProvider returns a lazily initialized provider for cfg.
func NewProvider(cfg config.LLMConfig) *Provider {
	return &Provider{cfg: cfg}
}

// FromClient returns a provider that always hands out c.
func FromClient(c Client, cfg config.LLMConfig) *Provider {
	p := &Provider{cfg: cfg, client: c}
	p.once.Do(func() {})
	return p
}

// Client returns the shared client, constructing it if necessary.
func (p *Provider) Client() (Client, error) {
	p.once.Do(func() {
		c, err := NewClient(p.cfg)
		if err != nil {
			p.err = err
			return
		}
		p.client = c
	})
	return p.client, p.err
}

// Model returns the configured model name.
func (p *Provider) Model() string { return p.cfg.Model }

// Complete sends conv to the model and returns the first assistant message.
func (p *Provider) Complete(ctx context.Context, conv history.Conversation) (history.Message, error) {
	c, err := p.Client()
	if err != nil {
		return history.Message{}, err
	}
	if p.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.Timeout)
		defer cancel()
	}

	resp, err := c.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    p.cfg.Model,
		Messages: ToOpenAI(conv),
		Stop:     p.cfg.Stop,
	})
	if err != nil {
		return history.Message{}, err
	}
	if len(resp.Choices) == 0 {
		return history.Message{}, ErrEmptyResponse
	}
	return history.Message{Role: history.RoleAssistant, Content: resp.Choices[0].Message.Content}, nil
}

// ToOpenAI converts a conversation to the request message type.
func ToOpenAI(conv history.Conversation) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, len(conv))
	for i, m := range conv {
		out[i] = openai.ChatCompletionMessage{Role: m.Role, Content: m.Content}
	}
	return out
}
