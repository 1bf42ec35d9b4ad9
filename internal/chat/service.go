// Package chat implements the chat server's turn protocol: load the session,
// ask the model, persist the new snapshot, hand the conversation to analysis
// every few messages and surface whatever analysis has arrived meanwhile.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/comigor/chatrelay/internal/analysis"
	"github.com/comigor/chatrelay/internal/history"
	"github.com/comigor/chatrelay/internal/logger"
	"github.com/comigor/chatrelay/internal/templates"
)

var (
	ErrMissingSessionID = errors.New("no session_id provided")
	ErrMissingContent   = errors.New("no message provided")
	// ErrUpstream wraps a failed model call; the turn is not persisted.
	ErrUpstream = errors.New("model call failed")
	// ErrStorage wraps a failure to persist the answered turn.
	ErrStorage = errors.New("persisting turn failed")
)

// Model answers a conversation with one assistant message.
type Model interface {
	Complete(ctx context.Context, conv history.Conversation) (history.Message, error)
}

// Dispatcher accepts conversations for background analysis without blocking.
type Dispatcher interface {
	Submit(sessionID string, conv history.Conversation)
}

// Policy decides when a conversation is sent for analysis.
type Policy struct {
	MinMessages int
	Interval    int
}

// DefaultPolicy analyzes after the 4th message and every 3rd one after that.
var DefaultPolicy = Policy{MinMessages: 4, Interval: 3}

// ShouldAnalyze reports whether a conversation of length n triggers analysis:
// n >= MinMessages and (n - MinMessages) is a multiple of Interval.
func (p Policy) ShouldAnalyze(n int) bool {
	if p.Interval <= 0 {
		return n == p.MinMessages
	}
	return n >= p.MinMessages && (n-p.MinMessages)%p.Interval == 0
}

// Service runs chat turns. It holds no per-request state.
type Service struct {
	store      *history.Store
	cache      analysis.Cache
	model      Model
	dispatcher Dispatcher
	templates  *templates.Store
	policy     Policy
}

// New creates a new chat service.
func New(store *history.Store, cache analysis.Cache, model Model, dispatcher Dispatcher, tpl *templates.Store, policy Policy) *Service {
	if policy.MinMessages <= 0 {
		policy = DefaultPolicy
	}
	return &Service{
		store:      store,
		cache:      cache,
		model:      model,
		dispatcher: dispatcher,
		templates:  tpl,
		policy:     policy,
	}
}

// TurnRequest is one incoming user message.
type TurnRequest struct {
	SessionID string
	Content   string
}

// TurnResult is the assistant's reply plus any analysis that was pending.
type TurnResult struct {
	Response   string
	Analysis   *analysis.Result
	Version    int
	Messages   int
	Dispatched bool
}

// View is what a client needs to render a session.
type View struct {
	ChatHistory     history.Conversation `json:"chatHistory"`
	AnalysisHistory *analysis.Result     `json:"analysisHistory"`
	Template        *TemplateInfo        `json:"template,omitempty"`
}

// TemplateInfo carries the presentational parts of a chat starter.
type TemplateInfo struct {
	Name      string `json:"name"`
	IntroText string `json:"introText,omitempty"`
	Avatar    string `json:"avatar,omitempty"`
}

// Session returns the session's current conversation. With a template name,
// the template is copied into the session as a new snapshot first and any
// pending analysis is dropped.
func (s *Service) Session(ctx context.Context, sessionID, templateName string) (*View, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, ErrMissingSessionID
	}
	release, err := s.store.Acquire(sessionID)
	if err != nil {
		return nil, err
	}
	defer release()

	if templateName == "" {
		conv, err := s.store.Load(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		pending, err := s.cache.Peek(ctx, sessionID)
		if err != nil {
			logger.L.Warn("analysis peek failed", "session", sessionID, "error", err)
		}
		return &View{ChatHistory: conv, AnalysisHistory: pending}, nil
	}

	if s.templates == nil {
		return nil, templates.ErrNoTemplates
	}
	tpl, err := s.templates.Load(templateName)
	if err != nil {
		return nil, err
	}
	conv := tpl.Conversation(s.store.SeedConversation()[0].Content)
	version, err := s.store.Save(ctx, sessionID, conv)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	if err := s.cache.Clear(ctx, sessionID); err != nil {
		logger.L.Warn("analysis clear failed", "session", sessionID, "error", err)
	}
	logger.L.Info("session seeded from template", "session", sessionID, "template", tpl.Name, "version", version)
	return &View{
		ChatHistory: conv,
		Template:    &TemplateInfo{Name: tpl.Name, IntroText: tpl.IntroText, Avatar: tpl.Avatar},
	}, nil
}
