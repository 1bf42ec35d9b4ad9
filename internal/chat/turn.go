package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/qmuntal/stateless"

	"github.com/comigor/chatrelay/internal/history"
	"github.com/comigor/chatrelay/internal/llm"
	"github.com/comigor/chatrelay/internal/logger"
	"github.com/comigor/chatrelay/internal/metrics"
)

// Turn states.
type TurnState stateless.State

var (
	StateReceived     TurnState = "Received"
	StateLoading      TurnState = "Loading"
	StateCallingModel TurnState = "CallingModel"
	StatePersisting   TurnState = "Persisting"
	StateDispatching  TurnState = "Dispatching"
	StateCollecting   TurnState = "Collecting"
	StateDone         TurnState = "Done"
	StateFailed       TurnState = "Failed"
)

// Turn triggers.
type TurnTrigger stateless.Trigger

var (
	TriggerAccept    TurnTrigger = "Accept"
	TriggerLoaded    TurnTrigger = "Loaded"
	TriggerAnswered  TurnTrigger = "Answered"
	TriggerPersisted TurnTrigger = "Persisted"
	TriggerHandedOff TurnTrigger = "HandedOff"
	TriggerCollected TurnTrigger = "Collected"
	TriggerFail      TurnTrigger = "Fail"
)

// turn is the data carried through one run of the state machine.
type turn struct {
	req     TurnRequest
	conv    history.Conversation
	reply   history.Message
	result  TurnResult
	next    TurnTrigger
	err     error
	outcome string
}

func (t *turn) advance(next TurnTrigger) { t.next = next }

func (t *turn) fail(outcome string, err error) {
	t.outcome = outcome
	t.err = err
	t.next = TriggerFail
}

// Turn runs one chat turn. The session is locked for the whole turn so two
// concurrent turns on one session never build on the same snapshot.
func (s *Service) Turn(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	if strings.TrimSpace(req.SessionID) == "" {
		metrics.ChatTurns.WithLabelValues("invalid").Inc()
		return nil, ErrMissingSessionID
	}
	if strings.TrimSpace(req.Content) == "" {
		metrics.ChatTurns.WithLabelValues("invalid").Inc()
		return nil, ErrMissingContent
	}
	release, err := s.store.Acquire(req.SessionID)
	if err != nil {
		metrics.ChatTurns.WithLabelValues("invalid").Inc()
		return nil, err
	}
	defer release()

	t := &turn{req: req}
	fsm := s.machine(t)

	// Each OnEntry records the trigger to fire next; firing from inside an
	// action would nest transitions.
	t.next = TriggerAccept
	for t.next != nil {
		next := t.next
		t.next = nil
		if err := fsm.FireCtx(ctx, next); err != nil {
			metrics.ChatTurns.WithLabelValues("error").Inc()
			return nil, fmt.Errorf("turn state machine: %w", err)
		}
	}

	state, err := fsm.State(ctx)
	if err != nil {
		return nil, fmt.Errorf("turn state machine: %w", err)
	}
	switch state {
	case StateDone:
		metrics.ChatTurns.WithLabelValues("ok").Inc()
		return &t.result, nil
	case StateFailed:
		metrics.ChatTurns.WithLabelValues(t.outcome).Inc()
		return nil, t.err
	default:
		return nil, fmt.Errorf("turn stopped in unexpected state %v", state)
	}
}

func (s *Service) machine(t *turn) *stateless.StateMachine {
	sid := t.req.SessionID
	fsm := stateless.NewStateMachine(StateReceived)

	fsm.Configure(StateReceived).
		Permit(TriggerAccept, StateLoading)

	// Loading: read the latest snapshot (or the seed) and append the user message.
	fsm.Configure(StateLoading).
		OnEntry(func(ctx context.Context, _ ...any) error {
			conv, err := s.store.Load(ctx, sid)
			if err != nil {
				t.fail("invalid", err)
				return nil
			}
			t.conv = conv.Append(history.Message{Role: history.RoleUser, Content: t.req.Content})
			t.advance(TriggerLoaded)
			return nil
		}).
		Permit(TriggerLoaded, StateCallingModel).
		Permit(TriggerFail, StateFailed)

	// CallingModel: the only step that talks to the model. Nothing is
	// written if it fails.
	fsm.Configure(StateCallingModel).
		OnEntry(func(ctx context.Context, _ ...any) error {
			start := time.Now()
			reply, err := s.model.Complete(ctx, t.conv)
			metrics.LLMLatency.Observe(time.Since(start).Seconds())
			if err != nil {
				logger.L.Error("model call failed", "session", sid, "error", err)
				if errors.Is(err, llm.ErrNotConfigured) {
					t.fail("config_error", err)
				} else {
					t.fail("upstream_error", fmt.Errorf("%w: %v", ErrUpstream, err))
				}
				return nil
			}
			t.reply = reply
			t.conv = t.conv.Append(reply)
			t.advance(TriggerAnswered)
			return nil
		}).
		Permit(TriggerAnswered, StatePersisting).
		Permit(TriggerFail, StateFailed)

	fsm.Configure(StatePersisting).
		OnEntry(func(ctx context.Context, _ ...any) error {
			version, err := s.store.Save(ctx, sid, t.conv)
			if err != nil {
				logger.L.Error("persisting turn failed", "session", sid, "error", err)
				t.fail("storage_error", fmt.Errorf("%w: %w", ErrStorage, err))
				return nil
			}
			t.result.Version = version
			t.result.Messages = len(t.conv)
			t.advance(TriggerPersisted)
			return nil
		}).
		Permit(TriggerPersisted, StateDispatching).
		Permit(TriggerFail, StateFailed)

	// Dispatching: hand the conversation off without waiting for the result.
	fsm.Configure(StateDispatching).
		OnEntry(func(ctx context.Context, _ ...any) error {
			if s.dispatcher != nil && s.policy.ShouldAnalyze(len(t.conv)) {
				s.dispatcher.Submit(sid, t.conv.Clone())
				t.result.Dispatched = true
				logger.L.Info("analysis requested", "session", sid, "messages", len(t.conv))
			}
			t.advance(TriggerHandedOff)
			return nil
		}).
		Permit(TriggerHandedOff, StateCollecting)

	// Collecting: deliver whatever analysis has landed since the last turn.
	// A broken cache never fails the turn.
	fsm.Configure(StateCollecting).
		OnEntry(func(ctx context.Context, _ ...any) error {
			pending, err := s.cache.Take(ctx, sid)
			if err != nil {
				logger.L.Warn("taking pending analysis failed", "session", sid, "error", err)
			}
			if pending != nil {
				metrics.AnalysesDelivered.Inc()
			}
			t.result.Analysis = pending
			t.advance(TriggerCollected)
			return nil
		}).
		Permit(TriggerCollected, StateDone)

	fsm.Configure(StateDone).
		OnEntry(func(ctx context.Context, _ ...any) error {
			t.result.Response = t.reply.Content
			logger.L.Debug("turn done", "session", sid, "version", t.result.Version)
			return nil
		})

	fsm.Configure(StateFailed).
		OnEntry(func(ctx context.Context, _ ...any) error {
			if t.err == nil {
				t.err = errors.New("turn failed without a specific error")
			}
			return nil
		})

	return fsm
}
