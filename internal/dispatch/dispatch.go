// Package dispatch hands conversation snapshots to the analysis server.
//
// Delivery is best-effort: Submit never blocks, nothing is retried, and each
// session has at most one job outstanding. While a job for a session is queued
// or in flight, a newer snapshot replaces the waiting one instead of queueing
// behind it.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/comigor/chatrelay/internal/history"
	"github.com/comigor/chatrelay/internal/logger"
	"github.com/comigor/chatrelay/internal/metrics"
)

// Outcomes reported to the metrics collector.
const (
	OutcomeDispatched  = "dispatched"
	OutcomeTimeout     = "timeout"
	OutcomeUnreachable = "unreachable"
	OutcomeFailed      = "failed"
	OutcomeDropped     = "dropped"
	OutcomeCoalesced   = "coalesced"
)

// Job is one analysis request.
type Job struct {
	ID           string               `json:"-"`
	SessionID    string               `json:"session_id"`
	Conversation history.Conversation `json:"chat_history"`
}

// DefaultTimeout bounds one POST. The analysis server keeps running a job after
// the caller gives up, so this only limits how long a worker is tied up.
const DefaultTimeout = time.Second

// Options configure a Dispatcher.
type Options struct {
	URL       string
	Timeout   time.Duration
	QueueSize int
	Workers   int
}

// Dispatcher posts jobs to the analysis server from a small worker pool.
type Dispatcher struct {
	url    string
	client *http.Client
	queue  chan string

	mu       sync.Mutex
	waiting  map[string]Job
	inflight map[string]bool
	closed   bool

	wg sync.WaitGroup
}

// New starts the worker pool.
func New(opts Options) *Dispatcher {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	d := &Dispatcher{
		url:      opts.URL,
		client:   &http.Client{Timeout: opts.Timeout},
		queue:    make(chan string, opts.QueueSize),
		waiting:  make(map[string]Job),
		inflight: make(map[string]bool),
	}
	for i := 0; i < opts.Workers; i++ {
		d.wg.Add(1)
		go d.work()
	}
	return d
}

// Submit schedules an analysis of conv for the session. It never blocks.
// Jobs are keyed on the sanitized id, so aliases of one session coalesce.
func (d *Dispatcher) Submit(sessionID string, conv history.Conversation) {
	job := Job{ID: uuid.NewString(), SessionID: sessionID, Conversation: conv.Clone()}
	key, err := history.SanitizeID(sessionID)
	if err != nil {
		d.record(job, OutcomeDropped, err)
		return
	}
	sessionID = key
	job.SessionID = key

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		d.record(job, OutcomeDropped, errors.New("dispatcher closed"))
		return
	}
	if _, ok := d.waiting[sessionID]; ok {
		d.waiting[sessionID] = job
		d.record(job, OutcomeCoalesced, nil)
		return
	}
	if d.inflight[sessionID] {
		// picked up again when the in-flight job finishes
		d.waiting[sessionID] = job
		return
	}
	select {
	case d.queue <- sessionID:
		d.waiting[sessionID] = job
	default:
		d.record(job, OutcomeDropped, errors.New("queue full"))
	}
}

// Close stops accepting jobs and waits for the workers to drain the queue or
// for ctx to expire.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) work() {
	defer d.wg.Done()
	for sessionID := range d.queue {
		d.mu.Lock()
		job, ok := d.waiting[sessionID]
		delete(d.waiting, sessionID)
		if ok {
			d.inflight[sessionID] = true
		}
		d.mu.Unlock()

		// a snapshot submitted while this one was in flight is sent right after it
		for ok {
			err := d.send(job)
			d.record(job, classify(err), err)

			d.mu.Lock()
			job, ok = d.waiting[sessionID]
			delete(d.waiting, sessionID)
			if !ok {
				delete(d.inflight, sessionID)
			}
			d.mu.Unlock()
		}
	}
}

// StatusError is returned when the analysis server answers with a non-2xx status.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("analysis server returned status %d", e.Code)
}

func (d *Dispatcher) send(job Job) error {
	body, err := json.Marshal(job)
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, d.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-Id", job.ID)

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Code: resp.StatusCode}
	}
	return nil
}

func classify(err error) string {
	if err == nil {
		return OutcomeDispatched
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return OutcomeTimeout
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return OutcomeUnreachable
	}
	return OutcomeFailed
}

func (d *Dispatcher) record(job Job, outcome string, err error) {
	metrics.AnalysisDispatch.WithLabelValues(outcome).Inc()
	attrs := []any{"session", job.SessionID, "job", job.ID, "messages", len(job.Conversation), "outcome", outcome}
	switch outcome {
	case OutcomeDispatched, OutcomeCoalesced:
		logger.L.Debug("analysis job", attrs...)
	case OutcomeTimeout:
		// the analysis server may still finish and publish its result
		logger.L.Info("analysis job outcome unknown", append(attrs, "error", err)...)
	default:
		logger.L.Warn("analysis job not delivered", append(attrs, "error", err)...)
	}
}

// Noop discards every job; used when no analysis server is configured.
type Noop struct{}

func (Noop) Submit(string, history.Conversation) {}
