package services

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/tbourn/memora-client/internal/domain"
)

// MessageSink is told about every message that becomes visible in an open
// conversation, so the inbox cache can follow along.
type MessageSink interface {
	Touch(ctx context.Context, userID string, m domain.Message) error
}

// Registry is the process-wide set of open conversations, keyed by
// conversation id. It owns their lifecycle: Open loads (or reuses) a
// synchronizer, Close tears it down.
type Registry struct {
	backend  MessageBackend
	presence Presence
	opts     SyncOptions
	sink     MessageSink
	log      zerolog.Logger

	mu      sync.Mutex
	open    map[string]*entry
	compose *Synchronizer

	touches  chan touch
	stop     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
}

type touch struct {
	userID string
	msg    domain.Message
}

// touchQueue bounds the sink writes waiting behind a slow database.
const touchQueue = 256

type entry struct {
	sync    *Synchronizer
	unwatch func()
}

// NewRegistry returns an empty Registry. sink may be nil; when set, its
// writes run on a worker goroutine that Stop ends.
func NewRegistry(backend MessageBackend, presence Presence, opts SyncOptions, sink MessageSink) *Registry {
	r := &Registry{
		backend:  backend,
		presence: presence,
		opts:     opts,
		sink:     sink,
		log:      opts.Logger.With().Str("component", "registry").Logger(),
		open:     make(map[string]*entry),
		stop:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	if sink == nil {
		close(r.stopped)
		return r
	}
	r.touches = make(chan touch, touchQueue)
	go r.drain()
	return r
}

// Open returns the synchronizer of conversationID, loading it first when it
// is not open yet or its last load failed. The synchronizer is registered
// even when the load fails, so its load-error view can be read; the load
// error is returned alongside it.
func (r *Registry) Open(ctx context.Context, conversationID string) (*Synchronizer, error) {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return nil, &ValidationError{Field: "conversation", Reason: "conversation id is required"}
	}

	r.mu.Lock()
	e, ok := r.open[conversationID]
	if !ok {
		s := NewSynchronizer(r.backend, r.presence, r.opts)
		e = &entry{sync: s, unwatch: s.Watch(r.follow(conversationID))}
		r.open[conversationID] = e
	}
	r.mu.Unlock()

	if ok {
		switch e.sync.View().State {
		case domain.LoadReady, domain.LoadLoading:
			return e.sync, nil
		}
	}
	r.log.Debug().Str("conversation_id", conversationID).Bool("reopen", ok).Msg("opening conversation")
	return e.sync, e.sync.Load(ctx, conversationID)
}

// Get returns an open synchronizer.
func (r *Registry) Get(conversationID string) (*Synchronizer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.open[conversationID]
	if !ok {
		return nil, false
	}
	return e.sync, true
}

// IDs lists open conversations, sorted.
func (r *Registry) IDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.open))
	for id := range r.open {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Close closes and forgets conversationID. Closing a conversation that is
// not open is a no-op.
func (r *Registry) Close(conversationID string) error {
	r.mu.Lock()
	e, ok := r.open[conversationID]
	delete(r.open, conversationID)
	r.mu.Unlock()
	if !ok {
		return nil
	}
	e.unwatch()
	return e.sync.Close()
}

// CloseAll closes every open conversation and the compose synchronizer.
func (r *Registry) CloseAll() error {
	r.mu.Lock()
	open := r.open
	r.open = make(map[string]*entry)
	compose := r.compose
	r.compose = nil
	r.mu.Unlock()

	var errs []error
	for _, e := range open {
		e.unwatch()
		if err := e.sync.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if compose != nil {
		if err := compose.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Compose returns the synchronizer used for sends with an attached post,
// which target a receiver rather than an open conversation.
func (r *Registry) Compose() *Synchronizer {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.compose == nil {
		r.compose = NewSynchronizer(r.backend, r.presence, r.opts)
	}
	return r.compose
}

// follow queues newly confirmed messages of one conversation for the sink.
// It runs inside Synchronizer notifications, so it never waits on the
// database.
func (r *Registry) follow(conversationID string) func(View) {
	if r.sink == nil {
		return func(View) {}
	}
	var (
		mu   sync.Mutex
		last string
	)
	return func(v View) {
		if v.ConversationID != conversationID || len(v.Messages) == 0 {
			return
		}
		m := v.Messages[len(v.Messages)-1]
		if m.State != domain.DeliveryConfirmed || m.ID == "" {
			return
		}
		mu.Lock()
		if m.ID == last {
			mu.Unlock()
			return
		}
		last = m.ID
		mu.Unlock()
		m.ConversationID = conversationID
		select {
		case <-r.stop:
		case r.touches <- touch{userID: r.presence.CurrentUserID(), msg: m}:
		default:
			r.log.Warn().Str("conversation_id", conversationID).Str("message_id", m.ID).Msg("inbox cache queue full; update dropped")
		}
	}
}

func (r *Registry) drain() {
	defer close(r.stopped)
	for {
		select {
		case t := <-r.touches:
			r.touch(t)
		case <-r.stop:
			for {
				select {
				case t := <-r.touches:
					r.touch(t)
				default:
					return
				}
			}
		}
	}
}

func (r *Registry) touch(t touch) {
	if err := r.sink.Touch(context.Background(), t.userID, t.msg); err != nil {
		r.log.Warn().Err(err).Str("conversation_id", t.msg.ConversationID).Msg("inbox cache update failed")
	}
}

// Stop writes out queued inbox cache updates and ends the sink worker.
// Updates arriving afterwards are dropped. Stop is idempotent.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
	<-r.stopped
}
