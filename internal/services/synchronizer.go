// Package services – Synchronizer
//
// Synchronizer owns the visible message list of one open conversation and
// reconciles three independent inputs into it: the history fetched on Load,
// realtime push events, and local sends. All mutations are serialised behind
// one mutex; network calls happen outside it, so push events are never
// blocked by an in-flight request.
//
// Lifecycle: Load binds the synchronizer to a conversation and joins its
// room; Close leaves the room and discards state. A generation counter is
// bumped on Close so results of requests started before it are dropped.
//
// Observability: Load and both send paths are traced; outcomes are counted
// in Prometheus (see metrics.go).
package services

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/text/unicode/norm"

	"github.com/tbourn/memora-client/internal/domain"
	"github.com/tbourn/memora-client/internal/transport"
)

// Presence is the shared realtime channel plus the session identity, as seen
// by one synchronizer. It only ever joins and leaves its own room.
type Presence interface {
	Subscribe(room string, handler func(domain.PushEvent)) error
	Unsubscribe(room string) error
	CurrentUserID() string
}

// MessageBackend is the transport subset the synchronizer uses.
type MessageBackend interface {
	FetchMessages(ctx context.Context, conversationID string) ([]domain.Message, error)
	PostMessage(ctx context.Context, conversationID, content string) (domain.Message, error)
	PostToReceiver(ctx context.Context, receiverID, content, postID string) (domain.Message, error)
}

// SyncOptions tunes a Synchronizer.
type SyncOptions struct {
	// Optimistic shows a pending message as soon as a send starts. When
	// false the message appears once the backend has answered.
	Optimistic bool
	// DedupePushByID drops pushes whose server id is already shown.
	DedupePushByID bool
	// MaxContentRunes rejects longer sends; 0 disables the check.
	MaxContentRunes int

	Logger zerolog.Logger
	Now    func() time.Time
	NewID  func() string
}

// View is a read-only snapshot of a conversation for the presentation layer.
type View struct {
	ConversationID string           `json:"conversation_id"`
	Counterpart    domain.User      `json:"counterpart"`
	State          domain.LoadState `json:"state"`
	Messages       []domain.Message `json:"messages"`
	Sending        bool             `json:"sending"`
	Draft          string           `json:"draft"`
	Composing      bool             `json:"composing"`
	Notice         string           `json:"notice,omitempty"`
	Version        uint64           `json:"version"`
}

// Synchronizer is safe for concurrent use.
type Synchronizer struct {
	backend  MessageBackend
	presence Presence
	opts     SyncOptions
	log      zerolog.Logger
	tracer   trace.Tracer

	mu          sync.Mutex
	convID      string
	counterpart domain.User
	state       domain.LoadState
	msgs        []domain.Message
	seen        map[string]struct{} // server ids present in msgs
	buffered    []domain.PushEvent  // pushes received while loading
	inFlight    bool
	outbox      *domain.Message // the send in flight, visible or not
	draft       string
	composing   bool
	notice      string
	subscribed  bool
	gen         uint64 // bumped by Close
	loadGen     uint64 // bumped by every Load
	version     uint64
	watchers    map[int]func(View)
	nextWatcher int
}

// NewSynchronizer returns an unloaded Synchronizer.
func NewSynchronizer(backend MessageBackend, presence Presence, opts SyncOptions) *Synchronizer {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = func() string { return "local-" + uuid.NewString() }
	}
	return &Synchronizer{
		backend:  backend,
		presence: presence,
		opts:     opts,
		log:      opts.Logger.With().Str("component", "synchronizer").Logger(),
		tracer:   otel.Tracer("services/Synchronizer"),
		state:    domain.LoadUnloaded,
		seen:     make(map[string]struct{}),
		watchers: make(map[int]func(View)),
	}
}

// Load fetches the conversation's history and replaces the current state
// with it: soft-deleted entries dropped, oldest first. It joins the
// conversation's room before fetching; pushes that arrive meanwhile are
// merged once the history is in. On failure the state becomes load-error
// and the returned *TransportError carries a user-facing notice.
func (s *Synchronizer) Load(ctx context.Context, conversationID string) error {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return &ValidationError{Field: "conversation", Reason: "conversation id is required"}
	}
	ctx, span := s.tracer.Start(ctx, "Load", trace.WithAttributes(attribute.String("conversation.id", conversationID)))
	defer span.End()

	s.mu.Lock()
	prevRoom := ""
	if s.subscribed && s.convID != conversationID {
		prevRoom = s.convID
		s.subscribed = false
	}
	needJoin := !s.subscribed
	if s.convID != "" && s.convID != conversationID {
		// A send still in flight belongs to the previous conversation.
		s.gen++
		s.inFlight = false
		s.outbox = nil
		s.draft = ""
		s.composing = false
		s.counterpart = domain.User{}
	}
	s.loadGen++
	myLoad, myGen := s.loadGen, s.gen
	s.convID = conversationID
	s.state = domain.LoadLoading
	s.msgs = nil
	s.seen = make(map[string]struct{})
	s.buffered = nil
	s.notice = ""
	if needJoin {
		s.subscribed = true
	}
	v, fns := s.changedLocked()
	s.mu.Unlock()
	notify(fns, v)

	log := s.log.With().Str("conversation_id", conversationID).Logger()
	if prevRoom != "" {
		if err := s.presence.Unsubscribe(prevRoom); err != nil {
			log.Warn().Err(err).Str("room", prevRoom).Msg("leave previous room failed")
		}
	}
	if needJoin {
		if err := s.presence.Subscribe(conversationID, s.OnPushMessage); err != nil {
			// History still loads; the next Load of this conversation joins again.
			log.Warn().Err(err).Str("room", conversationID).Msg("join room failed")
			s.mu.Lock()
			if s.gen == myGen && s.convID == conversationID {
				s.subscribed = false
			}
			s.mu.Unlock()
		}
	}

	history, err := s.backend.FetchMessages(ctx, conversationID)

	s.mu.Lock()
	if s.gen != myGen || s.loadGen != myLoad {
		s.mu.Unlock()
		loadsTotal.WithLabelValues("stale").Inc()
		return nil
	}
	if err != nil {
		s.state = domain.LoadError
		s.notice = userNotice(noticeLoadFailed, err)
		s.buffered = nil
		notice := s.notice
		v, fns := s.changedLocked()
		s.mu.Unlock()
		notify(fns, v)

		loadsTotal.WithLabelValues("error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "load failed")
		log.Error().Err(err).Msg("load failed")
		return &TransportError{Op: "load", Notice: notice, Err: err}
	}

	s.seedLocked(history)
	buffered := s.buffered
	s.buffered = nil
	s.state = domain.LoadReady
	for _, ev := range buffered {
		s.applyPushLocked(ev)
	}
	v, fns = s.changedLocked()
	s.mu.Unlock()
	notify(fns, v)

	loadsTotal.WithLabelValues("ok").Inc()
	span.SetAttributes(attribute.Int("messages.count", len(v.Messages)))
	log.Debug().Int("messages", len(v.Messages)).Int("buffered", len(buffered)).Msg("conversation loaded")
	return nil
}

// seedLocked replaces msgs with history, dropping soft-deleted entries and
// repeated server ids, ordered oldest first.
func (s *Synchronizer) seedLocked(history []domain.Message) {
	out := make([]domain.Message, 0, len(history))
	for _, m := range history {
		if m.Deleted {
			continue
		}
		if m.ID != "" {
			if _, dup := s.seen[m.ID]; dup {
				continue
			}
			s.seen[m.ID] = struct{}{}
		}
		m.State = domain.DeliveryConfirmed
		out = append(out, m)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	s.msgs = out
}

// OnPushMessage applies a realtime new_message event. Events for other
// conversations, soft-deleted messages and the current user's own echoes
// are dropped; everything else is appended in arrival order. It never
// touches the network.
func (s *Synchronizer) OnPushMessage(ev domain.PushEvent) {
	s.mu.Lock()
	outcome := s.applyPushLocked(ev)
	var (
		v   View
		fns []func(View)
	)
	if outcome == pushApplied || outcome == pushSelfEchoConfirmed {
		v, fns = s.changedLocked()
	}
	s.mu.Unlock()
	notify(fns, v)
}

type pushOutcome string

const (
	pushApplied           pushOutcome = "applied"
	pushBuffered          pushOutcome = "buffered"
	pushSelfEcho          pushOutcome = "self_echo"
	pushSelfEchoConfirmed pushOutcome = "self_echo_confirmed"
	pushDuplicate         pushOutcome = "duplicate"
	pushOtherConversation pushOutcome = "other_conversation"
	pushInactive          pushOutcome = "inactive"
	pushDeleted           pushOutcome = "deleted"
)

func (s *Synchronizer) applyPushLocked(ev domain.PushEvent) (outcome pushOutcome) {
	defer func() { pushesTotal.WithLabelValues(string(outcome)).Inc() }()

	switch {
	case s.state == domain.LoadUnloaded || s.state == domain.LoadError:
		return pushInactive
	case ev.ConversationID != s.convID:
		return pushOtherConversation
	case ev.Message.Deleted:
		return pushDeleted
	case s.state == domain.LoadLoading:
		s.buffered = append(s.buffered, ev)
		return pushBuffered
	}

	m := ev.Message
	if m.SentBy(s.presence.CurrentUserID()) {
		if s.confirmByEchoLocked(m) {
			return pushSelfEchoConfirmed
		}
		return pushSelfEcho
	}
	if m.ID != "" {
		if _, dup := s.seen[m.ID]; dup && s.opts.DedupePushByID {
			s.log.Warn().Str("conversation_id", s.convID).Str("message_id", m.ID).
				Msg("duplicate push dropped; backend redelivered a message already shown")
			return pushDuplicate
		}
		s.seen[m.ID] = struct{}{}
	}
	m.ConversationID = s.convID
	m.State = domain.DeliveryConfirmed
	m.ProvisionalID = ""
	s.msgs = append(s.msgs, m)
	return pushApplied
}

// confirmByEchoLocked marks the in-flight send confirmed when echo is its
// server copy. It reports whether the visible list changed.
func (s *Synchronizer) confirmByEchoLocked(echo domain.Message) bool {
	ob := s.outbox
	if ob == nil || ob.State != domain.DeliveryPending || echo.ID == "" || normalizeContent(echo.Content) != ob.Content {
		return false
	}
	ob.ID = echo.ID
	ob.State = domain.DeliveryConfirmed
	if !echo.CreatedAt.IsZero() {
		ob.CreatedAt = echo.CreatedAt
	}
	if !s.opts.Optimistic {
		return false
	}
	if i := s.indexLocked(ob.ProvisionalID); i >= 0 {
		s.msgs[i] = *ob
		s.seen[ob.ID] = struct{}{}
		return true
	}
	return false
}

// Send persists content in the open conversation, which must be ready or
// still loading; after a failed load it returns ErrConversationNotOpen until
// a Load succeeds. Empty or whitespace-only
// content, and a call made while another send is in flight, are no-ops
// returning (nil, nil). Otherwise the returned message is the final state of
// the send: confirmed with the server id, or failed together with a
// *TransportError whose message is a user-facing notice.
func (s *Synchronizer) Send(ctx context.Context, conversationID, content string) (*domain.Message, error) {
	content = normalizeContent(content)
	if content == "" {
		return nil, nil
	}
	if s.opts.MaxContentRunes > 0 && utf8.RuneCountInString(content) > s.opts.MaxContentRunes {
		return nil, &ValidationError{Field: "content", Reason: "message is too long"}
	}

	s.mu.Lock()
	if s.inFlight {
		s.mu.Unlock()
		sendsTotal.WithLabelValues("conversation", "skipped").Inc()
		return nil, nil
	}
	if (s.state != domain.LoadReady && s.state != domain.LoadLoading) || s.convID != strings.TrimSpace(conversationID) {
		s.mu.Unlock()
		return nil, ErrConversationNotOpen
	}
	pending := &domain.Message{
		ProvisionalID:  s.opts.NewID(),
		ConversationID: s.convID,
		Sender:         domain.User{ID: s.presence.CurrentUserID()},
		Content:        content,
		CreatedAt:      s.opts.Now().UTC(),
		State:          domain.DeliveryPending,
	}
	s.inFlight = true
	s.outbox = pending
	s.draft = ""
	s.notice = ""
	if s.opts.Optimistic {
		s.msgs = append(s.msgs, *pending)
	}
	convID, myGen := s.convID, s.gen
	v, fns := s.changedLocked()
	s.mu.Unlock()
	notify(fns, v)

	ctx, span := s.tracer.Start(ctx, "Send", trace.WithAttributes(
		attribute.String("conversation.id", convID),
		attribute.String("message.provisional_id", pending.ProvisionalID),
	))
	defer span.End()

	saved, err := s.backend.PostMessage(ctx, convID, content)

	s.mu.Lock()
	if s.gen != myGen {
		s.mu.Unlock()
		sendsTotal.WithLabelValues("conversation", "discarded").Inc()
		s.log.Debug().Str("conversation_id", convID).Msg("send result after close ignored")
		return nil, ErrConversationClosed
	}
	s.inFlight = false
	s.outbox = nil
	// An echo may already have confirmed the send; the backend has it.
	if err != nil && pending.State == domain.DeliveryConfirmed {
		s.log.Warn().Err(err).Str("message_id", pending.ID).Msg("send errored after echo confirmed it")
		saved, err = domain.Message{ID: pending.ID, CreatedAt: pending.CreatedAt}, nil
	}

	if err != nil {
		final := *pending
		final.State = domain.DeliveryFailed
		s.placeLocked(final)
		s.draft = content
		s.notice = userNotice(noticeSendFailed, err)
		notice := s.notice
		v, fns := s.changedLocked()
		s.mu.Unlock()
		notify(fns, v)

		sendsTotal.WithLabelValues("conversation", "failed").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "send failed")
		s.log.Error().Err(err).Str("conversation_id", convID).Str("provisional_id", final.ProvisionalID).Msg("send failed")
		return &final, &TransportError{Op: "send", Notice: notice, Err: err}
	}

	final := *pending
	final.State = domain.DeliveryConfirmed
	if saved.ID != "" {
		final.ID = saved.ID
	}
	if !saved.CreatedAt.IsZero() {
		final.CreatedAt = saved.CreatedAt
	}
	if saved.Sender.ID != "" {
		final.Sender = saved.Sender
	}
	s.placeLocked(final)
	v, fns = s.changedLocked()
	s.mu.Unlock()
	notify(fns, v)

	sendsTotal.WithLabelValues("conversation", "confirmed").Inc()
	span.SetAttributes(attribute.String("message.id", final.ID))
	return &final, nil
}

// placeLocked puts the resolved form of a send into the visible list: it
// replaces the optimistic entry, or appends when none is shown. A confirmed
// message whose server id is already shown replaces nothing new.
func (s *Synchronizer) placeLocked(final domain.Message) {
	i := s.indexLocked(final.ProvisionalID)
	if final.State == domain.DeliveryConfirmed && final.ID != "" {
		if _, dup := s.seen[final.ID]; dup {
			if i >= 0 && s.msgs[i].ID != final.ID {
				s.msgs = append(s.msgs[:i], s.msgs[i+1:]...)
			} else if i >= 0 {
				s.msgs[i] = final
			}
			return
		}
		s.seen[final.ID] = struct{}{}
	}
	if i >= 0 {
		s.msgs[i] = final
		return
	}
	s.msgs = append(s.msgs, final)
}

func (s *Synchronizer) indexLocked(provisionalID string) int {
	if provisionalID == "" {
		return -1
	}
	for i := len(s.msgs) - 1; i >= 0; i-- {
		if s.msgs[i].ProvisionalID == provisionalID {
			return i
		}
	}
	return -1
}

// Retry resends the content of a failed message as a new send. The failed
// entry stays as it is.
func (s *Synchronizer) Retry(ctx context.Context, key string) (*domain.Message, error) {
	s.mu.Lock()
	var content string
	found := false
	for _, m := range s.msgs {
		if m.Key() == key {
			if m.State != domain.DeliveryFailed {
				s.mu.Unlock()
				return nil, ErrNotRetryable
			}
			content, found = m.Content, true
			break
		}
	}
	convID := s.convID
	s.mu.Unlock()
	if !found {
		return nil, ErrNotRetryable
	}
	return s.Send(ctx, convID, content)
}

// SendWithAttachment sends content with a post attached to receiverID,
// outside any open conversation. Blank content or receiver fails with a
// *ValidationError before any network call. On success the draft is cleared
// and the compose affordance dismissed; on failure both stay as they were
// so the user can retry.
func (s *Synchronizer) SendWithAttachment(ctx context.Context, receiverID, content string, post *domain.PostRef) (*domain.Message, error) {
	content = normalizeContent(content)
	receiverID = strings.TrimSpace(receiverID)
	if content == "" {
		sendsTotal.WithLabelValues("attachment", "invalid").Inc()
		return nil, &ValidationError{Field: "content", Reason: "content is required"}
	}
	if receiverID == "" {
		sendsTotal.WithLabelValues("attachment", "invalid").Inc()
		return nil, &ValidationError{Field: "receiver", Reason: "receiver could not be resolved"}
	}
	if s.opts.MaxContentRunes > 0 && utf8.RuneCountInString(content) > s.opts.MaxContentRunes {
		return nil, &ValidationError{Field: "content", Reason: "message is too long"}
	}

	s.mu.Lock()
	if s.inFlight {
		s.mu.Unlock()
		sendsTotal.WithLabelValues("attachment", "skipped").Inc()
		return nil, nil
	}
	s.inFlight = true
	s.draft = content
	s.notice = ""
	myGen := s.gen
	v, fns := s.changedLocked()
	s.mu.Unlock()
	notify(fns, v)

	postID := ""
	if post != nil {
		postID = post.ID
	}
	ctx, span := s.tracer.Start(ctx, "SendWithAttachment", trace.WithAttributes(
		attribute.String("receiver.id", receiverID),
		attribute.String("post.id", postID),
	))
	defer span.End()

	saved, err := s.backend.PostToReceiver(ctx, receiverID, content, postID)

	s.mu.Lock()
	if s.gen != myGen {
		s.mu.Unlock()
		sendsTotal.WithLabelValues("attachment", "discarded").Inc()
		return nil, ErrConversationClosed
	}
	s.inFlight = false
	if err != nil {
		s.notice = userNotice(noticeAttachmentFailed, err)
		notice := s.notice
		v, fns := s.changedLocked()
		s.mu.Unlock()
		notify(fns, v)

		sendsTotal.WithLabelValues("attachment", "failed").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "send with attachment failed")
		s.log.Error().Err(err).Str("receiver_id", receiverID).Msg("send with attachment failed")
		return nil, &TransportError{Op: "send_attachment", Notice: notice, Err: err}
	}

	saved.State = domain.DeliveryConfirmed
	if saved.Post == nil && post != nil {
		p := *post
		saved.Post = &p
	}
	if saved.Sender.ID == "" {
		saved.Sender = domain.User{ID: s.presence.CurrentUserID()}
	}
	if saved.CreatedAt.IsZero() {
		saved.CreatedAt = s.opts.Now().UTC()
	}
	// Sent into the conversation on screen: show it like any other send.
	if s.state == domain.LoadReady && saved.ConversationID != "" && saved.ConversationID == s.convID {
		s.placeLocked(saved)
	}
	s.draft = ""
	s.composing = false
	s.notice = noticeAttachmentSent
	v, fns = s.changedLocked()
	s.mu.Unlock()
	notify(fns, v)

	sendsTotal.WithLabelValues("attachment", "confirmed").Inc()
	return &saved, nil
}

// SetDraft records the composer text.
func (s *Synchronizer) SetDraft(text string) {
	s.mu.Lock()
	s.draft = text
	v, fns := s.changedLocked()
	s.mu.Unlock()
	notify(fns, v)
}

// SetComposing opens or dismisses the compose affordance.
func (s *Synchronizer) SetComposing(open bool) {
	s.mu.Lock()
	s.composing = open
	v, fns := s.changedLocked()
	s.mu.Unlock()
	notify(fns, v)
}

// SetCounterpart records who the conversation is with, for display.
func (s *Synchronizer) SetCounterpart(u domain.User) {
	s.mu.Lock()
	s.counterpart = u
	v, fns := s.changedLocked()
	s.mu.Unlock()
	notify(fns, v)
}

// Close leaves the conversation's room and discards its state. Requests
// still in flight are not aborted; their results are ignored. Close is
// idempotent.
func (s *Synchronizer) Close() error {
	s.mu.Lock()
	if s.state == domain.LoadUnloaded && !s.subscribed && !s.inFlight {
		s.mu.Unlock()
		return nil
	}
	room := ""
	if s.subscribed {
		room = s.convID
	}
	s.gen++
	s.convID = ""
	s.counterpart = domain.User{}
	s.state = domain.LoadUnloaded
	s.msgs = nil
	s.seen = make(map[string]struct{})
	s.buffered = nil
	s.inFlight = false
	s.outbox = nil
	s.draft = ""
	s.composing = false
	s.notice = ""
	s.subscribed = false
	v, fns := s.changedLocked()
	s.mu.Unlock()
	notify(fns, v)

	if room == "" {
		return nil
	}
	if err := s.presence.Unsubscribe(room); err != nil {
		s.log.Warn().Err(err).Str("room", room).Msg("leave room failed")
		return err
	}
	return nil
}

// View returns a snapshot of the current state.
func (s *Synchronizer) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// ConversationID returns the bound conversation, or "" when unloaded.
func (s *Synchronizer) ConversationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.convID
}

// Watch registers fn to receive a snapshot after every change. fn runs on
// the goroutine that made the change and must not block or call back into
// the synchronizer. Snapshots can arrive out of order across goroutines;
// compare Version. The returned func unregisters fn.
func (s *Synchronizer) Watch(fn func(View)) (cancel func()) {
	s.mu.Lock()
	id := s.nextWatcher
	s.nextWatcher++
	s.watchers[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.watchers, id)
		s.mu.Unlock()
	}
}

func (s *Synchronizer) snapshotLocked() View {
	msgs := make([]domain.Message, len(s.msgs))
	copy(msgs, s.msgs)
	return View{
		ConversationID: s.convID,
		Counterpart:    s.counterpart,
		State:          s.state,
		Messages:       msgs,
		Sending:        s.inFlight,
		Draft:          s.draft,
		Composing:      s.composing,
		Notice:         s.notice,
		Version:        s.version,
	}
}

// changedLocked bumps the version and returns what to notify once the lock
// is released.
func (s *Synchronizer) changedLocked() (View, []func(View)) {
	s.version++
	if len(s.watchers) == 0 {
		return View{}, nil
	}
	fns := make([]func(View), 0, len(s.watchers))
	for _, fn := range s.watchers {
		fns = append(fns, fn)
	}
	return s.snapshotLocked(), fns
}

func notify(fns []func(View), v View) {
	for _, fn := range fns {
		fn(v)
	}
}

// normalizeContent trims and NFC-normalises message text so an echo
// compares equal to what was sent.
func normalizeContent(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}

// userNotice picks the notice for a failed call; an expired session gets
// its own.
func userNotice(def string, err error) string {
	if errors.Is(err, transport.ErrUnauthorized) || errors.Is(err, transport.ErrNotSignedIn) {
		return noticeSessionExpired
	}
	return def
}
