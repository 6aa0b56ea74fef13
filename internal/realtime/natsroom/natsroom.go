// Package natsroom is a realtime driver that maps conversation rooms onto
// NATS subjects: joining a room subscribes to <prefix>.<conversationId>.
// Payloads use the same JSON shape as the socket's new_message event; a bare
// message document is accepted too, with the conversation taken from the
// subject.
package natsroom

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/tbourn/memora-client/internal/domain"
	"github.com/tbourn/memora-client/internal/wire"
)

// Options configures a Client.
type Options struct {
	URL           string
	SubjectPrefix string
	Name          string // connection name shown by the server
	ReconnectWait time.Duration
	Logger        zerolog.Logger
}

// Client implements realtime.Driver.
type Client struct {
	nc     *nats.Conn
	prefix string
	log    zerolog.Logger
	msgs   chan *nats.Msg

	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// Connect dials NATS. The connection reconnects on its own and restores
// subscriptions, so rooms survive server restarts.
func Connect(opts Options) (*Client, error) {
	log := opts.Logger.With().Str("driver", "nats").Logger()
	wait := opts.ReconnectWait
	if wait <= 0 {
		wait = 2 * time.Second
	}
	name := opts.Name
	if name == "" {
		name = "memora-client"
	}
	nc, err := nats.Connect(opts.URL,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(wait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info().Str("url", c.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return newClient(nc, opts.SubjectPrefix, log), nil
}

func newClient(nc *nats.Conn, prefix string, log zerolog.Logger) *Client {
	return &Client{
		nc:     nc,
		prefix: strings.Trim(prefix, ". "),
		log:    log,
		msgs:   make(chan *nats.Msg, 256),
		subs:   make(map[string]*nats.Subscription),
	}
}

// Subject returns the subject for room under prefix. Characters NATS treats
// as token separators or wildcards are replaced.
func Subject(prefix, room string) string {
	return prefix + "." + subjectToken(room)
}

var tokenReplacer = strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_", "\t", "_")

func subjectToken(room string) string {
	return tokenReplacer.Replace(strings.TrimSpace(room))
}

// Join subscribes to the room's subject.
func (c *Client) Join(room string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subs[room]; ok {
		return nil
	}
	sub, err := c.nc.ChanSubscribe(Subject(c.prefix, room), c.msgs)
	if err != nil {
		return fmt.Errorf("failed to subscribe to room %q: %w", room, err)
	}
	c.subs[room] = sub
	return nil
}

// Leave unsubscribes from the room's subject.
func (c *Client) Leave(room string) error {
	c.mu.Lock()
	sub, ok := c.subs[room]
	delete(c.subs, room)
	c.mu.Unlock()
	if !ok {
		return nil
	}
	if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		return err
	}
	return nil
}

// Run delivers messages from every joined subject until ctx is done or the
// connection is closed.
func (c *Client) Run(ctx context.Context, deliver func(domain.PushEvent)) error {
	closed := make(chan struct{})
	c.nc.SetClosedHandler(func(*nats.Conn) { close(closed) })
	if c.nc.IsClosed() {
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-closed:
			return nil
		case m := <-c.msgs:
			room := c.roomOf(m.Subject)
			ev, err := Decode(room, m.Data)
			if err != nil {
				c.log.Warn().Err(err).Str("subject", m.Subject).Msg("bad room payload")
				continue
			}
			deliver(ev)
		}
	}
}

// Close drains subscriptions and closes the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	c.subs = make(map[string]*nats.Subscription)
	c.mu.Unlock()
	if c.nc.IsClosed() {
		return nil
	}
	c.nc.Close()
	return nil
}

// roomOf maps a subject back to the joined room that produced it.
func (c *Client) roomOf(subject string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	for room := range c.subs {
		if Subject(c.prefix, room) == subject {
			return room
		}
	}
	return strings.TrimPrefix(subject, c.prefix+".")
}

// Decode parses a room payload published on room's subject.
func Decode(room string, data []byte) (domain.PushEvent, error) {
	var p wire.PushEvent
	if err := json.Unmarshal(data, &p); err != nil {
		return domain.PushEvent{}, fmt.Errorf("decode room payload: %w", err)
	}
	if p.Message.ID == "" && p.Message.AltID == "" && p.Message.Content == nil {
		// Not an envelope; treat the document as the message itself.
		var m wire.Message
		if err := json.Unmarshal(data, &m); err != nil {
			return domain.PushEvent{}, fmt.Errorf("decode room payload: %w", err)
		}
		p.Message = m
	}
	if p.ConversationID == "" && p.ConversationAlt == "" {
		p.ConversationID = wire.ID(room)
	}
	ev := wire.NormalizePush(p)
	if ev.Message.ID == "" && ev.Message.Content == "" && ev.Message.Post == nil {
		return domain.PushEvent{}, errors.New("decode room payload: empty message")
	}
	return ev, nil
}
