// Package socketio is a minimal Socket.IO v4 client over Engine.IO v4
// websockets, enough to follow the backend's chat rooms: it connects to the
// default namespace, answers heartbeats, emits join_room/leave_room and
// decodes new_message events. It reconnects with exponential backoff and
// re-joins every room it was in.
package socketio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/tbourn/memora-client/internal/domain"
	"github.com/tbourn/memora-client/internal/wire"
)

// Event names used by the backend.
const (
	EventJoinRoom   = "join_room"
	EventLeaveRoom  = "leave_room"
	EventNewMessage = "new_message"
)

const writeWait = 10 * time.Second

var errClosed = errors.New("socketio: client closed")

// Options configures a Client.
type Options struct {
	URL          string // ws(s)://host/socket.io/?EIO=4&transport=websocket
	Header       http.Header
	Token        func(ctx context.Context) (string, error) // optional namespace auth
	ReconnectMin time.Duration
	ReconnectMax time.Duration
	Dialer       *websocket.Dialer
	Logger       zerolog.Logger
}

// Client implements realtime.Driver.
type Client struct {
	opts Options
	log  zerolog.Logger

	mu    sync.Mutex
	rooms map[string]struct{}
	conn  *websocket.Conn // nil while disconnected

	wmu sync.Mutex // serialises frame writes

	closed    chan struct{}
	closeOnce sync.Once
}

// New returns a Client. Nothing is dialled until Run.
func New(opts Options) *Client {
	if opts.ReconnectMin <= 0 {
		opts.ReconnectMin = 500 * time.Millisecond
	}
	if opts.ReconnectMax < opts.ReconnectMin {
		opts.ReconnectMax = 30 * time.Second
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	return &Client{
		opts:   opts,
		log:    opts.Logger.With().Str("driver", "socketio").Logger(),
		rooms:  make(map[string]struct{}),
		closed: make(chan struct{}),
	}
}

// Join records room and emits join_room when connected. While disconnected
// the join is replayed on the next connect.
func (c *Client) Join(room string) error {
	c.mu.Lock()
	c.rooms[room] = struct{}{}
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return c.emit(conn, EventJoinRoom, room)
}

// Leave forgets room and emits leave_room when connected.
func (c *Client) Leave(room string) error {
	c.mu.Lock()
	delete(c.rooms, room)
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return c.emit(conn, EventLeaveRoom, room)
}

// Close stops Run and drops the connection.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn != nil {
			c.wmu.Lock()
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			c.wmu.Unlock()
			_ = conn.Close()
		}
	})
	return nil
}

// Run connects and keeps the connection alive until ctx is done or Close is
// called, delivering every new_message event.
func (c *Client) Run(ctx context.Context, deliver func(domain.PushEvent)) error {
	backoff := c.opts.ReconnectMin
	for {
		connected, err := c.session(ctx, deliver)
		select {
		case <-ctx.Done():
			return nil
		case <-c.closed:
			return nil
		default:
		}
		if connected {
			backoff = c.opts.ReconnectMin
		}
		c.log.Warn().Err(err).Dur("retry_in", backoff).Msg("socket disconnected")
		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-c.closed:
			t.Stop()
			return nil
		case <-t.C:
		}
		backoff *= 2
		if backoff > c.opts.ReconnectMax {
			backoff = c.opts.ReconnectMax
		}
	}
}

// session runs one connection. connected reports whether the namespace
// handshake completed.
func (c *Client) session(ctx context.Context, deliver func(domain.PushEvent)) (connected bool, err error) {
	conn, _, err := c.opts.Dialer.DialContext(ctx, c.opts.URL, c.opts.Header)
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
		case <-c.closed:
		case <-stop:
			return
		}
		_ = conn.Close()
	}()

	hs, err := c.handshake(ctx, conn)
	if err != nil {
		return false, err
	}
	readWait := time.Duration(hs.PingInterval+hs.PingTimeout) * time.Millisecond
	if readWait <= 0 {
		readWait = 45 * time.Second
	}

	c.mu.Lock()
	c.conn = conn
	rooms := make([]string, 0, len(c.rooms))
	for r := range c.rooms {
		rooms = append(rooms, r)
	}
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
	}()

	sort.Strings(rooms)
	for _, r := range rooms {
		if err := c.emit(conn, EventJoinRoom, r); err != nil {
			return true, err
		}
	}
	c.log.Info().Str("sid", hs.SID).Int("rooms", len(rooms)).Msg("socket connected")

	for {
		_ = conn.SetReadDeadline(time.Now().Add(readWait))
		_, data, err := conn.ReadMessage()
		if err != nil {
			return true, err
		}
		if len(data) == 0 {
			continue
		}
		switch data[0] {
		case eioPing:
			if err := c.write(conn, []byte{eioPong}); err != nil {
				return true, err
			}
		case eioClose:
			return true, errors.New("server closed engine")
		case eioMessage:
			if len(data) < 2 {
				continue
			}
			switch data[1] {
			case sioEvent:
				c.handleEvent(string(data[2:]), deliver)
			case sioDisconnect:
				return true, errors.New("server disconnected namespace")
			}
		}
	}
}

// handshake reads the Engine.IO open packet and connects the default
// namespace.
func (c *Client) handshake(ctx context.Context, conn *websocket.Conn) (handshake, error) {
	var hs handshake
	_ = conn.SetReadDeadline(time.Now().Add(writeWait))
	_, data, err := conn.ReadMessage()
	if err != nil {
		return hs, fmt.Errorf("read open: %w", err)
	}
	if len(data) == 0 || data[0] != eioOpen {
		return hs, fmt.Errorf("expected open packet, got %q", truncate(data))
	}
	if err := json.Unmarshal(data[1:], &hs); err != nil {
		return hs, fmt.Errorf("decode open: %w", err)
	}

	var token string
	if c.opts.Token != nil {
		token, _ = c.opts.Token(ctx)
	}
	if err := c.write(conn, encodeConnect(token)); err != nil {
		return hs, err
	}

	for {
		_ = conn.SetReadDeadline(time.Now().Add(writeWait))
		_, data, err := conn.ReadMessage()
		if err != nil {
			return hs, fmt.Errorf("read connect: %w", err)
		}
		switch {
		case len(data) == 1 && data[0] == eioPing:
			if err := c.write(conn, []byte{eioPong}); err != nil {
				return hs, err
			}
		case len(data) >= 2 && data[0] == eioMessage && data[1] == sioConnect:
			return hs, nil
		case len(data) >= 2 && data[0] == eioMessage && data[1] == sioConnectError:
			return hs, fmt.Errorf("connect refused: %s", truncate(data[2:]))
		default:
			return hs, fmt.Errorf("unexpected packet during connect: %q", truncate(data))
		}
	}
}

func (c *Client) handleEvent(body string, deliver func(domain.PushEvent)) {
	name, payload, err := decodeEvent(body)
	if err != nil {
		c.log.Warn().Err(err).Msg("bad event frame")
		return
	}
	if name != EventNewMessage {
		c.log.Debug().Str("event", name).Msg("ignored event")
		return
	}
	ev, err := wire.DecodePush(payload)
	if err != nil {
		c.log.Warn().Err(err).Msg("bad new_message payload")
		return
	}
	deliver(ev)
}

func (c *Client) emit(conn *websocket.Conn, event, room string) error {
	frame, err := encodeEvent(event, room)
	if err != nil {
		return err
	}
	return c.write(conn, frame)
}

func (c *Client) write(conn *websocket.Conn, frame []byte) error {
	select {
	case <-c.closed:
		return errClosed
	default:
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, frame)
}

func truncate(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 80 {
		return s[:80] + "..."
	}
	return s
}
