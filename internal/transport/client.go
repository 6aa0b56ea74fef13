// Package transport is the REST adapter for the Memora backend. It attaches
// the session's bearer token to every call, unwraps the
// {status, data, message} envelope, and normalises payloads into domain
// values through the wire package.
//
// A 401 response invalidates the stored token before the error is returned;
// callers never handle sign-out themselves.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/tbourn/memora-client/internal/domain"
	"github.com/tbourn/memora-client/internal/wire"
)

// maxResponseSize caps how much of a response body is read.
const maxResponseSize = 4 << 20

// TokenSource supplies and revokes the bearer token. session.Store
// implements it.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Invalidate(ctx context.Context) error
}

// Options configures a Client.
type Options struct {
	BaseURL    string
	Timeout    time.Duration
	SendRPS    float64 // 0 disables send throttling
	SendBurst  int
	HTTPClient *http.Client
	Logger     zerolog.Logger
}

// Client talks to the backend REST API. It is safe for concurrent use.
type Client struct {
	base   *url.URL
	hc     *http.Client
	tokens TokenSource
	sends  *rate.Limiter
	log    zerolog.Logger
	tracer trace.Tracer
	prop   propagation.TextMapPropagator
}

// New builds a Client for opts.BaseURL.
func New(opts Options, tokens TokenSource) (*Client, error) {
	base, err := url.Parse(opts.BaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("transport: invalid base URL %q", opts.BaseURL)
	}
	if !strings.HasSuffix(base.Path, "/") {
		base.Path += "/"
	}
	hc := opts.HTTPClient
	if hc == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	c := &Client{
		base:   base,
		hc:     hc,
		tokens: tokens,
		log:    opts.Logger.With().Str("component", "transport").Logger(),
		tracer: otel.Tracer("memora-client/transport"),
		prop:   otel.GetTextMapPropagator(),
	}
	if opts.SendRPS > 0 {
		burst := opts.SendBurst
		if burst < 1 {
			burst = 1
		}
		c.sends = rate.NewLimiter(rate.Limit(opts.SendRPS), burst)
	}
	return c, nil
}

// FetchMessages returns the history of a conversation in backend order,
// soft-deleted entries included.
func (c *Client) FetchMessages(ctx context.Context, conversationID string) ([]domain.Message, error) {
	var out []wire.Message
	if err := c.do(ctx, "GET /message/{id}", http.MethodGet, "message/"+url.PathEscape(conversationID), nil, true, &out); err != nil {
		return nil, err
	}
	return wire.NormalizeMessages(out, conversationID), nil
}

type postMessageBody struct {
	Content string `json:"content"`
	PostID  string `json:"post_id,omitempty"`
}

// PostMessage persists content in a conversation and returns the stored
// message.
func (c *Client) PostMessage(ctx context.Context, conversationID, content string) (domain.Message, error) {
	if err := c.throttle(ctx); err != nil {
		return domain.Message{}, err
	}
	var out wire.Message
	if err := c.do(ctx, "POST /message/{id}", http.MethodPost, "message/"+url.PathEscape(conversationID), postMessageBody{Content: content}, true, &out); err != nil {
		return domain.Message{}, err
	}
	return wire.NormalizeMessage(out, conversationID), nil
}

// PostToReceiver sends content with an optional post attachment to a user,
// creating the conversation on the backend when needed. The backend's
// confirmation body varies; when it carries no message document the returned
// message has an empty ID.
func (c *Client) PostToReceiver(ctx context.Context, receiverID, content, postID string) (domain.Message, error) {
	if err := c.throttle(ctx); err != nil {
		return domain.Message{}, err
	}
	var raw json.RawMessage
	body := postMessageBody{Content: content, PostID: postID}
	if err := c.do(ctx, "POST /message/receiver/{id}", http.MethodPost, "message/receiver/"+url.PathEscape(receiverID), body, false, &raw); err != nil {
		return domain.Message{}, err
	}
	var m wire.Message
	if len(bytes.TrimSpace(raw)) > 0 && bytes.TrimSpace(raw)[0] == '{' {
		_ = json.Unmarshal(raw, &m)
	}
	out := wire.NormalizeMessage(m, "")
	if out.Content == "" {
		out.Content = content
	}
	return out, nil
}

// ListConversations returns the inbox.
func (c *Client) ListConversations(ctx context.Context) ([]domain.ConversationSummary, error) {
	var out []wire.Conversation
	if err := c.do(ctx, "GET /conversation", http.MethodGet, "conversation", nil, true, &out); err != nil {
		return nil, err
	}
	res := make([]domain.ConversationSummary, 0, len(out))
	for _, wc := range out {
		s := wire.NormalizeConversation(wc)
		if s.ID == "" {
			continue
		}
		res = append(res, s)
	}
	return res, nil
}

type signInBody struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// SignIn exchanges credentials for a token. No bearer header is sent. The
// returned user is empty when the backend does not include one.
func (c *Client) SignIn(ctx context.Context, username, password string) (string, domain.User, error) {
	const op = "POST /auth/sign-in"
	var out wire.SignIn
	if err := c.send(ctx, op, http.MethodPost, "auth/sign-in", signInBody{Username: username, Password: password}, "", true, &out); err != nil {
		return "", domain.User{}, err
	}
	return tokenFrom(op, out)
}

// SignUpRequest creates an account.
type SignUpRequest struct {
	Email       string `json:"email"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
	Password    string `json:"password"`
}

// SignUp creates an account and returns its token, like SignIn.
func (c *Client) SignUp(ctx context.Context, req SignUpRequest) (string, domain.User, error) {
	const op = "POST /auth/sign-up"
	var out wire.SignIn
	if err := c.send(ctx, op, http.MethodPost, "auth/sign-up", req, "", true, &out); err != nil {
		return "", domain.User{}, err
	}
	return tokenFrom(op, out)
}

func tokenFrom(op string, out wire.SignIn) (string, domain.User, error) {
	token := strings.TrimSpace(out.Token)
	if token == "" {
		token = strings.TrimSpace(out.AccessToken)
	}
	if token == "" {
		return "", domain.User{}, &Error{Op: op, StatusCode: http.StatusOK, Message: "response carried no token"}
	}
	var u domain.User
	if out.User != nil {
		u = wire.NormalizeUser(*out.User)
	}
	return token, u, nil
}

// Me returns the profile of the signed-in user.
func (c *Client) Me(ctx context.Context) (domain.User, error) {
	var out wire.User
	if err := c.do(ctx, "GET /user", http.MethodGet, "user", nil, true, &out); err != nil {
		return domain.User{}, err
	}
	return wire.NormalizeUser(out), nil
}

func (c *Client) throttle(ctx context.Context) error {
	if c.sends == nil {
		return nil
	}
	return c.sends.Wait(ctx)
}

// do performs an authenticated call. strict requires the envelope status
// to be OK in addition to a 2xx status.
func (c *Client) do(ctx context.Context, op, method, path string, body any, strict bool, out any) error {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return &Error{Op: op, Err: ErrNotSignedIn}
	}
	return c.send(ctx, op, method, path, body, token, strict, out)
}

func (c *Client) send(ctx context.Context, op, method, path string, body any, token string, strict bool, out any) (err error) {
	ctx, span := c.tracer.Start(ctx, "transport "+op, trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("http.request.method", method), attribute.String("url.path", "/"+path)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	var rdr io.Reader
	if body != nil {
		buf, mErr := json.Marshal(body)
		if mErr != nil {
			return &Error{Op: op, Err: mErr}
		}
		rdr = bytes.NewReader(buf)
	}
	ref, err := url.Parse(path)
	if err != nil {
		return &Error{Op: op, Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base.ResolveReference(ref).String(), rdr)
	if err != nil {
		return &Error{Op: op, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	c.prop.Inject(ctx, propagation.HeaderCarrier(req.Header))

	start := time.Now()
	resp, err := c.hc.Do(req)
	if err != nil {
		c.log.Warn().Err(err).Str("op", op).Msg("request failed")
		return &Error{Op: op, Err: err}
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return &Error{Op: op, StatusCode: resp.StatusCode, Err: err}
	}
	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))
	c.log.Debug().Str("op", op).Int("status", resp.StatusCode).Dur("took", time.Since(start)).Msg("backend call")

	var env wire.Envelope
	_ = json.Unmarshal(raw, &env) // non-JSON bodies leave env empty

	if resp.StatusCode == http.StatusUnauthorized {
		if token != "" {
			if iErr := c.tokens.Invalidate(context.WithoutCancel(ctx)); iErr != nil {
				c.log.Error().Err(iErr).Msg("token invalidation failed")
			}
		}
		return &Error{Op: op, StatusCode: resp.StatusCode, Status: env.Status, Message: env.Message, Err: ErrUnauthorized}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &Error{Op: op, StatusCode: resp.StatusCode, Status: env.Status, Message: env.Message}
	}
	if strict && !env.OK() {
		return &Error{Op: op, StatusCode: resp.StatusCode, Status: env.Status, Message: env.Message}
	}
	if out == nil {
		return nil
	}
	payload := []byte(env.Data)
	if len(payload) == 0 {
		// Endpoints that skip the envelope return the document itself.
		payload = raw
	}
	if len(bytes.TrimSpace(payload)) == 0 || string(bytes.TrimSpace(payload)) == "null" {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return &Error{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

// IsUnauthorized reports whether err is a 401 from the backend.
func IsUnauthorized(err error) bool { return errors.Is(err, ErrUnauthorized) }
