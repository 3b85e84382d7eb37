package sseclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"errorwatch.app/pipeline/common/logger"
	"errorwatch.app/pipeline/common/otel"
	"errorwatch.app/pipeline/internal/notify"
)

type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
)

// Cache keys invalidated in response to notifications.
const (
	KeyGroups      = "groups"
	KeyStats       = "stats"
	KeyAlerts      = "alerts"
	KeyPerformance = "performance"
	KeyReplay      = "replay"
)

const DefaultReconnectDelay = 3 * time.Second

var ErrUnexpectedStatus = errors.New("unexpected stream status")

// Invalidator marks cached dashboard data as stale.
type Invalidator interface {
	Invalidate(key string)
}

// Toaster surfaces a user-visible notification.
type Toaster interface {
	Toast(event notify.Event)
}

// LogListener receives log:new events verbatim.
type LogListener interface {
	OnLog(event notify.Event)
}

type Handlers struct {
	Invalidator Invalidator
	Toaster     Toaster
	Logs        LogListener
	// LogStreamFocused suppresses alert toasts while the user watches the live log stream.
	LogStreamFocused func() bool
}

type Option func(*Client)

func WithReconnectDelay(d time.Duration) Option {
	return func(c *Client) { c.reconnectDelay = d }
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithCookie sends the session cookie the SSE endpoint authenticates with.
func WithCookie(cookie string) Option {
	return func(c *Client) { c.cookie = cookie }
}

// Client consumes an organization's notification stream and routes each
// update through a fixed dispatch table.
type Client struct {
	url            string
	cookie         string
	http           *http.Client
	handlers       Handlers
	reconnectDelay time.Duration
	status         atomic.Value
}

func New(url string, handlers Handlers, opts ...Option) *Client {
	c := &Client{
		url:            url,
		http:           otel.InstrumentClient(&http.Client{}),
		handlers:       handlers,
		reconnectDelay: DefaultReconnectDelay,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.status.Store(StatusDisconnected)
	return c
}

func (c *Client) Status() Status {
	return c.status.Load().(Status)
}

// Run keeps the stream open until ctx is done, reconnecting after
// ReconnectDelay whenever it drops.
func (c *Client) Run(ctx context.Context) error {
	ctx = logger.WithLogFields(ctx, logger.LogFields{Component: "errorwatch.sseclient"})
	defer c.status.Store(StatusDisconnected)

	for {
		c.status.Store(StatusConnecting)
		err := c.stream(ctx)
		if ctx.Err() != nil {
			return nil
		}
		c.status.Store(StatusDisconnected)
		slog.WarnContext(ctx, "notification stream dropped, reconnecting",
			"error", err,
			"delay", c.reconnectDelay)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(c.reconnectDelay):
		}
	}
}

func (c *Client) stream(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return fmt.Errorf("building stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	if c.cookie != "" {
		req.Header.Set("Cookie", c.cookie)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("opening stream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("%w: %d", ErrUnexpectedStatus, resp.StatusCode)
	}
	c.status.Store(StatusConnected)

	sc := newScanner(resp.Body)
	for sc.Next() {
		frame := sc.Frame()
		if frame.Event != "update" {
			continue
		}
		c.Handle(ctx, []byte(frame.Data))
	}
	if err := sc.Err(); err != nil {
		return err
	}
	return io.ErrUnexpectedEOF
}

// Handle dispatches one update body. Malformed or unknown messages are ignored.
func (c *Client) Handle(ctx context.Context, data []byte) {
	event, err := notify.ParseEvent(data)
	if err != nil {
		slog.DebugContext(ctx, "ignoring malformed notification", "error", err)
		return
	}
	if fn, ok := dispatch[event.Type]; ok {
		fn(c, event)
	}
}

var dispatch = map[notify.Kind]func(*Client, notify.Event){
	notify.KindIssueNew:       (*Client).invalidateIssues,
	notify.KindIssueUpdated:   (*Client).invalidateIssues,
	notify.KindIssueRegressed: (*Client).invalidateIssues,
	notify.KindAlertTriggered: (*Client).alertTriggered,
	notify.KindTransactionNew: func(c *Client, _ notify.Event) { c.invalidate(KeyPerformance) },
	notify.KindReplayNew:      func(c *Client, _ notify.Event) { c.invalidate(KeyReplay) },
	notify.KindLogNew:         (*Client).forwardLog,
}

func (c *Client) invalidateIssues(notify.Event) {
	c.invalidate(KeyGroups)
	c.invalidate(KeyStats)
}

func (c *Client) alertTriggered(event notify.Event) {
	c.invalidate(KeyAlerts)
	if c.handlers.LogStreamFocused != nil && c.handlers.LogStreamFocused() {
		return
	}
	if c.handlers.Toaster != nil {
		c.handlers.Toaster.Toast(event)
	}
}

func (c *Client) forwardLog(event notify.Event) {
	if c.handlers.Logs != nil {
		c.handlers.Logs.OnLog(event)
	}
}

func (c *Client) invalidate(key string) {
	if c.handlers.Invalidator != nil {
		c.handlers.Invalidator.Invalidate(key)
	}
}
