package onebot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"github.com/coder/websocket"
)

// maxEventSize bounds a single event frame from the implementation.
const maxEventSize = 1 << 20

// Handler consumes one raw event payload. Handling must complete before the
// next event is dispatched; the stream delivers events sequentially.
type Handler interface {
	HandleRaw(ctx context.Context, raw []byte)
}

// Stream reads OneBot events over a forward WebSocket connection
// (ws://host:port/event) and dispatches them to a handler one at a time.
type Stream struct {
	handler     Handler
	logger      *slog.Logger
	url         string
	accessToken string
}

// NewStream creates a new event stream reader.
func NewStream(url, accessToken string, handler Handler, logger *slog.Logger) *Stream {
	return &Stream{
		handler:     handler,
		logger:      logger,
		url:         url,
		accessToken: accessToken,
	}
}

// Run connects and reads events until ctx is cancelled, reconnecting with
// backoff after connection loss.
func (s *Stream) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		conn, err := s.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Error("Event stream connect failed, giving up until next cycle", "url", s.url, "error", err)
			// Hold off before starting a fresh dial cycle.
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(30 * time.Second):
			}
			continue
		}

		s.logger.Info("Event stream connected", "url", s.url)
		err = s.readLoop(ctx, conn)
		_ = conn.Close(websocket.StatusNormalClosure, "")
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.logger.Warn("Event stream disconnected, reconnecting", "error", err)
	}
}

func (s *Stream) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if s.accessToken != "" {
		header.Set("Authorization", "Bearer "+s.accessToken)
	}

	var conn *websocket.Conn
	err := retry.Do(
		func() error {
			dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
			defer cancel()

			c, _, err := websocket.Dial(dialCtx, s.url, &websocket.DialOptions{
				HTTPHeader: header,
			})
			if err != nil {
				return fmt.Errorf("dial event stream: %w", err)
			}
			conn = c
			return nil
		},
		retry.Attempts(10),
		retry.Delay(time.Second),
		retry.MaxDelay(time.Minute),
		retry.MaxJitter(5*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, retryErr error) {
			s.logger.Info("Retrying event stream connect", "attempt", n, "error", retryErr)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("after retries: %w", err)
	}

	conn.SetReadLimit(maxEventSize)
	return conn, nil
}

func (s *Stream) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			return fmt.Errorf("read event: %w", err)
		}
		if msgType != websocket.MessageText {
			continue
		}

		// Sequential dispatch: the store's read-modify-write for a group
		// must finish before the next event for that group starts.
		s.handler.HandleRaw(ctx, data)
	}
}
