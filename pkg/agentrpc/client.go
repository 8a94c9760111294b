package agentrpc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/crewdeck/crewdeck/internal/common/logger"
)

// Client drives a JSON-RPC 2.0 peer over stdin/stdout streams. One client
// owns one agent process for the lifetime of a sandbox dispatch.
type Client struct {
	stdin  io.Writer
	stdout io.Reader

	requestID atomic.Int64
	pending   map[int64]chan *Response
	mu        sync.Mutex

	onNotification func(method string, params json.RawMessage)

	logger *logger.Logger
	done   chan struct{}
}

// NewClient creates a client over the given streams.
func NewClient(stdin io.Writer, stdout io.Reader, log *logger.Logger) *Client {
	return &Client{
		stdin:   stdin,
		stdout:  stdout,
		pending: make(map[int64]chan *Response),
		logger:  log.WithFields(zap.String("component", "agentrpc")),
		done:    make(chan struct{}),
	}
}

// SetNotificationHandler sets the handler for incoming notifications.
func (c *Client) SetNotificationHandler(handler func(method string, params json.RawMessage)) {
	c.onNotification = handler
}

// Start begins reading responses from stdout.
func (c *Client) Start(ctx context.Context) {
	go c.readLoop(ctx)
}

// Stop stops the client. In-flight calls fail with a closed error.
func (c *Client) Stop() {
	close(c.done)
}

// Call sends a request and waits for the matching response. The context
// bounds the wait; pass an undeadlined context for calls that legitimately
// run long.
func (c *Client) Call(ctx context.Context, method string, params interface{}) (*Response, error) {
	id := c.requestID.Add(1)

	var paramsJSON json.RawMessage
	if params != nil {
		var err error
		paramsJSON, err = json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal params: %w", err)
		}
	}

	respCh := make(chan *Response, 1)
	c.mu.Lock()
	c.pending[id] = respCh
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.send(&Request{JSONRPC: "2.0", ID: id, Method: method, Params: paramsJSON}); err != nil {
		return nil, err
	}

	select {
	case resp := <-respCh:
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, fmt.Errorf("client closed")
	}
}

// Notify sends a notification; no response is expected.
func (c *Client) Notify(method string, params interface{}) error {
	var paramsJSON json.RawMessage
	if params != nil {
		var err error
		paramsJSON, err = json.Marshal(params)
		if err != nil {
			return fmt.Errorf("failed to marshal params: %w", err)
		}
	}
	return c.send(&Notification{JSONRPC: "2.0", Method: method, Params: paramsJSON})
}

func (c *Client) send(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	data = append(data, '\n')
	if _, err := c.stdin.Write(data); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

func (c *Client) readLoop(ctx context.Context) {
	scanner := bufio.NewScanner(c.stdout)
	// Agent results can be large
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var resp Response
		if err := json.Unmarshal(line, &resp); err == nil && resp.ID != nil {
			c.handleResponse(&resp)
			continue
		}

		var notif Notification
		if err := json.Unmarshal(line, &notif); err == nil && notif.Method != "" {
			if c.onNotification != nil {
				c.onNotification(notif.Method, notif.Params)
			}
			continue
		}

		c.logger.Warn("dropping unrecognized message", zap.ByteString("data", line))
	}

	if err := scanner.Err(); err != nil {
		c.logger.Error("read loop error", zap.Error(err))
	}
}

func (c *Client) handleResponse(resp *Response) {
	id, ok := normalizeID(resp.ID)
	if !ok {
		c.logger.Warn("response with non-numeric id", zap.Any("id", resp.ID))
		return
	}

	c.mu.Lock()
	ch, pending := c.pending[id]
	c.mu.Unlock()

	if pending {
		ch <- resp
	} else {
		c.logger.Warn("response for unknown request", zap.Int64("id", id))
	}
}

// normalizeID maps the decoded JSON id back to the int64 key used when the
// request was sent. JSON numbers decode as float64.
func normalizeID(v interface{}) (int64, bool) {
	switch id := v.(type) {
	case float64:
		return int64(id), true
	case int64:
		return id, true
	case json.Number:
		n, err := id.Int64()
		return n, err == nil
	default:
		return 0, false
	}
}
