package jsonrpc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/agentmux/agentmux/internal/common/logger"
)

// maxLineSize bounds a single NDJSON frame (agents can emit large tool
// outputs in one line).
const maxLineSize = 10 * 1024 * 1024

// IncomingHandler receives peer-initiated requests and notifications.
// Requests carry an id and expect a reply via Respond/RespondError.
type IncomingHandler func(req *Request)

// Codec speaks JSON-RPC 2.0 over newline-delimited JSON. One goroutine owns
// the read loop; writes are serialized by a mutex.
type Codec struct {
	w      io.Writer
	r      io.Reader
	log    *logger.Logger
	nextID atomic.Int64

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[int64]chan *Response

	closeOnce sync.Once
	done      chan struct{}
}

// NewCodec creates a codec over the given streams. Call Start to begin
// reading.
func NewCodec(w io.Writer, r io.Reader, log *logger.Logger) *Codec {
	return &Codec{
		w:       w,
		r:       r,
		log:     log,
		pending: make(map[int64]chan *Response),
		done:    make(chan struct{}),
	}
}

// Start launches the read loop. Peer-initiated requests and notifications
// are delivered to handler in read order; responses are routed to pending
// Call invocations. The loop exits when the stream closes, failing all
// outstanding calls.
func (c *Codec) Start(handler IncomingHandler) {
	go c.readLoop(handler)
}

func (c *Codec) readLoop(handler IncomingHandler) {
	defer c.failPending()

	scanner := bufio.NewScanner(c.r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		// A frame with a method is a request or notification; anything
		// else with an id is a response to one of our calls.
		var probe struct {
			ID     any    `json:"id"`
			Method string `json:"method"`
		}
		if err := json.Unmarshal(line, &probe); err != nil {
			c.log.Warn("Dropping unparseable frame", zap.Error(err))
			continue
		}

		if probe.Method != "" {
			var req Request
			if err := json.Unmarshal(line, &req); err != nil {
				c.log.Warn("Dropping malformed request", zap.Error(err))
				continue
			}
			if handler != nil {
				handler(&req)
			}
			continue
		}

		var resp Response
		if err := json.Unmarshal(line, &resp); err != nil {
			c.log.Warn("Dropping malformed response", zap.Error(err))
			continue
		}
		c.dispatchResponse(&resp)
	}

	if err := scanner.Err(); err != nil {
		c.log.Debug("Read loop ended", zap.Error(err))
	}
}

func (c *Codec) dispatchResponse(resp *Response) {
	id, ok := numericID(resp.ID)
	if !ok {
		c.log.Warn("Response with non-numeric id", zap.Any("id", resp.ID))
		return
	}

	c.pendingMu.Lock()
	ch, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()

	if !ok {
		c.log.Debug("Response for unknown request id", zap.Int64("id", id))
		return
	}
	ch <- resp
}

func (c *Codec) failPending() {
	c.pendingMu.Lock()
	pending := c.pending
	c.pending = make(map[int64]chan *Response)
	c.pendingMu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
	c.closeOnce.Do(func() { close(c.done) })
}

// numericID normalizes a decoded JSON id to int64.
func numericID(id any) (int64, bool) {
	switch v := id.(type) {
	case float64:
		return int64(v), true
	case int64:
		return v, true
	case int:
		return int64(v), true
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	default:
		return 0, false
	}
}

// Call sends a request with the next monotonic id and waits for the
// matching response or context cancellation.
func (c *Codec) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := c.nextID.Add(1)

	ch := make(chan *Response, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()

	req := Request{JSONRPC: "2.0", ID: id, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			c.removePending(id)
			return nil, fmt.Errorf("marshal params for %s: %w", method, err)
		}
		req.Params = raw
	}

	if err := c.writeFrame(req); err != nil {
		c.removePending(id)
		return nil, err
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("connection closed awaiting %s response", method)
		}
		if resp.Error != nil {
			return nil, fmt.Errorf("%s failed: %w", method, resp.Error)
		}
		return resp.Result, nil
	case <-ctx.Done():
		c.removePending(id)
		return nil, ctx.Err()
	case <-c.done:
		return nil, fmt.Errorf("connection closed awaiting %s response", method)
	}
}

func (c *Codec) removePending(id int64) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}

// Notify sends a notification (no id, no response).
func (c *Codec) Notify(method string, params any) error {
	req := Request{JSONRPC: "2.0", Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("marshal params for %s: %w", method, err)
		}
		req.Params = raw
	}
	return c.writeFrame(req)
}

// Respond replies to a peer-initiated request.
func (c *Codec) Respond(id any, result any) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	return c.writeFrame(Response{JSONRPC: "2.0", ID: id, Result: raw})
}

// RespondError replies to a peer-initiated request with an error.
func (c *Codec) RespondError(id any, code int, message string) error {
	return c.writeFrame(Response{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &Error{Code: code, Message: message},
	})
}

// WriteRaw writes a pre-encoded frame as one line. Used by the raw NDJSON
// forwarding path.
func (c *Codec) WriteRaw(line []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.w.Write(line); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	if len(line) == 0 || line[len(line)-1] != '\n' {
		if _, err := c.w.Write([]byte{'\n'}); err != nil {
			return fmt.Errorf("write frame: %w", err)
		}
	}
	return nil
}

func (c *Codec) writeFrame(frame any) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	return c.WriteRaw(data)
}

// Done is closed when the read loop has terminated.
func (c *Codec) Done() <-chan struct{} {
	return c.done
}
