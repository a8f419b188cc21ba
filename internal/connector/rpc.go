package connector

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/vinayprograms/nexus/internal/logging"
)

// framer moves whole JSON-RPC messages over a transport.
type framer interface {
	ReadMessage() ([]byte, error)
	WriteMessage([]byte) error
	Close() error
}

// lineFramer frames messages as newline-delimited JSON.
type lineFramer struct {
	r   *bufio.Reader
	w   io.Writer
	c   io.Closer
	wmu sync.Mutex
}

func newLineFramer(r io.Reader, w io.Writer, c io.Closer) *lineFramer {
	return &lineFramer{r: bufio.NewReaderSize(r, 64*1024), w: w, c: c}
}

func (f *lineFramer) ReadMessage() ([]byte, error) {
	for {
		line, err := f.r.ReadBytes('\n')
		line = bytes.TrimSpace(line)
		if len(line) > 0 {
			return line, nil
		}
		if err != nil {
			return nil, err
		}
	}
}

func (f *lineFramer) WriteMessage(data []byte) error {
	f.wmu.Lock()
	defer f.wmu.Unlock()
	buf := make([]byte, 0, len(data)+1)
	buf = append(buf, data...)
	buf = append(buf, '\n')
	_, err := f.w.Write(buf)
	return err
}

func (f *lineFramer) Close() error {
	if f.c == nil {
		return nil
	}
	return f.c.Close()
}

// wsFramer carries one JSON-RPC message per websocket text frame.
type wsFramer struct {
	conn *websocket.Conn
	wmu  sync.Mutex
}

func (f *wsFramer) ReadMessage() ([]byte, error) {
	_, data, err := f.conn.ReadMessage()
	return data, err
}

func (f *wsFramer) WriteMessage(data []byte) error {
	f.wmu.Lock()
	defer f.wmu.Unlock()
	return f.conn.WriteMessage(websocket.TextMessage, data)
}

func (f *wsFramer) Close() error {
	f.wmu.Lock()
	_ = f.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	f.wmu.Unlock()
	return f.conn.Close()
}

type rpcMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is an error object returned by a provider.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// rpcClient correlates requests and responses by id. Responses for ids that
// are unknown or already resolved are discarded.
type rpcClient struct {
	f      framer
	logger *logging.Logger

	seq       atomic.Int64
	discarded atomic.Int64

	mu       sync.Mutex
	pending  map[int64]chan rpcMessage
	closed   bool
	closeErr error
	done     chan struct{}
}

func newRPCClient(f framer, logger *logging.Logger) *rpcClient {
	c := &rpcClient{
		f:       f,
		logger:  logger,
		pending: make(map[int64]chan rpcMessage),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Call sends a request and waits for its response.
func (c *rpcClient) Call(ctx context.Context, method string, params, result interface{}) error {
	id := c.seq.Add(1)
	ch := make(chan rpcMessage, 1)

	c.mu.Lock()
	if c.closed {
		err := c.closeErr
		c.mu.Unlock()
		return err
	}
	c.pending[id] = ch
	c.mu.Unlock()

	if err := c.write(id, method, params); err != nil {
		c.forget(id)
		return fmt.Errorf("%w: %v", ErrProviderClosed, err)
	}

	select {
	case msg, ok := <-ch:
		if !ok {
			return c.err()
		}
		if msg.Error != nil {
			return msg.Error
		}
		if result != nil && len(msg.Result) > 0 {
			if err := json.Unmarshal(msg.Result, result); err != nil {
				return fmt.Errorf("decode %s result: %w", method, err)
			}
		}
		return nil
	case <-ctx.Done():
		c.forget(id)
		return ctx.Err()
	}
}

// Notify sends a message that expects no response.
func (c *rpcClient) Notify(method string, params interface{}) error {
	return c.write(0, method, params)
}

func (c *rpcClient) write(id int64, method string, params interface{}) error {
	msg := rpcMessage{JSONRPC: "2.0", Method: method}
	if id != 0 {
		msg.ID = json.RawMessage(strconv.FormatInt(id, 10))
	}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("marshal params: %w", err)
		}
		msg.Params = raw
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return c.f.WriteMessage(data)
}

func (c *rpcClient) forget(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *rpcClient) readLoop() {
	for {
		data, err := c.f.ReadMessage()
		if err != nil {
			c.shutdown(err)
			return
		}
		var msg rpcMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Warn("rpc_decode_failed", map[string]interface{}{"error": err.Error()})
			continue
		}
		if msg.Method != "" {
			// server-initiated request or notification
			c.logger.Debug("rpc_notification", map[string]interface{}{"method": msg.Method})
			continue
		}
		id, ok := parseID(msg.ID)
		c.mu.Lock()
		ch, found := c.pending[id]
		if found {
			delete(c.pending, id)
		}
		c.mu.Unlock()
		if !ok || !found {
			c.discarded.Add(1)
			c.logger.Debug("rpc_response_discarded", map[string]interface{}{"id": string(msg.ID)})
			continue
		}
		ch <- msg
	}
}

func parseID(raw json.RawMessage) (int64, bool) {
	s := strings.Trim(string(raw), `"`)
	id, err := strconv.ParseInt(s, 10, 64)
	return id, err == nil
}

// shutdown fails every pending call. Only the first cause is kept.
func (c *rpcClient) shutdown(cause error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	if cause == nil || cause == io.EOF {
		c.closeErr = ErrProviderClosed
	} else {
		c.closeErr = fmt.Errorf("%w: %v", ErrProviderClosed, cause)
	}
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	close(c.done)
}

func (c *rpcClient) err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}

// Done is closed once the transport is gone.
func (c *rpcClient) Done() <-chan struct{} {
	return c.done
}

// Close fails outstanding calls and closes the transport.
func (c *rpcClient) Close() error {
	c.shutdown(errClosedLocally)
	return c.f.Close()
}
