package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"flowtrace/internal/model"
)

// ErrRequestTimeout is returned when the server does not answer a request
// within the client timeout.
var ErrRequestTimeout = errors.New("ipc: request timed out")

// Client is a request/response IPC client used for snapshot loads on
// worker startup. Responses are correlated to requests by envelope id;
// each pending request has exactly one resolver and a timeout.
type Client struct {
	path    string
	timeout time.Duration

	mu      sync.Mutex
	conn    net.Conn
	pending map[string]chan model.Envelope
}

// NewClient creates a client for the given unix socket path.
func NewClient(path string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		path:    path,
		timeout: timeout,
		pending: make(map[string]chan model.Envelope),
	}
}

// Request sends an envelope and waits for the correlated response.
func (c *Client) Request(ctx context.Context, env model.Envelope) (model.Envelope, error) {
	conn, err := c.ensureConn()
	if err != nil {
		return model.Envelope{}, err
	}

	ch := make(chan model.Envelope, 1)
	c.mu.Lock()
	c.pending[env.ID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, env.ID)
		c.mu.Unlock()
	}()

	c.mu.Lock()
	err = WriteEnvelope(conn, env)
	c.mu.Unlock()
	if err != nil {
		c.dropConn(conn)
		return model.Envelope{}, fmt.Errorf("ipc: send request: %w", err)
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-time.After(c.timeout):
		return model.Envelope{}, ErrRequestTimeout
	case <-ctx.Done():
		return model.Envelope{}, ctx.Err()
	}
}

// LoadSnapshots implements model.SnapshotLoader over the state endpoint.
func (c *Client) LoadSnapshots(ctx context.Context, refs []model.SymbolRef) ([]model.SnapshotItem, error) {
	env, err := model.NewEnvelope(model.MsgState, model.StatePayload{
		Action:  model.StateLoadBatch,
		Symbols: refs,
	})
	if err != nil {
		return nil, err
	}
	resp, err := c.Request(ctx, env)
	if err != nil {
		return nil, err
	}
	var result model.StateResult
	if err := json.Unmarshal(resp.Payload, &result); err != nil {
		return nil, fmt.Errorf("ipc: decode state result: %w", err)
	}
	return result.Snapshots, nil
}

// Send writes an envelope without waiting for a response.
func (c *Client) Send(env model.Envelope) error {
	conn, err := c.ensureConn()
	if err != nil {
		return err
	}
	c.mu.Lock()
	err = WriteEnvelope(conn, env)
	c.mu.Unlock()
	if err != nil {
		c.dropConn(conn)
		return fmt.Errorf("ipc: send: %w", err)
	}
	return nil
}

// LoadUnsyncedGaps fetches a symbol's unrecovered gaps from the
// persistence process.
func (c *Client) LoadUnsyncedGaps(exchange, symbol string, limit int) ([]model.GapRecord, error) {
	env, err := model.NewEnvelope(model.MsgGap, model.GapPayload{
		Action:   model.GapLoad,
		Exchange: exchange,
		Symbol:   symbol,
	})
	if err != nil {
		return nil, err
	}
	resp, err := c.Request(context.Background(), env)
	if err != nil {
		return nil, err
	}
	var result model.GapResult
	if err := json.Unmarshal(resp.Payload, &result); err != nil {
		return nil, fmt.Errorf("ipc: decode gap result: %w", err)
	}
	if limit > 0 && len(result.Gaps) > limit {
		result.Gaps = result.Gaps[:limit]
	}
	return result.Gaps, nil
}

// MarkGapSynced acknowledges a recovered gap range, fire-and-forget.
func (c *Client) MarkGapSynced(exchange, symbol string, fromID, toID int64) error {
	env, err := model.NewEnvelope(model.MsgGap, model.GapPayload{
		Action:      model.GapMarkSynced,
		Exchange:    exchange,
		Symbol:      symbol,
		FromTradeID: fromID,
		ToTradeID:   toID,
	})
	if err != nil {
		return err
	}
	return c.Send(env)
}

// Close tears down the connection and fails any pending requests.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		err := c.conn.Close()
		c.conn = nil
		return err
	}
	return nil
}

func (c *Client) ensureConn() (net.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return c.conn, nil
	}
	conn, err := net.DialTimeout("unix", c.path, c.timeout)
	if err != nil {
		return nil, fmt.Errorf("ipc: dial %s: %w", c.path, err)
	}
	c.conn = conn
	go c.readLoop(conn)
	return conn, nil
}

func (c *Client) dropConn(conn net.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	conn.Close()
}

// readLoop resolves responses to their pending requests by envelope id.
func (c *Client) readLoop(conn net.Conn) {
	for {
		env, err := ReadEnvelope(conn)
		if err != nil {
			c.dropConn(conn)
			return
		}
		c.mu.Lock()
		ch, ok := c.pending[env.ID]
		c.mu.Unlock()
		if ok {
			ch <- env
		}
	}
}
