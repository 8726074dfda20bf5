// Package client provides the workspace connection object used by sync
// tooling. It exposes explicit request methods whose replies are
// awaited through a pending-reply handle with a timeout, plus a push
// channel for server-initiated messages (tree snapshots, remote
// updates). One Client is one session.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fruitsalade/orchard/pkg/logger"
	"github.com/fruitsalade/orchard/pkg/models"
	"github.com/fruitsalade/orchard/pkg/protocol"
)

// ServerError is an ERROR reply from the server.
type ServerError struct {
	Code    string
	Message string
	Details map[string]string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error %s: %s", e.Code, e.Message)
}

// ErrorCode returns the protocol error code.
func (e *ServerError) ErrorCode() string {
	return e.Code
}

// IsCode reports whether err is a ServerError with the given code.
func IsCode(err error, code string) bool {
	se, ok := err.(*ServerError)
	return ok && se.Code == code
}

// Push is a server-initiated message delivered on the Events channel.
// Exactly one of Tree and Update is set.
type Push struct {
	Tree   *models.FileNode
	Update *protocol.FileUpdate
}

// Config holds client connection configuration.
type Config struct {
	URL            string
	RequestTimeout time.Duration
	HandshakeTO    time.Duration
}

// Client is a live connection to the workspace server.
type Client struct {
	ws     *websocket.Conn
	events chan Push

	writeMu sync.Mutex

	// One request is in flight at a time; replies on this connection
	// arrive in request order so no correlation ids are needed.
	reqMu   sync.Mutex
	pending chan *protocol.Envelope
	pendMu  sync.Mutex

	timeout   time.Duration
	sessionID string

	closeOnce sync.Once
	done      chan struct{}
}

const eventBufferSize = 64

// Dial connects to the server. Join must be called before any file
// operation.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 5 * time.Second
	}
	if cfg.HandshakeTO == 0 {
		cfg.HandshakeTO = 10 * time.Second
	}

	dialer := websocket.Dialer{HandshakeTimeout: cfg.HandshakeTO}
	ws, _, err := dialer.DialContext(ctx, cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.URL, err)
	}

	c := &Client{
		ws:      ws,
		events:  make(chan Push, eventBufferSize),
		timeout: cfg.RequestTimeout,
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// SessionID returns the session id assigned at join, or "".
func (c *Client) SessionID() string {
	return c.sessionID
}

// Events returns the push channel. Tree snapshots and remote file
// updates arrive here; the channel closes when the connection dies.
func (c *Client) Events() <-chan Push {
	return c.events
}

// Close tears down the connection.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		c.ws.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		c.ws.Close()
	})
}

// Join authenticates and creates the session. The first tree snapshot
// arrives on the Events channel right after.
func (c *Client) Join(ctx context.Context, workspaceID, token string) (string, error) {
	env, err := c.request(ctx, protocol.TypeJoin, protocol.Join{
		WorkspaceID: workspaceID,
		Token:       token,
	})
	if err != nil {
		return "", err
	}
	var joined protocol.Joined
	if err := protocol.DecodePayload(env, &joined); err != nil {
		return "", err
	}
	c.sessionID = joined.SessionID
	return joined.SessionID, nil
}

// OpenFile requests the document and its lock. On FILE_LOCKED the
// returned error is a *ServerError carrying the holder in Details.
func (c *Client) OpenFile(ctx context.Context, docID string) (*protocol.FileSnapshot, error) {
	env, err := c.request(ctx, protocol.TypeOpenFile, protocol.OpenFile{DocID: docID})
	if err != nil {
		return nil, err
	}
	var snap protocol.FileSnapshot
	if err := protocol.DecodePayload(env, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// CreateFile creates a document with initial content. The creator
// holds the lock on return.
func (c *Client) CreateFile(ctx context.Context, docID string, content []byte) (*protocol.FileSnapshot, error) {
	env, err := c.request(ctx, protocol.TypeCreateFile, protocol.CreateFile{
		DocID:   docID,
		Content: content,
	})
	if err != nil {
		return nil, err
	}
	var snap protocol.FileSnapshot
	if err := protocol.DecodePayload(env, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// UpdateFile replaces the document content. The caller must hold the
// lock (via OpenFile or CreateFile). The server sends no success reply
// for updates; a NOT_LOCKED rejection arrives asynchronously on the
// Events path and is logged there.
func (c *Client) UpdateFile(docID string, content []byte) error {
	return c.send(protocol.TypeFileUpdate, protocol.FileUpdate{
		DocID:   docID,
		Content: content,
	})
}

// CloseFile releases the document lock.
func (c *Client) CloseFile(docID string) error {
	return c.send(protocol.TypeCloseFile, protocol.CloseFile{DocID: docID})
}

// request sends one message and waits for its reply or an error, with
// the configured timeout as an upper bound.
func (c *Client) request(ctx context.Context, msgType string, payload any) (*protocol.Envelope, error) {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()

	reply := make(chan *protocol.Envelope, 1)
	c.pendMu.Lock()
	c.pending = reply
	c.pendMu.Unlock()
	defer func() {
		c.pendMu.Lock()
		c.pending = nil
		c.pendMu.Unlock()
	}()

	if err := c.send(msgType, payload); err != nil {
		return nil, err
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case env := <-reply:
		if env.Type == protocol.TypeError {
			var perr protocol.Error
			if err := protocol.DecodePayload(env, &perr); err != nil {
				return nil, err
			}
			return nil, &ServerError{Code: perr.Code, Message: perr.Message, Details: perr.Details}
		}
		return env, nil
	case <-timer.C:
		return nil, fmt.Errorf("%s: timed out after %s", msgType, c.timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, fmt.Errorf("%s: connection closed", msgType)
	}
}

func (c *Client) send(msgType string, payload any) error {
	data, err := protocol.Encode(msgType, payload)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("send %s: %w", msgType, err)
	}
	return nil
}

func (c *Client) readLoop() {
	defer func() {
		close(c.done)
		close(c.events)
	}()

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			logger.Debug("connection read ended: %v", err)
			return
		}

		env, err := protocol.Decode(data)
		if err != nil {
			logger.Error("bad message from server: %v", err)
			continue
		}

		switch env.Type {
		case protocol.TypeJoined, protocol.TypeFileSnapshot:
			c.deliverReply(env)
		case protocol.TypeError:
			if !c.deliverReply(env) {
				// Asynchronous error with no request waiting.
				var perr protocol.Error
				if protocol.DecodePayload(env, &perr) == nil {
					logger.Error("server error: %s: %s", perr.Code, perr.Message)
				}
			}
		case protocol.TypeTreeSnapshot:
			var snap protocol.TreeSnapshot
			if err := protocol.DecodePayload(env, &snap); err != nil {
				logger.Error("bad tree snapshot: %v", err)
				continue
			}
			var tree models.FileNode
			if err := json.Unmarshal(snap.Tree, &tree); err != nil {
				logger.Error("bad tree snapshot: %v", err)
				continue
			}
			c.pushEvent(Push{Tree: &tree})
		case protocol.TypeFileUpdate:
			var update protocol.FileUpdate
			if err := protocol.DecodePayload(env, &update); err != nil {
				logger.Error("bad file update: %v", err)
				continue
			}
			c.pushEvent(Push{Update: &update})
		default:
			logger.Debug("ignoring message type %s", env.Type)
		}
	}
}

// deliverReply hands the envelope to a waiting request, if any.
func (c *Client) deliverReply(env *protocol.Envelope) bool {
	c.pendMu.Lock()
	pending := c.pending
	c.pendMu.Unlock()
	if pending == nil {
		return false
	}
	select {
	case pending <- env:
		return true
	default:
		return false
	}
}

func (c *Client) pushEvent(p Push) {
	select {
	case c.events <- p:
	default:
		logger.Error("dropping push event: consumer too slow")
	}
}
