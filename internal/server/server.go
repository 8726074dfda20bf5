// Package server implements the message-driven protocol engine: it
// validates client requests, drives the session/lock manager and the
// file store, and emits replies and broadcasts.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/fruitsalade/orchard/internal/auth"
	"github.com/fruitsalade/orchard/internal/hub"
	"github.com/fruitsalade/orchard/internal/logging"
	"github.com/fruitsalade/orchard/internal/metrics"
	"github.com/fruitsalade/orchard/internal/session"
	"github.com/fruitsalade/orchard/internal/storage"
	"github.com/fruitsalade/orchard/internal/wspath"
	"github.com/fruitsalade/orchard/pkg/protocol"
)

// Options configures a Server.
type Options struct {
	WorkspaceID  string
	PingInterval time.Duration
	WriteTimeout time.Duration
}

// Server is the workspace protocol engine.
type Server struct {
	workspaceID string
	store       storage.Store
	sessions    *session.Manager
	hub         *hub.Hub
	validator   auth.Validator

	pingInterval time.Duration
	writeTimeout time.Duration

	upgrader websocket.Upgrader
}

// New creates a protocol engine over the given collaborators.
func New(store storage.Store, sessions *session.Manager, h *hub.Hub, validator auth.Validator, opts Options) *Server {
	if opts.PingInterval == 0 {
		opts.PingInterval = 30 * time.Second
	}
	if opts.WriteTimeout == 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	return &Server{
		workspaceID:  opts.WorkspaceID,
		store:        store,
		sessions:     sessions,
		hub:          h,
		validator:    validator,
		pingInterval: opts.PingInterval,
		writeTimeout: opts.WriteTimeout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Handler returns the HTTP handler exposing the websocket endpoint and
// a health check.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("/ws", s.handleWS)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	c := newConn(ws, s.pingInterval, s.writeTimeout)
	go c.writePump()

	ws.SetReadDeadline(time.Now().Add(2 * s.pingInterval))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(2 * s.pingInterval))
		return nil
	})

	s.readLoop(r.Context(), c)
}

// readLoop processes messages from one connection strictly in order.
// Messages from different connections run concurrently; the session
// manager's critical sections are the only synchronization between
// them.
func (s *Server) readLoop(ctx context.Context, c *conn) {
	var sess *session.Session

	defer func() {
		c.CloseSend()
		if sess != nil {
			released := s.sessions.EndSession(sess.ID)
			logging.Info("session ended",
				zap.String("session_id", sess.ID),
				zap.Strings("released_locks", released))
			s.updateGauges()
		}
	}()

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logging.Debug("connection dropped", zap.Error(err))
			}
			return
		}

		env, err := protocol.Decode(data)
		if err != nil {
			metrics.RecordMessage("malformed", "error")
			s.sendError(c, protocol.ErrUnknownMessage, "malformed message", nil)
			continue
		}

		switch env.Type {
		case protocol.TypeJoin:
			sess = s.handleJoin(ctx, c, sess, env)
		case protocol.TypeOpenFile:
			s.handleOpen(ctx, c, sess, env)
		case protocol.TypeCreateFile:
			s.handleCreate(ctx, c, sess, env)
		case protocol.TypeFileUpdate:
			s.handleUpdate(ctx, c, sess, env)
		case protocol.TypeCloseFile:
			s.handleClose(c, sess, env)
		default:
			metrics.RecordMessage(env.Type, "unknown")
			s.sendError(c, protocol.ErrUnknownMessage, "unknown message type: "+env.Type, nil)
		}
	}
}

func (s *Server) handleJoin(ctx context.Context, c *conn, sess *session.Session, env *protocol.Envelope) *session.Session {
	var req protocol.Join
	if err := protocol.DecodePayload(env, &req); err != nil {
		metrics.RecordMessage(env.Type, "error")
		s.sendError(c, protocol.ErrUnknownMessage, err.Error(), nil)
		return sess
	}

	if sess != nil {
		// Already joined; a second join on the same connection is a
		// protocol error, the existing session stays intact.
		metrics.RecordMessage(env.Type, "error")
		s.sendError(c, protocol.ErrUnknownMessage, "already joined", nil)
		return sess
	}

	if req.WorkspaceID != s.workspaceID || !s.validator.Validate(req.Token) {
		metrics.RecordAuthAttempt(false)
		metrics.RecordMessage(env.Type, "denied")
		s.sendError(c, protocol.ErrUnauthorized, "authorization failed", nil)
		return nil
	}
	metrics.RecordAuthAttempt(true)

	newSess := s.sessions.Join(s.workspaceID, c)
	s.updateGauges()
	logging.Info("session joined",
		zap.String("session_id", newSess.ID),
		zap.String("workspace", s.workspaceID))

	s.reply(c, protocol.TypeJoined, protocol.Joined{
		SessionID:   newSess.ID,
		WorkspaceID: s.workspaceID,
	})

	if snapshot, err := s.treeSnapshot(ctx); err != nil {
		logging.Error("tree build failed", zap.Error(err))
	} else {
		c.Send(snapshot)
	}

	metrics.RecordMessage(env.Type, "ok")
	return newSess
}

func (s *Server) handleOpen(ctx context.Context, c *conn, sess *session.Session, env *protocol.Envelope) {
	var req protocol.OpenFile
	if err := protocol.DecodePayload(env, &req); err != nil {
		metrics.RecordMessage(env.Type, "error")
		s.sendError(c, protocol.ErrUnknownMessage, err.Error(), nil)
		return
	}

	if sess == nil {
		metrics.RecordMessage(env.Type, "error")
		s.sendError(c, protocol.ErrNotJoined, "join before opening files", nil)
		return
	}

	path, err := wspath.Clean(req.DocID)
	if err != nil {
		metrics.RecordMessage(env.Type, "error")
		s.sendError(c, protocol.ErrInvalidPath, "invalid path: "+req.DocID, nil)
		return
	}

	exists, err := s.store.Exists(ctx, path)
	if err != nil {
		s.internalError(c, env.Type, "exists check failed", err)
		return
	}
	if !exists {
		metrics.RecordMessage(env.Type, "error")
		s.sendError(c, protocol.ErrFileNotFound, "no such document: "+path, nil)
		return
	}

	if !s.sessions.AcquireLock(s.workspaceID, path, sess.ID) {
		holder := s.sessions.LockOwner(s.workspaceID, path)
		metrics.RecordMessage(env.Type, "conflict")
		s.sendError(c, protocol.ErrFileLocked, "document is locked", map[string]string{
			"lockedBy": holder,
		})
		return
	}
	s.updateGauges()

	content, err := s.store.Read(ctx, path)
	if err != nil {
		// The file vanished between the existence check and the read;
		// give the lock back rather than hold it on a ghost.
		s.sessions.ReleaseLock(s.workspaceID, path, sess.ID)
		s.updateGauges()
		if errors.Is(err, storage.ErrNotFound) {
			metrics.RecordMessage(env.Type, "error")
			s.sendError(c, protocol.ErrFileNotFound, "no such document: "+path, nil)
			return
		}
		s.internalError(c, env.Type, "read failed", err)
		return
	}

	s.reply(c, protocol.TypeFileSnapshot, protocol.FileSnapshot{
		DocID:    path,
		Content:  content,
		Locked:   true,
		LockedBy: sess.ID,
	})
	metrics.RecordMessage(env.Type, "ok")
}

func (s *Server) handleCreate(ctx context.Context, c *conn, sess *session.Session, env *protocol.Envelope) {
	var req protocol.CreateFile
	if err := protocol.DecodePayload(env, &req); err != nil {
		metrics.RecordMessage(env.Type, "error")
		s.sendError(c, protocol.ErrUnknownMessage, err.Error(), nil)
		return
	}

	if sess == nil {
		metrics.RecordMessage(env.Type, "error")
		s.sendError(c, protocol.ErrNotJoined, "join before creating files", nil)
		return
	}

	path, err := wspath.Clean(req.DocID)
	if err != nil {
		metrics.RecordMessage(env.Type, "error")
		s.sendError(c, protocol.ErrInvalidPath, "invalid path: "+req.DocID, nil)
		return
	}

	// Take the lock before the existence check so two racing creators
	// cannot both pass it; the loser sees FILE_LOCKED or FILE_EXISTS.
	heldBefore := s.sessions.HasLock(s.workspaceID, path, sess.ID)
	if !s.sessions.AcquireLock(s.workspaceID, path, sess.ID) {
		holder := s.sessions.LockOwner(s.workspaceID, path)
		metrics.RecordMessage(env.Type, "conflict")
		s.sendError(c, protocol.ErrFileLocked, "document is locked", map[string]string{
			"lockedBy": holder,
		})
		return
	}

	exists, err := s.store.Exists(ctx, path)
	if err != nil {
		if !heldBefore {
			s.sessions.ReleaseLock(s.workspaceID, path, sess.ID)
		}
		s.internalError(c, env.Type, "exists check failed", err)
		return
	}
	if exists {
		if !heldBefore {
			s.sessions.ReleaseLock(s.workspaceID, path, sess.ID)
		}
		metrics.RecordMessage(env.Type, "conflict")
		s.sendError(c, protocol.ErrFileExists, "document already exists: "+path, nil)
		return
	}

	if err := s.store.Write(ctx, path, req.Content); err != nil {
		if !heldBefore {
			s.sessions.ReleaseLock(s.workspaceID, path, sess.ID)
		}
		s.internalError(c, env.Type, "write failed", err)
		return
	}
	s.updateGauges()

	s.reply(c, protocol.TypeFileSnapshot, protocol.FileSnapshot{
		DocID:    path,
		Content:  req.Content,
		Locked:   true,
		LockedBy: sess.ID,
	})

	// Structural change: rebuild the tree and push it to everyone,
	// creator included.
	if snapshot, err := s.treeSnapshot(ctx); err != nil {
		logging.Error("tree build failed", zap.Error(err))
	} else {
		s.hub.BroadcastToWorkspace(s.workspaceID, snapshot, "")
	}

	logging.Info("document created",
		zap.String("session_id", sess.ID),
		zap.String("path", path),
		zap.Int("size", len(req.Content)))
	metrics.RecordMessage(env.Type, "ok")
}

func (s *Server) handleUpdate(ctx context.Context, c *conn, sess *session.Session, env *protocol.Envelope) {
	var req protocol.FileUpdate
	if err := protocol.DecodePayload(env, &req); err != nil {
		metrics.RecordMessage(env.Type, "error")
		s.sendError(c, protocol.ErrUnknownMessage, err.Error(), nil)
		return
	}

	if sess == nil {
		metrics.RecordMessage(env.Type, "error")
		s.sendError(c, protocol.ErrNotJoined, "join before updating files", nil)
		return
	}

	path, err := wspath.Clean(req.DocID)
	if err != nil {
		metrics.RecordMessage(env.Type, "error")
		s.sendError(c, protocol.ErrInvalidPath, "invalid path: "+req.DocID, nil)
		return
	}

	if !s.sessions.HasLock(s.workspaceID, path, sess.ID) {
		metrics.RecordMessage(env.Type, "error")
		s.sendError(c, protocol.ErrNotLocked, "update requires the document lock", nil)
		return
	}

	if err := s.store.Write(ctx, path, req.Content); err != nil {
		s.internalError(c, env.Type, "write failed", err)
		return
	}

	// Content-only change: no tree rebuild. The originator is excluded
	// from the broadcast so its own write is not echoed back.
	message, err := protocol.Encode(protocol.TypeFileUpdate, protocol.FileUpdate{
		DocID:     path,
		Content:   req.Content,
		SessionID: sess.ID,
	})
	if err != nil {
		logging.Error("encode broadcast failed", zap.Error(err))
		return
	}
	s.hub.BroadcastToWorkspace(s.workspaceID, message, sess.ID)

	logging.Debug("document updated",
		zap.String("session_id", sess.ID),
		zap.String("path", path),
		zap.Int("size", len(req.Content)))
	metrics.RecordMessage(env.Type, "ok")
}

func (s *Server) handleClose(c *conn, sess *session.Session, env *protocol.Envelope) {
	var req protocol.CloseFile
	if err := protocol.DecodePayload(env, &req); err != nil {
		metrics.RecordMessage(env.Type, "error")
		s.sendError(c, protocol.ErrUnknownMessage, err.Error(), nil)
		return
	}

	if sess == nil {
		metrics.RecordMessage(env.Type, "error")
		s.sendError(c, protocol.ErrNotJoined, "join before closing files", nil)
		return
	}

	path, err := wspath.Clean(req.DocID)
	if err != nil {
		metrics.RecordMessage(env.Type, "error")
		s.sendError(c, protocol.ErrInvalidPath, "invalid path: "+req.DocID, nil)
		return
	}

	s.sessions.ReleaseLock(s.workspaceID, path, sess.ID)
	s.updateGauges()
	metrics.RecordMessage(env.Type, "ok")
}

// treeSnapshot rebuilds the workspace tree and encodes it as a
// TREE_SNAPSHOT message.
func (s *Server) treeSnapshot(ctx context.Context) ([]byte, error) {
	start := time.Now()
	tree, err := s.store.BuildTree(ctx)
	if err != nil {
		return nil, err
	}
	metrics.ObserveTreeBuild(time.Since(start))

	raw, err := json.Marshal(tree)
	if err != nil {
		return nil, err
	}
	return protocol.Encode(protocol.TypeTreeSnapshot, protocol.TreeSnapshot{Tree: raw})
}

func (s *Server) reply(c *conn, msgType string, payload any) {
	message, err := protocol.Encode(msgType, payload)
	if err != nil {
		logging.Error("encode reply failed", zap.String("type", msgType), zap.Error(err))
		return
	}
	c.Send(message)
}

func (s *Server) sendError(c *conn, code, msg string, details map[string]string) {
	s.reply(c, protocol.TypeError, protocol.Error{
		Code:    code,
		Message: msg,
		Details: details,
	})
}

func (s *Server) internalError(c *conn, msgType, msg string, err error) {
	logging.Error(msg, zap.Error(err))
	metrics.RecordMessage(msgType, "error")
	s.sendError(c, protocol.ErrInternal, msg, nil)
}

func (s *Server) updateGauges() {
	metrics.SetSessionsActive(s.sessions.SessionCount())
	metrics.SetLocksHeld(s.sessions.LockCount())
}
