// Package protocol defines the wire messages exchanged between the
// Orchard server and its clients. Every message is a JSON envelope
// {type, payload} sent over a persistent websocket connection.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Client -> server message types.
const (
	TypeJoin       = "JOIN"
	TypeOpenFile   = "OPEN_FILE"
	TypeCreateFile = "CREATE_FILE"
	TypeFileUpdate = "FILE_UPDATE"
	TypeCloseFile  = "CLOSE_FILE"
)

// Server -> client message types. TypeFileUpdate is shared: as a
// broadcast it carries the originating session id.
const (
	TypeJoined       = "JOINED"
	TypeTreeSnapshot = "TREE_SNAPSHOT"
	TypeFileSnapshot = "FILE_SNAPSHOT"
	TypeError        = "ERROR"
)

// Error codes.
const (
	ErrNotJoined      = "NOT_JOINED"
	ErrUnauthorized   = "UNAUTHORIZED"
	ErrInvalidPath    = "INVALID_PATH"
	ErrFileExists     = "FILE_EXISTS"
	ErrFileNotFound   = "FILE_NOT_FOUND"
	ErrFileLocked     = "FILE_LOCKED"
	ErrNotLocked      = "NOT_LOCKED"
	ErrUnknownMessage = "UNKNOWN_MESSAGE"
	ErrInternal       = "INTERNAL"
)

// Envelope is the outer frame of every message.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Join is the payload of a JOIN request.
type Join struct {
	WorkspaceID string `json:"workspaceId"`
	Token       string `json:"token"`
}

// Joined is the payload of a JOINED reply.
type Joined struct {
	SessionID   string `json:"sessionId"`
	WorkspaceID string `json:"workspaceId"`
}

// OpenFile is the payload of an OPEN_FILE request.
type OpenFile struct {
	DocID string `json:"docId"`
}

// CreateFile is the payload of a CREATE_FILE request.
type CreateFile struct {
	DocID   string `json:"docId"`
	Content []byte `json:"content"`
}

// FileUpdate is the payload of a FILE_UPDATE request and, with
// SessionID set, of the FILE_UPDATE broadcast to other sessions.
type FileUpdate struct {
	DocID     string `json:"docId"`
	Content   []byte `json:"content"`
	SessionID string `json:"sessionId,omitempty"`
}

// CloseFile is the payload of a CLOSE_FILE request.
type CloseFile struct {
	DocID string `json:"docId"`
}

// TreeSnapshot carries a full tree. The tree is kept as raw JSON here
// so the envelope codec does not depend on the models package consumers
// already decode into.
type TreeSnapshot struct {
	Tree json.RawMessage `json:"tree"`
}

// FileSnapshot is a full point-in-time copy of one document.
type FileSnapshot struct {
	DocID    string `json:"docId"`
	Content  []byte `json:"content"`
	Locked   bool   `json:"locked"`
	LockedBy string `json:"lockedBy,omitempty"`
}

// Error is the payload of an ERROR reply.
type Error struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

// Encode wraps a payload in an envelope and marshals it.
func Encode(msgType string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", msgType, err)
	}
	return json.Marshal(Envelope{Type: msgType, Payload: raw})
}

// Decode parses an envelope from raw bytes.
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("decode envelope: missing type")
	}
	return &env, nil
}

// DecodePayload parses the payload of an envelope into dst.
func DecodePayload(env *Envelope, dst any) error {
	if len(env.Payload) == 0 {
		return fmt.Errorf("%s: empty payload", env.Type)
	}
	if err := json.Unmarshal(env.Payload, dst); err != nil {
		return fmt.Errorf("decode %s payload: %w", env.Type, err)
	}
	return nil
}
