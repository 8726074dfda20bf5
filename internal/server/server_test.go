package server

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fruitsalade/orchard/internal/hub"
	"github.com/fruitsalade/orchard/internal/session"
	"github.com/fruitsalade/orchard/internal/storage"
	"github.com/fruitsalade/orchard/pkg/protocol"
)

const testToken = "test-token"

type tokenValidator struct{ token string }

func (v tokenValidator) Validate(token string) bool { return token == v.token }

// testServer spins up a workspace server over a temp directory and
// returns the websocket URL.
func testServer(t *testing.T) (string, storage.Store) {
	t.Helper()

	store, err := storage.NewLocal(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	sessions := session.NewManager()
	srv := New(store, sessions, hub.New(sessions), tokenValidator{token: testToken}, Options{
		WorkspaceID: "ws1",
	})

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws", store
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func send(t *testing.T, ws *websocket.Conn, msgType string, payload any) {
	t.Helper()
	data, err := protocol.Encode(msgType, payload)
	if err != nil {
		t.Fatalf("encode %s: %v", msgType, err)
	}
	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write %s: %v", msgType, err)
	}
}

func recv(t *testing.T, ws *websocket.Conn) *protocol.Envelope {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	env, err := protocol.Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return env
}

func recvType(t *testing.T, ws *websocket.Conn, want string) *protocol.Envelope {
	t.Helper()
	env := recv(t, ws)
	if env.Type != want {
		t.Fatalf("got message %s (%s), want %s", env.Type, env.Payload, want)
	}
	return env
}

func recvError(t *testing.T, ws *websocket.Conn, wantCode string) protocol.Error {
	t.Helper()
	env := recvType(t, ws, protocol.TypeError)
	var e protocol.Error
	if err := protocol.DecodePayload(env, &e); err != nil {
		t.Fatalf("decode error payload: %v", err)
	}
	if e.Code != wantCode {
		t.Fatalf("error code = %s (%s), want %s", e.Code, e.Message, wantCode)
	}
	return e
}

// join performs the handshake and consumes the JOINED reply and the
// initial tree snapshot. Returns the session id.
func join(t *testing.T, ws *websocket.Conn) string {
	t.Helper()
	send(t, ws, protocol.TypeJoin, protocol.Join{WorkspaceID: "ws1", Token: testToken})
	env := recvType(t, ws, protocol.TypeJoined)
	var joined protocol.Joined
	if err := protocol.DecodePayload(env, &joined); err != nil {
		t.Fatalf("decode JOINED: %v", err)
	}
	if joined.SessionID == "" || joined.WorkspaceID != "ws1" {
		t.Fatalf("JOINED = %+v", joined)
	}
	recvType(t, ws, protocol.TypeTreeSnapshot)
	return joined.SessionID
}

func TestJoinHandshake(t *testing.T) {
	url, store := testServer(t)
	store.Write(context.Background(), "/readme.md", []byte("hi"))

	ws := dial(t, url)
	send(t, ws, protocol.TypeJoin, protocol.Join{WorkspaceID: "ws1", Token: testToken})

	env := recvType(t, ws, protocol.TypeJoined)
	var joined protocol.Joined
	if err := protocol.DecodePayload(env, &joined); err != nil {
		t.Fatalf("decode JOINED: %v", err)
	}
	if joined.SessionID == "" {
		t.Error("JOINED carried no session id")
	}

	env = recvType(t, ws, protocol.TypeTreeSnapshot)
	var snap protocol.TreeSnapshot
	if err := protocol.DecodePayload(env, &snap); err != nil {
		t.Fatalf("decode TREE_SNAPSHOT: %v", err)
	}
	if !strings.Contains(string(snap.Tree), "readme.md") {
		t.Errorf("tree snapshot %s does not mention readme.md", snap.Tree)
	}
}

func TestJoinRejected(t *testing.T) {
	url, _ := testServer(t)

	ws := dial(t, url)
	send(t, ws, protocol.TypeJoin, protocol.Join{WorkspaceID: "ws1", Token: "wrong"})
	recvError(t, ws, protocol.ErrUnauthorized)

	ws2 := dial(t, url)
	send(t, ws2, protocol.TypeJoin, protocol.Join{WorkspaceID: "other", Token: testToken})
	recvError(t, ws2, protocol.ErrUnauthorized)
}

func TestDoubleJoin(t *testing.T) {
	url, _ := testServer(t)
	ws := dial(t, url)
	join(t, ws)

	send(t, ws, protocol.TypeJoin, protocol.Join{WorkspaceID: "ws1", Token: testToken})
	recvError(t, ws, protocol.ErrUnknownMessage)
}

func TestOperationsRequireJoin(t *testing.T) {
	url, _ := testServer(t)
	ws := dial(t, url)

	send(t, ws, protocol.TypeOpenFile, protocol.OpenFile{DocID: "/a.txt"})
	recvError(t, ws, protocol.ErrNotJoined)

	send(t, ws, protocol.TypeFileUpdate, protocol.FileUpdate{DocID: "/a.txt", Content: []byte("x")})
	recvError(t, ws, protocol.ErrNotJoined)
}

func TestInvalidPath(t *testing.T) {
	url, _ := testServer(t)
	ws := dial(t, url)
	join(t, ws)

	send(t, ws, protocol.TypeOpenFile, protocol.OpenFile{DocID: "/../etc/passwd"})
	recvError(t, ws, protocol.ErrInvalidPath)

	send(t, ws, protocol.TypeCreateFile, protocol.CreateFile{DocID: "/", Content: nil})
	recvError(t, ws, protocol.ErrInvalidPath)
}

func TestOpenMissingFile(t *testing.T) {
	url, _ := testServer(t)
	ws := dial(t, url)
	join(t, ws)

	send(t, ws, protocol.TypeOpenFile, protocol.OpenFile{DocID: "/ghost.txt"})
	recvError(t, ws, protocol.ErrFileNotFound)
}

func TestUnknownMessage(t *testing.T) {
	url, _ := testServer(t)
	ws := dial(t, url)
	join(t, ws)

	if err := ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"TELEPORT","payload":{}}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	recvError(t, ws, protocol.ErrUnknownMessage)

	if err := ws.WriteMessage(websocket.TextMessage, []byte(`not json`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	recvError(t, ws, protocol.ErrUnknownMessage)
}

func TestCreateFlow(t *testing.T) {
	url, _ := testServer(t)
	ws := dial(t, url)
	sid := join(t, ws)

	send(t, ws, protocol.TypeCreateFile, protocol.CreateFile{DocID: "/notes.txt", Content: []byte("v1")})

	env := recvType(t, ws, protocol.TypeFileSnapshot)
	var snap protocol.FileSnapshot
	if err := protocol.DecodePayload(env, &snap); err != nil {
		t.Fatalf("decode FILE_SNAPSHOT: %v", err)
	}
	if snap.DocID != "/notes.txt" || string(snap.Content) != "v1" {
		t.Errorf("snapshot = %+v", snap)
	}
	if !snap.Locked || snap.LockedBy != sid {
		t.Errorf("creator should hold the lock, got locked=%v by=%s", snap.Locked, snap.LockedBy)
	}

	// Structural change reaches the creator too.
	env = recvType(t, ws, protocol.TypeTreeSnapshot)
	var tree protocol.TreeSnapshot
	protocol.DecodePayload(env, &tree)
	if !strings.Contains(string(tree.Tree), "notes.txt") {
		t.Errorf("tree snapshot %s does not mention notes.txt", tree.Tree)
	}

	// Creating the same document again after closing it reports the
	// conflict as FILE_EXISTS.
	send(t, ws, protocol.TypeCloseFile, protocol.CloseFile{DocID: "/notes.txt"})
	send(t, ws, protocol.TypeCreateFile, protocol.CreateFile{DocID: "/notes.txt", Content: []byte("v2")})
	recvError(t, ws, protocol.ErrFileExists)
}

func TestLockContention(t *testing.T) {
	url, store := testServer(t)
	store.Write(context.Background(), "/shared.txt", []byte("base"))

	wsA := dial(t, url)
	sidA := join(t, wsA)
	wsB := dial(t, url)
	join(t, wsB)

	// A opens and takes the lock.
	send(t, wsA, protocol.TypeOpenFile, protocol.OpenFile{DocID: "/shared.txt"})
	recvType(t, wsA, protocol.TypeFileSnapshot)

	// B is refused and told who holds it.
	send(t, wsB, protocol.TypeOpenFile, protocol.OpenFile{DocID: "/shared.txt"})
	e := recvError(t, wsB, protocol.ErrFileLocked)
	if e.Details["lockedBy"] != sidA {
		t.Errorf("lockedBy = %q, want %q", e.Details["lockedBy"], sidA)
	}

	// Update without the lock is refused.
	send(t, wsB, protocol.TypeFileUpdate, protocol.FileUpdate{DocID: "/shared.txt", Content: []byte("steal")})
	recvError(t, wsB, protocol.ErrNotLocked)

	// A releases; B can now open.
	send(t, wsA, protocol.TypeCloseFile, protocol.CloseFile{DocID: "/shared.txt"})
	send(t, wsA, protocol.TypeOpenFile, protocol.OpenFile{DocID: "/missing-sync-point"})
	recvError(t, wsA, protocol.ErrFileNotFound) // proves CLOSE_FILE was processed

	send(t, wsB, protocol.TypeOpenFile, protocol.OpenFile{DocID: "/shared.txt"})
	recvType(t, wsB, protocol.TypeFileSnapshot)
}

func TestUpdateBroadcast(t *testing.T) {
	url, store := testServer(t)
	store.Write(context.Background(), "/doc.txt", []byte("base"))

	wsA := dial(t, url)
	sidA := join(t, wsA)
	wsB := dial(t, url)
	join(t, wsB)

	send(t, wsA, protocol.TypeOpenFile, protocol.OpenFile{DocID: "/doc.txt"})
	recvType(t, wsA, protocol.TypeFileSnapshot)

	send(t, wsA, protocol.TypeFileUpdate, protocol.FileUpdate{DocID: "/doc.txt", Content: []byte("edited")})

	// B receives the broadcast with the originating session id.
	env := recvType(t, wsB, protocol.TypeFileUpdate)
	var update protocol.FileUpdate
	if err := protocol.DecodePayload(env, &update); err != nil {
		t.Fatalf("decode FILE_UPDATE: %v", err)
	}
	if update.DocID != "/doc.txt" || string(update.Content) != "edited" || update.SessionID != sidA {
		t.Errorf("broadcast = %+v, want /doc.txt %q from %s", update, "edited", sidA)
	}

	// The write is durable.
	data, err := store.Read(context.Background(), "/doc.txt")
	if err != nil || string(data) != "edited" {
		t.Errorf("stored content = %q, %v; want %q", data, err, "edited")
	}

	// The originator gets no echo: the next message A reads must be a
	// reply to its own next request, not the update.
	send(t, wsA, protocol.TypeOpenFile, protocol.OpenFile{DocID: "/doc.txt"})
	recvType(t, wsA, protocol.TypeFileSnapshot)
}

func TestDisconnectReleasesLocks(t *testing.T) {
	url, store := testServer(t)
	store.Write(context.Background(), "/held.txt", []byte("x"))

	wsA := dial(t, url)
	join(t, wsA)
	send(t, wsA, protocol.TypeOpenFile, protocol.OpenFile{DocID: "/held.txt"})
	recvType(t, wsA, protocol.TypeFileSnapshot)

	wsA.Close()

	wsB := dial(t, url)
	join(t, wsB)

	// Disconnect cleanup races the next open; poll briefly.
	deadline := time.Now().Add(2 * time.Second)
	for {
		send(t, wsB, protocol.TypeOpenFile, protocol.OpenFile{DocID: "/held.txt"})
		env := recv(t, wsB)
		if env.Type == protocol.TypeFileSnapshot {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("lock never released after disconnect, last reply %s (%s)", env.Type, env.Payload)
		}
		time.Sleep(50 * time.Millisecond)
	}
}
