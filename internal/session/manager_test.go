package session

import (
	"sync"
	"testing"
)

// nopSender satisfies Sender for tests that never exercise delivery.
type nopSender struct{}

func (nopSender) Send(message []byte) bool { return true }
func (nopSender) CloseSend()               {}

func TestJoinAndGet(t *testing.T) {
	m := NewManager()
	s := m.Join("ws1", nopSender{})
	if s.ID == "" {
		t.Fatal("Join returned session with empty id")
	}
	if got := m.Get(s.ID); got != s {
		t.Errorf("Get(%q) = %v, want the joined session", s.ID, got)
	}
	if got := m.Get("nope"); got != nil {
		t.Errorf("Get(nope) = %v, want nil", got)
	}
	if n := m.SessionCount(); n != 1 {
		t.Errorf("SessionCount = %d, want 1", n)
	}
}

func TestWorkspaceSessions(t *testing.T) {
	m := NewManager()
	a := m.Join("ws1", nopSender{})
	b := m.Join("ws1", nopSender{})
	m.Join("ws2", nopSender{})

	got := m.WorkspaceSessions("ws1")
	if len(got) != 2 {
		t.Fatalf("WorkspaceSessions(ws1) returned %d sessions, want 2", len(got))
	}
	ids := map[string]bool{got[0].ID: true, got[1].ID: true}
	if !ids[a.ID] || !ids[b.ID] {
		t.Errorf("WorkspaceSessions(ws1) = %v, want sessions %s and %s", ids, a.ID, b.ID)
	}
}

func TestAcquireLockExclusive(t *testing.T) {
	m := NewManager()
	a := m.Join("ws1", nopSender{})
	b := m.Join("ws1", nopSender{})

	if !m.AcquireLock("ws1", "/doc.txt", a.ID) {
		t.Fatal("first acquire should succeed")
	}
	if m.AcquireLock("ws1", "/doc.txt", b.ID) {
		t.Error("second session acquired a held lock")
	}
	// Re-entrant for the holder.
	if !m.AcquireLock("ws1", "/doc.txt", a.ID) {
		t.Error("holder re-acquire should succeed")
	}
	if owner := m.LockOwner("ws1", "/doc.txt"); owner != a.ID {
		t.Errorf("LockOwner = %q, want %q", owner, a.ID)
	}

	// Same path in a different workspace is independent.
	c := m.Join("ws2", nopSender{})
	if !m.AcquireLock("ws2", "/doc.txt", c.ID) {
		t.Error("lock in a different workspace should be free")
	}
}

func TestAcquireLockDeadSession(t *testing.T) {
	m := NewManager()
	s := m.Join("ws1", nopSender{})
	m.EndSession(s.ID)
	if m.AcquireLock("ws1", "/doc.txt", s.ID) {
		t.Error("ended session acquired a lock")
	}
}

func TestReleaseLock(t *testing.T) {
	m := NewManager()
	a := m.Join("ws1", nopSender{})
	b := m.Join("ws1", nopSender{})

	m.AcquireLock("ws1", "/doc.txt", a.ID)

	// Non-holder release is a no-op.
	m.ReleaseLock("ws1", "/doc.txt", b.ID)
	if !m.HasLock("ws1", "/doc.txt", a.ID) {
		t.Fatal("non-holder release stole the lock")
	}

	m.ReleaseLock("ws1", "/doc.txt", a.ID)
	if m.HasLock("ws1", "/doc.txt", a.ID) {
		t.Error("lock still held after release")
	}
	if !m.AcquireLock("ws1", "/doc.txt", b.ID) {
		t.Error("released lock should be acquirable by another session")
	}
}

func TestEndSessionReleasesAllLocks(t *testing.T) {
	m := NewManager()
	a := m.Join("ws1", nopSender{})
	b := m.Join("ws1", nopSender{})

	m.AcquireLock("ws1", "/b.txt", a.ID)
	m.AcquireLock("ws1", "/a.txt", a.ID)
	m.AcquireLock("ws1", "/c.txt", b.ID)

	released := m.EndSession(a.ID)
	if len(released) != 2 || released[0] != "/a.txt" || released[1] != "/b.txt" {
		t.Errorf("EndSession released %v, want [/a.txt /b.txt]", released)
	}
	if m.Get(a.ID) != nil {
		t.Error("ended session still present")
	}
	if !m.AcquireLock("ws1", "/a.txt", b.ID) {
		t.Error("lock not freed by EndSession")
	}
	if m.AcquireLock("ws1", "/c.txt", a.ID) {
		t.Error("ended session acquired a lock")
	}
	if got := m.EndSession(a.ID); got != nil {
		t.Errorf("second EndSession = %v, want nil", got)
	}
}

func TestAcquireLockConcurrent(t *testing.T) {
	m := NewManager()
	const n = 32
	ids := make([]string, n)
	for i := range ids {
		ids[i] = m.Join("ws1", nopSender{}).ID
	}

	var wg sync.WaitGroup
	wins := make(chan string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if m.AcquireLock("ws1", "/hot.txt", id) {
				wins <- id
			}
		}(ids[i])
	}
	wg.Wait()
	close(wins)

	var winners []string
	for id := range wins {
		winners = append(winners, id)
	}
	if len(winners) != 1 {
		t.Fatalf("%d sessions won the lock, want exactly 1", len(winners))
	}
	if owner := m.LockOwner("ws1", "/hot.txt"); owner != winners[0] {
		t.Errorf("LockOwner = %q, want winner %q", owner, winners[0])
	}
	if m.LockCount() != 1 {
		t.Errorf("LockCount = %d, want 1", m.LockCount())
	}
}
