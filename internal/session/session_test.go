package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/simgateway/pkg/types"
)

type fakeHandle struct {
	userID     string
	role       types.Role
	sent       []any
	alwaysFail bool
	closed     string
}

func (f *fakeHandle) UserID() string   { return f.userID }
func (f *fakeHandle) Role() types.Role { return f.role }
func (f *fakeHandle) Send(v any) error {
	if f.alwaysFail {
		return errors.New("send failed")
	}
	f.sent = append(f.sent, v)
	return nil
}
func (f *fakeHandle) Close(reason string) error {
	f.closed = reason
	return nil
}

func TestJoinCreatesSessionAndIsIdempotentPerUser(t *testing.T) {
	m := NewManager()
	h1 := &fakeHandle{userID: "u1", role: types.RoleParticipant}

	sess, err := m.Join(h1, "sim-1", "Alice", "", "")
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	if sess.ClientCount() != 1 {
		t.Fatalf("ClientCount = %d, want 1", sess.ClientCount())
	}

	h2 := &fakeHandle{userID: "u1", role: types.RoleParticipant}
	if _, err := m.Join(h2, "sim-1", "Alice", "", ""); err != nil {
		t.Fatalf("second Join: %v", err)
	}
	if sess.ClientCount() != 1 {
		t.Fatalf("ClientCount after replace = %d, want 1", sess.ClientCount())
	}
	if h1.closed == "" {
		t.Fatalf("prior handle was not closed on replacement")
	}
}

func TestJoinRejectsInvalidSessionID(t *testing.T) {
	m := NewManager()
	h := &fakeHandle{userID: "u1", role: types.RoleParticipant}
	if _, err := m.Join(h, "bad id with spaces", "", "", ""); !errors.Is(err, ErrInvalidSession) {
		t.Fatalf("err = %v, want ErrInvalidSession", err)
	}
}

func TestJoinEnforcesAuth(t *testing.T) {
	m := NewManager()
	m.RequireAuth = true
	m.Authenticate = func(sessionID, userID, token string) bool { return token == "good" }

	h := &fakeHandle{userID: "u1", role: types.RoleParticipant}
	if _, err := m.Join(h, "sim-1", "", "", "bad"); !errors.Is(err, ErrAuthRequired) {
		t.Fatalf("err = %v, want ErrAuthRequired", err)
	}
	if _, err := m.Join(h, "sim-1", "", "", "good"); err != nil {
		t.Fatalf("Join with good token: %v", err)
	}
}

func TestJoinEnforcesSessionFull(t *testing.T) {
	m := NewManager()
	m.MaxClientsPerSession = 1

	h1 := &fakeHandle{userID: "u1", role: types.RoleParticipant}
	if _, err := m.Join(h1, "sim-1", "", "", ""); err != nil {
		t.Fatalf("first Join: %v", err)
	}

	h2 := &fakeHandle{userID: "u2", role: types.RoleParticipant}
	if _, err := m.Join(h2, "sim-1", "", "", ""); !errors.Is(err, ErrSessionFull) {
		t.Fatalf("err = %v, want ErrSessionFull", err)
	}
}

func TestBroadcastIsBestEffort(t *testing.T) {
	m := NewManager()
	good := &fakeHandle{userID: "u1", role: types.RoleParticipant}
	bad := &fakeHandle{userID: "u2", role: types.RoleParticipant, alwaysFail: true}

	if _, err := m.Join(good, "sim-1", "", "", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Join(bad, "sim-1", "", "", ""); err != nil {
		t.Fatal(err)
	}

	m.BroadcastToSession("sim-1", "hello")
	if len(good.sent) != 1 {
		t.Fatalf("good.sent = %v, want one message delivered", good.sent)
	}

	sess, _ := m.Get("sim-1")
	if sess.ClientCount() != 1 {
		t.Fatalf("ClientCount after broken broadcast = %d, want 1 (bad handle reaped)", sess.ClientCount())
	}
}

func TestBroadcastToPresentersOnlyReachesPresenters(t *testing.T) {
	m := NewManager()
	presenter := &fakeHandle{userID: "p1", role: types.RolePresenter}
	participant := &fakeHandle{userID: "u1", role: types.RoleParticipant}
	m.Join(presenter, "sim-1", "", "", "")
	m.Join(participant, "sim-1", "", "", "")

	m.BroadcastToPresenters("sim-1", "presenter only")
	if len(presenter.sent) != 1 {
		t.Fatalf("presenter.sent = %d, want 1", len(presenter.sent))
	}
	if len(participant.sent) != 0 {
		t.Fatalf("participant.sent = %d, want 0", len(participant.sent))
	}
}

func TestLeaveAndReap(t *testing.T) {
	now := time.Now()
	m := NewManager()
	m.Now = func() time.Time { return now }

	h := &fakeHandle{userID: "u1", role: types.RoleParticipant}
	m.Join(h, "sim-1", "", "", "")
	m.Leave("sim-1", "u1")

	if r := m.Reapable(time.Hour); len(r) != 0 {
		t.Fatalf("Reapable before grace elapsed = %v, want none", r)
	}

	now = now.Add(2 * time.Hour)
	r := m.Reapable(time.Hour)
	if len(r) != 1 || r[0] != "sim-1" {
		t.Fatalf("Reapable = %v, want [sim-1]", r)
	}

	m.Remove("sim-1")
	if m.Count() != 0 {
		t.Fatalf("Count after Remove = %d, want 0", m.Count())
	}
}

func TestStartReaperHonoursExtraPredicate(t *testing.T) {
	now := time.Now()
	m := NewManager()
	m.Now = func() time.Time { return now }

	h := &fakeHandle{userID: "u1", role: types.RoleParticipant}
	m.Join(h, "sim-1", "", "", "")
	m.Leave("sim-1", "u1")
	now = now.Add(time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	blocked := true
	m.StartReaper(ctx, 5*time.Millisecond, 0, func(sessionID string) bool { return !blocked })
	time.Sleep(20 * time.Millisecond)
	if m.Count() != 1 {
		t.Fatalf("Count with blocking predicate = %d, want 1 (not reaped yet)", m.Count())
	}

	blocked = false
	time.Sleep(20 * time.Millisecond)
	if m.Count() != 0 {
		t.Fatalf("Count after predicate clears = %d, want 0", m.Count())
	}
}
