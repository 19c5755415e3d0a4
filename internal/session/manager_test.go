package session

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestManagerOpenTouchClose(t *testing.T) {
	m := NewManager(time.Minute, 0)
	c, err := m.Open("dr-1", nil)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if c.ID == "" {
		t.Fatalf("connection ID should not be empty")
	}

	if err := m.RecordFrame(c.ID); err != nil {
		t.Fatalf("RecordFrame() error = %v", err)
	}
	if err := m.RecordFinalize(c.ID); err != nil {
		t.Fatalf("RecordFinalize() error = %v", err)
	}
	got, err := m.get(c.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.OwnerID != "dr-1" || got.FramesIn != 1 || got.Finalizes != 1 {
		t.Fatalf("unexpected connection state: %+v", got)
	}

	m.Close(c.ID)
	if _, err := m.get(c.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get() after Close error = %v, want ErrNotFound", err)
	}
	if err := m.Touch(c.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Touch() after Close error = %v, want ErrNotFound", err)
	}
}

func TestManagerLimitsConnectionsPerOwner(t *testing.T) {
	m := NewManager(time.Minute, 2)
	a, _ := m.Open("dr-1", nil)
	if _, err := m.Open("dr-1", nil); err != nil {
		t.Fatalf("second Open() error = %v", err)
	}
	if _, err := m.Open("dr-1", nil); !errors.Is(err, ErrTooManyConnections) {
		t.Fatalf("third Open() error = %v, want ErrTooManyConnections", err)
	}
	if _, err := m.Open("dr-2", nil); err != nil {
		t.Fatalf("other owner Open() error = %v", err)
	}

	m.Close(a.ID)
	if _, err := m.Open("dr-1", nil); err != nil {
		t.Fatalf("Open() after Close error = %v", err)
	}
}

func TestManagerJanitorExpiresInactive(t *testing.T) {
	m := NewManager(30*time.Millisecond, 0)
	var tornDown atomic.Int32
	var hooked atomic.Int32
	m.SetExpireHook(func(*Connection) { hooked.Add(1) })
	c, _ := m.Open("dr-1", func() { tornDown.Add(1) })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.StartJanitor(ctx, 10*time.Millisecond)

	time.Sleep(90 * time.Millisecond)
	if _, err := m.get(c.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expired connection still registered: %v", err)
	}
	if tornDown.Load() != 1 || hooked.Load() != 1 {
		t.Fatalf("teardown = %d, hook = %d, want 1 and 1", tornDown.Load(), hooked.Load())
	}
	if m.ActiveCount() != 0 {
		t.Fatalf("ActiveCount() = %d, want 0", m.ActiveCount())
	}
}
