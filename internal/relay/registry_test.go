package relay

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	now time.Time
	mu  sync.Mutex
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestRegistry(t *testing.T, config Config) (*Registry, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	r := newRegistry(config, nil, testLogger(), clock.Now)
	t.Cleanup(r.Stop)
	return r, clock
}

func TestCreateRoom(t *testing.T) {
	r, clock := newTestRegistry(t, testConfig())

	creds, err := r.Create()
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if creds.ID == "" {
		t.Error("Expected non-empty room ID")
	}
	if len(creds.Secret) != 64 {
		t.Errorf("Expected 64 hex characters of secret, got %d", len(creds.Secret))
	}
	if want := clock.Now().Add(time.Hour); !creds.ExpiresAt.Equal(want) {
		t.Errorf("Expected expiry %v, got %v", want, creds.ExpiresAt)
	}

	other, _ := r.Create()
	if other.ID == creds.ID || other.Secret == creds.Secret {
		t.Error("Expected unique credentials per room")
	}

	status := r.Status(creds.ID)
	if !status.Exists || status.HasWriter || status.Listeners != 0 {
		t.Errorf("Unexpected status for fresh room: %+v", status)
	}
	if r.Count() != 2 {
		t.Errorf("Expected 2 rooms, got %d", r.Count())
	}
}

func TestCreateRoomLimit(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRooms = 2
	r, _ := newTestRegistry(t, cfg)

	for i := 0; i < 2; i++ {
		if _, err := r.Create(); err != nil {
			t.Fatalf("Create %d failed: %v", i, err)
		}
	}
	if _, err := r.Create(); !errors.Is(err, ErrTooManyRooms) {
		t.Errorf("Expected ErrTooManyRooms, got %v", err)
	}
}

func TestUnknownRoom(t *testing.T) {
	r, _ := newTestRegistry(t, testConfig())

	if _, err := r.Get("does-not-exist"); !errors.Is(err, ErrRoomNotFound) {
		t.Errorf("Expected ErrRoomNotFound, got %v", err)
	}
	status := r.Status("does-not-exist")
	if status.Exists || status.ID != "does-not-exist" {
		t.Errorf("Unexpected status %+v", status)
	}
}

func TestRoomExpiry(t *testing.T) {
	tests := []struct {
		name  string
		sweep bool
	}{
		{"observed on lookup", false},
		{"removed by sweep", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, clock := newTestRegistry(t, testConfig())
			creds, _ := r.Create()

			room, err := r.Get(creds.ID)
			if err != nil {
				t.Fatalf("Get failed: %v", err)
			}
			writer := &closeRecorder{}
			room.AttachWriter(creds.Secret, writer.close)
			l, _ := room.AddListener()

			clock.Advance(time.Hour - time.Second)
			if !r.Status(creds.ID).Exists {
				t.Fatal("Room expired early")
			}

			clock.Advance(time.Second)
			if tt.sweep {
				r.cleanupExpiredRooms()
				if r.Count() != 0 {
					t.Errorf("Expected sweep to remove the room, %d left", r.Count())
				}
			}

			if r.Status(creds.ID).Exists {
				t.Error("Expected expired room to report non-existence")
			}
			if _, ok := <-l.Messages(); ok {
				t.Error("Expected listener to be closed")
			}
			if !errors.Is(room.ListenerErr(l), errRoomExpired) {
				t.Errorf("Expected expiry reason, got %v", room.ListenerErr(l))
			}
			if reasons := writer.get(); len(reasons) != 1 {
				t.Errorf("Expected writer closed once, got %v", reasons)
			}

			if stats := r.GetStats(); stats.RoomsExpired != 1 {
				t.Errorf("Expected 1 expired room, got %d", stats.RoomsExpired)
			}
		})
	}
}

func TestTrafficDoesNotExtendExpiry(t *testing.T) {
	r, clock := newTestRegistry(t, testConfig())
	creds, _ := r.Create()
	room, _ := r.Get(creds.ID)
	w, _, _ := room.AttachWriter(creds.Secret, func(error) {})

	for seq := uint64(1); seq <= 5; seq++ {
		clock.Advance(10 * time.Minute)
		room.Publish(w, []byte(fmt.Sprintf(`{"type":"interrupt","sequence":%d}`, seq)))
	}
	if room.Status().Relayed != 5 {
		t.Fatalf("Expected 5 relayed, got %d", room.Status().Relayed)
	}

	clock.Advance(10 * time.Minute)
	if r.Status(creds.ID).Exists {
		t.Error("Expected room to expire at its fixed time")
	}
}

func TestDeleteRoom(t *testing.T) {
	r, _ := newTestRegistry(t, testConfig())
	creds, _ := r.Create()

	tests := []struct {
		name     string
		id       string
		secret   string
		expected error
	}{
		{"wrong secret", creds.ID, "nope", ErrUnauthorized},
		{"unknown room", "missing", creds.Secret, ErrRoomNotFound},
		{"valid", creds.ID, creds.Secret, nil},
		{"already deleted", creds.ID, creds.Secret, ErrRoomNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := r.Delete(tt.id, tt.secret); !errors.Is(err, tt.expected) {
				t.Errorf("Expected %v, got %v", tt.expected, err)
			}
		})
	}

	stats := r.GetStats()
	if stats.ActiveRooms != 0 || stats.RoomsDeleted != 1 || stats.RoomsCreated != 1 {
		t.Errorf("Unexpected stats %+v", stats)
	}
}

func TestRegistryStats(t *testing.T) {
	r, _ := newTestRegistry(t, testConfig())
	a, _ := r.Create()
	b, _ := r.Create()

	roomA, _ := r.Get(a.ID)
	roomB, _ := r.Get(b.ID)
	roomA.AddListener()
	roomA.AddListener()
	roomB.AddListener()

	w, _, _ := roomB.AttachWriter(b.Secret, func(error) {})
	roomB.Publish(w, []byte(`{"type":"interrupt","sequence":1}`))

	stats := r.GetStats()
	if stats.ActiveRooms != 2 || stats.ActiveListeners != 3 || stats.MessagesRelayed != 1 {
		t.Errorf("Unexpected stats %+v", stats)
	}
}

func TestStopClosesRooms(t *testing.T) {
	clock := newFakeClock()
	r := newRegistry(testConfig(), nil, testLogger(), clock.Now)
	creds, _ := r.Create()
	room, _ := r.Get(creds.ID)
	l, _ := room.AddListener()

	r.Stop()

	if _, ok := <-l.Messages(); ok {
		t.Error("Expected listener to be closed on shutdown")
	}
	if r.Count() != 0 {
		t.Errorf("Expected no rooms after Stop, got %d", r.Count())
	}
}
