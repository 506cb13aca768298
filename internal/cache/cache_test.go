package cache

import (
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.t = f.t.Add(d)
	f.mu.Unlock()
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type item struct {
	ID string     `json:"id"`
	At *time.Time `json:"at"`
}

func TestTTLBoundary(t *testing.T) {
	clock := newFakeClock()
	c := New(Options{Now: clock.Now, Logger: quietLogger()})

	c.Put("k", "v", time.Second)

	clock.Advance(time.Second - time.Millisecond)
	if v, ok := c.Get("k"); !ok || v != "v" {
		t.Fatalf("expected hit just before expiry")
	}

	clock.Advance(2 * time.Millisecond)
	if _, ok := c.Get("k"); ok {
		t.Fatalf("expected miss just after expiry")
	}
}

func TestOverwriteResetsTTL(t *testing.T) {
	clock := newFakeClock()
	c := New(Options{Now: clock.Now, Logger: quietLogger()})

	c.Put("k", 1, time.Second)
	clock.Advance(900 * time.Millisecond)
	c.Put("k", 2, time.Second)
	clock.Advance(900 * time.Millisecond)

	if v, ok := Lookup[int](c, "k"); !ok || v != 2 {
		t.Fatalf("expected overwritten value, got %v %v", v, ok)
	}
}

func TestInvalidatePrefix(t *testing.T) {
	c := New(Options{Logger: quietLogger()})
	c.Put(MessagesKey("1@c.us", 10), "a", time.Minute)
	c.Put(MessagesKey("1@c.us", 50), "b", time.Minute)
	c.Put(MessagesKey("12@c.us", 10), "c", time.Minute)
	c.Put(KeyChats, "d", time.Minute)

	c.InvalidatePrefix(MessagesPrefix("1@c.us"))

	if _, ok := c.Get(MessagesKey("1@c.us", 10)); ok {
		t.Fatalf("page 10 should be gone")
	}
	if _, ok := c.Get(MessagesKey("1@c.us", 50)); ok {
		t.Fatalf("page 50 should be gone")
	}
	if _, ok := c.Get(MessagesKey("12@c.us", 10)); !ok {
		t.Fatalf("other chat must survive")
	}

	c.Invalidate(KeyChats)
	if _, ok := c.Get(KeyChats); ok {
		t.Fatalf("chats should be gone")
	}
}

func TestLookupTypeMismatchIsMiss(t *testing.T) {
	c := New(Options{Logger: quietLogger()})
	c.Put("k", "text", time.Minute)
	if _, ok := Lookup[[]item](c, "k"); ok {
		t.Fatalf("expected miss on type mismatch")
	}
}

func TestStats(t *testing.T) {
	clock := newFakeClock()
	c := New(Options{Now: clock.Now, Logger: quietLogger()})
	c.Put("a", 1, time.Second)
	c.Put("b", 2, time.Hour)
	c.Get("a")
	c.Get("missing")

	clock.Advance(2 * time.Second)
	st := c.Stats()
	if st.Hits != 1 || st.Misses != 1 || st.Size != 1 {
		t.Fatalf("unexpected stats: %+v", st)
	}
}

func TestDiskTierSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	clock := newFakeClock()
	at := time.Unix(1700000000, 0).UTC()

	disk, err := OpenDisk(path)
	if err != nil {
		t.Fatalf("open disk: %v", err)
	}
	first := New(Options{Now: clock.Now, Disk: disk, Logger: quietLogger()})
	first.Put(KeyContacts, []item{{ID: "1@c.us", At: &at}, {ID: "2@c.us"}}, time.Minute)
	first.Put(MessagesKey("1@c.us", 5), []item{{ID: "m"}}, time.Minute)
	first.InvalidatePrefix(MessagesPrefix("1@c.us"))
	if err := first.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	disk, err = OpenDisk(path)
	if err != nil {
		t.Fatalf("reopen disk: %v", err)
	}
	second := New(Options{Now: clock.Now, Disk: disk, Logger: quietLogger()})
	defer second.Close()

	got, ok := Lookup[[]item](second, KeyContacts)
	if !ok {
		t.Fatalf("expected disk hit after restart")
	}
	if len(got) != 2 || got[0].ID != "1@c.us" || got[0].At == nil || !got[0].At.Equal(at) || got[1].At != nil {
		t.Fatalf("unexpected decoded value: %+v", got)
	}
	if _, ok := Lookup[[]item](second, MessagesKey("1@c.us", 5)); ok {
		t.Fatalf("invalidated page must not come back from disk")
	}

	// Promoted entries keep the original expiry.
	clock.Advance(2 * time.Minute)
	if _, ok := Lookup[[]item](second, KeyContacts); ok {
		t.Fatalf("expected expiry after restart")
	}
}

func TestPromotionKeepsNewerPut(t *testing.T) {
	disk, err := OpenDisk(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("open disk: %v", err)
	}
	c := New(Options{Disk: disk, Logger: quietLogger()})
	defer c.Close()

	c.Put(KeyChats, []item{{ID: "old"}}, time.Minute)
	c.entries.Delete(KeyChats)
	v, ok := c.Get(KeyChats)
	if !ok {
		t.Fatalf("expected disk hit")
	}
	onDisk, ok := v.(encoded)
	if !ok {
		t.Fatalf("expected encoded value, got %T", v)
	}

	// a Put lands between the disk read and the promotion
	c.Put(KeyChats, []item{{ID: "new"}}, time.Minute)
	got, ok := promote[[]item](c, KeyChats, onDisk)
	if !ok || len(got) != 1 || got[0].ID != "new" {
		t.Fatalf("promotion returned stale value: %+v", got)
	}
	got, ok = Lookup[[]item](c, KeyChats)
	if !ok || len(got) != 1 || got[0].ID != "new" {
		t.Fatalf("promotion overwrote newer entry: %+v", got)
	}
}

func TestDiskFailureIsMiss(t *testing.T) {
	disk, err := OpenDisk(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("open disk: %v", err)
	}
	c := New(Options{Disk: disk, Logger: quietLogger()})
	disk.Close()

	c.Put("k", "v", time.Minute)
	if v, ok := c.Get("k"); !ok || v != "v" {
		t.Fatalf("memory tier must keep working, got %v %v", v, ok)
	}
	if _, ok := c.Get("other"); ok {
		t.Fatalf("expected miss when disk is unavailable")
	}
	c.Invalidate("k")
	c.InvalidatePrefix("k")
}
