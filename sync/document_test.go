package sync

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"docsync-server/core"
	"docsync-server/crdt"
)

// countingStore wraps an in-memory snapshot map with fetch/store counters
// and optional injected failures.
type countingStore struct {
	mu        sync.Mutex
	snapshots map[string]core.Snapshot

	fetches    atomic.Int64
	stores     atomic.Int64
	failStores atomic.Int64 // fail this many upcoming Store calls
}

func newCountingStore() *countingStore {
	return &countingStore{snapshots: make(map[string]core.Snapshot)}
}

func (s *countingStore) Fetch(ctx context.Context, key core.DocumentKey) (*core.Snapshot, error) {
	s.fetches.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	if snap, ok := s.snapshots[key.String()]; ok {
		copied := snap
		copied.Data = append([]byte(nil), snap.Data...)
		return &copied, nil
	}
	return nil, core.ErrSnapshotNotFound
}

func (s *countingStore) Store(ctx context.Context, key core.DocumentKey, snapshot *core.Snapshot) error {
	s.stores.Add(1)
	if s.failStores.Load() > 0 {
		s.failStores.Add(-1)
		return errors.New("injected store failure")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[key.String()] = core.Snapshot{
		Data:      append([]byte(nil), snapshot.Data...),
		UpdatedAt: snapshot.UpdatedAt,
	}
	return nil
}

// chanSink records every delivered event.
type chanSink struct {
	mu     sync.Mutex
	events []outbound
}

func newChanSink() *chanSink {
	return &chanSink{}
}

func (s *chanSink) Send(event string, args ...any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, outbound{event: event, args: args})
	return nil
}

func (s *chanSink) received(event string) []outbound {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []outbound
	for _, e := range s.events {
		if e.event == event {
			out = append(out, e)
		}
	}
	return out
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached before timeout")
}

func testConfig() Config {
	return Config{
		IdleWindow:    50 * time.Millisecond,
		FlushInterval: 10 * time.Millisecond,
		QueueSize:     64,
		RetryBase:     10 * time.Millisecond,
		RetryMax:      40 * time.Millisecond,
	}
}

func testSession(id string, permission core.Permission) *core.Session {
	return &core.Session{
		ID:         id,
		Key:        core.DocumentKey{WorkspaceID: "w1", FileID: "42"},
		User:       core.User{ID: "user-" + id, ExternalID: "ext-" + id, Name: id},
		Permission: permission,
		CreatedAt:  time.Now(),
	}
}

func newTestDocument(t *testing.T, store core.SnapshotStore) *Document {
	t.Helper()
	cfg := testConfig()
	cfg.withDefaults()
	doc := newDocument(core.DocumentKey{WorkspaceID: "w1", FileID: "42"}, store, cfg)
	if err := doc.load(context.Background()); err != nil {
		t.Fatalf("load() failed: %v", err)
	}
	t.Cleanup(doc.stop)
	return doc
}

func TestApply_NoSelfEcho(t *testing.T) {
	doc := newTestDocument(t, newCountingStore())

	sinkA := newChanSink()
	sinkB := newChanSink()
	sessA := testSession("a", core.PermissionReadWrite)
	sessB := testSession("b", core.PermissionReadWrite)

	if _, err := doc.Attach(sessA, sinkA); err != nil {
		t.Fatalf("Attach(a) failed: %v", err)
	}
	if _, err := doc.Attach(sessB, sinkB); err != nil {
		t.Fatalf("Attach(b) failed: %v", err)
	}

	delta := crdt.NewDelta(sessA.ID, 1, []byte("hello"))
	if err := doc.Apply(delta, sessA.ID); err != nil {
		t.Fatalf("Apply() failed: %v", err)
	}

	waitFor(t, time.Second, func() bool {
		return len(sinkB.received(EventDocUpdate)) == 1
	})

	if got := sinkA.received(EventDocUpdate); len(got) != 0 {
		t.Errorf("origin session received %d echoes of its own delta", len(got))
	}
}

func TestApply_ReadOnlyRejected(t *testing.T) {
	doc := newTestDocument(t, newCountingStore())

	sinkA := newChanSink()
	sinkB := newChanSink()
	sessA := testSession("a", core.PermissionReadWrite)
	sessB := testSession("b", core.PermissionReadOnly)

	if _, err := doc.Attach(sessA, sinkA); err != nil {
		t.Fatalf("Attach(a) failed: %v", err)
	}
	if _, err := doc.Attach(sessB, sinkB); err != nil {
		t.Fatalf("Attach(b) failed: %v", err)
	}

	delta := crdt.NewDelta(sessB.ID, 1, []byte("intrusion"))
	err := doc.Apply(delta, sessB.ID)
	if !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("Apply() error = %v, want ErrPermissionDenied", err)
	}

	if doc.SessionCount() != 2 {
		t.Error("rejected write must not detach the session")
	}
	if got := doc.Materialize(); len(got) != 0 {
		t.Errorf("read-only delta mutated state: %q", got)
	}
	time.Sleep(30 * time.Millisecond)
	if got := sinkA.received(EventDocUpdate); len(got) != 0 {
		t.Errorf("read-only delta was broadcast to %d peers", len(got))
	}
}

func TestApply_FanOutToAllPeers(t *testing.T) {
	doc := newTestDocument(t, newCountingStore())

	sinks := make([]*chanSink, 3)
	sessions := make([]*core.Session, 3)
	for i := range sinks {
		sinks[i] = newChanSink()
		sessions[i] = testSession(fmt.Sprintf("s%d", i), core.PermissionReadWrite)
		if _, err := doc.Attach(sessions[i], sinks[i]); err != nil {
			t.Fatalf("Attach(%d) failed: %v", i, err)
		}
	}

	if err := doc.Apply(crdt.NewDelta(sessions[0].ID, 1, []byte("x")), sessions[0].ID); err != nil {
		t.Fatalf("Apply() failed: %v", err)
	}

	waitFor(t, time.Second, func() bool {
		return len(sinks[1].received(EventDocUpdate)) == 1 &&
			len(sinks[2].received(EventDocUpdate)) == 1
	})
}

func TestApply_OrderPreservedPerSession(t *testing.T) {
	doc := newTestDocument(t, newCountingStore())

	sinkA := newChanSink()
	sinkB := newChanSink()
	sessA := testSession("a", core.PermissionReadWrite)
	sessB := testSession("b", core.PermissionReadOnly)

	if _, err := doc.Attach(sessA, sinkA); err != nil {
		t.Fatalf("Attach(a) failed: %v", err)
	}
	if _, err := doc.Attach(sessB, sinkB); err != nil {
		t.Fatalf("Attach(b) failed: %v", err)
	}

	const n = 20
	for i := 0; i < n; i++ {
		delta := crdt.NewDelta(sessA.ID, uint64(i+1), []byte{byte(i)})
		if err := doc.Apply(delta, sessA.ID); err != nil {
			t.Fatalf("Apply(%d) failed: %v", i, err)
		}
	}

	waitFor(t, time.Second, func() bool {
		return len(sinkB.received(EventDocUpdate)) == n
	})

	for i, msg := range sinkB.received(EventDocUpdate) {
		delta, ok := msg.args[1].(crdt.Delta)
		if !ok {
			t.Fatalf("message %d carried %T, want crdt.Delta", i, msg.args[1])
		}
		if delta.Seq != uint64(i+1) {
			t.Fatalf("message %d has seq %d, deltas reordered", i, delta.Seq)
		}
	}
}

func TestEnqueue_DropsOldestWhenFull(t *testing.T) {
	a := newAttachment(testSession("slow", core.PermissionReadOnly), newChanSink(), 2)
	// No pump running: the queue only fills.

	for i := 0; i < 5; i++ {
		a.enqueue(outbound{event: EventDocUpdate, args: []any{i}})
	}

	if len(a.out) != 2 {
		t.Fatalf("queue length = %d, want 2", len(a.out))
	}
	first := <-a.out
	if first.args[0].(int) != 3 {
		t.Errorf("oldest surviving message = %v, want 3", first.args[0])
	}
	second := <-a.out
	if second.args[0].(int) != 4 {
		t.Errorf("newest message = %v, want 4", second.args[0])
	}
}

func TestFlush_CoalescesBursts(t *testing.T) {
	store := newCountingStore()
	doc := newTestDocument(t, store)

	sess := testSession("a", core.PermissionReadWrite)
	if _, err := doc.Attach(sess, newChanSink()); err != nil {
		t.Fatalf("Attach() failed: %v", err)
	}

	const n = 25
	for i := 0; i < n; i++ {
		if err := doc.Apply(crdt.NewDelta(sess.ID, uint64(i+1), []byte("x")), sess.ID); err != nil {
			t.Fatalf("Apply(%d) failed: %v", i, err)
		}
	}

	waitFor(t, 2*time.Second, func() bool {
		return store.stores.Load() >= 1 && !doc.LastPersisted().IsZero()
	})

	if writes := store.stores.Load(); writes >= n {
		t.Errorf("burst of %d deltas produced %d writes, expected coalescing", n, writes)
	}
}

func TestFlush_RetriesAfterFailure(t *testing.T) {
	store := newCountingStore()
	store.failStores.Store(2)
	doc := newTestDocument(t, store)

	sess := testSession("a", core.PermissionReadWrite)
	if _, err := doc.Attach(sess, newChanSink()); err != nil {
		t.Fatalf("Attach() failed: %v", err)
	}
	if err := doc.Apply(crdt.NewDelta(sess.ID, 1, []byte("persist-me")), sess.ID); err != nil {
		t.Fatalf("Apply() failed: %v", err)
	}

	// Both injected failures are consumed, then a retry lands the write.
	waitFor(t, 3*time.Second, func() bool {
		snap, err := store.Fetch(context.Background(), doc.Key())
		return err == nil && len(snap.Data) > 0
	})

	if store.stores.Load() < 3 {
		t.Errorf("Store called %d times, want at least 3 (2 failures + success)", store.stores.Load())
	}
}

func TestEventualDurability(t *testing.T) {
	store := newCountingStore()
	doc := newTestDocument(t, store)

	sess := testSession("a", core.PermissionReadWrite)
	if _, err := doc.Attach(sess, newChanSink()); err != nil {
		t.Fatalf("Attach() failed: %v", err)
	}

	for i := 0; i < 10; i++ {
		if err := doc.Apply(crdt.NewDelta(sess.ID, uint64(i+1), []byte{byte('a' + i)}), sess.ID); err != nil {
			t.Fatalf("Apply(%d) failed: %v", i, err)
		}
	}

	inMemory := doc.Materialize()
	waitFor(t, 2*time.Second, func() bool {
		snap, err := store.Fetch(context.Background(), doc.Key())
		if err != nil {
			return false
		}
		state, err := crdt.Decode(snap.Data)
		return err == nil && bytes.Equal(state.Materialize(), inMemory)
	})
}

func TestRelay_SkipsOriginAndState(t *testing.T) {
	store := newCountingStore()
	doc := newTestDocument(t, store)

	sinkA := newChanSink()
	sinkB := newChanSink()
	sessA := testSession("a", core.PermissionReadOnly)
	sessB := testSession("b", core.PermissionReadWrite)

	if _, err := doc.Attach(sessA, sinkA); err != nil {
		t.Fatalf("Attach(a) failed: %v", err)
	}
	if _, err := doc.Attach(sessB, sinkB); err != nil {
		t.Fatalf("Attach(b) failed: %v", err)
	}

	// Awareness is not a state mutation, so read-only sessions may send it.
	doc.Relay(EventDocAwareness, map[string]any{"cursor": 3}, sessA.ID)

	waitFor(t, time.Second, func() bool {
		return len(sinkB.received(EventDocAwareness)) == 1
	})
	if len(sinkA.received(EventDocAwareness)) != 0 {
		t.Error("awareness echoed to its origin")
	}
	if doc.Materialize() != nil {
		t.Error("awareness payload mutated document state")
	}
	time.Sleep(30 * time.Millisecond)
	if store.stores.Load() != 0 {
		t.Error("awareness payload was persisted")
	}
}
