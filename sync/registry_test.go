package sync

import (
	"context"
	"sync"
	"testing"
	"time"

	"docsync-server/core"
	"docsync-server/crdt"
)

func newTestRegistry(t *testing.T, store core.SnapshotStore) *Registry {
	t.Helper()
	r := NewRegistry(store, testConfig())
	t.Cleanup(r.Close)
	return r
}

func TestAcquire_FirstLoadExactlyOnce(t *testing.T) {
	store := newCountingStore()
	registry := newTestRegistry(t, store)
	key := core.DocumentKey{WorkspaceID: "w1", FileID: "42"}

	const concurrency = 8
	var wg sync.WaitGroup
	docs := make([]*Document, concurrency)
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(index int) {
			defer wg.Done()
			doc, err := registry.Acquire(context.Background(), key)
			if err != nil {
				t.Errorf("Acquire() failed: %v", err)
				return
			}
			docs[index] = doc
		}(i)
	}
	wg.Wait()

	if got := store.fetches.Load(); got != 1 {
		t.Errorf("concurrent first acquisitions fetched %d times, want 1", got)
	}
	for i := 1; i < concurrency; i++ {
		if docs[i] != docs[0] {
			t.Fatal("concurrent Acquire() returned different document instances")
		}
	}
}

func TestAcquire_SameKeySharesState(t *testing.T) {
	registry := newTestRegistry(t, newCountingStore())
	key := core.DocumentKey{WorkspaceID: "w1", FileID: "42"}

	first, err := registry.Acquire(context.Background(), key)
	if err != nil {
		t.Fatalf("Acquire() failed: %v", err)
	}
	second, err := registry.Acquire(context.Background(), key)
	if err != nil {
		t.Fatalf("second Acquire() failed: %v", err)
	}
	if first != second {
		t.Error("same key must share one in-memory document")
	}

	other, err := registry.Acquire(context.Background(), core.DocumentKey{WorkspaceID: "w1", FileID: "43"})
	if err != nil {
		t.Fatalf("Acquire() of other key failed: %v", err)
	}
	if other == first {
		t.Error("distinct keys must not share state")
	}
}

func TestRelease_EvictsAfterIdleWindow(t *testing.T) {
	store := newCountingStore()
	registry := newTestRegistry(t, store)

	sess := testSession("a", core.PermissionReadWrite)
	doc, _, err := registry.Attach(context.Background(), sess, newChanSink())
	if err != nil {
		t.Fatalf("Attach() failed: %v", err)
	}
	if err := doc.Apply(crdt.NewDelta(sess.ID, 1, []byte("hello")), sess.ID); err != nil {
		t.Fatalf("Apply() failed: %v", err)
	}

	registry.Release(sess.Key, sess.ID)

	// Eviction includes a final flush of the dirty state.
	waitFor(t, 2*time.Second, func() bool {
		return len(registry.ActiveDocuments()) == 0
	})
	snap, err := store.Fetch(context.Background(), sess.Key)
	if err != nil {
		t.Fatalf("Fetch() after eviction failed: %v", err)
	}
	state, err := crdt.Decode(snap.Data)
	if err != nil {
		t.Fatalf("Decode() failed: %v", err)
	}
	if got := string(state.Materialize()); got != "hello" {
		t.Errorf("persisted state = %q, want %q", got, "hello")
	}
}

func TestRelease_ReconnectWithinWindowKeepsState(t *testing.T) {
	store := newCountingStore()
	registry := newTestRegistry(t, store)

	sess := testSession("a", core.PermissionReadWrite)
	doc, _, err := registry.Attach(context.Background(), sess, newChanSink())
	if err != nil {
		t.Fatalf("Attach() failed: %v", err)
	}
	if err := doc.Apply(crdt.NewDelta(sess.ID, 1, []byte("kept")), sess.ID); err != nil {
		t.Fatalf("Apply() failed: %v", err)
	}
	registry.Release(sess.Key, sess.ID)

	// Reconnect well inside the idle window.
	again := testSession("a2", core.PermissionReadWrite)
	again.Key = sess.Key
	doc2, stateData, err := registry.Attach(context.Background(), again, newChanSink())
	if err != nil {
		t.Fatalf("reconnect Attach() failed: %v", err)
	}
	if doc2 != doc {
		t.Error("reconnect within the idle window should reuse the resident document")
	}
	state, err := crdt.Decode(stateData)
	if err != nil {
		t.Fatalf("Decode() failed: %v", err)
	}
	if got := string(state.Materialize()); got != "kept" {
		t.Errorf("reconnect state = %q, want %q", got, "kept")
	}
	if store.fetches.Load() != 1 {
		t.Errorf("reconnect refetched from store (%d fetches), want the initial load only", store.fetches.Load())
	}

	// The pending eviction must not fire while the session is attached.
	time.Sleep(100 * time.Millisecond)
	if len(registry.ActiveDocuments()) != 1 {
		t.Error("document evicted while a session was attached")
	}
}

func TestAcquire_LoadsPersistedState(t *testing.T) {
	store := newCountingStore()
	key := core.DocumentKey{WorkspaceID: "w1", FileID: "42"}

	seed := crdt.NewState()
	seed.Apply(crdt.NewDelta("seed", 1, []byte("existing")))
	data, err := seed.Encode()
	if err != nil {
		t.Fatalf("Encode() failed: %v", err)
	}
	if err := store.Store(context.Background(), key, &core.Snapshot{Data: data}); err != nil {
		t.Fatalf("seed Store() failed: %v", err)
	}

	registry := newTestRegistry(t, store)
	doc, err := registry.Acquire(context.Background(), key)
	if err != nil {
		t.Fatalf("Acquire() failed: %v", err)
	}
	if got := string(doc.Materialize()); got != "existing" {
		t.Errorf("loaded state = %q, want %q", got, "existing")
	}
}

func TestClose_FlushesDirtyDocuments(t *testing.T) {
	store := newCountingStore()
	registry := NewRegistry(store, testConfig())

	sess := testSession("a", core.PermissionReadWrite)
	doc, _, err := registry.Attach(context.Background(), sess, newChanSink())
	if err != nil {
		t.Fatalf("Attach() failed: %v", err)
	}
	if err := doc.Apply(crdt.NewDelta(sess.ID, 1, []byte("shutdown")), sess.ID); err != nil {
		t.Fatalf("Apply() failed: %v", err)
	}

	registry.Close()

	snap, err := store.Fetch(context.Background(), sess.Key)
	if err != nil {
		t.Fatalf("Fetch() after Close failed: %v", err)
	}
	state, err := crdt.Decode(snap.Data)
	if err != nil {
		t.Fatalf("Decode() failed: %v", err)
	}
	if got := string(state.Materialize()); got != "shutdown" {
		t.Errorf("persisted state = %q, want %q", got, "shutdown")
	}
}
