package sync

import (
	"context"
	"sync"
	"time"

	"docsync-server/core"

	"github.com/sirupsen/logrus"
)

type Config struct {
	// IdleWindow is how long an unattended document stays resident after its
	// last session detaches, so quick reconnects skip a reload.
	IdleWindow time.Duration
	// FlushInterval is the debounce window for coalescing snapshot writes.
	FlushInterval time.Duration
	// QueueSize bounds each session's outbound queue.
	QueueSize int
	// RetryBase and RetryMax bound the backoff between failed snapshot writes.
	RetryBase time.Duration
	RetryMax  time.Duration
}

func (c *Config) withDefaults() {
	if c.IdleWindow <= 0 {
		c.IdleWindow = 30 * time.Second
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 2 * time.Second
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.RetryBase <= 0 {
		c.RetryBase = time.Second
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 30 * time.Second
	}
}

type registryEntry struct {
	doc        *Document
	pins       int
	evictTimer *time.Timer
}

// SessionRef pairs an attached session with its document; transports hold
// one per seat so a disconnect can release everything the socket owned.
type SessionRef struct {
	Session  *core.Session
	Document *Document
}

// DocumentInfo describes one active document for the status API.
type DocumentInfo struct {
	Document string `json:"document"`
	Sessions int    `json:"sessions"`
}

// Registry is the owned table of active documents. Every document enters
// and leaves memory through Acquire/Release; nothing else holds document
// state, so teardown is explicit.
type Registry struct {
	store core.SnapshotStore
	cfg   Config

	mu   sync.Mutex
	docs map[core.DocumentKey]*registryEntry
}

func NewRegistry(store core.SnapshotStore, cfg Config) *Registry {
	cfg.withDefaults()
	return &Registry{
		store: store,
		cfg:   cfg,
		docs:  make(map[core.DocumentKey]*registryEntry),
	}
}

// Acquire returns the in-memory document for key, loading its persisted
// state on first use. Concurrent first acquisitions share one fetch.
func (r *Registry) Acquire(ctx context.Context, key core.DocumentKey) (*Document, error) {
	entry := r.pin(key)
	doc, err := r.finishAcquire(ctx, key, entry)
	r.unpin(key)
	return doc, err
}

// Attach is the composed connect path: acquire the document and seat the
// session in one step, returning the document and the encoded state for the
// joining client. The entry stays pinned across the load so a concurrent
// idle eviction cannot tear it down mid-attach.
func (r *Registry) Attach(ctx context.Context, session *core.Session, sink Sink) (*Document, []byte, error) {
	entry := r.pin(session.Key)
	defer r.unpin(session.Key)

	doc, err := r.finishAcquire(ctx, session.Key, entry)
	if err != nil {
		return nil, nil, err
	}

	stateData, err := doc.Attach(session, sink)
	if err != nil {
		return nil, nil, err
	}
	return doc, stateData, nil
}

func (r *Registry) pin(key core.DocumentKey) *registryEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.docs[key]
	if !ok {
		entry = &registryEntry{doc: newDocument(key, r.store, r.cfg)}
		r.docs[key] = entry
	}
	entry.pins++
	if entry.evictTimer != nil {
		entry.evictTimer.Stop()
		entry.evictTimer = nil
	}
	return entry
}

func (r *Registry) unpin(key core.DocumentKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.docs[key]; ok && entry.pins > 0 {
		entry.pins--
	}
}

func (r *Registry) finishAcquire(ctx context.Context, key core.DocumentKey, entry *registryEntry) (*Document, error) {
	if err := entry.doc.load(ctx); err != nil {
		r.mu.Lock()
		if cur, ok := r.docs[key]; ok && cur == entry && entry.pins <= 1 && entry.doc.SessionCount() == 0 {
			delete(r.docs, key)
			go entry.doc.stop()
		}
		r.mu.Unlock()
		return nil, err
	}
	return entry.doc, nil
}

// Release detaches a session. When the last session leaves, the document is
// scheduled for eviction after the idle window; a reconnect inside the
// window reuses the resident state.
func (r *Registry) Release(key core.DocumentKey, sessionID string) {
	r.mu.Lock()
	entry, ok := r.docs[key]
	r.mu.Unlock()
	if !ok {
		return
	}

	if remaining := entry.doc.Detach(sessionID); remaining > 0 {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.docs[key]; !ok || cur != entry {
		return
	}
	if entry.evictTimer != nil {
		entry.evictTimer.Stop()
	}
	entry.evictTimer = time.AfterFunc(r.cfg.IdleWindow, func() {
		r.evict(key, entry)
	})
}

func (r *Registry) evict(key core.DocumentKey, entry *registryEntry) {
	r.mu.Lock()
	cur, ok := r.docs[key]
	if !ok || cur != entry || entry.pins > 0 || entry.doc.SessionCount() > 0 {
		r.mu.Unlock()
		return
	}
	delete(r.docs, key)
	r.mu.Unlock()

	// Final flush happens inside stop; a pending write completes best-effort.
	entry.doc.stop()
	logrus.WithField("document", key.String()).Info("Document evicted after idle window")
}

// ActiveDocuments lists resident documents and their session counts.
func (r *Registry) ActiveDocuments() []DocumentInfo {
	r.mu.Lock()
	entries := make(map[core.DocumentKey]*registryEntry, len(r.docs))
	for k, e := range r.docs {
		entries[k] = e
	}
	r.mu.Unlock()

	infos := make([]DocumentInfo, 0, len(entries))
	for k, e := range entries {
		infos = append(infos, DocumentInfo{
			Document: k.String(),
			Sessions: e.doc.SessionCount(),
		})
	}
	return infos
}

// Close flushes and tears down every resident document. Used on shutdown.
func (r *Registry) Close() {
	r.mu.Lock()
	entries := make([]*registryEntry, 0, len(r.docs))
	for _, e := range r.docs {
		if e.evictTimer != nil {
			e.evictTimer.Stop()
		}
		entries = append(entries, e)
	}
	r.docs = make(map[core.DocumentKey]*registryEntry)
	r.mu.Unlock()

	for _, e := range entries {
		e.doc.stop()
	}
}
