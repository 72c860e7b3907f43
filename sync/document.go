package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"docsync-server/core"
	"docsync-server/crdt"

	"github.com/sirupsen/logrus"
)

// Events relayed to attached sessions.
const (
	EventDocUpdate          = "doc-update"
	EventDocAwareness       = "doc-awareness"
	EventCollaboratorChange = "collaborator-change"
)

// Sink delivers events to one connected client. Implementations must be
// safe to call from the session's writer goroutine.
type Sink interface {
	Send(event string, args ...any) error
}

type outbound struct {
	event string
	args  []any
}

// attachment is one session's seat at a document: its descriptor, its sink,
// and a bounded outbound queue drained by a dedicated writer goroutine. A
// slow consumer loses its oldest queued messages rather than stalling peers.
type attachment struct {
	session *core.Session
	sink    Sink

	out       chan outbound
	done      chan struct{}
	closeOnce sync.Once
}

func newAttachment(session *core.Session, sink Sink, queueSize int) *attachment {
	return &attachment{
		session: session,
		sink:    sink,
		out:     make(chan outbound, queueSize),
		done:    make(chan struct{}),
	}
}

func (a *attachment) pump() {
	for {
		select {
		case msg := <-a.out:
			if err := a.sink.Send(msg.event, msg.args...); err != nil {
				logrus.WithFields(logrus.Fields{
					"session": a.session.ID,
					"event":   msg.event,
				}).WithError(err).Warn("Failed to deliver event")
			}
		case <-a.done:
			return
		}
	}
}

// enqueue never blocks: on a full queue it drops the oldest message to make
// room for the new one.
func (a *attachment) enqueue(msg outbound) {
	select {
	case a.out <- msg:
		return
	default:
	}
	select {
	case <-a.out:
	default:
	}
	select {
	case a.out <- msg:
	default:
	}
}

func (a *attachment) close() {
	a.closeOnce.Do(func() { close(a.done) })
}

// Document is the single in-memory instance of an active document: the
// shared mergeable state, the attached sessions, and the flusher that keeps
// the snapshot store eventually up to date. All mutation is serialized on
// its mutex; sessions only ever submit deltas through Apply.
type Document struct {
	key   core.DocumentKey
	store core.SnapshotStore
	cfg   Config
	log   *logrus.Entry

	loadMu sync.Mutex
	loaded bool

	mu          sync.Mutex
	state       *crdt.State
	attachments map[string]*attachment
	dirty       bool
	lastPersist time.Time

	dirtyCh  chan struct{}
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

func newDocument(key core.DocumentKey, store core.SnapshotStore, cfg Config) *Document {
	d := &Document{
		key:         key,
		store:       store,
		cfg:         cfg,
		log:         logrus.WithField("document", key.String()),
		state:       crdt.NewState(),
		attachments: make(map[string]*attachment),
		dirtyCh:     make(chan struct{}, 1),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
	go d.flushLoop()
	return d
}

func (d *Document) Key() core.DocumentKey {
	return d.key
}

// load fetches the last persisted state. It runs at most one fetch per
// document lifetime; concurrent first connections share the single load.
// Persistence reads never happen again while sessions are attached, so live
// edits cannot be clobbered by stale storage.
func (d *Document) load(ctx context.Context) error {
	d.loadMu.Lock()
	defer d.loadMu.Unlock()

	if d.loaded {
		return nil
	}

	snap, err := d.store.Fetch(ctx, d.key)
	if errors.Is(err, core.ErrSnapshotNotFound) {
		// Never stored before: an empty document is the valid initial state.
		d.loaded = true
		return nil
	}
	if err != nil {
		return fmt.Errorf("first load of %s: %w", d.key.String(), err)
	}

	state, err := crdt.Decode(snap.Data)
	if err != nil {
		return fmt.Errorf("decode snapshot of %s: %w", d.key.String(), err)
	}

	d.mu.Lock()
	d.state = state
	d.lastPersist = snap.UpdatedAt
	d.mu.Unlock()

	d.loaded = true
	d.log.WithField("deltas", state.Len()).Debug("Document loaded from store")
	return nil
}

// Attach seats a session at the document and returns the encoded current
// state for the joining client. Peers learn about the new collaborator.
func (d *Document) Attach(session *core.Session, sink Sink) ([]byte, error) {
	a := newAttachment(session, sink, d.cfg.QueueSize)

	d.mu.Lock()
	d.attachments[session.ID] = a
	stateData, err := d.state.Encode()
	collaborators := d.collaboratorsLocked()
	d.mu.Unlock()

	if err != nil {
		return nil, fmt.Errorf("encode state: %w", err)
	}

	go a.pump()
	d.broadcast(outbound{
		event: EventCollaboratorChange,
		args:  []any{d.key.String(), collaborators},
	}, "")

	d.log.WithFields(logrus.Fields{
		"session":  session.ID,
		"user":     session.User.ExternalID,
		"sessions": len(collaborators),
	}).Info("Session attached")

	return stateData, nil
}

// Detach removes a session and reports how many remain attached. The
// session's writer goroutine stops immediately; deltas it already applied
// stay applied.
func (d *Document) Detach(sessionID string) int {
	d.mu.Lock()
	a, ok := d.attachments[sessionID]
	if ok {
		delete(d.attachments, sessionID)
	}
	remaining := len(d.attachments)
	collaborators := d.collaboratorsLocked()
	d.mu.Unlock()

	if !ok {
		return remaining
	}
	a.close()

	if remaining > 0 {
		d.broadcast(outbound{
			event: EventCollaboratorChange,
			args:  []any{d.key.String(), collaborators},
		}, "")
	}

	d.log.WithFields(logrus.Fields{
		"session":  sessionID,
		"sessions": remaining,
	}).Info("Session detached")

	return remaining
}

// Apply merges a delta from the origin session into the shared state and
// relays it to every other attached session. Read-only sessions may receive
// broadcasts but may not originate them.
func (d *Document) Apply(delta crdt.Delta, originID string) error {
	d.mu.Lock()
	origin, ok := d.attachments[originID]
	if !ok {
		d.mu.Unlock()
		return fmt.Errorf("session %s is not attached to %s", originID, d.key.String())
	}
	if !origin.session.CanEdit() {
		d.mu.Unlock()
		return ErrPermissionDenied
	}

	changed := d.state.Apply(delta)
	if changed {
		d.dirty = true
	}
	d.mu.Unlock()

	// Forward even an already-known delta: merge is idempotent on peers too.
	d.broadcast(outbound{
		event: EventDocUpdate,
		args:  []any{d.key.String(), delta},
	}, originID)

	if changed {
		select {
		case d.dirtyCh <- struct{}{}:
		default:
		}
	}
	return nil
}

// Relay forwards a non-state payload (awareness, cursors) to every session
// except the origin. Nothing is merged or persisted.
func (d *Document) Relay(event string, payload any, originID string) {
	d.broadcast(outbound{
		event: event,
		args:  []any{d.key.String(), payload},
	}, originID)
}

func (d *Document) broadcast(msg outbound, excludeID string) {
	d.mu.Lock()
	peers := make([]*attachment, 0, len(d.attachments))
	for id, a := range d.attachments {
		if id == excludeID {
			continue
		}
		peers = append(peers, a)
	}
	d.mu.Unlock()

	for _, a := range peers {
		a.enqueue(msg)
	}
}

func (d *Document) collaboratorsLocked() []*core.Session {
	sessions := make([]*core.Session, 0, len(d.attachments))
	for _, a := range d.attachments {
		sessions = append(sessions, a.session)
	}
	return sessions
}

func (d *Document) SessionCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.attachments)
}

// StateData returns the encoded current state.
func (d *Document) StateData() ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state.Encode()
}

// Materialize returns the materialized form of the current state.
func (d *Document) Materialize() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state.Materialize()
}

func (d *Document) LastPersisted() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastPersist
}

// flushLoop coalesces bursts of deltas into single snapshot writes. A
// failed write keeps the document dirty and retries with exponential
// backoff; in-memory state stays authoritative throughout, so persistence
// trouble never disconnects sessions.
func (d *Document) flushLoop() {
	defer close(d.doneCh)

	var retryDelay time.Duration
	for {
		select {
		case <-d.stopCh:
			d.flush()
			return
		case <-d.dirtyCh:
		}

		delay := d.cfg.FlushInterval
		if retryDelay > delay {
			delay = retryDelay
		}
		timer := time.NewTimer(delay)
	settle:
		for {
			select {
			case <-d.dirtyCh:
				// Coalesce further edits into this write.
			case <-timer.C:
				break settle
			case <-d.stopCh:
				timer.Stop()
				d.flush()
				return
			}
		}

		if err := d.flush(); err != nil {
			retryDelay = nextBackoff(retryDelay, d.cfg.RetryBase, d.cfg.RetryMax)
			select {
			case d.dirtyCh <- struct{}{}:
			default:
			}
		} else {
			retryDelay = 0
		}
	}
}

func (d *Document) flush() error {
	d.mu.Lock()
	if !d.dirty {
		d.mu.Unlock()
		return nil
	}
	data, err := d.state.Encode()
	if err != nil {
		d.mu.Unlock()
		d.log.WithError(err).Error("Failed to encode state for persistence")
		return err
	}
	d.dirty = false
	d.mu.Unlock()

	snapshot := &core.Snapshot{Data: data, UpdatedAt: time.Now()}
	if err := d.store.Store(context.Background(), d.key, snapshot); err != nil {
		d.mu.Lock()
		d.dirty = true
		d.mu.Unlock()
		d.log.WithError(err).Warn("Snapshot write failed, durability degraded")
		return err
	}

	d.mu.Lock()
	d.lastPersist = snapshot.UpdatedAt
	d.mu.Unlock()
	d.log.WithField("data_length", len(data)).Debug("Snapshot flushed")
	return nil
}

// stop ends the flush loop after a final best-effort flush and closes any
// remaining attachments.
func (d *Document) stop() {
	d.stopOnce.Do(func() {
		close(d.stopCh)
	})
	<-d.doneCh

	d.mu.Lock()
	attachments := d.attachments
	d.attachments = make(map[string]*attachment)
	d.mu.Unlock()
	for _, a := range attachments {
		a.close()
	}
}

func nextBackoff(current, base, max time.Duration) time.Duration {
	if current < base {
		return base
	}
	next := current * 2
	if next > max {
		return max
	}
	return next
}
