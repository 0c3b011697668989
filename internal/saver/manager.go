// Package saver owns the save pipeline of one document editing session:
// a debouncing state-machine manager for metadata and structural changes,
// and a snapshot queue that funnels full saves through the generic queue.
package saver

import (
	"context"
	"log"
	"sync"
	"time"

	"ringplan/api/internal/store"
)

type State string

const (
	StateIdle    State = "idle"
	StateLoading State = "loading" // initial load in progress, all saves suppressed
	StateSaving  State = "saving"
	StateError   State = "error"
)

type OpType string

const (
	OpMetadata     OpType = "metadata"
	OpOrganization OpType = "organization"
	OpFull         OpType = "full"
	OpVersion      OpType = "version"
)

type operation struct {
	typ         OpType
	description string
	manual      bool
	enqueuedAt  time.Time
}

// Executor performs the actual persistence for manager operations.
type Executor interface {
	SaveMetadata(ctx context.Context, documentID string, meta store.Metadata) error
	SaveOrganization(ctx context.Context, documentID string, structure store.Structure) error
	SaveVersion(ctx context.Context, documentID, description string, meta store.Metadata, structure store.Structure) error
}

// Options configure a Manager. Debounce defaults: 10s for metadata, 3s for
// the heavier structural data.
type Options struct {
	AutoSave             bool
	MetadataDebounce     time.Duration
	OrganizationDebounce time.Duration
	OnSaveSuccess        func()
	OnSaveError          func(error)
}

// Manager is the per-document save state machine. It holds the latest
// in-memory metadata and structure, debounces the two change classes at
// different intervals, and drains queued operations in a fixed order:
// manual full saves first, then the latest organization save, then the
// latest metadata save (only when no full save ran), then version
// snapshots.
type Manager struct {
	documentID string
	exec       Executor
	opts       Options

	mu         sync.Mutex
	cond       *sync.Cond
	state      State
	metadata   store.Metadata
	structure  store.Structure
	ops        []operation
	processing bool
	lastErr    error
	lastSaveAt time.Time

	metadataTimer     *time.Timer
	organizationTimer *time.Timer
	closed            bool
}

func NewManager(documentID string, exec Executor, opts Options) *Manager {
	if opts.MetadataDebounce <= 0 {
		opts.MetadataDebounce = 10 * time.Second
	}
	if opts.OrganizationDebounce <= 0 {
		opts.OrganizationDebounce = 3 * time.Second
	}
	m := &Manager{
		documentID: documentID,
		exec:       exec,
		opts:       opts,
		state:      StateIdle,
	}
	m.cond = sync.NewCond(&m.mu)
	return m
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) IsSaving() bool { return m.State() == StateSaving }

// CanSave reports whether a save could start right now.
func (m *Manager) CanSave() bool { return m.State() == StateIdle }

func (m *Manager) LastSaveAt() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastSaveAt
}

// Metadata returns a copy of the held metadata record.
func (m *Manager) Metadata() store.Metadata {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.metadata
}

// Structure returns the held structural record.
func (m *Manager) Structure() store.Structure {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.structure
}

// SetMetadata merges the patch into the held metadata and, when autosave is
// on and no load is in progress, restarts the metadata debounce timer.
func (m *Manager) SetMetadata(patch store.MetadataPatch) {
	m.mu.Lock()
	patch.Apply(&m.metadata)
	allowed := m.opts.AutoSave && m.state != StateLoading && !m.closed
	if allowed {
		if m.metadataTimer != nil {
			m.metadataTimer.Stop()
		}
		m.metadataTimer = time.AfterFunc(m.opts.MetadataDebounce, func() {
			m.enqueue(operation{typ: OpMetadata, enqueuedAt: time.Now()})
		})
	}
	m.mu.Unlock()
}

// SetStructure replaces the held structural record and restarts the
// shorter structure debounce timer.
func (m *Manager) SetStructure(structure store.Structure) {
	m.mu.Lock()
	m.structure = structure
	allowed := m.opts.AutoSave && m.state != StateLoading && !m.closed
	if allowed {
		if m.organizationTimer != nil {
			m.organizationTimer.Stop()
		}
		m.organizationTimer = time.AfterFunc(m.opts.OrganizationDebounce, func() {
			m.enqueue(operation{typ: OpOrganization, enqueuedAt: time.Now()})
		})
	}
	m.mu.Unlock()
}

// SaveNow enqueues an immediate save and blocks until the queue drains.
func (m *Manager) SaveNow(ctx context.Context, typ OpType) error {
	if typ == "" {
		typ = OpFull
	}
	m.enqueue(operation{typ: typ, manual: true, enqueuedAt: time.Now()})

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		m.cond.Broadcast()
	}()

	m.mu.Lock()
	defer m.mu.Unlock()
	for m.processing || len(m.ops) > 0 {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		m.cond.Wait()
	}
	if m.state == StateError {
		return m.lastErr
	}
	return nil
}

// CreateVersionSnapshot enqueues a named version snapshot, independent of
// the debounce timers. Ordinary autosave never creates versions.
func (m *Manager) CreateVersionSnapshot(description string) {
	m.enqueue(operation{typ: OpVersion, description: description, manual: true, enqueuedAt: time.Now()})
}

// MarkLoading suppresses saves while a bulk load or version restore runs.
func (m *Manager) MarkLoading() {
	m.mu.Lock()
	m.state = StateLoading
	m.mu.Unlock()
}

// MarkIdle re-enables saves after a load.
func (m *Manager) MarkIdle() {
	m.mu.Lock()
	m.state = StateIdle
	m.mu.Unlock()
	m.cond.Broadcast()
}

// IgnoreSave cancels pending debounce timers without touching already
// queued operations. Called when an incoming realtime update must not
// trigger a save-back loop.
func (m *Manager) IgnoreSave() {
	m.mu.Lock()
	if m.metadataTimer != nil {
		m.metadataTimer.Stop()
		m.metadataTimer = nil
	}
	if m.organizationTimer != nil {
		m.organizationTimer.Stop()
		m.organizationTimer = nil
	}
	m.mu.Unlock()
}

// Close cancels timers and refuses further debounced saves.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.IgnoreSave()
}

func (m *Manager) enqueue(op operation) {
	m.mu.Lock()
	if m.documentID == "" || m.closed {
		m.mu.Unlock()
		return
	}
	if m.state == StateLoading {
		log.Printf("save: skipping %s save, load in progress", op.typ)
		m.mu.Unlock()
		return
	}
	m.ops = append(m.ops, op)
	start := !m.processing
	if start {
		m.processing = true
	}
	m.mu.Unlock()

	if start {
		go m.drain()
	}
}

func (m *Manager) drain() {
	ctx := context.Background()
	for {
		m.mu.Lock()
		if len(m.ops) == 0 {
			m.processing = false
			m.mu.Unlock()
			m.cond.Broadcast()
			return
		}
		batch := m.ops
		m.ops = nil
		m.state = StateSaving
		meta := m.metadata
		structure := m.structure
		m.mu.Unlock()

		err := m.execute(ctx, batch, meta, structure)

		m.mu.Lock()
		if err != nil {
			m.state = StateError
			m.lastErr = err
		} else {
			m.state = StateIdle
			m.lastErr = nil
			m.lastSaveAt = time.Now()
		}
		m.mu.Unlock()
		m.cond.Broadcast()

		if err != nil {
			log.Printf("save: batch failed for document %s: %v", m.documentID, err)
			if m.opts.OnSaveError != nil {
				m.opts.OnSaveError(err)
			}
		} else if m.opts.OnSaveSuccess != nil {
			m.opts.OnSaveSuccess()
		}
	}
}

// execute runs one drained batch in the fixed operation order. A manual
// full save subsumes pending granular saves rather than racing them.
func (m *Manager) execute(ctx context.Context, batch []operation, meta store.Metadata, structure store.Structure) error {
	var fulls, versions []operation
	var hasOrganization, hasMetadata bool
	for _, op := range batch {
		switch op.typ {
		case OpFull:
			fulls = append(fulls, op)
		case OpVersion:
			versions = append(versions, op)
		case OpOrganization:
			hasOrganization = true
		case OpMetadata:
			hasMetadata = true
		}
	}

	for range fulls {
		if err := m.exec.SaveMetadata(ctx, m.documentID, meta); err != nil {
			return err
		}
		if err := m.exec.SaveOrganization(ctx, m.documentID, structure); err != nil {
			return err
		}
	}

	if hasOrganization {
		if err := m.exec.SaveOrganization(ctx, m.documentID, structure); err != nil {
			return err
		}
	}

	if hasMetadata && len(fulls) == 0 {
		if err := m.exec.SaveMetadata(ctx, m.documentID, meta); err != nil {
			return err
		}
	}

	for _, op := range versions {
		// A failed snapshot must not fail the save that carried it.
		if err := m.exec.SaveVersion(ctx, m.documentID, op.description, meta, structure); err != nil {
			log.Printf("save: version snapshot failed for document %s: %v", m.documentID, err)
		}
	}

	return nil
}
