// Package document implements typed state cells, their registry, and
// the update fan-out to subscribers.
package document

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Joett77/ussl/crdt"
)

const (
	// CompactionThreshold is the update count that forces compaction.
	CompactionThreshold = 1000

	// CompactionSizeThreshold is the encoded state size that, combined
	// with a busy update count, forces compaction.
	CompactionSizeThreshold = 1024 * 1024
)

// ID is a validated document identifier: 1 to 512 bytes drawn from
// [A-Za-z0-9:_-].
type ID string

// NewID validates and returns a document identifier.
func NewID(id string) (ID, error) {
	if id == "" {
		return "", ErrInvalidDocumentID{Reason: "Document ID cannot be empty"}
	}
	if len(id) > 512 {
		return "", ErrInvalidDocumentID{Reason: "Document ID exceeds 512 bytes"}
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == ':' || c == '_' || c == '-':
		default:
			return "", ErrInvalidDocumentID{Reason: "Document ID must match pattern [a-zA-Z0-9:_-]+"}
		}
	}
	return ID(id), nil
}

func (id ID) String() string {
	return string(id)
}

// Meta describes a document. Timestamps are Unix milliseconds; TTL is
// milliseconds relative to CreatedAt, nil when the document does not
// expire.
type Meta struct {
	ID        ID            `json:"id"`
	Strategy  crdt.Strategy `json:"strategy"`
	CreatedAt int64         `json:"created_at"`
	UpdatedAt int64         `json:"updated_at"`
	Version   uint64        `json:"version"`
	TTL       *int64        `json:"ttl,omitempty"`
}

// Document is a synchronized state cell. The strategy is frozen at
// creation; every mutation bumps the version and refreshes the update
// timestamp under the document's lock.
type Document struct {
	mu   sync.RWMutex
	meta Meta

	// Text engine, only present for the crdt-text strategy
	text *crdt.TextDoc
	// Value tree for every other strategy
	data crdt.Value

	updateCount     atomic.Uint64
	compactionCount atomic.Uint64
}

// New creates an empty document with the given identity and strategy.
func New(id ID, strategy crdt.Strategy) *Document {
	now := nowMillis()
	doc := &Document{
		meta: Meta{
			ID:        id,
			Strategy:  strategy,
			CreatedAt: now,
			UpdatedAt: now,
			Version:   1,
		},
		data: crdt.NewObject(nil),
	}
	if strategy == crdt.StrategyText {
		doc.text = crdt.NewTextDoc()
	}
	return doc
}

// Restore rebuilds a document from persisted metadata and an encoded
// state payload, without touching version or timestamps.
func Restore(meta Meta, state []byte) (*Document, error) {
	doc := &Document{
		meta: meta,
		data: crdt.NewObject(nil),
	}
	if meta.Strategy == crdt.StrategyText {
		doc.text = crdt.NewTextDoc()
	}
	if len(state) == 0 {
		return doc, nil
	}

	if meta.Strategy == crdt.StrategyText {
		if err := doc.text.ApplyUpdate(state); err != nil {
			return nil, ErrCRDT{Message: err.Error()}
		}
		return doc, nil
	}
	var decoded crdt.Value
	if err := json.Unmarshal(state, &decoded); err != nil {
		return nil, ErrCRDT{Message: err.Error()}
	}
	doc.data = decoded
	return doc, nil
}

// ID returns the document identifier.
func (d *Document) ID() ID {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.meta.ID
}

// Strategy returns the conflict resolution strategy.
func (d *Document) Strategy() crdt.Strategy {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.meta.Strategy
}

// Version returns the current version counter.
func (d *Document) Version() uint64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.meta.Version
}

// Meta returns a copy of the document metadata.
func (d *Document) Meta() Meta {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.metaLocked()
}

func (d *Document) metaLocked() Meta {
	meta := d.meta
	if d.meta.TTL != nil {
		ttl := *d.meta.TTL
		meta.TTL = &ttl
	}
	return meta
}

// Get returns the value at the path. Text documents return their full
// content as a string regardless of path; counter and set documents
// return their full tree. An empty path refers to the root.
func (d *Document) Get(path string) (crdt.Value, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	switch d.meta.Strategy {
	case crdt.StrategyText:
		return crdt.NewString(d.text.Text()), nil
	case crdt.StrategyCounter, crdt.StrategySet:
		return d.data.Clone(), nil
	default:
		if path == "" {
			return d.data.Clone(), nil
		}
		value, ok := d.data.GetPath(path)
		if !ok {
			return crdt.Value{}, ErrInvalidPath{Path: path}
		}
		return value.Clone(), nil
	}
}

// Set writes a value at the path. Text documents require a string value
// and replace their entire content; every other strategy writes through
// the value tree, creating intermediate nodes as needed.
func (d *Document) Set(path string, value crdt.Value) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.meta.Strategy == crdt.StrategyText {
		text, ok := value.AsString()
		if !ok {
			return ErrStrategyMismatch{Expected: "string value", Got: value.Kind().String()}
		}
		d.text.SetText(text)
		d.updateCount.Add(1)
		d.touchLocked()
		return nil
	}

	d.data.SetPath(path, value)
	d.touchLocked()
	return nil
}

// Delete writes null at the path, or resets the root to an empty
// object when the path is empty.
func (d *Document) Delete(path string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if path == "" {
		d.data = crdt.NewObject(nil)
	} else {
		d.data.SetPath(path, crdt.NewNull())
	}
	d.touchLocked()
	return nil
}

// Push appends a value to the array at the path. An absent node becomes
// a one-element array; a non-array node fails. The read-modify-write
// happens under the document lock, so concurrent pushes never lose
// elements.
func (d *Document) Push(path string, value crdt.Value) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var items []crdt.Value
	if existing, ok := d.data.GetPath(path); ok {
		arr, isArray := existing.AsArray()
		if !isArray {
			return ErrInvalidPath{Path: fmt.Sprintf("%s is not an array", path)}
		}
		items = arr
	}

	next := make([]crdt.Value, 0, len(items)+1)
	next = append(next, items...)
	next = append(next, value)
	d.data.SetPath(path, crdt.NewArray(next...))
	d.touchLocked()
	return nil
}

// Increment adds delta to the integer at the path and returns the new
// value. Absent or non-integer nodes count as 0; overflow wraps.
func (d *Document) Increment(path string, delta int64) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var current int64
	if existing, ok := d.data.GetPath(path); ok {
		if n, isInt := existing.AsInt(); isInt {
			current = n
		}
	}
	next := current + delta
	d.data.SetPath(path, crdt.NewInt(next))
	d.touchLocked()
	return next, nil
}

// EncodeState returns the opaque state payload: the text engine's run
// list for text documents, the JSON-encoded value tree otherwise.
// ApplyUpdate and storage loads reverse it.
func (d *Document) EncodeState() ([]byte, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.encodeStateLocked()
}

func (d *Document) encodeStateLocked() ([]byte, error) {
	if d.meta.Strategy == crdt.StrategyText {
		return d.text.EncodeState()
	}
	return json.Marshal(d.data)
}

// ApplyUpdate merges an encoded state payload produced by EncodeState.
// Text documents merge run lists; other strategies replace their value
// tree with the decoded one.
func (d *Document) ApplyUpdate(update []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.meta.Strategy == crdt.StrategyText {
		if err := d.text.ApplyUpdate(update); err != nil {
			return ErrCRDT{Message: err.Error()}
		}
	} else {
		var decoded crdt.Value
		if err := json.Unmarshal(update, &decoded); err != nil {
			return ErrCRDT{Message: err.Error()}
		}
		d.data = decoded
	}
	d.updateCount.Add(1)
	d.touchLocked()
	return nil
}

// UpdateCount returns the number of updates since the last compaction.
func (d *Document) UpdateCount() uint64 {
	return d.updateCount.Load()
}

// CompactionCount returns the number of compactions performed.
func (d *Document) CompactionCount() uint64 {
	return d.compactionCount.Load()
}

// StateSize returns the encoded state size in bytes.
func (d *Document) StateSize() int {
	state, err := d.EncodeState()
	if err != nil {
		return 0
	}
	return len(state)
}

// ShouldCompact reports whether the compaction heuristics fire: too
// many updates outright, or a busy document whose encoded state grew
// past the size threshold.
func (d *Document) ShouldCompact() bool {
	updates := d.updateCount.Load()
	if updates >= CompactionThreshold {
		return true
	}
	// Probe the state size only once the document has seen real traffic
	if updates > 100 {
		if d.StateSize() >= CompactionSizeThreshold {
			return true
		}
	}
	return false
}

// Compact collapses operation history into a snapshot of the current
// content. The observable value is unchanged, the update counter resets,
// and the compaction counter advances. Returns the bytes saved.
func (d *Document) Compact() (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	oldState, err := d.encodeStateLocked()
	if err != nil {
		return 0, ErrCRDT{Message: err.Error()}
	}
	oldSize := len(oldState)

	if d.meta.Strategy == crdt.StrategyText {
		// Snapshot the content into a fresh engine, dropping tombstones
		content := d.text.Text()
		fresh := crdt.NewTextDoc()
		if content != "" {
			fresh.SetText(content)
		}
		d.text = fresh
	}

	d.updateCount.Store(0)
	d.compactionCount.Add(1)

	newState, err := d.encodeStateLocked()
	if err != nil {
		return 0, ErrCRDT{Message: err.Error()}
	}
	saved := oldSize - len(newState)
	if saved < 0 {
		saved = 0
	}
	return saved, nil
}

// SetTTL sets or clears the expiry. The deadline anchors to the current
// clock: the document survives for ttl more milliseconds. TTL is stored
// relative to CreatedAt so the deadline survives a marshal round-trip.
func (d *Document) SetTTL(ttl *int64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if ttl == nil {
		d.meta.TTL = nil
	} else {
		anchored := nowMillis() - d.meta.CreatedAt + *ttl
		d.meta.TTL = &anchored
	}
	d.touchLocked()
}

// TTLRemaining returns milliseconds until expiry, negative once past
// due. The second result is false when the document does not expire.
func (d *Document) TTLRemaining() (int64, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.meta.TTL == nil {
		return 0, false
	}
	return d.meta.CreatedAt + *d.meta.TTL - nowMillis(), true
}

// IsExpired reports whether the expiry deadline has passed.
func (d *Document) IsExpired() bool {
	remaining, ok := d.TTLRemaining()
	return ok && remaining <= 0
}

func (d *Document) touchLocked() {
	d.meta.Version++
	d.meta.UpdatedAt = nowMillis()
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
