package document

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Joett77/ussl/crdt"
)

// GCInterval is how often the background scheduler sweeps expired
// documents.
const GCInterval = 60 * time.Second

// Presence is an ephemeral per-client annotation on a document,
// typically a cursor or user indicator.
type Presence struct {
	ClientID   string     `json:"client_id"`
	DocumentID ID         `json:"document_id"`
	Data       crdt.Value `json:"data"`
}

// Stats is a snapshot of manager-wide counters.
type Stats struct {
	DocumentCount   int `json:"document_count"`
	SubscriberCount int `json:"subscriber_count"`
}

// Manager owns every live document, the presence table, and the
// broadcast bus. All methods are safe for concurrent use.
type Manager struct {
	mu        sync.RWMutex
	documents map[ID]*Document
	presence  map[ID][]Presence
	bus       *Bus
	logger    *zap.Logger
}

// NewManager creates an empty manager. A nil logger disables logging.
func NewManager(logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	bus, err := NewBus()
	if err != nil {
		return nil, err
	}
	return &Manager{
		documents: make(map[ID]*Document),
		presence:  make(map[ID][]Presence),
		bus:       bus,
		logger:    logger,
	}, nil
}

// Create registers a new document. Duplicate IDs fail; ttl, when
// non-nil, arms expiry in milliseconds from creation.
func (m *Manager) Create(id ID, strategy crdt.Strategy, ttl *int64) (*Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.documents[id]; exists {
		return nil, ErrDocumentExists{ID: string(id)}
	}
	doc := New(id, strategy)
	if ttl != nil {
		t := *ttl
		doc.meta.TTL = &t
	}
	m.documents[id] = doc
	return doc, nil
}

// Get returns the document with the given ID.
func (m *Manager) Get(id ID) (*Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	doc, ok := m.documents[id]
	if !ok {
		return nil, ErrDocumentNotFound{ID: string(id)}
	}
	return doc, nil
}

// GetOrCreate returns the document with the given ID, creating it with
// the strategy if absent. The strategy only applies on first creation.
func (m *Manager) GetOrCreate(id ID, strategy crdt.Strategy) *Document {
	m.mu.RLock()
	doc, ok := m.documents[id]
	m.mu.RUnlock()
	if ok {
		return doc
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if doc, ok := m.documents[id]; ok {
		return doc
	}
	doc = New(id, strategy)
	m.documents[id] = doc
	return doc
}

// Delete removes a document from the registry.
func (m *Manager) Delete(id ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.documents[id]; !ok {
		return ErrDocumentNotFound{ID: string(id)}
	}
	delete(m.documents, id)
	return nil
}

// Restore inserts a document rebuilt from persisted state, replacing
// any current entry with the same ID.
func (m *Manager) Restore(doc *Document) {
	id := doc.ID()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.documents[id] = doc
}

// List returns metadata for every document whose ID matches the
// pattern. An empty pattern matches everything. Order is unspecified.
func (m *Manager) List(pattern string) []Meta {
	m.mu.RLock()
	defer m.mu.RUnlock()

	metas := make([]Meta, 0, len(m.documents))
	for id, doc := range m.documents {
		if pattern != "" && !MatchPattern(string(id), pattern) {
			continue
		}
		metas = append(metas, doc.Meta())
	}
	return metas
}

// Subscribe returns a receiver on the broadcast bus.
func (m *Manager) Subscribe() *Subscriber {
	return m.bus.Subscribe()
}

// PublishUpdate fans a delta out to all subscribers. Fire and forget.
func (m *Manager) PublishUpdate(delta Delta) {
	m.bus.Publish(delta)
}

// SetPresence records presence data for a client on a document,
// replacing any prior entry for that client.
func (m *Manager) SetPresence(clientID string, id ID, data crdt.Value) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries := m.presence[id]
	kept := entries[:0]
	for _, p := range entries {
		if p.ClientID != clientID {
			kept = append(kept, p)
		}
	}
	m.presence[id] = append(kept, Presence{
		ClientID:   clientID,
		DocumentID: id,
		Data:       data,
	})
}

// GetPresence returns the presence entries for a document.
func (m *Manager) GetPresence(id ID) []Presence {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries := m.presence[id]
	out := make([]Presence, len(entries))
	copy(out, entries)
	return out
}

// RemovePresence sweeps a client's presence from every document.
func (m *Manager) RemovePresence(clientID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, entries := range m.presence {
		kept := entries[:0]
		for _, p := range entries {
			if p.ClientID != clientID {
				kept = append(kept, p)
			}
		}
		m.presence[id] = kept
	}
}

// SetExpire sets or clears a document's TTL.
func (m *Manager) SetExpire(id ID, ttl *int64) error {
	doc, err := m.Get(id)
	if err != nil {
		return err
	}
	doc.SetTTL(ttl)
	return nil
}

// TTL returns the document's remaining lifetime in milliseconds. The
// second result is false when the document does not expire.
func (m *Manager) TTL(id ID) (int64, bool, error) {
	doc, err := m.Get(id)
	if err != nil {
		return 0, false, err
	}
	remaining, ok := doc.TTLRemaining()
	return remaining, ok, nil
}

// GC removes every expired document along with its presence bucket and
// returns the count removed. Idempotent.
func (m *Manager) GC() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, doc := range m.documents {
		if doc.IsExpired() {
			delete(m.documents, id)
			delete(m.presence, id)
			removed++
		}
	}
	return removed
}

// RunGC sweeps expired documents on a fixed interval until the context
// ends.
func (m *Manager) RunGC(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := m.GC(); removed > 0 {
				m.logger.Info("Expired documents removed",
					zap.Int("count", removed))
			}
		}
	}
}

// Stats returns manager-wide counters.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	count := len(m.documents)
	m.mu.RUnlock()

	return Stats{
		DocumentCount:   count,
		SubscriberCount: m.bus.SubscriberCount(),
	}
}

// Close shuts down the broadcast bus. Connection loops observe
// ErrBusClosed and finish their current iteration.
func (m *Manager) Close() {
	m.bus.Close()
}
