// Package transport serves the wire protocol over TCP and WebSocket,
// with optional TLS, authentication, per-connection rate limiting, and
// write-behind persistence.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Joett77/ussl/crdt"
	"github.com/Joett77/ussl/document"
	"github.com/Joett77/ussl/metrics"
	"github.com/Joett77/ussl/protocol"
	"github.com/Joett77/ussl/storage"
)

// Version is reported by INFO and the daemon banner.
const Version = "0.1.0"

// persistTimeout bounds a single write-behind store.
const persistTimeout = 10 * time.Second

// ConnectionHandler interprets commands for one client connection and
// tracks its subscriptions. Process runs on the connection's read
// goroutine; MatchesSubscription may be called concurrently from the
// delta pump.
type ConnectionHandler struct {
	clientID string
	manager  *document.Manager
	parser   *protocol.Parser
	logger   *zap.Logger

	mu            sync.Mutex
	subscriptions []string
	cleaned       bool

	requireAuth   bool
	authenticated bool
	password      string

	storage storage.Storage
	limiter *RateLimiter
	metrics *metrics.Metrics
}

// NewConnectionHandler creates a handler with no authentication,
// persistence, or rate limit. A nil logger disables logging.
func NewConnectionHandler(clientID string, manager *document.Manager, logger *zap.Logger) *ConnectionHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConnectionHandler{
		clientID:      clientID,
		manager:       manager,
		parser:        protocol.NewParser(),
		logger:        logger,
		subscriptions: []string{},
		authenticated: true,
	}
}

// WithAuth requires clients to authenticate with the password before
// issuing commands.
func (h *ConnectionHandler) WithAuth(password string) *ConnectionHandler {
	h.requireAuth = true
	h.authenticated = false
	h.password = password
	return h
}

// WithStorage enables write-behind persistence of mutated documents.
func (h *ConnectionHandler) WithStorage(s storage.Storage) *ConnectionHandler {
	h.storage = s
	return h
}

// WithRateLimit caps this connection's command rate.
func (h *ConnectionHandler) WithRateLimit(config RateLimitConfig) *ConnectionHandler {
	h.limiter = NewRateLimiter(config)
	return h
}

// WithMetrics attaches a metrics collector.
func (h *ConnectionHandler) WithMetrics(m *metrics.Metrics) *ConnectionHandler {
	h.metrics = m
	return h
}

// ClientID returns the connection identifier.
func (h *ConnectionHandler) ClientID() string {
	return h.clientID
}

// Process feeds incoming bytes to the parser and executes every complete
// command. A non-nil error means the session is unrecoverable (message
// too large); the caller writes the returned responses, then closes.
func (h *ConnectionHandler) Process(data []byte) ([]protocol.Response, error) {
	if err := h.parser.Feed(data); err != nil {
		return []protocol.Response{protocol.Error("PARSE_ERROR", err.Error())}, err
	}

	var responses []protocol.Response
	for {
		cmd, ok, err := h.parser.Parse()
		if err != nil {
			// The offending line is consumed; the session continues.
			responses = append(responses, protocol.Error("PARSE_ERROR", err.Error()))
			continue
		}
		if !ok {
			break
		}
		responses = append(responses, h.handleCommand(cmd))
	}
	return responses, nil
}

func (h *ConnectionHandler) handleCommand(cmd protocol.Command) protocol.Response {
	start := time.Now()
	resp := h.dispatch(cmd)

	if h.metrics != nil {
		h.metrics.RecordCommand(cmd.Kind.String(), time.Since(start))
		if code := resp.Code(); code != "" {
			h.metrics.RecordError(cmd.Kind.String(), code)
		}
	}
	return resp
}

func (h *ConnectionHandler) dispatch(cmd protocol.Command) protocol.Response {
	h.logger.Debug("Processing command",
		zap.String("client", h.clientID),
		zap.String("cmd", cmd.Kind.String()))

	// AUTH, PING and QUIT are always allowed
	switch cmd.Kind {
	case protocol.CmdAuth:
		return h.handleAuth(cmd.Password)
	case protocol.CmdPing:
		return protocol.Pong()
	case protocol.CmdQuit:
		return protocol.OKMessage("Goodbye")
	}

	if h.requireAuth && !h.authenticated {
		return protocol.Error("NOAUTH", "Authentication required. Use AUTH <password>")
	}

	if h.limiter != nil && !h.limiter.TryAcquire() {
		if h.metrics != nil {
			h.metrics.RateLimited.Inc()
		}
		return protocol.Error("RATE_LIMITED", "Rate limit exceeded")
	}

	switch cmd.Kind {
	case protocol.CmdCreate:
		return h.handleCreate(cmd)
	case protocol.CmdGet:
		return h.handleGet(cmd)
	case protocol.CmdSet:
		return h.handleSet(cmd)
	case protocol.CmdDelete:
		return h.handleDelete(cmd)
	case protocol.CmdSubscribe:
		return h.handleSubscribe(cmd.Pattern)
	case protocol.CmdUnsubscribe:
		return h.handleUnsubscribe(cmd.Pattern)
	case protocol.CmdPush:
		return h.handlePush(cmd)
	case protocol.CmdIncrement:
		return h.handleIncrement(cmd)
	case protocol.CmdPresence:
		return h.handlePresence(cmd)
	case protocol.CmdInfo:
		return h.handleInfo()
	case protocol.CmdKeys:
		return h.handleKeys(cmd.Pattern)
	case protocol.CmdCompact:
		return h.handleCompact(cmd)
	default:
		return protocol.Error("PARSE_ERROR", "Unknown command")
	}
}

func (h *ConnectionHandler) handleAuth(password string) protocol.Response {
	if !h.requireAuth {
		return protocol.OKMessage("No authentication required")
	}
	if password == h.password {
		h.authenticated = true
		h.logger.Info("Client authenticated",
			zap.String("client", h.clientID))
		return protocol.OK()
	}
	h.logger.Warn("Authentication failed",
		zap.String("client", h.clientID))
	return protocol.Error("WRONGPASS", "Invalid password")
}

// documentID validates the raw identifier, returning the error response
// to send when it is absent or malformed.
func (h *ConnectionHandler) documentID(raw string) (document.ID, protocol.Response, bool) {
	if raw == "" {
		return "", protocol.Error("MISSING_ARG", "Document ID required"), false
	}
	id, err := document.NewID(raw)
	if err != nil {
		return "", protocol.Error("INVALID_ID", err.Error()), false
	}
	return id, protocol.Response{}, true
}

func (h *ConnectionHandler) handleCreate(cmd protocol.Command) protocol.Response {
	id, errResp, ok := h.documentID(cmd.DocumentID)
	if !ok {
		return errResp
	}

	if _, err := h.manager.Create(id, cmd.Strategy, cmd.TTL); err != nil {
		return protocol.Error("CREATE_ERROR", err.Error())
	}
	if h.metrics != nil {
		h.metrics.DocumentsCreated.Inc()
	}
	return protocol.OK()
}

func (h *ConnectionHandler) handleGet(cmd protocol.Command) protocol.Response {
	id, errResp, ok := h.documentID(cmd.DocumentID)
	if !ok {
		return errResp
	}

	doc, err := h.manager.Get(id)
	if err != nil {
		return protocol.Null()
	}
	value, err := doc.Get(cmd.Path)
	if err != nil {
		return protocol.Error("GET_ERROR", err.Error())
	}
	return protocol.Value(value)
}

func (h *ConnectionHandler) handleSet(cmd protocol.Command) protocol.Response {
	id, errResp, ok := h.documentID(cmd.DocumentID)
	if !ok {
		return errResp
	}

	doc := h.manager.GetOrCreate(id, crdt.DefaultStrategy)
	if err := doc.Set(cmd.Path, cmd.Value); err != nil {
		return protocol.Error("SET_ERROR", err.Error())
	}

	h.maybeAutoCompact(id, doc)
	h.persistDocument(id, doc)
	h.publishDelta(id, doc, cmd.Path)
	return protocol.OK()
}

func (h *ConnectionHandler) handleDelete(cmd protocol.Command) protocol.Response {
	id, errResp, ok := h.documentID(cmd.DocumentID)
	if !ok {
		return errResp
	}

	if cmd.HasPath {
		doc, err := h.manager.Get(id)
		if err != nil {
			return protocol.NotFound(cmd.DocumentID)
		}
		if err := doc.Delete(cmd.Path); err != nil {
			return protocol.Error("DELETE_ERROR", err.Error())
		}
		h.persistDocument(id, doc)
		return protocol.OK()
	}

	if err := h.manager.Delete(id); err != nil {
		var notFound document.ErrDocumentNotFound
		if errors.As(err, &notFound) {
			return protocol.NotFound(cmd.DocumentID)
		}
		return protocol.Error("DELETE_ERROR", err.Error())
	}
	h.deleteStored(id)
	if h.metrics != nil {
		h.metrics.DocumentsDeleted.Inc()
	}
	return protocol.OK()
}

func (h *ConnectionHandler) handleSubscribe(pattern string) protocol.Response {
	h.mu.Lock()
	known := false
	for _, p := range h.subscriptions {
		if p == pattern {
			known = true
			break
		}
	}
	if !known {
		h.subscriptions = append(h.subscriptions, pattern)
	}
	h.mu.Unlock()

	if !known && h.metrics != nil {
		h.metrics.SubscriptionsActive.Inc()
	}
	return protocol.OKMessage("Subscribed to " + pattern)
}

func (h *ConnectionHandler) handleUnsubscribe(pattern string) protocol.Response {
	h.mu.Lock()
	removed := false
	kept := h.subscriptions[:0]
	for _, p := range h.subscriptions {
		if p == pattern {
			removed = true
			continue
		}
		kept = append(kept, p)
	}
	h.subscriptions = kept
	h.mu.Unlock()

	if removed && h.metrics != nil {
		h.metrics.SubscriptionsActive.Dec()
	}
	return protocol.OKMessage("Unsubscribed from " + pattern)
}

func (h *ConnectionHandler) handlePush(cmd protocol.Command) protocol.Response {
	id, errResp, ok := h.documentID(cmd.DocumentID)
	if !ok {
		return errResp
	}

	doc := h.manager.GetOrCreate(id, crdt.DefaultStrategy)
	if err := doc.Push(cmd.Path, cmd.Value); err != nil {
		return protocol.Error("PUSH_ERROR", err.Error())
	}

	h.maybeAutoCompact(id, doc)
	h.persistDocument(id, doc)
	return protocol.OK()
}

func (h *ConnectionHandler) handleIncrement(cmd protocol.Command) protocol.Response {
	id, errResp, ok := h.documentID(cmd.DocumentID)
	if !ok {
		return errResp
	}

	doc := h.manager.GetOrCreate(id, crdt.StrategyCounter)
	newValue, err := doc.Increment(cmd.Path, cmd.Delta)
	if err != nil {
		return protocol.Error("INC_ERROR", err.Error())
	}

	h.maybeAutoCompact(id, doc)
	h.persistDocument(id, doc)
	return protocol.Integer(newValue)
}

type presenceEntry struct {
	ClientID string     `json:"client_id"`
	Data     crdt.Value `json:"data"`
}

func (h *ConnectionHandler) handlePresence(cmd protocol.Command) protocol.Response {
	id, errResp, ok := h.documentID(cmd.DocumentID)
	if !ok {
		return errResp
	}

	if cmd.Data != nil {
		h.manager.SetPresence(h.clientID, id, *cmd.Data)
		return protocol.OK()
	}

	entries := h.manager.GetPresence(id)
	out := make([]presenceEntry, 0, len(entries))
	for _, p := range entries {
		out = append(out, presenceEntry{ClientID: p.ClientID, Data: p.Data})
	}
	data, err := json.Marshal(out)
	if err != nil {
		data = []byte("[]")
	}
	return protocol.Bulk(data)
}

func (h *ConnectionHandler) handleInfo() protocol.Response {
	stats := h.manager.Stats()

	h.mu.Lock()
	subs := make([]string, len(h.subscriptions))
	copy(subs, h.subscriptions)
	h.mu.Unlock()

	info := struct {
		Version       string   `json:"version"`
		Documents     int      `json:"documents"`
		Subscribers   int      `json:"subscribers"`
		ClientID      string   `json:"client_id"`
		Subscriptions []string `json:"subscriptions"`
	}{
		Version:       Version,
		Documents:     stats.DocumentCount,
		Subscribers:   stats.SubscriberCount,
		ClientID:      h.clientID,
		Subscriptions: subs,
	}
	data, err := json.Marshal(info)
	if err != nil {
		data = []byte("{}")
	}
	return protocol.Bulk(data)
}

func (h *ConnectionHandler) handleKeys(pattern string) protocol.Response {
	metas := h.manager.List(pattern)
	keys := make([]protocol.Response, 0, len(metas))
	for _, meta := range metas {
		keys = append(keys, protocol.Bulk([]byte(meta.ID)))
	}
	return protocol.Array(keys)
}

func (h *ConnectionHandler) handleCompact(cmd protocol.Command) protocol.Response {
	id, errResp, ok := h.documentID(cmd.DocumentID)
	if !ok {
		return errResp
	}

	doc, err := h.manager.Get(id)
	if err != nil {
		return protocol.NotFound(cmd.DocumentID)
	}
	saved, err := doc.Compact()
	if err != nil {
		return protocol.Error("COMPACT_ERROR", err.Error())
	}

	h.logger.Info("Document compacted",
		zap.String("doc_id", string(id)),
		zap.Int("bytes_saved", saved),
		zap.Uint64("compaction_count", doc.CompactionCount()))
	if h.metrics != nil {
		h.metrics.Compactions.Inc()
		h.metrics.CompactionBytesSaved.Add(float64(saved))
	}
	h.persistDocument(id, doc)
	return protocol.Integer(int64(saved))
}

// maybeAutoCompact compacts the document when its heuristics fire.
func (h *ConnectionHandler) maybeAutoCompact(id document.ID, doc *document.Document) {
	if !doc.ShouldCompact() {
		return
	}

	h.logger.Debug("Auto-compacting document",
		zap.String("doc_id", string(id)),
		zap.Uint64("updates", doc.UpdateCount()))

	saved, err := doc.Compact()
	if err != nil {
		h.logger.Warn("Auto-compaction failed",
			zap.String("doc_id", string(id)),
			zap.Error(err))
		return
	}
	h.logger.Info("Auto-compaction completed",
		zap.String("doc_id", string(id)),
		zap.Int("bytes_saved", saved),
		zap.Uint64("compaction_count", doc.CompactionCount()))
	if h.metrics != nil {
		h.metrics.Compactions.Inc()
		h.metrics.CompactionBytesSaved.Add(float64(saved))
	}
}

// persistDocument stores the document in the background. Failures are
// logged and never surfaced to the client.
func (h *ConnectionHandler) persistDocument(id document.ID, doc *document.Document) {
	if h.storage == nil {
		return
	}

	meta := doc.Meta()
	state, err := doc.EncodeState()
	if err != nil {
		h.logger.Warn("Failed to encode document state",
			zap.String("doc_id", string(id)),
			zap.Error(err))
		return
	}

	store, logger := h.storage, h.logger
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if err := store.Store(ctx, id, meta, state); err != nil {
			logger.Warn("Failed to persist document",
				zap.String("doc_id", string(id)),
				zap.Error(err))
		}
	}()
}

// deleteStored removes the document from storage in the background.
func (h *ConnectionHandler) deleteStored(id document.ID) {
	if h.storage == nil {
		return
	}

	store, logger := h.storage, h.logger
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if _, err := store.Delete(ctx, id); err != nil {
			logger.Warn("Failed to delete persisted document",
				zap.String("doc_id", string(id)),
				zap.Error(err))
		}
	}()
}

// publishDelta fans the document's new state out to subscribers.
func (h *ConnectionHandler) publishDelta(id document.ID, doc *document.Document, path string) {
	state, err := doc.EncodeState()
	if err != nil {
		h.logger.Warn("Failed to encode delta payload",
			zap.String("doc_id", string(id)),
			zap.Error(err))
		return
	}
	h.manager.PublishUpdate(document.Delta{
		DocumentID: id,
		Version:    doc.Version(),
		Path:       path,
		Payload:    state,
	})
	if h.metrics != nil {
		h.metrics.UpdatesPublished.Inc()
	}
}

// SubscribeUpdates returns a receiver on the manager's broadcast bus.
func (h *ConnectionHandler) SubscribeUpdates() *document.Subscriber {
	return h.manager.Subscribe()
}

// MatchesSubscription reports whether the delta's document matches any
// of this client's subscription patterns.
func (h *ConnectionHandler) MatchesSubscription(delta document.Delta) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, pattern := range h.subscriptions {
		if document.MatchPattern(string(delta.DocumentID), pattern) {
			return true
		}
	}
	return false
}

// Cleanup releases the client's presence entries and subscription
// gauge. Safe to call more than once.
func (h *ConnectionHandler) Cleanup() {
	h.mu.Lock()
	if h.cleaned {
		h.mu.Unlock()
		return
	}
	h.cleaned = true
	active := len(h.subscriptions)
	h.mu.Unlock()

	h.manager.RemovePresence(h.clientID)
	if h.metrics != nil && active > 0 {
		h.metrics.SubscriptionsActive.Sub(float64(active))
	}
}
