package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/erp/fleetsync/internal/application/collection"
	"github.com/erp/fleetsync/internal/domain/reconcile"
	"github.com/erp/fleetsync/internal/domain/record"
	"github.com/erp/fleetsync/internal/interfaces/http/dto"
	"github.com/erp/fleetsync/internal/interfaces/http/middleware"
)

// SSE event names.
const (
	EventConnected = "connected"
	EventSnapshot  = "snapshot"
	EventHeartbeat = "heartbeat"
)

const streamBufferSize = 16

var errMaxClients = errors.New("maximum number of stream clients reached")

// LiveFeed registers hooks for pushed collection snapshots.
type LiveFeed interface {
	Subscribe(ctx context.Context, key record.CollectionKey, caller record.Caller, hook collection.RefreshHook) (record.Unsubscribe, error)
}

// CallerResolver fills the caller tenant from the remote client.
type CallerResolver interface {
	ResolveCaller(ctx context.Context, caller record.Caller) record.Caller
}

// SSEMessage is one server-sent event.
type SSEMessage struct {
	Event string
	Data  string
	ID    string
}

type streamClient struct {
	id string
	ch chan SSEMessage
}

// topic is one live registration shared by every client streaming the same
// collection for the same tenant.
type topic struct {
	key      record.CollectionKey
	tenantID string
	clients  map[string]*streamClient
	last     *SSEMessage

	ready chan struct{}
	err   error
	unsub record.Unsubscribe
}

// StreamHandler pushes reconciled snapshots to clients over SSE.
type StreamHandler struct {
	BaseHandler
	feed     LiveFeed
	resolver CallerResolver
	logger   *zap.Logger

	heartbeat  time.Duration
	maxClients int

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	topics  map[string]*topic
	clients int
	started bool
}

// StreamOption is a functional option for configuring the handler
type StreamOption func(*StreamHandler)

// WithStreamLogger sets the logger for the handler
func WithStreamLogger(logger *zap.Logger) StreamOption {
	return func(h *StreamHandler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithStreamHeartbeat sets the heartbeat interval
func WithStreamHeartbeat(interval time.Duration) StreamOption {
	return func(h *StreamHandler) {
		if interval > 0 {
			h.heartbeat = interval
		}
	}
}

// WithStreamMaxClients sets the maximum number of concurrent stream clients.
// Zero means unlimited.
func WithStreamMaxClients(n int) StreamOption {
	return func(h *StreamHandler) {
		h.maxClients = n
	}
}

// NewStreamHandler creates a new StreamHandler
func NewStreamHandler(feed LiveFeed, resolver CallerResolver, opts ...StreamOption) *StreamHandler {
	ctx, cancel := context.WithCancel(context.Background())
	h := &StreamHandler{
		feed:       feed,
		resolver:   resolver,
		logger:     zap.NewNop(),
		heartbeat:  30 * time.Second,
		maxClients: 1000,
		ctx:        ctx,
		cancel:     cancel,
		topics:     make(map[string]*topic),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Start begins sending heartbeats.
func (h *StreamHandler) Start() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.started {
		return fmt.Errorf("stream handler already started")
	}
	h.started = true
	go h.sendHeartbeats()
	h.logger.Info("Collection stream handler started", zap.Duration("heartbeat", h.heartbeat))
	return nil
}

// Stop disconnects every client and releases the live registrations.
func (h *StreamHandler) Stop() {
	h.cancel()

	h.mu.Lock()
	topics := h.topics
	h.topics = make(map[string]*topic)
	h.mu.Unlock()

	for _, t := range topics {
		<-t.ready
		if t.unsub != nil {
			t.unsub()
		}
	}
	h.logger.Info("Collection stream handler stopped")
}

// ClientCount returns the number of connected stream clients.
func (h *StreamHandler) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.clients
}

// Stream sends the reconciled collection every time the remote store pushes
// a change.
//
//	GET /collections/:collection/:type/stream
//
// Events: "connected" once, "snapshot" with the collection response as data
// and its reconciliation time in milliseconds as id, and "heartbeat".
//
// @Summary      Stream collection snapshots
// @Description  Server-sent events carrying the reconciled collection on every remote change
// @Tags         collections
// @Produce      text/event-stream
// @Param        collection path string true "Collection name"
// @Param        type path string true "Record type"
// @Param        X-Tenant-ID header string false "Tenant ID"
// @Param        X-User-ID header string false "User ID"
// @Success      200 {object} dto.CollectionResponse "snapshot event data"
// @Failure      400 {object} dto.Response{error=dto.ErrorInfo}
// @Failure      503 {object} dto.Response{error=dto.ErrorInfo}
// @Router       /collections/{collection}/{type}/stream [get]
func (h *StreamHandler) Stream(c *gin.Context) {
	var path dto.CollectionPath
	if err := c.ShouldBindUri(&path); err != nil {
		h.BindError(c, err)
		return
	}
	key := path.Key()
	if err := key.Validate(); err != nil {
		h.HandleError(c, err)
		return
	}
	caller := h.resolver.ResolveCaller(c.Request.Context(), middleware.GetCaller(c))
	if caller.TenantID == "" {
		h.HandleError(c, record.Wrap(record.ErrNotReady, errors.New("tenant unresolved")))
		return
	}

	client := &streamClient{
		id: uuid.NewString(),
		ch: make(chan SSEMessage, streamBufferSize),
	}
	t, err := h.join(key, caller, client)
	if err != nil {
		if errors.Is(err, errMaxClients) {
			h.Error(c, http.StatusServiceUnavailable, dto.ErrCodeMaxConnections, "Maximum number of stream connections reached")
			return
		}
		h.HandleError(c, err)
		return
	}
	defer h.leave(t, client)

	log := h.logger.With(
		zap.String("client_id", client.id),
		zap.String("collection", key.Collection),
		zap.String("type", key.Type),
		zap.String("tenant_id", caller.TenantID))
	log.Info("Stream client connected")

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	writeEvent(c.Writer, SSEMessage{
		Event: EventConnected,
		Data:  fmt.Sprintf(`{"client_id":%q,"timestamp":%d}`, client.id, time.Now().Unix()),
	})
	c.Writer.Flush()

	reqCtx := c.Request.Context()
	for {
		select {
		case <-reqCtx.Done():
			log.Info("Stream client disconnected")
			return
		case <-h.ctx.Done():
			log.Info("Stream handler stopped, disconnecting client")
			return
		case msg := <-client.ch:
			writeEvent(c.Writer, msg)
			c.Writer.Flush()
		}
	}
}

// join adds client to the topic of key and tenant, creating the live
// registration for the first client.
func (h *StreamHandler) join(key record.CollectionKey, caller record.Caller, client *streamClient) (*topic, error) {
	topicKey := key.CacheKey(caller.TenantID)

	h.mu.Lock()
	if h.ctx.Err() != nil {
		h.mu.Unlock()
		return nil, record.Wrap(record.ErrNotReady, errors.New("stream handler stopped"))
	}
	if h.maxClients > 0 && h.clients >= h.maxClients {
		h.mu.Unlock()
		return nil, errMaxClients
	}
	t, exists := h.topics[topicKey]
	if !exists {
		t = &topic{
			key:      key,
			tenantID: caller.TenantID,
			clients:  make(map[string]*streamClient),
			ready:    make(chan struct{}),
		}
		h.topics[topicKey] = t
	}
	t.clients[client.id] = client
	h.clients++
	if t.last != nil {
		client.ch <- *t.last
	}
	h.mu.Unlock()

	if exists {
		<-t.ready
		if t.err != nil {
			h.leave(t, client)
			return nil, t.err
		}
		return t, nil
	}

	unsub, err := h.feed.Subscribe(h.ctx, key, caller, func(_ context.Context, _ record.CollectionKey, res *reconcile.Result) {
		h.publish(t, res)
	})
	t.unsub, t.err = unsub, err
	close(t.ready)
	if err != nil {
		h.logger.Warn("Failed to open live registration for stream",
			zap.String("key", topicKey),
			zap.Error(err))
		h.leave(t, client)
		return nil, err
	}
	return t, nil
}

// leave removes client and drops the registration with the last client.
func (h *StreamHandler) leave(t *topic, client *streamClient) {
	topicKey := t.key.CacheKey(t.tenantID)

	h.mu.Lock()
	if _, ok := t.clients[client.id]; !ok {
		h.mu.Unlock()
		return
	}
	delete(t.clients, client.id)
	h.clients--
	last := len(t.clients) == 0
	if last && h.topics[topicKey] == t {
		delete(h.topics, topicKey)
	}
	h.mu.Unlock()

	if last {
		<-t.ready
		if t.unsub != nil {
			t.unsub()
			h.logger.Debug("Released live registration", zap.String("key", topicKey))
		}
	}
}

func (h *StreamHandler) publish(t *topic, res *reconcile.Result) {
	data, err := json.Marshal(dto.NewCollectionResponse(res, false))
	if err != nil {
		h.logger.Error("Failed to marshal snapshot event", zap.Error(err))
		return
	}
	msg := SSEMessage{
		Event: EventSnapshot,
		Data:  string(data),
		ID:    strconv.FormatInt(res.ReconciledAt.UnixMilli(), 10),
	}

	h.mu.Lock()
	t.last = &msg
	for _, client := range t.clients {
		h.send(client, msg)
	}
	h.mu.Unlock()
}

// send never blocks. A slow client misses the message.
func (h *StreamHandler) send(client *streamClient, msg SSEMessage) {
	select {
	case client.ch <- msg:
	default:
		h.logger.Warn("Client channel full, dropping message",
			zap.String("client_id", client.id),
			zap.String("event", msg.Event))
	}
}

func (h *StreamHandler) sendHeartbeats() {
	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-h.ctx.Done():
			return
		case <-ticker.C:
			msg := SSEMessage{
				Event: EventHeartbeat,
				Data:  fmt.Sprintf(`{"timestamp":%d}`, time.Now().Unix()),
			}
			h.mu.Lock()
			for _, t := range h.topics {
				for _, client := range t.clients {
					h.send(client, msg)
				}
			}
			h.mu.Unlock()
		}
	}
}

func writeEvent(w io.Writer, msg SSEMessage) {
	if msg.Event != "" {
		fmt.Fprintf(w, "event: %s\n", msg.Event)
	}
	if msg.ID != "" {
		fmt.Fprintf(w, "id: %s\n", msg.ID)
	}
	fmt.Fprintf(w, "data: %s\n\n", msg.Data)
}
