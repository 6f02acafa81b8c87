package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ChangeAction is the kind of write behind a change notice.
type ChangeAction string

const (
	ChangePut    ChangeAction = "put"
	ChangeDelete ChangeAction = "delete"
)

// ChangeNotice announces a write to one tenant's collection.
type ChangeNotice struct {
	Collection string       `json:"collection"`
	TenantID   string       `json:"tenantId"`
	Action     ChangeAction `json:"action"`
	ID         string       `json:"id"`
	Timestamp  int64        `json:"timestamp"`
}

// ChangeNotifier fans out change notices to listeners of a collection.
type ChangeNotifier interface {
	Publish(ctx context.Context, notice ChangeNotice) error
	// Listen calls fn for every notice on collection and tenantID until the
	// returned stop function is called.
	Listen(ctx context.Context, collection, tenantID string, fn func(ChangeNotice)) (func(), error)
	Close() error
}

// ChannelName returns the change channel for a tenant's collection.
func ChannelName(collection, tenantID string) string {
	if tenantID == "" {
		tenantID = "_"
	}
	return "sync:changes:" + collection + ":" + tenantID
}

// LocalNotifier delivers notices within the process.
type LocalNotifier struct {
	mu        sync.RWMutex
	listeners map[string]map[int]func(ChangeNotice)
	nextID    int
}

// NewLocalNotifier creates an in-process notifier.
func NewLocalNotifier() *LocalNotifier {
	return &LocalNotifier{listeners: make(map[string]map[int]func(ChangeNotice))}
}

// Publish calls every listener of the notice's channel.
func (n *LocalNotifier) Publish(ctx context.Context, notice ChangeNotice) error {
	if notice.Timestamp == 0 {
		notice.Timestamp = time.Now().UnixNano()
	}
	channel := ChannelName(notice.Collection, notice.TenantID)

	n.mu.RLock()
	fns := make([]func(ChangeNotice), 0, len(n.listeners[channel]))
	for _, fn := range n.listeners[channel] {
		fns = append(fns, fn)
	}
	n.mu.RUnlock()

	for _, fn := range fns {
		fn(notice)
	}
	return nil
}

// Listen registers fn for collection and tenantID.
func (n *LocalNotifier) Listen(ctx context.Context, collection, tenantID string, fn func(ChangeNotice)) (func(), error) {
	channel := ChannelName(collection, tenantID)

	n.mu.Lock()
	id := n.nextID
	n.nextID++
	if n.listeners[channel] == nil {
		n.listeners[channel] = make(map[int]func(ChangeNotice))
	}
	n.listeners[channel][id] = fn
	n.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			n.mu.Lock()
			delete(n.listeners[channel], id)
			if len(n.listeners[channel]) == 0 {
				delete(n.listeners, channel)
			}
			n.mu.Unlock()
		})
	}, nil
}

// Close drops every listener.
func (n *LocalNotifier) Close() error {
	n.mu.Lock()
	n.listeners = make(map[string]map[int]func(ChangeNotice))
	n.mu.Unlock()
	return nil
}

var _ ChangeNotifier = (*LocalNotifier)(nil)

// RedisNotifier implements ChangeNotifier using Redis Pub/Sub so every
// instance sharing the remote store sees every write.
type RedisNotifier struct {
	client     *redis.Client
	ownsClient bool // true if we created the client and should close it
	logger     *zap.Logger
}

// RedisNotifierOption is a functional option for configuring the notifier
type RedisNotifierOption func(*RedisNotifier)

// WithNotifierLogger sets the logger for the notifier
func WithNotifierLogger(logger *zap.Logger) RedisNotifierOption {
	return func(n *RedisNotifier) {
		if logger != nil {
			n.logger = logger
		}
	}
}

// NewRedisNotifier connects to Redis and verifies the connection.
func NewRedisNotifier(addr, password string, db int, opts ...RedisNotifierOption) (*RedisNotifier, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	n := NewRedisNotifierWithClient(client, opts...)
	n.ownsClient = true
	return n, nil
}

// NewRedisNotifierWithClient creates a notifier with an existing Redis client.
// The caller keeps ownership of the client.
func NewRedisNotifierWithClient(client *redis.Client, opts ...RedisNotifierOption) *RedisNotifier {
	n := &RedisNotifier{
		client: client,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Publish sends notice to the channel of its collection and tenant.
func (n *RedisNotifier) Publish(ctx context.Context, notice ChangeNotice) error {
	if notice.Timestamp == 0 {
		notice.Timestamp = time.Now().UnixNano()
	}

	data, err := json.Marshal(notice)
	if err != nil {
		return fmt.Errorf("failed to marshal change notice: %w", err)
	}

	channel := ChannelName(notice.Collection, notice.TenantID)
	if err := n.client.Publish(ctx, channel, data).Err(); err != nil {
		n.logger.Error("Failed to publish change notice",
			zap.String("channel", channel),
			zap.Error(err))
		return fmt.Errorf("failed to publish change notice: %w", err)
	}

	n.logger.Debug("Published change notice",
		zap.String("channel", channel),
		zap.String("action", string(notice.Action)),
		zap.String("id", notice.ID))
	return nil
}

// Listen subscribes to the channel and calls fn from a background goroutine.
// It returns once the subscription is confirmed.
func (n *RedisNotifier) Listen(ctx context.Context, collection, tenantID string, fn func(ChangeNotice)) (func(), error) {
	channel := ChannelName(collection, tenantID)
	subCtx, cancel := context.WithCancel(ctx)

	pubsub := n.client.Subscribe(subCtx, channel)
	// Wait for subscription confirmation
	if _, err := pubsub.Receive(subCtx); err != nil {
		cancel()
		_ = pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", channel, err)
	}

	n.logger.Info("Subscribed to change channel", zap.String("channel", channel))

	done := make(chan struct{})
	go func() {
		defer close(done)
		ch := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					n.logger.Warn("Change channel closed", zap.String("channel", channel))
					return
				}
				var notice ChangeNotice
				if err := json.Unmarshal([]byte(msg.Payload), &notice); err != nil {
					n.logger.Error("Failed to unmarshal change notice",
						zap.String("payload", msg.Payload),
						zap.Error(err))
					continue
				}
				fn(notice)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			_ = pubsub.Close()
			<-done
		})
	}, nil
}

// Close closes the Redis client when the notifier created it.
func (n *RedisNotifier) Close() error {
	if n.ownsClient {
		return n.client.Close()
	}
	return nil
}

var _ ChangeNotifier = (*RedisNotifier)(nil)
