// Package stream fans live race events out to websocket subscribers, across
// instances when redis is configured.
package stream

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"sync"
	"time"

	"backend-racetracker/internal/logger"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	EventCrossing = "crossing"
	EventProgress = "progress"
)

// Event is the message delivered to subscribers.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// envelope wraps payloads relayed through redis so an instance can skip its
// own messages; local subscribers were already served directly.
type envelope struct {
	Origin  string          `json:"origin"`
	Payload json.RawMessage `json:"payload"`
}

// defaultPublishTimeout bounds each redis relay publish. Local subscribers
// are served before it.
const defaultPublishTimeout = 2 * time.Second

type Hub struct {
	redis          *redis.Client
	log            *zap.Logger
	instance       string
	publishTimeout time.Duration
	clients  map[string]map[*Client]struct{}
	mu       sync.RWMutex

	ready  chan struct{}
	cancel context.CancelFunc
}

type Client struct {
	Topic string
	Send  chan []byte
}

func NewHub(redisClient *redis.Client, log *zap.Logger) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		redis:          redisClient,
		log:            logger.OrNop(log),
		instance:       uuid.NewString(),
		publishTimeout: defaultPublishTimeout,
		clients:        map[string]map[*Client]struct{}{},
		ready:          make(chan struct{}),
		cancel:         cancel,
	}

	if redisClient != nil {
		go h.subscribeRedis(ctx)
	} else {
		close(h.ready)
	}
	return h
}

// RaceTopic names the topic carrying a race's crossings and progress.
func RaceTopic(raceID int64) string {
	return "race:" + strconv.FormatInt(raceID, 10)
}

func (h *Hub) Register(topic string) *Client {
	client := &Client{
		Topic: topic,
		Send:  make(chan []byte, 64),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[topic] == nil {
		h.clients[topic] = map[*Client]struct{}{}
	}
	h.clients[topic][client] = struct{}{}
	return client
}

func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if topicClients, ok := h.clients[client.Topic]; ok {
		delete(topicClients, client)
		if len(topicClients) == 0 {
			delete(h.clients, client.Topic)
		}
	}
	close(client.Send)
}

// Publish wraps data in an Event of the given type and broadcasts it.
func (h *Hub) Publish(topic, eventType string, data any) {
	payload, err := json.Marshal(Event{Type: eventType, Data: data})
	if err != nil {
		h.log.Warn("stream event encode failed", zap.String("topic", topic), zap.Error(err))
		return
	}
	h.Broadcast(topic, payload)
}

func (h *Hub) Broadcast(topic string, payload []byte) {
	h.deliver(topic, payload)

	if h.redis == nil {
		return
	}
	msg, err := json.Marshal(envelope{Origin: h.instance, Payload: payload})
	if err != nil {
		h.log.Warn("stream envelope encode failed", zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), h.publishTimeout)
	defer cancel()
	if err := h.redis.Publish(ctx, redisChannel(topic), msg).Err(); err != nil {
		h.log.Warn("redis publish error", zap.String("topic", topic), zap.Error(err))
	}
}

// Close stops relaying messages from redis.
func (h *Hub) Close() {
	h.cancel()
}

func (h *Hub) deliver(topic string, payload []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients[topic] {
		select {
		case client.Send <- payload:
		default:
		}
	}
}

func (h *Hub) subscribeRedis(ctx context.Context) {
	pubsub := h.redis.PSubscribe(ctx, redisChannel("*"))
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		h.log.Warn("redis subscribe failed", zap.Error(err))
		close(h.ready)
		return
	}
	close(h.ready)

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				h.log.Debug("dropping malformed stream message", zap.String("channel", msg.Channel))
				continue
			}
			if env.Origin == h.instance {
				continue
			}
			h.deliver(topicFromChannel(msg.Channel), env.Payload)
		}
	}
}

func redisChannel(topic string) string {
	return "stream:" + topic + ":events"
}

func topicFromChannel(ch string) string {
	// stream:{topic}:events
	const prefix = "stream:"
	const suffix = ":events"
	if !strings.HasPrefix(ch, prefix) || !strings.HasSuffix(ch, suffix) || len(ch) <= len(prefix)+len(suffix) {
		return ""
	}
	return ch[len(prefix) : len(ch)-len(suffix)]
}
