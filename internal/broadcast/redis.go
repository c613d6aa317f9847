package broadcast

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const channelPrefix = "room:"

// RedisRelay carries room events between server instances over Redis
// pub/sub, one channel per room. Each relay stamps envelopes with its
// own instance id and discards messages it published itself.
type RedisRelay struct {
	rdb        *redis.Client
	instanceID string
	handler    func(roomID string, env Envelope)

	mu   sync.Mutex
	subs map[string]*roomSub
}

type roomSub struct {
	refs   int
	pubsub *redis.PubSub
	done   chan struct{}
}

// NewRedisRelay wires a relay to the given client. The handler is
// invoked for every envelope received from other instances; it is set
// once here to avoid a construction cycle with the Broadcaster.
func NewRedisRelay(rdb *redis.Client) *RedisRelay {
	return &RedisRelay{
		rdb:        rdb,
		instanceID: uuid.NewString(),
		subs:       make(map[string]*roomSub),
	}
}

// SetHandler registers the delivery callback for remote envelopes. Must
// be called before the first Subscribe.
func (r *RedisRelay) SetHandler(handler func(roomID string, env Envelope)) {
	r.handler = handler
}

func (r *RedisRelay) Publish(ctx context.Context, roomID string, env Envelope) {
	env.Instance = r.instanceID
	payload, err := json.Marshal(env)
	if err != nil {
		glog.Errorf("marshal relay envelope for room %s: %v", roomID, err)
		return
	}
	if err := r.rdb.Publish(ctx, channelPrefix+roomID, payload).Err(); err != nil {
		glog.Errorf("publish to room %s: %v", roomID, err)
	}
}

// Subscribe ensures this instance listens on the room's channel,
// reference-counted across local sessions. The returned release drops
// one reference; the subscription closes when the count reaches zero.
func (r *RedisRelay) Subscribe(roomID string) func() {
	r.mu.Lock()
	sub, ok := r.subs[roomID]
	if !ok {
		pubsub := r.rdb.Subscribe(context.Background(), channelPrefix+roomID)
		sub = &roomSub{pubsub: pubsub, done: make(chan struct{})}
		r.subs[roomID] = sub
		go r.listen(roomID, sub)
	}
	sub.refs++
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { r.release(roomID) })
	}
}

func (r *RedisRelay) release(roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subs[roomID]
	if !ok {
		return
	}
	sub.refs--
	if sub.refs > 0 {
		return
	}
	delete(r.subs, roomID)
	close(sub.done)
	if err := sub.pubsub.Close(); err != nil {
		glog.Errorf("close subscription for room %s: %v", roomID, err)
	}
}

func (r *RedisRelay) listen(roomID string, sub *roomSub) {
	ch := sub.pubsub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var env Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				glog.Errorf("decode relay envelope for room %s: %v", roomID, err)
				continue
			}
			if env.Instance == r.instanceID {
				continue
			}
			if r.handler != nil {
				r.handler(roomID, env)
			}
		case <-sub.done:
			return
		}
	}
}

// Close tears down every open subscription, e.g. on server shutdown.
func (r *RedisRelay) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for roomID, sub := range r.subs {
		close(sub.done)
		if err := sub.pubsub.Close(); err != nil {
			glog.Errorf("close subscription for room %s: %v", roomID, err)
		}
		delete(r.subs, roomID)
	}
}
