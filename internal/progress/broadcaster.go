// Package progress fans task state deltas out to live per-user channels.
// Delivery is strictly best-effort: a slow or dead subscriber can never
// block or fail the orchestration pushing to it.
package progress

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sourcehound/harvester/internal/harvest"
)

const (
	defaultMaxPerUser   = 5
	defaultBufferSize   = 64
	defaultPingInterval = 15 * time.Second
	defaultLiveTimeout  = 60 * time.Second
)

// Config controls the Broadcaster.
//   - MaxPerUser: channel cap per user; on overflow the oldest channel is
//     closed to admit the newest (default 5).
//   - BufferSize: per-channel event buffer (default 64).
//   - PingInterval: how often live channels are pinged (default 15s).
//   - LiveTimeout: a channel that accepts no delivery for this long is
//     closed and removed (default 60s).
type Config struct {
	MaxPerUser   int
	BufferSize   int
	PingInterval time.Duration
	LiveTimeout  time.Duration
	Clock        harvest.Clock
	Logger       *zap.Logger
}

// Broadcaster implements harvest.Notifier over an in-process registry of
// per-user subscriptions.
type Broadcaster struct {
	cfg    Config
	logger *zap.Logger

	mu    sync.Mutex
	users map[string][]*Subscription
	seq   int64

	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// Subscription is one live channel registered for a user. The closed flag
// and the channel close itself are guarded by the broadcaster mutex, the
// same mutex every send holds, so a send can never race a close.
type Subscription struct {
	id      int64
	ownerID string
	events  chan harvest.ProgressEvent
	lastOK  time.Time
	closed  bool

	b *Broadcaster
}

// Events returns the receive side of the subscription.
func (s *Subscription) Events() <-chan harvest.ProgressEvent {
	return s.events
}

// Close deregisters the subscription and closes its channel.
func (s *Subscription) Close() {
	s.b.remove(s)
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// NewBroadcaster starts the liveness loop and returns a ready Broadcaster.
func NewBroadcaster(cfg Config) *Broadcaster {
	if cfg.MaxPerUser <= 0 {
		cfg.MaxPerUser = defaultMaxPerUser
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.LiveTimeout <= 0 {
		cfg.LiveTimeout = defaultLiveTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = systemClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	b := &Broadcaster{
		cfg:    cfg,
		logger: cfg.Logger,
		users:  make(map[string][]*Subscription),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	go b.pingLoop()
	return b
}

// Subscribe registers a live channel for ownerID. When the per-user cap is
// reached the oldest channel is forcibly closed to admit the newest.
func (b *Broadcaster) Subscribe(ownerID string) *Subscription {
	b.mu.Lock()
	b.seq++
	sub := &Subscription{
		id:      b.seq,
		ownerID: ownerID,
		events:  make(chan harvest.ProgressEvent, b.cfg.BufferSize),
		lastOK:  b.cfg.Clock.Now(),
		b:       b,
	}
	var evicted bool
	if subs := b.users[ownerID]; len(subs) >= b.cfg.MaxPerUser {
		b.closeLocked(subs[0])
		evicted = true
	}
	b.users[ownerID] = append(b.users[ownerID], sub)
	b.mu.Unlock()

	if evicted {
		b.logger.Debug("evicted oldest progress channel", zap.String("owner_id", ownerID))
	}
	return sub
}

// SendToUser delivers evt to every live channel registered for ownerID.
// Fire and forget: full buffers drop the event, and every failure is
// swallowed.
func (b *Broadcaster) SendToUser(ownerID string, evt harvest.ProgressEvent) {
	if b == nil {
		return
	}
	now := b.cfg.Clock.Now()
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.users[ownerID] {
		select {
		case sub.events <- evt:
			sub.lastOK = now
		default:
			// Subscriber is not draining; the liveness sweep reaps it.
		}
	}
}

// SubscriberCount reports how many channels are registered for ownerID.
func (b *Broadcaster) SubscriberCount(ownerID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.users[ownerID])
}

// Close stops the liveness loop and closes every registered channel.
func (b *Broadcaster) Close() {
	b.stopOnce.Do(func() {
		close(b.stopCh)
		<-b.doneCh
		b.mu.Lock()
		var all []*Subscription
		for _, subs := range b.users {
			all = append(all, subs...)
		}
		for _, sub := range all {
			b.closeLocked(sub)
		}
		b.mu.Unlock()
	})
}

func (b *Broadcaster) remove(sub *Subscription) {
	b.mu.Lock()
	b.closeLocked(sub)
	b.mu.Unlock()
}

// closeLocked deregisters sub and closes its channel. Caller holds b.mu;
// keeping the close under the send mutex is what makes SendToUser safe.
func (b *Broadcaster) closeLocked(sub *Subscription) {
	if sub.closed {
		return
	}
	sub.closed = true
	subs := b.users[sub.ownerID]
	for i, s := range subs {
		if s.id == sub.id {
			b.users[sub.ownerID] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(b.users[sub.ownerID]) == 0 {
		delete(b.users, sub.ownerID)
	}
	close(sub.events)
}

// pingLoop periodically sends a ping to every channel and reaps the ones
// whose deliveries have been failing past the liveness deadline.
func (b *Broadcaster) pingLoop() {
	defer close(b.doneCh)
	ticker := time.NewTicker(b.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.stopCh:
			return
		case <-ticker.C:
			b.sweep()
		}
	}
}

func (b *Broadcaster) sweep() {
	now := b.cfg.Clock.Now()
	ping := harvest.ProgressEvent{Ping: true, TS: now}

	b.mu.Lock()
	var dead []*Subscription
	for _, subs := range b.users {
		for _, sub := range subs {
			select {
			case sub.events <- ping:
				sub.lastOK = now
			default:
				if now.Sub(sub.lastOK) > b.cfg.LiveTimeout {
					dead = append(dead, sub)
				}
			}
		}
	}
	for _, sub := range dead {
		b.closeLocked(sub)
	}
	b.mu.Unlock()

	for _, sub := range dead {
		b.logger.Debug("closed unresponsive progress channel",
			zap.String("owner_id", sub.ownerID),
		)
	}
}
