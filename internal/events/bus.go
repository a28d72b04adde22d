package events

import (
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pavelanni/autograder/internal/model"
)

// DefaultBuffer is the per-subscriber channel size.
const DefaultBuffer = 16

// UserRoom is the room of one user.
func UserRoom(userID int64) string {
	return "user:" + strconv.FormatInt(userID, 10)
}

// Subscription receives events published to one room.
type Subscription struct {
	C    <-chan model.Event
	ch   chan model.Event
	room string
	bus  *Bus
	once sync.Once
}

// Close unsubscribes and closes C.
func (s *Subscription) Close() {
	s.bus.unsubscribe(s)
}

// Bus fans events out to room subscribers. Publishing never blocks: a
// subscriber whose buffer is full misses the event.
type Bus struct {
	mu     sync.RWMutex
	rooms  map[string]map[*Subscription]struct{}
	buffer int
	closed bool
}

// NewBus creates an event bus with the given per-subscriber buffer size.
func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Bus{rooms: make(map[string]map[*Subscription]struct{}), buffer: buffer}
}

// Subscribe registers a subscriber for room. Subscribing to a closed bus
// returns a subscription whose channel is already closed.
func (b *Bus) Subscribe(room string) *Subscription {
	ch := make(chan model.Event, b.buffer)
	sub := &Subscription{C: ch, ch: ch, room: room, bus: b}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		sub.once.Do(func() { close(ch) })
		return sub
	}
	if b.rooms[room] == nil {
		b.rooms[room] = make(map[*Subscription]struct{})
	}
	b.rooms[room][sub] = struct{}{}
	return sub
}

func (b *Bus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if subs, ok := b.rooms[sub.room]; ok {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(b.rooms, sub.room)
		}
	}
	sub.once.Do(func() { close(sub.ch) })
}

// Publish delivers ev to every subscriber of ev.Room and reports how many
// received it. Missing ID and Timestamp are filled in.
func (b *Bus) Publish(ev model.Event) int {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return 0
	}
	delivered := 0
	for sub := range b.rooms[ev.Room] {
		select {
		case sub.ch <- ev:
			delivered++
		default:
			slog.Debug("dropping event for slow subscriber", "room", ev.Room, "kind", ev.Kind)
		}
	}
	return delivered
}

// Subscribers returns the number of subscribers of room.
func (b *Bus) Subscribers(room string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.rooms[room])
}

// Close closes every subscription. Later publishes are dropped.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for room, subs := range b.rooms {
		for sub := range subs {
			sub.once.Do(func() { close(sub.ch) })
		}
		delete(b.rooms, room)
	}
}
