package hotword

import (
	"sync"
	"time"

	"github.com/rs/xid"
)

// Notification types published to live subscribers.
const (
	NotifySession     = "session"
	NotifyRecognition = "recognition"
	NotifyVerdict     = "verdict"
	NotifyRecording   = "recording"
	NotifyModels      = "models"
)

// Notification is a live event for WebSocket clients.
type Notification struct {
	ID    string    `json:"id"`
	Type  string    `json:"type"`
	Time  time.Time `json:"time"`
	Model string    `json:"model,omitempty"`
	Data  any       `json:"data,omitempty"`
}

// Publisher fans notifications out to subscribers. Slow subscribers miss
// notifications rather than block the publisher.
type Publisher struct {
	mu     sync.Mutex
	subs   map[int]chan Notification
	nextID int
}

// NewPublisher creates a publisher without subscribers.
func NewPublisher() *Publisher {
	return &Publisher{subs: make(map[int]chan Notification)}
}

// Subscribe returns a channel of notifications and a function that ends the
// subscription and closes the channel.
func (p *Publisher) Subscribe(buffer int) (<-chan Notification, func()) {
	ch := make(chan Notification, buffer)
	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.subs[id] = ch
	p.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			p.mu.Lock()
			delete(p.subs, id)
			p.mu.Unlock()
			close(ch)
		})
	}
}

// Publish sends a notification to every subscriber that has room for it.
func (p *Publisher) Publish(typ, model string, data any) {
	n := Notification{ID: xid.New().String(), Type: typ, Time: time.Now(), Model: model, Data: data}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ch := range p.subs {
		select {
		case ch <- n:
		default:
		}
	}
}

// Subscribers returns the number of active subscriptions.
func (p *Publisher) Subscribers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subs)
}
