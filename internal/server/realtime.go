package server

import (
	"context"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/offsetledger/internal/credits"
)

const (
	RealtimeEventRecordChanged = "record-change"
	realtimeEventHeartbeat     = "heartbeat"
	realtimeSourceBackend      = "offsetledger"
	realtimeBufferSize         = 16
)

// RealtimeMessage describes a committed change to one record.
type RealtimeMessage struct {
	RecordID  string
	EventType string
	Change    credits.EventType
	Amount    int64
	State     credits.State
	Timestamp time.Time
}

// RealtimeDispatcher fans committed record changes out to stream subscribers of that record.
// Slow subscribers drop messages rather than block publishers.
type RealtimeDispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*realtimeSubscriber
	nextID      int64
	bufferSize  int
	closed      bool
}

type realtimeSubscriber struct {
	id     int64
	stream chan RealtimeMessage
}

func NewRealtimeDispatcher() *RealtimeDispatcher {
	return &RealtimeDispatcher{
		subscribers: make(map[string]map[int64]*realtimeSubscriber),
		bufferSize:  realtimeBufferSize,
	}
}

// Subscribe registers interest in recordID until ctx ends or the returned cleanup runs.
func (d *RealtimeDispatcher) Subscribe(ctx context.Context, recordID string) (<-chan RealtimeMessage, func()) {
	if recordID == "" {
		ch := make(chan RealtimeMessage)
		close(ch)
		return ch, func() {}
	}
	subscriber := &realtimeSubscriber{
		id:     d.nextSequence(),
		stream: make(chan RealtimeMessage, d.bufferSize),
	}
	if !d.registerSubscriber(recordID, subscriber) {
		close(subscriber.stream)
		return subscriber.stream, func() {}
	}
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.unregisterSubscriber(recordID, subscriber.id)
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

func (d *RealtimeDispatcher) Publish(message RealtimeMessage) {
	if message.RecordID == "" || message.EventType == "" {
		return
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, subscriber := range d.subscribers[message.RecordID] {
		select {
		case subscriber.stream <- message:
		default:
		}
	}
}

// Close ends every open subscription and rejects new ones.
func (d *RealtimeDispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.closed = true
	for recordID, subscribers := range d.subscribers {
		for _, subscriber := range subscribers {
			close(subscriber.stream)
		}
		delete(d.subscribers, recordID)
	}
}

// SubscriberCount reports the number of live subscriptions for recordID.
func (d *RealtimeDispatcher) SubscriberCount(recordID string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers[recordID])
}

func (d *RealtimeDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *RealtimeDispatcher) registerSubscriber(recordID string, subscriber *realtimeSubscriber) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return false
	}
	if _, ok := d.subscribers[recordID]; !ok {
		d.subscribers[recordID] = make(map[int64]*realtimeSubscriber)
	}
	d.subscribers[recordID][subscriber.id] = subscriber
	return true
}

func (d *RealtimeDispatcher) unregisterSubscriber(recordID string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[recordID]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, recordID)
		}
	}
	d.mu.Unlock()
}
