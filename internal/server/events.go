package server

import (
	"context"
	"sync"
	"time"
)

// Collections a change event can refer to.
const (
	CollectionFiles            = "files"
	CollectionAnnotations      = "annotations"
	CollectionDeletionRequests = "deletion-requests"
)

// ChangeEvent announces that records in one project collection changed. It is
// a best-effort accelerator for polling clients; correctness never depends on
// an event being delivered.
type ChangeEvent struct {
	ProjectID  string    `json:"project_id"`
	Collection string    `json:"collection"`
	RecordIDs  []string  `json:"record_ids"`
	Timestamp  time.Time `json:"timestamp"`
}

// ChangeDispatcher fans change events out to the subscribers of a project.
type ChangeDispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*changeSubscriber
	nextID      int64
	bufferSize  int
}

type changeSubscriber struct {
	id     int64
	stream chan ChangeEvent
}

func NewChangeDispatcher() *ChangeDispatcher {
	return &ChangeDispatcher{
		subscribers: make(map[string]map[int64]*changeSubscriber),
		bufferSize:  16,
	}
}

func (d *ChangeDispatcher) Subscribe(ctx context.Context, projectID string) (<-chan ChangeEvent, func()) {
	if projectID == "" {
		ch := make(chan ChangeEvent)
		close(ch)
		return ch, func() {}
	}
	subscriber := &changeSubscriber{
		id:     d.nextSequence(),
		stream: make(chan ChangeEvent, d.bufferSize),
	}
	d.registerSubscriber(projectID, subscriber)
	cleanup := func() {
		d.unregisterSubscriber(projectID, subscriber.id)
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish delivers the event to every current subscriber of the project.
// Slow subscribers are skipped rather than blocked on.
func (d *ChangeDispatcher) Publish(event ChangeEvent) {
	if event.ProjectID == "" || event.Collection == "" {
		return
	}
	d.mu.RLock()
	subscribers := d.subscribers[event.ProjectID]
	if len(subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*changeSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- event:
		default:
		}
	}
}

func (d *ChangeDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *ChangeDispatcher) registerSubscriber(projectID string, subscriber *changeSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[projectID]; !ok {
		d.subscribers[projectID] = make(map[int64]*changeSubscriber)
	}
	d.subscribers[projectID][subscriber.id] = subscriber
}

func (d *ChangeDispatcher) unregisterSubscriber(projectID string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[projectID]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, projectID)
		}
	}
	d.mu.Unlock()
}
