package continuation

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

var _ Queue = (*MemoryQueue)(nil)

type memoryQueueItem struct {
	id          string
	seq         int64
	payload     []byte
	dueAt       time.Time
	leasedUntil time.Time
	leaseToken  string
	deliveries  int
}

// MemoryQueue is an in-process Queue. Payloads are stored serialized so that
// workflows observe exactly what a durable backend would hand back.
type MemoryQueue struct {
	mu         sync.Mutex
	items      map[string]*memoryQueueItem
	nextSeq    int64
	visibility time.Duration
	now        func() time.Time
}

func NewMemoryQueue(visibility time.Duration) *MemoryQueue {
	return &MemoryQueue{
		items:      make(map[string]*memoryQueueItem),
		visibility: visibility,
		now:        time.Now,
	}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, payload *Payload, delay time.Duration) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	q.nextSeq++
	item := &memoryQueueItem{
		id:      strconv.FormatInt(q.nextSeq, 10),
		seq:     q.nextSeq,
		payload: data,
		dueAt:   q.now().Add(delay),
	}
	q.items[item.id] = item

	return nil
}

func (q *MemoryQueue) Dequeue(ctx context.Context, workerID string) (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()

	var selected *memoryQueueItem
	for _, item := range q.items {
		if item.dueAt.After(now) || item.leasedUntil.After(now) {
			continue
		}

		if selected == nil ||
			item.dueAt.Before(selected.dueAt) ||
			(item.dueAt.Equal(selected.dueAt) && item.seq < selected.seq) {
			selected = item
		}
	}

	if selected == nil {
		return nil, nil
	}

	var payload Payload
	if err := json.Unmarshal(selected.payload, &payload); err != nil {
		return nil, fmt.Errorf("unmarshal payload %s: %w", selected.id, err)
	}

	selected.leasedUntil = now.Add(q.visibility)
	selected.leaseToken = workerID + ":" + uuid.NewString()
	selected.deliveries++

	return &Job{
		ID:         selected.id,
		Payload:    &payload,
		LeaseToken: selected.leaseToken,
		Deliveries: selected.deliveries,
	}, nil
}

func (q *MemoryQueue) Complete(ctx context.Context, job *Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, exists := q.items[job.ID]
	if !exists || item.leaseToken != job.LeaseToken {
		return ErrLeaseLost
	}

	delete(q.items, job.ID)

	return nil
}

func (q *MemoryQueue) Advance(ctx context.Context, job *Job, next *Payload, delay time.Duration) error {
	var data []byte
	if next != nil {
		var err error
		if data, err = json.Marshal(next); err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	item, exists := q.items[job.ID]
	if !exists || item.leaseToken != job.LeaseToken {
		return ErrLeaseLost
	}

	delete(q.items, job.ID)

	if data != nil {
		q.nextSeq++
		successor := &memoryQueueItem{
			id:      strconv.FormatInt(q.nextSeq, 10),
			seq:     q.nextSeq,
			payload: data,
			dueAt:   q.now().Add(delay),
		}
		q.items[successor.id] = successor
	}

	return nil
}

func (q *MemoryQueue) Release(ctx context.Context, job *Job, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, exists := q.items[job.ID]
	if !exists || item.leaseToken != job.LeaseToken {
		return ErrLeaseLost
	}

	item.dueAt = q.now().Add(delay)
	item.leasedUntil = time.Time{}
	item.leaseToken = ""

	return nil
}

func (q *MemoryQueue) Len(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.items), nil
}
