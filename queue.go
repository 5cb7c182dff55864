package rofsock

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"
)

// PriorityClass is an outbound traffic category. Lower values drain first.
type PriorityClass int

const (
	// ClassManagement carries control and administrative traffic.
	ClassManagement PriorityClass = iota
	// ClassFlow carries table mutations.
	ClassFlow
	// ClassPacket carries per-packet data-plane traffic.
	ClassPacket
)

func (c PriorityClass) String() string {
	switch c {
	case ClassManagement:
		return "management"
	case ClassFlow:
		return "flow"
	case ClassPacket:
		return "packet"
	default:
		return fmt.Sprintf("class-%d", int(c))
	}
}

var (
	// ErrQueueFull is returned by Store when a class with a hard capacity
	// is full. The new message is dropped.
	ErrQueueFull = errors.New("queue full")
	// ErrUnknownClass is returned for a class the queue set wasn't built with.
	ErrUnknownClass = errors.New("unknown priority class")
)

// ClassConfig bounds one priority class.
type ClassConfig struct {
	// Quota is the most messages sent from the class per drain cycle.
	Quota int `toml:"quota"`
	// Capacity caps resident messages. Zero leaves the queue unbounded.
	Capacity int `toml:"capacity"`
}

// DefaultClassConfigs returns the management, flow and packet defaults.
func DefaultClassConfigs() []ClassConfig {
	return []ClassConfig{
		ClassManagement: {Quota: 8},
		ClassFlow:       {Quota: 4},
		ClassPacket:     {Quota: 2},
	}
}

// queue is a FIFO guarded by a read-write lock held only for single
// appends and pops.
type queue struct {
	mu    sync.RWMutex
	items []*Message

	quota    int
	capacity int
}

func (q *queue) store(m *Message) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.capacity > 0 && len(q.items) >= q.capacity {
		return len(q.items), ErrQueueFull
	}
	q.items = append(q.items, m)
	return len(q.items), nil
}

func (q *queue) retrieve() *Message {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return nil
	}
	m := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return m
}

func (q *queue) len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.items)
}

func (q *queue) clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.items)
	q.items = nil
	return n
}

// QueueSet holds one bounded FIFO per priority class and drains them in
// class order, each up to its quota per cycle.
type QueueSet struct {
	queues []*queue
	wakeup func()
}

// NewQueueSet builds a queue per config entry; the entry index is the
// class. wakeup is called after every Store and after a drain cycle that
// leaves messages behind. It may be nil.
func NewQueueSet(configs []ClassConfig, wakeup func()) *QueueSet {
	qs := &QueueSet{
		queues: make([]*queue, len(configs)),
		wakeup: wakeup,
	}
	for i, cfg := range configs {
		quota := cfg.Quota
		if quota <= 0 {
			quota = 1
		}
		qs.queues[i] = &queue{quota: quota, capacity: cfg.Capacity}
	}
	return qs
}

func (qs *QueueSet) class(c PriorityClass) (*queue, error) {
	if int(c) < 0 || int(c) >= len(qs.queues) {
		return nil, errors.Wrapf(ErrUnknownClass, "%s", c)
	}
	return qs.queues[c], nil
}

// Store appends m to the tail of its class queue and returns the new
// depth. Unless the class has a capacity, Store never refuses a message.
func (qs *QueueSet) Store(c PriorityClass, m *Message) (int, error) {
	q, err := qs.class(c)
	if err != nil {
		return 0, err
	}
	depth, err := q.store(m)
	qs.signal()
	return depth, err
}

// Drain runs one cycle: for every class in order it pops up to the
// class quota and hands each message to sink before popping the next.
// A sink error skips that message only. It returns the number of
// messages sink accepted and whether any class still has a backlog, in
// which case wakeup has been signalled again.
func (qs *QueueSet) Drain(sink func(PriorityClass, *Message) error) (sent int, pending bool) {
	for i, q := range qs.queues {
		for n := 0; n < q.quota; n++ {
			m := q.retrieve()
			if m == nil {
				break
			}
			if err := sink(PriorityClass(i), m); err != nil {
				continue
			}
			sent++
		}
		if q.len() > 0 {
			pending = true
		}
	}
	if pending {
		qs.signal()
	}
	return sent, pending
}

// Depth returns the number of messages queued for a class.
func (qs *QueueSet) Depth(c PriorityClass) int {
	q, err := qs.class(c)
	if err != nil {
		return 0
	}
	return q.len()
}

// Pending reports whether any class has queued messages.
func (qs *QueueSet) Pending() bool {
	for _, q := range qs.queues {
		if q.len() > 0 {
			return true
		}
	}
	return false
}

// Classes returns the number of priority classes.
func (qs *QueueSet) Classes() int {
	return len(qs.queues)
}

// Clear drops every queued message without sending it and returns how
// many were dropped.
func (qs *QueueSet) Clear() int {
	dropped := 0
	for _, q := range qs.queues {
		dropped += q.clear()
	}
	return dropped
}

func (qs *QueueSet) signal() {
	if qs.wakeup != nil {
		qs.wakeup()
	}
}
