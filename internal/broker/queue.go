package broker

import "sync"

// parkedQueue holds queue messages published while no consumer is attached.
//
// The queue is unbounded; a queue address without consumers is expected to
// gain one shortly (a node restarting, an orchestrator replica starting up).
type parkedQueue struct {
	mu       sync.Mutex
	messages []Message
}

func newParkedQueue() *parkedQueue {
	return &parkedQueue{
		messages: make([]Message, 0, 16),
	}
}

// Enqueue adds a message to the back of the queue.
func (q *parkedQueue) Enqueue(m Message) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.messages = append(q.messages, m)
}

// TryDequeue removes and returns the front message.
// Returns (Message{}, false) if the queue is empty.
func (q *parkedQueue) TryDequeue() (Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.messages) == 0 {
		return Message{}, false
	}

	m := q.messages[0]

	// Nil out the slot so the body can be collected.
	q.messages[0] = Message{}

	if len(q.messages) == 1 {
		q.messages = q.messages[:0]
	} else {
		q.messages = q.messages[1:]
	}

	return m, true
}

// Len returns the current queue length.
func (q *parkedQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.messages)
}
