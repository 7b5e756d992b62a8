package alerts

import (
	"sync"
	"time"
)

// DeadLetter records one alert message that could not be delivered.
type DeadLetter struct {
	Sink     string    `json:"sink"`
	Message  string    `json:"message"`
	Reason   string    `json:"reason"`
	FailedAt time.Time `json:"failedAt"`
}

// deadLetterQueue keeps the most recent failed deliveries, dropping the
// oldest entry once full.
type deadLetterQueue struct {
	mu       sync.Mutex
	capacity int
	letters  []DeadLetter
}

func newDeadLetterQueue(capacity int) *deadLetterQueue {
	queue := new(deadLetterQueue)
	queue.capacity = capacity
	queue.letters = make([]DeadLetter, 0)
	return queue
}

// Offer records a failed delivery.
func (q *deadLetterQueue) Offer(letter DeadLetter) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.capacity > 0 && len(q.letters) >= q.capacity {
		copy(q.letters[0:], q.letters[1:])
		q.letters[len(q.letters)-1] = letter
		return
	}
	q.letters = append(q.letters, letter)
}

// Drain retrieves and clears all queued dead letters.
func (q *deadLetterQueue) Drain() []DeadLetter {
	q.mu.Lock()
	defer q.mu.Unlock()
	drained := make([]DeadLetter, len(q.letters))
	copy(drained, q.letters)
	q.letters = q.letters[:0]
	return drained
}

// Len returns the number of queued dead letters.
func (q *deadLetterQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.letters)
}
