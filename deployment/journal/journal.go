package journal

import (
	"iter"
	"slices"
	"sync"
)

// Journal is the append-only log of a deployment. The state of a deployment is always the result of reducing every
// message of its journal, in order.
type Journal interface {
	// Record appends a message. The message is durable once Record returns.
	Record(message Message) error

	// ReadAll returns every recorded message in order. The sequence may be iterated several times, each iteration
	// starting from the first message.
	ReadAll() iter.Seq2[Message, error]
}

// MemoryJournal is a Journal kept in memory, for tests and dry runs.
type MemoryJournal struct {
	messages []Message
	lock     sync.Mutex
}

// NewMemoryJournal creates an empty MemoryJournal.
func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{messages: make([]Message, 0)}
}

// Record implements Journal.
func (j *MemoryJournal) Record(message Message) error {
	j.lock.Lock()
	defer j.lock.Unlock()
	j.messages = append(j.messages, message)
	return nil
}

// ReadAll implements Journal. Iteration covers the messages recorded when it starts.
func (j *MemoryJournal) ReadAll() iter.Seq2[Message, error] {
	return func(yield func(Message, error) bool) {
		j.lock.Lock()
		messages := slices.Clone(j.messages)
		j.lock.Unlock()
		for _, message := range messages {
			if !yield(message, nil) {
				return
			}
		}
	}
}

// Messages returns a copy of every recorded message.
func (j *MemoryJournal) Messages() []Message {
	j.lock.Lock()
	defer j.lock.Unlock()
	return slices.Clone(j.messages)
}
