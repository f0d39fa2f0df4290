package live

import "sync/atomic"

// Mailbox holds at most one pending value. Put replaces anything unread.
type Mailbox[T any] struct {
	slot   atomic.Pointer[T]
	notify chan struct{}
}

func NewMailbox[T any]() *Mailbox[T] {
	return &Mailbox[T]{notify: make(chan struct{}, 1)}
}

// Put stores v and reports whether an unread value was superseded.
func (m *Mailbox[T]) Put(v T) bool {
	old := m.slot.Swap(&v)
	select {
	case m.notify <- struct{}{}:
	default:
	}
	return old != nil
}

// Take empties the slot.
func (m *Mailbox[T]) Take() (T, bool) {
	p := m.slot.Swap(nil)
	if p == nil {
		var zero T
		return zero, false
	}
	return *p, true
}

// Ready fires after a Put. It may fire with the slot already emptied.
func (m *Mailbox[T]) Ready() <-chan struct{} {
	return m.notify
}
