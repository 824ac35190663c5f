package transport

import "sync"

// SerialWriter runs enqueued actions one at a time, in the order callers entered Enqueue.
// sync.Mutex makes no FIFO promise, so waiters are kept in an explicit queue and
// ownership is handed directly from one action to the next.
// The zero value is ready to use.
type SerialWriter struct {
	mu      sync.Mutex
	busy    bool
	waiters []chan struct{}
}

// Enqueue blocks until every previously admitted action has finished, then runs action and returns its error.
func (w *SerialWriter) Enqueue(action func() error) error {
	w.mu.Lock()
	if w.busy {
		ch := make(chan struct{})
		w.waiters = append(w.waiters, ch)
		w.mu.Unlock()
		<-ch
	} else {
		w.busy = true
		w.mu.Unlock()
	}
	defer w.release()
	return action()
}

func (w *SerialWriter) release() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.waiters) == 0 {
		w.busy = false
		return
	}
	next := w.waiters[0]
	w.waiters[0] = nil
	w.waiters = w.waiters[1:]
	close(next)
}

func (w *SerialWriter) queued() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.waiters)
}
