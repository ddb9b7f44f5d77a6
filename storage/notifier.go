package storage

import "sync"

// notifier delivers flush events to a callback in the order they were
// sent. Delivery happens on the notifier's own goroutine and the queue is
// unbounded, so sending never waits on the callback.
type notifier struct {
	fn    func(FlushEvent)
	mu    sync.Mutex
	queue []FlushEvent
	wake  chan struct{}
	done  chan struct{}
}

// newNotifier starts a notifier for fn. It returns nil when fn is nil;
// a nil notifier drops every event.
func newNotifier(fn func(FlushEvent)) *notifier {
	if fn == nil {
		return nil
	}
	n := &notifier{
		fn:   fn,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go n.run()
	return n
}

// send queues e for delivery. It must not be called after close.
func (n *notifier) send(e FlushEvent) {
	if n == nil {
		return
	}
	n.mu.Lock()
	n.queue = append(n.queue, e)
	n.mu.Unlock()

	select {
	case n.wake <- struct{}{}:
	default:
	}
}

func (n *notifier) run() {
	defer close(n.done)
	for range n.wake {
		for {
			n.mu.Lock()
			if len(n.queue) == 0 {
				n.mu.Unlock()
				break
			}
			e := n.queue[0]
			n.queue = n.queue[1:]
			n.mu.Unlock()

			n.fn(e)
		}
	}
}

// close delivers the queued events and waits for the last one to return.
func (n *notifier) close() {
	if n == nil {
		return
	}
	close(n.wake)
	<-n.done
}
