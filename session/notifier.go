package session

import "sync"

// Notifier is a single-value publish/subscribe primitive that remembers the last published value.
//
// Deliveries are serialized and FIFO: callbacks never run concurrently and every subscriber sees
// values in publish order. Publish delivers v before returning unless another Publish or Subscribe
// is already dispatching; v is then queued and delivered by that call. Callbacks may therefore call
// Publish, Subscribe or their unsubscribe function on the same Notifier.
type Notifier[T any] struct {
	mu       sync.Mutex
	subs     []*subscriber[T]
	last     T
	hasVal   bool
	queue    []delivery[T]
	draining bool

	// current is the value most recently taken off the queue.
	current    T
	hasCurrent bool
}

type subscriber[T any] struct {
	fn     func(T)
	active bool
}

// delivery is a queued value. A non-nil only restricts it to one subscriber (late catch-up).
type delivery[T any] struct {
	value T
	only  *subscriber[T]
}

// NewNotifier returns an empty Notifier.
func NewNotifier[T any]() *Notifier[T] {
	return &Notifier[T]{}
}

// Subscribe registers fn. If a value was already published, fn is invoked with it before
// Subscribe returns, or before any later value when another call is dispatching. The returned
// function removes the subscription and is safe to call twice.
func (n *Notifier[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	s := &subscriber[T]{fn: fn, active: true}

	n.mu.Lock()
	n.subs = append(n.subs, s)
	switch {
	case n.draining && n.hasCurrent:
		n.queue = append([]delivery[T]{{value: n.current, only: s}}, n.queue...)
	case !n.draining && n.hasVal:
		n.queue = append([]delivery[T]{{value: n.last, only: s}}, n.queue...)
	}
	n.drainLocked()

	return func() { n.remove(s) }
}

// Publish stores v as the last value and delivers it to every subscriber.
func (n *Notifier[T]) Publish(v T) {
	n.mu.Lock()
	n.last, n.hasVal = v, true
	n.queue = append(n.queue, delivery[T]{value: v})
	n.drainLocked()
}

// drainLocked is called with mu held and releases it. The first caller becomes the dispatcher and
// delivers queued values until the queue is empty; nested or concurrent callers return at once.
func (n *Notifier[T]) drainLocked() {
	if n.draining {
		n.mu.Unlock()
		return
	}
	n.draining = true
	for len(n.queue) > 0 {
		d := n.queue[0]
		n.queue = n.queue[1:]
		var targets []*subscriber[T]
		if d.only != nil {
			targets = []*subscriber[T]{d.only}
		} else {
			n.current, n.hasCurrent = d.value, true
			targets = make([]*subscriber[T], len(n.subs))
			copy(targets, n.subs)
		}

		for _, s := range targets {
			if !s.active {
				continue
			}
			n.mu.Unlock()
			s.fn(d.value)
			n.mu.Lock()
		}
	}
	n.draining = false
	n.mu.Unlock()
}

// Last returns the last published value and whether one exists.
func (n *Notifier[T]) Last() (T, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.last, n.hasVal
}

func (n *Notifier[T]) remove(target *subscriber[T]) {
	n.mu.Lock()
	defer n.mu.Unlock()
	target.active = false
	for i, s := range n.subs {
		if s == target {
			n.subs = append(n.subs[:i:i], n.subs[i+1:]...)
			return
		}
	}
}
