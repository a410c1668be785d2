package storage

import "sync"

// subscription is the Subscription shared by both drivers.
// The tick channel has room for one pending tick and is never closed, so
// notify never blocks and never panics.
type subscription struct {
	ch      chan struct{}
	done    chan struct{}
	once    sync.Once
	onClose func() error
}

func newSubscription(onClose func() error) *subscription {
	return &subscription{
		ch:      make(chan struct{}, 1),
		done:    make(chan struct{}),
		onClose: onClose,
	}
}

func (s *subscription) C() <-chan struct{} { return s.ch }

func (s *subscription) notify() {
	select {
	case s.ch <- struct{}{}:
	default:
	}
}

func (s *subscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		if s.onClose != nil {
			err = s.onClose()
		}
	})
	return err
}
