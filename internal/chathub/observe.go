package chathub

import (
	"context"
	"log/slog"
	"reflect"
	"time"

	"ochatle/backend/internal/storage"
)

// DefaultResync is the period after which observers reload state even
// without a change notification.
const DefaultResync = 5 * time.Second

// observe is the live view behind every Observe* method. It subscribes to
// topics first and only then loads, so no change between the first load and
// the subscription is missed. The full state is delivered immediately, then
// again after every notification and every resync period. A value equal to
// the last delivered one is skipped. When the consumer lags, only the newest
// state is kept. The channel is closed when ctx ends.
func observe[T any](ctx context.Context, n storage.Notifier, topics []string, resync time.Duration,
	logger *slog.Logger, load func(ctx context.Context) (T, error)) <-chan T {
	if resync <= 0 {
		resync = DefaultResync
	}
	out := make(chan T)

	go func() {
		defer close(out)

		ticks := make(chan struct{}, 1)
		subscribed := make(map[string]storage.Subscription, len(topics))
		defer func() {
			for _, sub := range subscribed {
				sub.Close()
			}
		}()
		subscribe := func() {
			for _, topic := range topics {
				if _, ok := subscribed[topic]; ok {
					continue
				}
				sub, err := n.Subscribe(ctx, topic)
				if err != nil {
					if ctx.Err() == nil {
						logger.Warn("subscribe failed, relying on resync", "topic", topic, "err", err)
					}
					continue
				}
				subscribed[topic] = sub
				go forward(ctx, sub, ticks)
			}
		}
		subscribe()

		ticker := time.NewTicker(resync)
		defer ticker.Stop()

		var (
			pending    T
			hasPending bool
			last       T
			delivered  bool
		)
		reload := func() {
			v, err := load(ctx)
			if err != nil {
				if ctx.Err() == nil {
					logger.Warn("observer reload failed", "topics", topics, "err", err)
				}
				return
			}
			if delivered && reflect.DeepEqual(v, last) {
				hasPending = false
				return
			}
			pending, hasPending = v, true
		}
		reload()

		for {
			var send chan<- T
			if hasPending {
				send = out
			}
			select {
			case <-ctx.Done():
				return
			case send <- pending:
				last, delivered, hasPending = pending, true, false
			case <-ticks:
				reload()
			case <-ticker.C:
				subscribe()
				reload()
			}
		}
	}()
	return out
}

// forward merges one subscription's ticks into the shared tick channel.
func forward(ctx context.Context, sub storage.Subscription, ticks chan<- struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.C():
			select {
			case ticks <- struct{}{}:
			default:
			}
		}
	}
}
