package app

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/ent0n29/taskdeck/internal/config"
	"github.com/ent0n29/taskdeck/internal/credentials"
	"github.com/ent0n29/taskdeck/internal/gateway"
	"github.com/ent0n29/taskdeck/internal/reliability"
	"github.com/ent0n29/taskdeck/internal/stream"
)

// reconnector is the App's stream reconnect policy. A dropped topic is
// reopened after a capped exponential backoff. A topic refused with 401
// gets one credential refresh through the gateway's coordinator before it
// is reopened; a second refusal in a row leaves it down.
type reconnector struct {
	enabled bool
	base    time.Duration
	max     time.Duration
	store   credentials.Store
	coord   *gateway.Coordinator
	logger  *log.Logger

	mu          sync.Mutex
	sub         *stream.Subscriber
	attempts    map[string]int
	authRetried map[string]bool
	timers      map[string]*time.Timer
	stopped     bool
}

func newReconnector(cfg config.Config, store credentials.Store, coord *gateway.Coordinator, logger *log.Logger) *reconnector {
	return &reconnector{
		enabled:     cfg.StreamReconnect,
		base:        cfg.ReconnectBaseDelay,
		max:         cfg.ReconnectMaxDelay,
		store:       store,
		coord:       coord,
		logger:      logger,
		attempts:    make(map[string]int),
		authRetried: make(map[string]bool),
		timers:      make(map[string]*time.Timer),
	}
}

func (r *reconnector) attach(sub *stream.Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sub = sub
}

func (r *reconnector) observe(topic string, live bool, err error) {
	if live {
		r.mu.Lock()
		delete(r.attempts, topic)
		delete(r.authRetried, topic)
		r.mu.Unlock()
		return
	}
	if err == nil || !r.enabled {
		return
	}

	switch {
	case errors.Is(err, stream.ErrStreamForbidden):
		r.logger.Printf("stream %s forbidden; not reconnecting", topic)
	case errors.Is(err, stream.ErrStreamUnauthorized):
		r.mu.Lock()
		retried := r.authRetried[topic]
		r.authRetried[topic] = true
		r.mu.Unlock()
		if retried {
			r.logger.Printf("stream %s still unauthorized after refresh; not reconnecting", topic)
			return
		}
		go r.refreshThenReconnect(topic)
	default:
		r.schedule(topic)
	}
}

func (r *reconnector) refreshThenReconnect(topic string) {
	ctx := context.Background()
	pair, err := r.store.Get(ctx)
	if err != nil {
		r.logger.Printf("stream %s reconnect: read credentials failed: %v", topic, err)
		return
	}
	if pair.Empty() {
		return
	}
	if _, err := r.coord.Await(ctx, pair.Access); err != nil {
		r.logger.Printf("stream %s reconnect: refresh failed: %v", topic, err)
		return
	}
	r.schedule(topic)
}

func (r *reconnector) schedule(topic string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped || r.sub == nil {
		return
	}
	if t := r.timers[topic]; t != nil {
		t.Stop()
	}
	delay := reliability.ExponentialBackoff(r.attempts[topic], r.base, r.max)
	r.attempts[topic]++
	sub := r.sub
	r.timers[topic] = time.AfterFunc(delay, func() {
		err := sub.Reconnect(topic)
		if err != nil && !errors.Is(err, stream.ErrNoSubscribers) && !errors.Is(err, stream.ErrSubscriberClosed) {
			r.logger.Printf("stream %s reconnect failed: %v", topic, err)
		}
	})
}

// reset cancels pending reopens and forgets attempt counts, for a session
// change.
func (r *reconnector) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for topic, t := range r.timers {
		t.Stop()
		delete(r.timers, topic)
	}
	clear(r.attempts)
	clear(r.authRetried)
}

func (r *reconnector) stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = true
	for topic, t := range r.timers {
		t.Stop()
		delete(r.timers, topic)
	}
}
