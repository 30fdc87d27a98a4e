package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/taskdeck/internal/credentials"
	"github.com/ent0n29/taskdeck/internal/observability"
	"github.com/ent0n29/taskdeck/internal/policy"
)

var (
	// ErrStreamDropped is reported through liveness when an open
	// connection ends without the caller asking for it.
	ErrStreamDropped = errors.New("stream dropped")
	// ErrStreamUnauthorized is reported through liveness when the server
	// refuses the access token at connect time.
	ErrStreamUnauthorized = errors.New("stream unauthorized")
	ErrStreamForbidden    = errors.New("stream forbidden")
	ErrNoSubscribers      = errors.New("no subscribers for topic")
	ErrSubscriberClosed   = errors.New("subscriber closed")
)

// MalformedEventError describes a payload that was dropped. It is logged
// and counted, never delivered.
type MalformedEventError struct {
	Topic string
	Err   error
}

func (e *MalformedEventError) Error() string {
	return fmt.Sprintf("malformed %s event: %v", e.Topic, e.Err)
}

func (e *MalformedEventError) Unwrap() error {
	return e.Err
}

type Logger interface {
	Printf(format string, args ...any)
}

// Event is one decoded push payload.
type Event struct {
	Topic string
	Type  string
	Data  json.RawMessage
}

// Decode unmarshals the payload into out.
func (e Event) Decode(out any) error {
	return json.Unmarshal(e.Data, out)
}

// LivenessFunc observes connection state changes for a topic. err is nil
// on a clean open or on a teardown the caller asked for.
type LivenessFunc func(topic string, live bool, err error)

type Options struct {
	BaseURL     string
	Transport   string
	Credentials credentials.Store
	HTTPClient  *http.Client
	Dialer      *websocket.Dialer
	Strict      bool
	Metrics     *observability.Metrics
	Logger      Logger
	OnLiveness  LivenessFunc
}

// Subscriber multiplexes any number of callbacks onto one push
// connection per topic.
type Subscriber struct {
	baseURL    string
	transport  string
	store      credentials.Store
	httpClient *http.Client
	dialer     *websocket.Dialer
	validator  *validator
	metrics    *observability.Metrics
	logger     Logger
	onLiveness LivenessFunc

	mu     sync.Mutex
	topics map[string]*topicConn
	nextID int
	closed bool
}

type topicConn struct {
	topic string
	subs  map[int]*subscription

	live    bool
	lastErr error
	cancel  context.CancelFunc
	done    chan struct{}
}

type subscription struct {
	mu     sync.Mutex
	active bool
	fn     func(Event)
}

func New(opts Options) (*Subscriber, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("stream base url is required")
	}
	transport := strings.ToLower(strings.TrimSpace(opts.Transport))
	if transport == "" {
		transport = TransportSSE
	}
	if transport != TransportSSE && transport != TransportWS {
		return nil, fmt.Errorf("unknown stream transport %q", opts.Transport)
	}
	v, err := newValidator(opts.Strict)
	if err != nil {
		return nil, err
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 4 * time.Second,
		}
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Subscriber{
		baseURL:    baseURL,
		transport:  transport,
		store:      opts.Credentials,
		httpClient: httpClient,
		dialer:     dialer,
		validator:  v,
		metrics:    opts.Metrics,
		logger:     logger,
		onLiveness: opts.OnLiveness,
		topics:     make(map[string]*topicConn),
	}, nil
}

// Subscribe registers onEvent for topic, opening the topic's connection if
// this is its first subscriber. The returned func unsubscribes: once it
// returns, onEvent is never invoked again. It waits for an in-flight
// onEvent call to finish, so it must not be called from inside onEvent.
func (s *Subscriber) Subscribe(topic string, onEvent func(Event)) func() {
	topic = strings.TrimSpace(topic)
	if topic == "" || onEvent == nil {
		return func() {}
	}
	sub := &subscription{fn: onEvent, active: true}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return func() {}
	}
	s.nextID++
	id := s.nextID
	tc, ok := s.topics[topic]
	if !ok {
		tc = &topicConn{topic: topic, subs: make(map[int]*subscription)}
		s.topics[topic] = tc
		s.startLocked(tc)
	}
	tc.subs[id] = sub
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			if cur, ok := s.topics[topic]; ok && cur == tc {
				delete(tc.subs, id)
				if len(tc.subs) == 0 {
					delete(s.topics, topic)
					tc.cancel()
				}
			}
			s.mu.Unlock()

			sub.mu.Lock()
			sub.active = false
			sub.mu.Unlock()
		})
	}
}

// Liveness reports whether topic's connection is open and the error that
// last closed it.
func (s *Subscriber) Liveness(topic string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tc, ok := s.topics[topic]
	if !ok {
		return false, ErrNoSubscribers
	}
	return tc.live, tc.lastErr
}

// Reconnect reopens topic's connection after it dropped. It is a no-op
// while the connection is live or still being opened. Callers pace retries
// themselves; it is safe to call from OnLiveness.
func (s *Subscriber) Reconnect(topic string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSubscriberClosed
	}
	tc, ok := s.topics[topic]
	if !ok {
		return ErrNoSubscribers
	}
	select {
	case <-tc.done:
	default:
		return nil
	}
	s.startLocked(tc)
	return nil
}

// DropAll closes every topic's connection but keeps its subscriptions, so
// ReconnectAll can reopen them later, for example under a new login. No
// event is delivered after DropAll returns. It must not be called from
// inside onEvent.
func (s *Subscriber) DropAll() {
	s.mu.Lock()
	dones := make([]chan struct{}, 0, len(s.topics))
	for _, tc := range s.topics {
		tc.cancel()
		dones = append(dones, tc.done)
	}
	s.mu.Unlock()

	for _, done := range dones {
		<-done
	}
}

// ReconnectAll reopens every topic whose connection is down.
func (s *Subscriber) ReconnectAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for _, tc := range s.topics {
		select {
		case <-tc.done:
			s.startLocked(tc)
		default:
		}
	}
}

// Close tears every connection down. Subscriptions stop receiving events.
func (s *Subscriber) Close() {
	s.mu.Lock()
	s.closed = true
	topics := s.topics
	s.topics = make(map[string]*topicConn)
	for _, tc := range topics {
		tc.cancel()
	}
	s.mu.Unlock()

	for _, tc := range topics {
		<-tc.done
		for _, sub := range tc.subs {
			sub.mu.Lock()
			sub.active = false
			sub.mu.Unlock()
		}
	}
}

func (s *Subscriber) startLocked(tc *topicConn) {
	ctx, cancel := context.WithCancel(context.Background())
	tc.cancel = cancel
	tc.done = make(chan struct{})
	go s.run(ctx, tc, tc.done)
}

func (s *Subscriber) run(ctx context.Context, tc *topicConn, done chan struct{}) {
	err := s.serve(ctx, tc)
	if ctx.Err() != nil {
		err = nil
	}

	s.mu.Lock()
	tc.live = false
	if err != nil {
		tc.lastErr = err
	}
	s.mu.Unlock()
	close(done)

	if s.onLiveness != nil {
		s.onLiveness(tc.topic, false, err)
	}
}

// serve opens the connection and pumps frames until it ends.
func (s *Subscriber) serve(ctx context.Context, tc *topicConn) error {
	c, err := s.open(ctx, tc.topic)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Printf("stream %s connect failed: %s", tc.topic, policy.RedactError(err))
		}
		return err
	}
	s.metrics.StreamOpened()
	defer s.metrics.StreamClosed()
	defer c.Close()
	stop := context.AfterFunc(ctx, func() { _ = c.Close() })
	defer stop()

	s.mu.Lock()
	tc.live = true
	tc.lastErr = nil
	s.mu.Unlock()
	if s.onLiveness != nil {
		s.onLiveness(tc.topic, true, nil)
	}

	for {
		f, err := c.Next()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if !isEOF(err) {
				s.logger.Printf("stream %s read failed: %s", tc.topic, policy.RedactError(err))
			}
			return fmt.Errorf("%w: %v", ErrStreamDropped, err)
		}
		s.handleFrame(tc, f)
	}
}

func (s *Subscriber) open(ctx context.Context, topic string) (conn, error) {
	token := ""
	if s.store != nil {
		pair, err := s.store.Get(ctx)
		if err != nil {
			return nil, fmt.Errorf("read credentials: %w", err)
		}
		token = pair.Access
	}
	target, err := topicURL(s.baseURL, topic, token, s.transport)
	if err != nil {
		return nil, err
	}
	if s.transport == TransportWS {
		return dialWS(ctx, s.dialer, target)
	}
	return dialSSE(ctx, s.httpClient, target)
}

func (s *Subscriber) handleFrame(tc *topicConn, f frame) {
	if f.kind == frameKeepalive {
		s.metrics.ObserveFrame(tc.topic, "keepalive")
		return
	}
	data := bytes.TrimSpace(f.data)
	if len(data) == 0 {
		s.metrics.ObserveFrame(tc.topic, "blank")
		return
	}
	if err := s.validator.Validate(tc.topic, data); err != nil {
		merr := &MalformedEventError{Topic: tc.topic, Err: err}
		s.logger.Printf("dropping event: %v", merr)
		s.metrics.ObserveFrame(tc.topic, "malformed")
		return
	}
	s.metrics.ObserveFrame(tc.topic, "delivered")
	s.dispatch(tc, Event{Topic: tc.topic, Type: f.typ, Data: json.RawMessage(data)})
}

func (s *Subscriber) dispatch(tc *topicConn, ev Event) {
	s.mu.Lock()
	subs := make([]*subscription, 0, len(tc.subs))
	ids := make([]int, 0, len(tc.subs))
	for id := range tc.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		subs = append(subs, tc.subs[id])
	}
	s.mu.Unlock()

	for _, sub := range subs {
		sub.mu.Lock()
		if sub.active {
			sub.fn(ev)
		}
		sub.mu.Unlock()
	}
}
