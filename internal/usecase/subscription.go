package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/totegamma/minisocial"
	"github.com/totegamma/minisocial/internal/domain"
)

var tracer = otel.Tracer("usecase")

const defaultSnapshotBuffer = 16

// RetryPolicy bounds how a subscription re-opens its live query after a
// connection error. MaxRetries <= 0 disables reconnecting.
type RetryPolicy struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

var DefaultRetryPolicy = RetryPolicy{
	MaxRetries:      5,
	InitialInterval: 500 * time.Millisecond,
	MaxInterval:     30 * time.Second,
}

func (p RetryPolicy) newBackOff() backoff.BackOff {
	if p.MaxRetries <= 0 {
		return &backoff.StopBackOff{}
	}
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.InitialInterval
	eb.MaxInterval = p.MaxInterval
	eb.MaxElapsedTime = 0
	b := backoff.WithMaxRetries(eb, uint64(p.MaxRetries))
	b.Reset()
	return b
}

type SubscribeInput struct {
	Path    string
	Key     string
	OrderBy string
	Limit   int
	Equals  map[string]any
}

func (in SubscribeInput) query() (domain.Query, error) {
	if err := minisocial.ValidatePath(in.Path); err != nil {
		return domain.Query{}, domain.ValidationError{Field: "path", Reason: err.Error()}
	}
	if in.Key != "" {
		if err := minisocial.ValidateKey(in.Key); err != nil {
			return domain.Query{}, domain.ValidationError{Field: "key", Reason: err.Error()}
		}
	}
	if in.OrderBy != "" && in.OrderBy != domain.OrderByTimestamp {
		return domain.Query{}, domain.ValidationError{Field: "orderBy", Reason: fmt.Sprintf("unsupported order field %q", in.OrderBy)}
	}
	if in.Limit < 0 {
		return domain.Query{}, domain.ValidationError{Field: "limit", Reason: "must not be negative"}
	}
	return domain.Query{
		Path:    in.Path,
		Key:     in.Key,
		OrderBy: domain.OrderByTimestamp,
		Limit:   in.Limit,
		Equals:  in.Equals,
	}, nil
}

type SubscriptionOption func(*SubscriptionManager)

func WithRetryPolicy(p RetryPolicy) SubscriptionOption {
	return func(m *SubscriptionManager) {
		m.retry = p
	}
}

// WithSnapshotBuffer sets how many undelivered snapshots a subscription
// holds before it starts dropping the oldest one.
func WithSnapshotBuffer(n int) SubscriptionOption {
	return func(m *SubscriptionManager) {
		if n > 0 {
			m.buffer = n
		}
	}
}

// SubscriptionManager opens live queries against the backend and turns
// their windows into newest-first snapshots.
type SubscriptionManager struct {
	live   LiveQuery
	retry  RetryPolicy
	buffer int

	mu     sync.Mutex
	subs   map[string]*Subscription
	closed bool
}

func NewSubscriptionManager(live LiveQuery, opts ...SubscriptionOption) *SubscriptionManager {
	m := &SubscriptionManager{
		live:   live,
		retry:  DefaultRetryPolicy,
		buffer: defaultSnapshotBuffer,
		subs:   make(map[string]*Subscription),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Subscribe opens a live view. The subscription ends when ctx is done,
// when Close or Unsubscribe is called, or after an unrecoverable error.
func (m *SubscriptionManager) Subscribe(ctx context.Context, input SubscribeInput) (*Subscription, error) {
	ctx, span := tracer.Start(ctx, "Usecase.Subscription.Subscribe")
	defer span.End()
	span.SetAttributes(attribute.String("path", input.Path), attribute.Int("limit", input.Limit))

	q, err := input.query()
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, fmt.Errorf("subscription manager is closed")
	}

	// the span ends with this call; the subscription outlives it
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(ctx, cancel)

	sub := &Subscription{
		id:      uuid.NewString(),
		query:   q,
		out:     make(chan domain.Snapshot, m.buffer),
		done:    make(chan struct{}),
		cancel:  func() { stop(); cancel() },
		manager: m,
	}
	m.subs[sub.id] = sub

	go sub.run(runCtx, m.live, m.retry.newBackOff())

	slog.DebugContext(
		ctx, "subscription opened",
		slog.String("handle", sub.id),
		slog.String("path", q.Path),
		slog.Int("limit", q.Limit),
		slog.String("module", "realtime"),
	)

	return sub, nil
}

// Listen is the callback form of Subscribe. onError may be nil. It returns
// the handle to pass to Unsubscribe.
func (m *SubscriptionManager) Listen(
	ctx context.Context,
	input SubscribeInput,
	onUpdate func([]minisocial.Record),
	onError func(error),
) (string, error) {
	if onUpdate == nil {
		return "", domain.ValidationError{Field: "onUpdate", Reason: "callback is required"}
	}
	sub, err := m.Subscribe(ctx, input)
	if err != nil {
		return "", err
	}

	go func() {
		for snap := range sub.Snapshots() {
			if sub.closing.Load() {
				continue
			}
			if !snap.OK() {
				if onError != nil {
					onError(snap.Err)
				}
				continue
			}
			onUpdate(snap.Records)
		}
	}()

	return sub.ID(), nil
}

// Unsubscribe detaches the subscription behind handle. Unknown handles are
// ignored so repeated calls are safe.
func (m *SubscriptionManager) Unsubscribe(handle string) {
	m.mu.Lock()
	sub, ok := m.subs[handle]
	m.mu.Unlock()
	if !ok {
		return
	}
	sub.Close()
}

// Active returns the number of open subscriptions.
func (m *SubscriptionManager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}

// Close ends every subscription and refuses new ones.
func (m *SubscriptionManager) Close() {
	m.mu.Lock()
	m.closed = true
	subs := make([]*Subscription, 0, len(m.subs))
	for _, sub := range m.subs {
		subs = append(subs, sub)
	}
	m.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
}

func (m *SubscriptionManager) forget(id string) {
	m.mu.Lock()
	delete(m.subs, id)
	m.mu.Unlock()
}

// Subscription is a live view handle.
type Subscription struct {
	id      string
	query   domain.Query
	out     chan domain.Snapshot
	done    chan struct{}
	cancel  context.CancelFunc
	manager *SubscriptionManager
	closing atomic.Bool
	once    sync.Once
	dropped atomic.Int64
}

func (s *Subscription) ID() string {
	return s.id
}

// Snapshots yields every snapshot in backend order. The channel is closed
// when the subscription ends.
func (s *Subscription) Snapshots() <-chan domain.Snapshot {
	return s.out
}

// Done is closed once the subscription has stopped producing snapshots.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Dropped counts snapshots discarded because the consumer fell behind.
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

// Close stops the subscription. Snapshots still buffered are discarded, so
// nothing is received from Snapshots after Close returns.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.closing.Store(true)
		s.cancel()
		<-s.done
		for range s.out {
		}
		s.manager.forget(s.id)
		slog.Debug(
			"subscription closed",
			slog.String("handle", s.id),
			slog.String("path", s.query.Path),
			slog.String("module", "realtime"),
		)
	})
}

func (s *Subscription) run(ctx context.Context, live LiveQuery, bo backoff.BackOff) {
	defer s.manager.forget(s.id)
	defer close(s.done)
	defer close(s.out)

	for {
		windows, err := live.Listen(ctx, s.query)
		if err == nil {
			err = s.pump(ctx, windows, bo)
		}
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			err = domain.ConnectionError{Op: "listen " + s.query.Path, Err: errors.New("change feed closed")}
		}

		s.deliver(domain.Snapshot{Path: s.query.Path, Err: err, At: time.Now()})

		if !errors.Is(err, domain.ErrConnection) {
			slog.WarnContext(
				ctx, "subscription failed",
				slog.String("handle", s.id),
				slog.String("path", s.query.Path),
				slog.String("error", err.Error()),
				slog.String("module", "realtime"),
			)
			return
		}

		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			slog.WarnContext(
				ctx, "subscription gave up reconnecting",
				slog.String("handle", s.id),
				slog.String("path", s.query.Path),
				slog.String("error", err.Error()),
				slog.String("module", "realtime"),
			)
			return
		}

		slog.InfoContext(
			ctx, "subscription reconnecting",
			slog.String("handle", s.id),
			slog.String("path", s.query.Path),
			slog.Duration("wait", wait),
			slog.String("module", "realtime"),
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// pump forwards windows until the feed closes, returning the error window
// that ended it, if any.
func (s *Subscription) pump(ctx context.Context, windows <-chan domain.Window, bo backoff.BackOff) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case w, ok := <-windows:
			if !ok {
				return nil
			}
			if w.Err != nil {
				return w.Err
			}
			bo.Reset()
			s.deliver(domain.Snapshot{
				Path:    s.query.Path,
				Records: NewestFirst(w.Records, s.query.Limit),
				At:      time.Now(),
			})
		}
	}
}

// deliver never blocks: when the buffer is full the oldest pending
// snapshot is discarded. Only run sends on out.
func (s *Subscription) deliver(snap domain.Snapshot) {
	for {
		select {
		case s.out <- snap:
			return
		default:
		}
		select {
		case <-s.out:
			s.dropped.Add(1)
		default:
		}
	}
}

// NewestFirst orders records by descending timestamp (ties by id) and keeps
// at most limit of them. The input is not modified.
func NewestFirst(records []minisocial.Record, limit int) []minisocial.Record {
	sorted := make([]minisocial.Record, len(records))
	copy(sorted, records)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Timestamp != sorted[j].Timestamp {
			return sorted[i].Timestamp > sorted[j].Timestamp
		}
		return sorted[i].ID > sorted[j].ID
	})
	if limit > 0 && len(sorted) > limit {
		sorted = sorted[:limit]
	}
	return sorted
}
