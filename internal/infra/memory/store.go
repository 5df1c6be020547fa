// Package memory is an in-process backend. It keeps every collection in
// maps and fans changes out to live queries directly.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/totegamma/minisocial"
	"github.com/totegamma/minisocial/internal/domain"
)

type Store struct {
	mu       sync.RWMutex
	data     map[string]map[string]minisocial.Record
	watchers map[string]map[*watcher]struct{}
	failure  error
	newID    func() string
}

type watcher struct {
	q      domain.Query
	notify chan struct{}
	fail   chan error
}

type Option func(*Store)

// WithIDGenerator replaces the UUIDv7 generator used by Push.
func WithIDGenerator(gen func() string) Option {
	return func(s *Store) {
		s.newID = gen
	}
}

func NewStore(opts ...Option) *Store {
	s := &Store{
		data:     make(map[string]map[string]minisocial.Record),
		watchers: make(map[string]map[*watcher]struct{}),
		newID: func() string {
			return uuid.Must(uuid.NewV7()).String()
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetFailure makes every subsequent call fail with err until it is
// cleared with nil.
func (s *Store) SetFailure(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failure = err
}

// Interrupt ends every live query on path with an error window.
func (s *Store) Interrupt(path string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for w := range s.watchers[path] {
		select {
		case w.fail <- err:
		default:
		}
	}
	delete(s.watchers, path)
}

// Watchers returns the number of live queries open on path.
func (s *Store) Watchers(path string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.watchers[path])
}

func (s *Store) collection(path string) map[string]minisocial.Record {
	c, ok := s.data[path]
	if !ok {
		c = make(map[string]minisocial.Record)
		s.data[path] = c
	}
	return c
}

// put and changed expect s.mu held for writing.
func (s *Store) put(path string, rec minisocial.Record) {
	s.collection(path)[rec.ID] = rec.Clone()
	s.changed(path)
}

func (s *Store) changed(path string) {
	for w := range s.watchers[path] {
		select {
		case w.notify <- struct{}{}:
		default:
		}
	}
}

func (s *Store) Push(ctx context.Context, path string, rec minisocial.Record) (minisocial.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failure != nil {
		return minisocial.Record{}, s.failure
	}

	c := s.collection(path)
	rec.ID = s.newID()
	for {
		if _, exists := c[rec.ID]; !exists {
			break
		}
		rec.ID = s.newID()
	}
	s.put(path, rec)
	return rec.Clone(), nil
}

func (s *Store) Create(ctx context.Context, path string, rec minisocial.Record) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failure != nil {
		return false, s.failure
	}

	if _, exists := s.collection(path)[rec.ID]; exists {
		return false, nil
	}
	s.put(path, rec)
	return true, nil
}

func (s *Store) Set(ctx context.Context, path string, rec minisocial.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failure != nil {
		return s.failure
	}

	s.put(path, rec)
	return nil
}

func (s *Store) Update(ctx context.Context, path, id string, fields map[string]any, expect map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failure != nil {
		return s.failure
	}

	current, ok := s.collection(path)[id]
	if !ok {
		return domain.NotFoundError{Resource: minisocial.ComposePath(path, id)}
	}
	if !current.Matches(expect) {
		return domain.ConflictError{Resource: minisocial.ComposePath(path, id), Reason: "precondition failed"}
	}
	s.put(path, current.Merge(fields))
	return nil
}

func (s *Store) Remove(ctx context.Context, path, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failure != nil {
		return s.failure
	}

	c := s.collection(path)
	if _, ok := c[id]; !ok {
		return nil
	}
	delete(c, id)
	s.changed(path)
	return nil
}

func (s *Store) Get(ctx context.Context, path, id string) (minisocial.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.failure != nil {
		return minisocial.Record{}, s.failure
	}

	rec, ok := s.data[path][id]
	if !ok {
		return minisocial.Record{}, domain.NotFoundError{Resource: minisocial.ComposePath(path, id)}
	}
	return rec.Clone(), nil
}

func (s *Store) Query(ctx context.Context, q domain.Query) ([]minisocial.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.failure != nil {
		return nil, s.failure
	}
	return s.window(q), nil
}

// window expects s.mu held. Records come back in ascending timestamp order.
func (s *Store) window(q domain.Query) []minisocial.Record {
	records := make([]minisocial.Record, 0, len(s.data[q.Path]))
	for id, rec := range s.data[q.Path] {
		if q.Key != "" && id != q.Key {
			continue
		}
		if !rec.Matches(q.Equals) {
			continue
		}
		records = append(records, rec.Clone())
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].Timestamp != records[j].Timestamp {
			return records[i].Timestamp < records[j].Timestamp
		}
		return records[i].ID < records[j].ID
	})
	if q.Limit > 0 && len(records) > q.Limit {
		records = records[len(records)-q.Limit:]
	}
	return records
}

func (s *Store) Listen(ctx context.Context, q domain.Query) (<-chan domain.Window, error) {
	s.mu.Lock()
	if s.failure != nil {
		err := s.failure
		s.mu.Unlock()
		return nil, err
	}
	w := &watcher{
		q:      q,
		notify: make(chan struct{}, 1),
		fail:   make(chan error, 1),
	}
	if s.watchers[q.Path] == nil {
		s.watchers[q.Path] = make(map[*watcher]struct{})
	}
	s.watchers[q.Path][w] = struct{}{}
	s.mu.Unlock()

	out := make(chan domain.Window)
	go func() {
		defer close(out)
		defer s.unwatch(w)

		send := func(win domain.Window) bool {
			select {
			case out <- win:
				return true
			case <-ctx.Done():
				return false
			}
		}

		s.mu.RLock()
		initial := s.window(q)
		s.mu.RUnlock()
		if !send(domain.Window{Records: initial}) {
			return
		}

		for {
			select {
			case <-ctx.Done():
				return
			case err := <-w.fail:
				send(domain.Window{Err: err})
				return
			case <-w.notify:
				s.mu.RLock()
				records := s.window(q)
				s.mu.RUnlock()
				if !send(domain.Window{Records: records}) {
					return
				}
			}
		}
	}()

	return out, nil
}

func (s *Store) unwatch(w *watcher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if set, ok := s.watchers[w.q.Path]; ok {
		delete(set, w)
		if len(set) == 0 {
			delete(s.watchers, w.q.Path)
		}
	}
}
