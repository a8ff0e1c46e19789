package docstore

import (
	"context"
	"path"
	"sync"
	"time"
)

// MemoryStore is an in-process Store. Every subscription owns a delivery goroutine so callbacks
// never run on the writer's goroutine and arrive in write order.
type MemoryStore struct {
	txMu sync.Mutex

	mu        sync.Mutex
	docs      map[string]Record
	listeners map[string]map[uint64]*listener
	getErrs   map[string]error
	nextID    uint64
	now       func() time.Time
	last      time.Time
	writes    int
}

// MemoryOption customises a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithMemoryClock overrides the clock used for update times.
func WithMemoryClock(clock func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		if clock != nil {
			s.now = clock
		}
	}
}

// NewMemoryStore constructs an empty store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		docs:      make(map[string]Record),
		listeners: make(map[string]map[uint64]*listener),
		getErrs:   make(map[string]error),
		now:       time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context, p string) (Record, bool, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, false, err
	}
	key, err := canonical(p)
	if err != nil {
		return Record{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.getErrs[key]; err != nil {
		return Record{}, false, err
	}
	rec, ok := s.docs[key]
	if !ok {
		return Record{Path: key, ID: path.Base(key)}, false, nil
	}
	return cloneRecord(rec), true, nil
}

// Subscribe implements Store. The current snapshot is delivered first.
func (s *MemoryStore) Subscribe(ctx context.Context, p string, onChange ChangeFunc, onError ErrorFunc) (Unsubscribe, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key, err := canonical(p)
	if err != nil {
		return nil, err
	}
	l := &listener{
		onChange: onChange,
		onError:  onError,
		signal:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}

	s.mu.Lock()
	s.nextID++
	id := s.nextID
	if s.listeners[key] == nil {
		s.listeners[key] = make(map[uint64]*listener)
	}
	s.listeners[key][id] = l
	rec, ok := s.docs[key]
	if !ok {
		rec = Record{Path: key, ID: path.Base(key)}
	}
	l.push(event{rec: cloneRecord(rec), exists: ok})
	s.mu.Unlock()

	go l.run()

	return func() {
		s.mu.Lock()
		if group := s.listeners[key]; group != nil {
			delete(group, id)
			if len(group) == 0 {
				delete(s.listeners, key)
			}
		}
		s.mu.Unlock()
		l.stop()
	}, nil
}

// Write implements Store.
func (s *MemoryStore) Write(ctx context.Context, p string, data map[string]any, merge bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key, err := canonical(p)
	if err != nil {
		return err
	}
	s.txMu.Lock()
	defer s.txMu.Unlock()
	s.apply([]pendingWrite{{path: key, data: data, merge: merge}})
	return nil
}

// RunTransaction implements Store. Transactions are serialised with every other write.
func (s *MemoryStore) RunTransaction(ctx context.Context, fn TxFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.txMu.Lock()
	defer s.txMu.Unlock()

	tx := &memoryTx{store: s, ctx: ctx}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	s.apply(tx.writes)
	return nil
}

// FailGets makes Get on path return err until cleared with a nil error.
func (s *MemoryStore) FailGets(p string, err error) {
	key, perr := canonical(p)
	if perr != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.getErrs, key)
		return
	}
	s.getErrs[key] = err
}

// EmitError delivers err to every subscriber of path.
func (s *MemoryStore) EmitError(p string, err error) {
	key, perr := canonical(p)
	if perr != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.listeners[key] {
		l.push(event{err: err})
	}
}

// WriteCount returns the number of committed writes.
func (s *MemoryStore) WriteCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

// SubscriberCount returns the number of live subscriptions on path.
func (s *MemoryStore) SubscriberCount(p string) int {
	key, err := canonical(p)
	if err != nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.listeners[key])
}

type pendingWrite struct {
	path  string
	data  map[string]any
	merge bool
}

func (s *MemoryStore) apply(writes []pendingWrite) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range writes {
		existing, ok := s.docs[w.path]
		var data map[string]any
		if w.merge && ok {
			data = mergeData(cloneMap(existing.Data), w.data)
		} else {
			data = mergeData(map[string]any{}, w.data)
		}
		rec := Record{
			Path:       w.path,
			ID:         path.Base(w.path),
			Data:       data,
			UpdateTime: s.tick(),
		}
		s.docs[w.path] = rec
		s.writes++
		for _, l := range s.listeners[w.path] {
			l.push(event{rec: cloneRecord(rec), exists: true})
		}
	}
}

func (s *MemoryStore) tick() time.Time {
	now := s.now().UTC()
	if !now.After(s.last) {
		now = s.last.Add(time.Nanosecond)
	}
	s.last = now
	return now
}

type memoryTx struct {
	store  *MemoryStore
	ctx    context.Context
	writes []pendingWrite
}

func (t *memoryTx) Get(p string) (Record, bool, error) {
	return t.store.Get(t.ctx, p)
}

func (t *memoryTx) Write(p string, data map[string]any, merge bool) error {
	key, err := canonical(p)
	if err != nil {
		return err
	}
	t.writes = append(t.writes, pendingWrite{path: key, data: data, merge: merge})
	return nil
}

type event struct {
	rec    Record
	exists bool
	err    error
}

type listener struct {
	onChange ChangeFunc
	onError  ErrorFunc

	mu       sync.Mutex
	queue    []event
	signal   chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func (l *listener) push(ev event) {
	l.mu.Lock()
	l.queue = append(l.queue, ev)
	l.mu.Unlock()
	select {
	case l.signal <- struct{}{}:
	default:
	}
}

func (l *listener) stop() {
	l.stopOnce.Do(func() { close(l.done) })
}

func (l *listener) run() {
	for {
		select {
		case <-l.done:
			return
		case <-l.signal:
		}
		for {
			l.mu.Lock()
			if len(l.queue) == 0 {
				l.mu.Unlock()
				break
			}
			ev := l.queue[0]
			l.queue = l.queue[1:]
			l.mu.Unlock()

			select {
			case <-l.done:
				return
			default:
			}
			if ev.err != nil {
				if l.onError != nil {
					l.onError(ev.err)
				}
				continue
			}
			if l.onChange != nil {
				l.onChange(ev.rec, ev.exists)
			}
		}
	}
}

func canonical(p string) (string, error) {
	parts, err := SplitPath(p)
	if err != nil {
		return "", err
	}
	return path.Join(parts...), nil
}

func mergeData(dst, src map[string]any) map[string]any {
	for key, value := range src {
		switch v := value.(type) {
		case Increment:
			dst[key] = Int(dst, key) + int64(v)
		case map[string]any:
			nested, _ := dst[key].(map[string]any)
			if nested == nil {
				nested = map[string]any{}
			}
			dst[key] = mergeData(nested, v)
		default:
			dst[key] = cloneValue(value)
		}
	}
	return dst
}

func cloneRecord(rec Record) Record {
	rec.Data = cloneMap(rec.Data)
	return rec
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = cloneValue(item)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}
