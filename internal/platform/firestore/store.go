package firestore

import (
	"context"
	"errors"
	"sync"

	"cloud.google.com/go/firestore"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/dodji-app/core/internal/docstore"
)

// Store implements docstore.Store on top of Cloud Firestore documents.
type Store struct {
	provider *Provider
	logger   *zap.Logger
	txOpts   []TxOption
}

var _ docstore.Store = (*Store)(nil)

// StoreOption customises Store construction.
type StoreOption func(*Store)

// WithStoreLogger sets the logger used for subscription diagnostics.
func WithStoreLogger(logger *zap.Logger) StoreOption {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithStoreTxOptions applies transaction options to every RunTransaction call.
func WithStoreTxOptions(opts ...TxOption) StoreOption {
	return func(s *Store) {
		s.txOpts = append(s.txOpts, opts...)
	}
}

// NewStore constructs a Firestore-backed document store.
func NewStore(provider *Provider, opts ...StoreOption) (*Store, error) {
	if provider == nil {
		return nil, errors.New("firestore store requires provider")
	}
	s := &Store{provider: provider, logger: zap.NewNop()}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// Get reads a document once. A missing document is reported with exists=false, not an error.
func (s *Store) Get(ctx context.Context, path string) (docstore.Record, bool, error) {
	ref, err := s.docRef(ctx, path)
	if err != nil {
		return docstore.Record{}, false, err
	}
	snap, err := ref.Get(ctx)
	if status.Code(err) == codes.NotFound {
		return docstore.Record{Path: path, ID: ref.ID}, false, nil
	}
	if err != nil {
		return docstore.Record{}, false, WrapError("firestore.get", err)
	}
	return toRecord(path, snap), snap.Exists(), nil
}

// Subscribe streams snapshots of a document until the returned function is called. The stream
// outlives ctx cancellation of the caller's request but keeps its values.
func (s *Store) Subscribe(ctx context.Context, path string, onChange docstore.ChangeFunc, onError docstore.ErrorFunc) (docstore.Unsubscribe, error) {
	ref, err := s.docRef(ctx, path)
	if err != nil {
		return nil, err
	}

	subCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	iter := ref.Snapshots(subCtx)

	go func() {
		defer iter.Stop()
		for {
			snap, err := iter.Next()
			if err != nil {
				if subCtx.Err() != nil || status.Code(err) == codes.Canceled {
					return
				}
				s.logger.Warn("firestore subscription ended", zap.String("path", path), zap.Error(err))
				if onError != nil {
					onError(WrapError("firestore.subscribe", err))
				}
				return
			}
			if onChange != nil {
				onChange(toRecord(path, snap), snap.Exists())
			}
		}
	}()

	var once sync.Once
	return func() { once.Do(cancel) }, nil
}

// Write sets the document, merging nested fields when merge is true.
func (s *Store) Write(ctx context.Context, path string, data map[string]any, merge bool) error {
	ref, err := s.docRef(ctx, path)
	if err != nil {
		return err
	}
	if _, err := ref.Set(ctx, encode(data), setOptions(merge)...); err != nil {
		return WrapError("firestore.write", err)
	}
	return nil
}

// RunTransaction executes fn inside a Firestore transaction. Reads must precede writes.
func (s *Store) RunTransaction(ctx context.Context, fn docstore.TxFunc) error {
	client, err := s.provider.Client(ctx)
	if err != nil {
		return err
	}
	return RunTransaction(ctx, client, func(ctx context.Context, tx *firestore.Transaction) error {
		return fn(ctx, &storeTx{client: client, tx: tx})
	}, s.txOpts...)
}

func (s *Store) docRef(ctx context.Context, path string) (*firestore.DocumentRef, error) {
	if _, err := docstore.SplitPath(path); err != nil {
		return nil, err
	}
	client, err := s.provider.Client(ctx)
	if err != nil {
		return nil, err
	}
	ref := client.Doc(path)
	if ref == nil {
		return nil, docstore.ErrInvalidPath
	}
	return ref, nil
}

type storeTx struct {
	client *firestore.Client
	tx     *firestore.Transaction
}

func (t *storeTx) Get(path string) (docstore.Record, bool, error) {
	ref := t.client.Doc(path)
	if ref == nil {
		return docstore.Record{}, false, docstore.ErrInvalidPath
	}
	snap, err := t.tx.Get(ref)
	if status.Code(err) == codes.NotFound {
		return docstore.Record{Path: path, ID: ref.ID}, false, nil
	}
	if err != nil {
		return docstore.Record{}, false, err
	}
	return toRecord(path, snap), snap.Exists(), nil
}

func (t *storeTx) Write(path string, data map[string]any, merge bool) error {
	ref := t.client.Doc(path)
	if ref == nil {
		return docstore.ErrInvalidPath
	}
	return t.tx.Set(ref, encode(data), setOptions(merge)...)
}

func toRecord(path string, snap *firestore.DocumentSnapshot) docstore.Record {
	rec := docstore.Record{Path: path}
	if snap == nil {
		return rec
	}
	if snap.Ref != nil {
		rec.ID = snap.Ref.ID
	}
	if snap.Exists() {
		rec.Data = snap.Data()
		rec.UpdateTime = snap.UpdateTime
	}
	if rec.Data == nil {
		rec.Data = map[string]any{}
	}
	return rec
}

func setOptions(merge bool) []firestore.SetOption {
	if merge {
		return []firestore.SetOption{firestore.MergeAll}
	}
	return nil
}

func encode(data map[string]any) map[string]any {
	out := make(map[string]any, len(data))
	for key, value := range data {
		switch v := value.(type) {
		case docstore.Increment:
			out[key] = firestore.Increment(int64(v))
		case map[string]any:
			out[key] = encode(v)
		default:
			out[key] = value
		}
	}
	return out
}
