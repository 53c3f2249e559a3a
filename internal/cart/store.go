package cart

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/heysubinoy/pyazcart/pkg/kv"
)

// DefaultCollection is the collection the cart lives in unless configured otherwise.
const DefaultCollection = "cart"

var (
	ErrInvalidArgument  = errors.New("cart: invalid argument")
	ErrStoreUnavailable = errors.New("cart: store unavailable")
	ErrCorruptItem      = errors.New("cart: corrupt item")
)

// Store maps the cart operations onto transactions against a kv.Store.
// Every method runs exactly one transaction that never outlives the call.
type Store struct {
	kv     kv.Store
	name   string
	logger *slog.Logger
	tracer trace.Tracer

	mu   sync.Mutex
	coll kv.Collection
}

type Option func(*Store)

// WithCollection sets the name of the collection holding the cart.
func WithCollection(name string) Option {
	return func(s *Store) { s.name = name }
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// NewStore creates a cart on top of store. The collection is opened lazily.
func NewStore(store kv.Store, opts ...Option) *Store {
	s := &Store{
		kv:     store,
		name:   DefaultCollection,
		logger: slog.Default(),
		tracer: otel.Tracer("github.com/heysubinoy/pyazcart/internal/cart"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// collection returns the cart collection, creating it on first use.
// A failed attempt is retried by the next call.
func (s *Store) collection(ctx context.Context) (kv.Collection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.coll != nil {
		return s.coll, nil
	}
	coll, err := s.kv.GetOrCreate(ctx, s.name)
	if err != nil {
		return nil, err
	}
	s.coll = coll
	return coll, nil
}

// AddItem stores item under its name, replacing any existing item entirely.
func (s *Store) AddItem(ctx context.Context, item Item) (err error) {
	ctx, span := s.tracer.Start(ctx, "cart.AddItem", trace.WithAttributes(attribute.String("cart.item", item.Name)))
	defer func() { endSpan(span, err) }()

	if err := item.Validate(); err != nil {
		return err
	}
	coll, err := s.collection(ctx)
	if err != nil {
		return s.storeErr("add item", err)
	}

	err = kv.Update(ctx, s.kv, func(tx kv.Tx) error {
		span.SetAttributes(attribute.String("kv.tx", tx.ID()))
		return coll.Upsert(ctx, tx, item.Name, marshalItem(item))
	})
	if err != nil {
		return s.storeErr("add item", err)
	}

	s.logger.Debug("item added", slog.String("item", item.Name), slog.Int("quantity", int(item.Quantity)))
	return nil
}

// DeleteItem removes the named item. Removing an absent item is not an error.
func (s *Store) DeleteItem(ctx context.Context, name string) (err error) {
	ctx, span := s.tracer.Start(ctx, "cart.DeleteItem", trace.WithAttributes(attribute.String("cart.item", name)))
	defer func() { endSpan(span, err) }()

	if name == "" {
		return fmt.Errorf("%w: item name is required", ErrInvalidArgument)
	}
	coll, err := s.collection(ctx)
	if err != nil {
		return s.storeErr("delete item", err)
	}

	removed := false
	err = kv.Update(ctx, s.kv, func(tx kv.Tx) error {
		span.SetAttributes(attribute.String("kv.tx", tx.ID()))
		ok, err := coll.ContainsKey(ctx, tx, name)
		if err != nil {
			return err
		}
		if !ok {
			return kv.ErrSkipCommit
		}
		removed, err = coll.Remove(ctx, tx, name)
		return err
	})
	if err != nil {
		return s.storeErr("delete item", err)
	}

	s.logger.Debug("item deleted", slog.String("item", name), slog.Bool("existed", removed))
	return nil
}

// GetItems returns every item in the cart from a single read snapshot,
// ordered by name.
func (s *Store) GetItems(ctx context.Context) (items []Item, err error) {
	ctx, span := s.tracer.Start(ctx, "cart.GetItems")
	defer func() { endSpan(span, err) }()

	coll, err := s.collection(ctx)
	if err != nil {
		return nil, s.storeErr("get items", err)
	}

	var entries []kv.Entry
	err = kv.View(ctx, s.kv, func(tx kv.Tx) error {
		span.SetAttributes(attribute.String("kv.tx", tx.ID()))
		var err error
		entries, err = coll.Enumerate(ctx, tx)
		return err
	})
	if err != nil {
		return nil, s.storeErr("get items", err)
	}

	items = make([]Item, 0, len(entries))
	for _, e := range entries {
		item, err := unmarshalItem(e.Value)
		if err != nil {
			s.logger.Error("undecodable item", slog.String("key", e.Key), slog.Any("err", err))
			return nil, fmt.Errorf("get items: key %q: %w", e.Key, err)
		}
		items = append(items, item)
	}
	span.SetAttributes(attribute.Int("cart.items", len(items)))
	return items, nil
}

// storeErr classifies a failure from the kv layer. Context errors keep their
// identity; everything else is reported as the store being unavailable.
func (s *Store) storeErr(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	s.logger.Warn("store operation failed", slog.String("op", op), slog.Any("err", err))
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
