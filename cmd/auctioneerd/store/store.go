package store

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/gob"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	ds "github.com/ipfs/go-datastore"
	dsq "github.com/ipfs/go-datastore/query"
	"github.com/oklog/ulid/v2"
	core "github.com/textileio/dutch-auction/auctioneer"
	golog "github.com/textileio/go-log/v2"
)

const (
	// defaultListLimit is the default list page size.
	defaultListLimit = 10
	// maxListLimit is the max list page size.
	maxListLimit = 1000
)

var (
	log = golog.Logger("auctioneer/store")

	// ErrSettlementNotFound indicates the requested settlement was not found.
	ErrSettlementNotFound = errors.New("settlement not found")

	// dsPrefix is the prefix for auctions.
	// Structure: /auctions/<auction_id> -> Auction.
	dsPrefix = ds.NewKey("/auctions")

	// dsSettlementPrefix is the prefix for settlement records.
	// Structure: /settlements/<auction_id> -> Settlement.
	dsSettlementPrefix = ds.NewKey("/settlements")

	// dsCurrentKey points at the current auction.
	// Structure: /current -> <auction_id>.
	dsCurrentKey = ds.NewKey("/current")
)

// Store persists auctions and their settlement records.
type Store struct {
	store   ds.Batching
	entropy *ulid.MonotonicEntropy
	lk      sync.Mutex
}

// New returns a new Store.
func New(store ds.Batching) *Store {
	return &Store{store: store}
}

// NewID returns new monotonically increasing auction ids.
func (s *Store) NewID(t time.Time) (core.AuctionID, error) {
	s.lk.Lock() // entropy is not safe for concurrent use

	if s.entropy == nil {
		s.entropy = ulid.Monotonic(rand.Reader, 0)
	}
	id, err := ulid.New(ulid.Timestamp(t.UTC()), s.entropy)
	if errors.Is(err, ulid.ErrMonotonicOverflow) {
		s.entropy = nil
		s.lk.Unlock()
		return s.NewID(t)
	} else if err != nil {
		s.lk.Unlock()
		return "", fmt.Errorf("generating id: %v", err)
	}
	s.lk.Unlock()
	return core.AuctionID(strings.ToLower(id.String())), nil
}

// SaveAuction saves a newly started auction and makes it the current one.
func (s *Store) SaveAuction(ctx context.Context, a *core.Auction) error {
	if err := validate(a); err != nil {
		return fmt.Errorf("invalid auction data: %s", err)
	}
	val, err := encode(a)
	if err != nil {
		return fmt.Errorf("encoding auction: %v", err)
	}

	b, err := s.store.Batch(ctx)
	if err != nil {
		return fmt.Errorf("creating batch: %v", err)
	}
	if err := b.Put(ctx, dsPrefix.ChildString(string(a.ID)), val); err != nil {
		return fmt.Errorf("putting auction: %v", err)
	}
	if err := b.Put(ctx, dsCurrentKey, []byte(a.ID)); err != nil {
		return fmt.Errorf("putting current auction: %v", err)
	}
	if err := b.Commit(ctx); err != nil {
		return fmt.Errorf("committing batch: %v", err)
	}
	log.Debugf("saved auction %s", a.ID)
	return nil
}

// SaveSettlement atomically saves a sold auction together with its settlement record.
func (s *Store) SaveSettlement(ctx context.Context, a *core.Auction, st *core.Settlement) error {
	if a.Status != core.AuctionStatusSold {
		return fmt.Errorf("auction %s isn't sold", a.ID)
	}
	if st.AuctionID != a.ID {
		return fmt.Errorf("settlement is for auction %s, not %s", st.AuctionID, a.ID)
	}
	aval, err := encode(a)
	if err != nil {
		return fmt.Errorf("encoding auction: %v", err)
	}
	sval, err := encode(st)
	if err != nil {
		return fmt.Errorf("encoding settlement: %v", err)
	}

	b, err := s.store.Batch(ctx)
	if err != nil {
		return fmt.Errorf("creating batch: %v", err)
	}
	if err := b.Put(ctx, dsPrefix.ChildString(string(a.ID)), aval); err != nil {
		return fmt.Errorf("putting auction: %v", err)
	}
	if err := b.Put(ctx, dsSettlementPrefix.ChildString(string(a.ID)), sval); err != nil {
		return fmt.Errorf("putting settlement: %v", err)
	}
	if err := b.Commit(ctx); err != nil {
		return fmt.Errorf("committing batch: %v", err)
	}
	log.Debugf("saved settlement for auction %s", a.ID)
	return nil
}

// GetAuction returns an auction by id.
func (s *Store) GetAuction(ctx context.Context, id core.AuctionID) (*core.Auction, error) {
	val, err := s.store.Get(ctx, dsPrefix.ChildString(string(id)))
	if errors.Is(err, ds.ErrNotFound) {
		return nil, core.ErrAuctionNotFound
	} else if err != nil {
		return nil, fmt.Errorf("getting auction: %v", err)
	}
	a := &core.Auction{}
	if err := decode(val, a); err != nil {
		return nil, fmt.Errorf("decoding auction: %v", err)
	}
	return a, nil
}

// GetCurrent returns the current auction.
// It returns core.ErrNoAuction if no auction was ever saved.
func (s *Store) GetCurrent(ctx context.Context) (*core.Auction, error) {
	id, err := s.store.Get(ctx, dsCurrentKey)
	if errors.Is(err, ds.ErrNotFound) {
		return nil, core.ErrNoAuction
	} else if err != nil {
		return nil, fmt.Errorf("getting current auction id: %v", err)
	}
	return s.GetAuction(ctx, core.AuctionID(id))
}

// GetSettlement returns the settlement record of an auction.
func (s *Store) GetSettlement(ctx context.Context, id core.AuctionID) (*core.Settlement, error) {
	val, err := s.store.Get(ctx, dsSettlementPrefix.ChildString(string(id)))
	if errors.Is(err, ds.ErrNotFound) {
		return nil, ErrSettlementNotFound
	} else if err != nil {
		return nil, fmt.Errorf("getting settlement: %v", err)
	}
	st := &core.Settlement{}
	if err := decode(val, st); err != nil {
		return nil, fmt.Errorf("decoding settlement: %v", err)
	}
	return st, nil
}

// Query is used to query for auctions.
type Query struct {
	Offset string
	Order  Order
	Limit  int
}

func (q Query) setDefaults() Query {
	if q.Limit == -1 {
		q.Limit = maxListLimit
	} else if q.Limit <= 0 {
		q.Limit = defaultListLimit
	} else if q.Limit > maxListLimit {
		q.Limit = maxListLimit
	}
	return q
}

// Order specifies the order of list results.
// Default is decending by time created.
type Order int

const (
	// OrderDescending orders results decending.
	OrderDescending Order = iota
	// OrderAscending orders results ascending.
	OrderAscending
)

// ListAuctions lists auctions by applying a Query.
// Offset is exclusive: results start right after the auction with that id.
func (s *Store) ListAuctions(ctx context.Context, query Query) ([]core.Auction, error) {
	query = query.setDefaults()

	q := dsq.Query{
		Prefix: dsPrefix.String(),
		Limit:  query.Limit,
	}
	op := dsq.LessThan
	switch query.Order {
	case OrderDescending:
		q.Orders = []dsq.Order{dsq.OrderByKeyDescending{}}
	case OrderAscending:
		q.Orders = []dsq.Order{dsq.OrderByKey{}}
		op = dsq.GreaterThan
	}
	if len(query.Offset) != 0 {
		q.Filters = []dsq.Filter{dsq.FilterKeyCompare{
			Op:  op,
			Key: dsPrefix.ChildString(query.Offset).String(),
		}}
	}

	results, err := s.store.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("querying auctions: %v", err)
	}
	defer func() { _ = results.Close() }()

	var list []core.Auction
	for res := range results.Next() {
		if res.Error != nil {
			return nil, fmt.Errorf("getting next result: %v", res.Error)
		}
		var a core.Auction
		if err := decode(res.Value, &a); err != nil {
			return nil, fmt.Errorf("decoding auction: %v", err)
		}
		list = append(list, a)
	}
	return list, nil
}

func validate(a *core.Auction) error {
	if a.ID == "" {
		return errors.New("auction id is empty")
	}
	if a.Status != core.AuctionStatusActive {
		return fmt.Errorf("invalid initial auction status: %s", a.Status)
	}
	if a.InitialPrice == nil || a.InitialPrice.Sign() <= 0 {
		return errors.New("initial price must be greater than zero")
	}
	if a.Quantity == nil || a.Quantity.Sign() <= 0 {
		return errors.New("quantity must be greater than zero")
	}
	if a.Duration == 0 {
		return errors.New("duration must be greater than zero")
	}
	if a.StartedAt.IsZero() {
		return errors.New("start time is zero")
	}
	return nil
}

func encode(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decode(v []byte, dst interface{}) error {
	return gob.NewDecoder(bytes.NewReader(v)).Decode(dst)
}
