package auctioneer

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	core "github.com/textileio/dutch-auction/auctioneer"
	"github.com/textileio/dutch-auction/cmd/auctioneerd/store"
	"github.com/textileio/dutch-auction/metrics"
	mbroker "github.com/textileio/dutch-auction/msgbroker"
	golog "github.com/textileio/go-log/v2"
	"go.opentelemetry.io/otel/metric"
)

var log = golog.Logger("auctioneer")

// rollbackTimeout bounds the compensating transfers of a failed settlement.
// They run detached from the caller context so a cancelled request can't skip them.
const rollbackTimeout = time.Second * 30

// Store persists auctions and settlements.
type Store interface {
	NewID(t time.Time) (core.AuctionID, error)
	SaveAuction(ctx context.Context, a *core.Auction) error
	SaveSettlement(ctx context.Context, a *core.Auction, st *core.Settlement) error
	GetAuction(ctx context.Context, id core.AuctionID) (*core.Auction, error)
	GetCurrent(ctx context.Context) (*core.Auction, error)
	GetSettlement(ctx context.Context, id core.AuctionID) (*core.Settlement, error)
	ListAuctions(ctx context.Context, query store.Query) ([]core.Auction, error)
}

// Config defines engine policies.
type Config struct {
	// AllowExpiredPurchase allows buying an auction whose duration elapsed, at price zero.
	AllowExpiredPurchase bool
}

// Auctioneer runs a single reverse Dutch auction at a time.
type Auctioneer struct {
	conf   Config
	store  Store
	ledger core.AssetLedger
	clock  core.Clock
	mb     mbroker.MsgBroker

	// lk serializes mutations. current holds the last committed auction
	// and is read without locking.
	lk      sync.Mutex
	current atomic.Value

	metricStarted      metric.Int64Counter
	metricPurchases    metric.Int64Counter
	metricRollbacks    metric.Int64Counter
	metricBuyDuration  metric.Int64Histogram
	metricCurrentPrice metric.Int64GaugeObserver
	priceOverflow      sync.Once
}

var _ core.Auctioneer = (*Auctioneer)(nil)

type snapshot struct {
	auction *core.Auction
}

// New returns a new Auctioneer. The current auction, if any, is restored from the store.
// mb may be nil, in which case no events are published.
func New(
	ctx context.Context,
	s Store,
	ledger core.AssetLedger,
	clock core.Clock,
	mb mbroker.MsgBroker,
	conf Config) (*Auctioneer, error) {
	if clock == nil {
		clock = core.SystemClock{}
	}
	a := &Auctioneer{
		conf:   conf,
		store:  s,
		ledger: ledger,
		clock:  clock,
		mb:     mb,
	}
	a.current.Store(snapshot{})

	cur, err := s.GetCurrent(ctx)
	switch {
	case errors.Is(err, core.ErrNoAuction):
	case err != nil:
		return nil, fmt.Errorf("restoring current auction: %v", err)
	default:
		a.current.Store(snapshot{auction: cur})
		log.Infof("restored auction %s (%s)", cur.ID, cur.StatusAt(clock.Now()))
	}

	a.initMetrics()
	return a, nil
}

// StartAuction starts a new auction with caller as the seller.
func (a *Auctioneer) StartAuction(
	ctx context.Context,
	caller common.Address,
	assetID common.Address,
	initialPrice *big.Int,
	duration uint64,
	quantity *big.Int,
) (*core.Auction, error) {
	if err := validateStart(caller, assetID, initialPrice, duration, quantity); err != nil {
		return nil, err
	}

	a.lk.Lock()
	defer a.lk.Unlock()

	now := a.clock.Now()
	if cur := a.snapshot(); cur != nil && cur.StatusAt(now) == core.AuctionStatusActive {
		return nil, fmt.Errorf("%w: %s", core.ErrAuctionAlreadyActive, cur.ID)
	}

	id, err := a.store.NewID(now)
	if err != nil {
		return nil, fmt.Errorf("generating id: %v", err)
	}
	auction := &core.Auction{
		ID:           id,
		AssetID:      assetID,
		Seller:       caller,
		InitialPrice: new(big.Int).Set(initialPrice),
		Quantity:     new(big.Int).Set(quantity),
		Duration:     duration,
		Status:       core.AuctionStatusActive,
		StartedAt:    now,
	}
	if err := a.store.SaveAuction(ctx, auction); err != nil {
		return nil, fmt.Errorf("saving auction: %v", err)
	}
	a.current.Store(snapshot{auction: auction})
	a.metricStarted.Add(ctx, 1)

	log.Infof(
		"started auction %s: %s of %s at %s for %ds",
		id,
		core.FormatAmount(quantity),
		assetID,
		core.FormatAmount(initialPrice),
		duration,
	)

	if a.mb != nil {
		if err := mbroker.PublishMsgAuctionStarted(ctx, a.mb, auction); err != nil {
			log.Errorf("publishing auction-started for %s: %s", id, err)
		}
	}
	return auction.Copy(), nil
}

// CurrentPrice returns the price of the current auction.
// It returns core.ErrNoAuction if no auction was ever started, and
// core.ErrAuctionNotActive if the current auction is sold.
func (a *Auctioneer) CurrentPrice(_ context.Context) (core.Quote, error) {
	cur := a.snapshot()
	if cur == nil {
		return core.Quote{}, core.ErrNoAuction
	}
	now := a.clock.Now()
	status := cur.StatusAt(now)
	if status == core.AuctionStatusSold {
		return core.Quote{}, fmt.Errorf("%w: %s is sold", core.ErrAuctionNotActive, cur.ID)
	}
	return core.Quote{
		AuctionID: cur.ID,
		Status:    status,
		Price:     core.PriceAt(cur, now),
		At:        now,
	}, nil
}

// BuyTokens buys the current auction lot. payment is the most the caller is
// willing to pay; exactly the current price is charged.
func (a *Auctioneer) BuyTokens(ctx context.Context, caller common.Address, payment *big.Int) (st *core.Settlement, err error) {
	start := time.Now()
	defer func() {
		metrics.MetricRecordSince(ctx, err, a.metricBuyDuration, start)
		metrics.MetricIncrCounter(ctx, err, a.metricPurchases)
	}()

	if caller == (common.Address{}) {
		return nil, fmt.Errorf("%w: caller is empty", core.ErrInvalidParameters)
	}
	if payment == nil || payment.Sign() < 0 {
		return nil, fmt.Errorf("%w: payment must be a non-negative amount", core.ErrInvalidParameters)
	}

	a.lk.Lock()
	defer a.lk.Unlock()

	cur := a.snapshot()
	if cur == nil {
		return nil, fmt.Errorf("%w: no auction started", core.ErrAuctionNotActive)
	}
	now := a.clock.Now()
	switch cur.StatusAt(now) {
	case core.AuctionStatusActive:
	case core.AuctionStatusExpired:
		if !a.conf.AllowExpiredPurchase {
			return nil, fmt.Errorf("%w: %s expired", core.ErrAuctionNotActive, cur.ID)
		}
	default:
		return nil, fmt.Errorf("%w: %s is %s", core.ErrAuctionNotActive, cur.ID, cur.Status)
	}

	price := core.PriceAt(cur, now)
	if payment.Cmp(price) < 0 {
		return nil, fmt.Errorf("%w: offered %s, price is %s", core.ErrInsufficientPayment, payment, price)
	}

	// Every ledger call gets its own copy of the amounts.
	charge := new(big.Int).Set(price)
	quantity := new(big.Int).Set(cur.Quantity)

	if err := a.ledger.TransferPayment(ctx, caller, cur.Seller, new(big.Int).Set(charge)); err != nil {
		return nil, fmt.Errorf("%w: payment leg: %v", core.ErrAssetTransferFailed, err)
	}
	undoPayment := func(ctx context.Context) error {
		if err := a.ledger.TransferPayment(ctx, cur.Seller, caller, new(big.Int).Set(charge)); err != nil {
			return fmt.Errorf("refunding payment: %v", err)
		}
		return nil
	}

	if err := a.ledger.Transfer(ctx, cur.AssetID, cur.Seller, caller, new(big.Int).Set(quantity)); err != nil {
		cause := fmt.Errorf("%w: asset leg: %v", core.ErrAssetTransferFailed, err)
		return nil, a.rollback(cur.ID, cause, undoPayment)
	}
	undoAsset := func(ctx context.Context) error {
		var err error
		if r, ok := a.ledger.(core.AssetReverser); ok {
			err = r.ReverseTransfer(ctx, cur.AssetID, cur.Seller, caller, new(big.Int).Set(quantity))
		} else {
			err = a.ledger.Transfer(ctx, cur.AssetID, caller, cur.Seller, new(big.Int).Set(quantity))
		}
		if err != nil {
			return fmt.Errorf("returning asset: %v", err)
		}
		return nil
	}

	sold := cur.Copy()
	sold.Status = core.AuctionStatusSold
	sold.Buyer = caller
	sold.PricePaid = new(big.Int).Set(charge)
	sold.SoldAt = now
	st = &core.Settlement{
		AuctionID: cur.ID,
		AssetID:   cur.AssetID,
		Seller:    cur.Seller,
		Buyer:     caller,
		Quantity:  new(big.Int).Set(quantity),
		PricePaid: new(big.Int).Set(charge),
		Offered:   new(big.Int).Set(payment),
		SettledAt: now,
	}
	if err := a.store.SaveSettlement(ctx, sold, st); err != nil {
		return nil, a.rollback(cur.ID, fmt.Errorf("saving settlement: %w", err), undoAsset, undoPayment)
	}
	a.current.Store(snapshot{auction: sold})

	log.Infof("auction %s sold to %s for %s", cur.ID, caller, core.FormatAmount(charge))

	if a.mb != nil {
		if err := mbroker.PublishMsgAuctionSettled(ctx, a.mb, st); err != nil {
			log.Errorf("publishing auction-settled for %s: %s", cur.ID, err)
		}
	}
	return st, nil
}

// rollback runs every undo in order, even after one fails. It returns cause,
// annotated with the failed undos if any.
func (a *Auctioneer) rollback(id core.AuctionID, cause error, undos ...func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), rollbackTimeout)
	defer cancel()
	a.metricRollbacks.Add(ctx, 1)

	log.Warnf("rolling back settlement of auction %s: %s", id, cause)
	var failed []string
	for _, undo := range undos {
		if err := undo(ctx); err != nil {
			log.Errorf("rolling back settlement of auction %s, manual reconciliation required: %s", id, err)
			failed = append(failed, err.Error())
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("%w (rollback failed: %s)", cause, strings.Join(failed, "; "))
	}
	return cause
}

// GetAuction returns an auction by id.
func (a *Auctioneer) GetAuction(ctx context.Context, id core.AuctionID) (*core.Auction, error) {
	auction, err := a.store.GetAuction(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("getting auction: %w", err)
	}
	return auction, nil
}

// ListAuctions lists auctions from the store.
func (a *Auctioneer) ListAuctions(ctx context.Context, query store.Query) ([]core.Auction, error) {
	list, err := a.store.ListAuctions(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("listing auctions: %w", err)
	}
	return list, nil
}

// GetSettlement returns the settlement record of a sold auction.
func (a *Auctioneer) GetSettlement(ctx context.Context, id core.AuctionID) (*core.Settlement, error) {
	st, err := a.store.GetSettlement(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("getting settlement: %w", err)
	}
	return st, nil
}

func (a *Auctioneer) snapshot() *core.Auction {
	return a.current.Load().(snapshot).auction
}

func validateStart(caller, assetID common.Address, initialPrice *big.Int, duration uint64, quantity *big.Int) error {
	if caller == (common.Address{}) {
		return fmt.Errorf("%w: caller is empty", core.ErrInvalidParameters)
	}
	if assetID == (common.Address{}) {
		return fmt.Errorf("%w: asset id is empty", core.ErrInvalidParameters)
	}
	if initialPrice == nil || initialPrice.Sign() <= 0 {
		return fmt.Errorf("%w: initial price must be greater than zero", core.ErrInvalidParameters)
	}
	if duration == 0 {
		return fmt.Errorf("%w: duration must be greater than zero", core.ErrInvalidParameters)
	}
	if quantity == nil || quantity.Sign() <= 0 {
		return fmt.Errorf("%w: quantity must be greater than zero", core.ErrInvalidParameters)
	}
	return nil
}
