package auctioneer

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/ethereum/go-ethereum/common"
)

var (
	// ErrInvalidParameters indicates the auction can't be started with the given parameters.
	ErrInvalidParameters = errors.New("invalid auction parameters")

	// ErrAuctionAlreadyActive indicates an auction is running and a new one can't be started.
	ErrAuctionAlreadyActive = errors.New("auction already active")

	// ErrAuctionNotActive indicates there is no auction accepting purchases.
	// It covers never-started, already sold, and expired auctions.
	ErrAuctionNotActive = errors.New("auction not active")

	// ErrNoAuction indicates no auction has ever been started.
	ErrNoAuction = errors.New("no auction started")

	// ErrInsufficientPayment indicates the offered payment is below the current price.
	ErrInsufficientPayment = errors.New("insufficient payment")

	// ErrAssetTransferFailed indicates the ledger rejected one of the settlement legs.
	ErrAssetTransferFailed = errors.New("asset transfer failed")

	// ErrAuctionNotFound indicates the requested auction was not found.
	ErrAuctionNotFound = errors.New("auction not found")
)

// AuctionID is a unique identifier for an Auction.
type AuctionID string

// Auction defines the core auction model.
type Auction struct {
	ID           AuctionID
	AssetID      common.Address
	Seller       common.Address
	InitialPrice *big.Int
	Quantity     *big.Int
	Duration     uint64 // seconds
	Status       AuctionStatus
	StartedAt    time.Time

	// Populated once the auction is sold.
	Buyer     common.Address
	PricePaid *big.Int
	SoldAt    time.Time
}

// AuctionStatus is the status of an auction.
type AuctionStatus int

const (
	// AuctionStatusInactive indicates no auction was started.
	AuctionStatusInactive AuctionStatus = iota
	// AuctionStatusActive indicates the auction is accepting a purchase.
	AuctionStatusActive
	// AuctionStatusSold indicates the auction was settled with a buyer.
	AuctionStatusSold
	// AuctionStatusExpired indicates the auction duration elapsed without a purchase.
	// It is never persisted; see Auction.StatusAt.
	AuctionStatusExpired
)

// String returns a string-encoded status.
func (as AuctionStatus) String() string {
	switch as {
	case AuctionStatusInactive:
		return "inactive"
	case AuctionStatusActive:
		return "active"
	case AuctionStatusSold:
		return "sold"
	case AuctionStatusExpired:
		return "expired"
	default:
		return "invalid"
	}
}

// AuctionStatusByString finds a status by its string representation.
func AuctionStatusByString(s string) (AuctionStatus, error) {
	switch s {
	case "inactive":
		return AuctionStatusInactive, nil
	case "active":
		return AuctionStatusActive, nil
	case "sold":
		return AuctionStatusSold, nil
	case "expired":
		return AuctionStatusExpired, nil
	default:
		return AuctionStatusInactive, fmt.Errorf("invalid auction status: %s", s)
	}
}

// Elapsed returns whole seconds since the auction started, clamped to [0, Duration].
func (a *Auction) Elapsed(now time.Time) uint64 {
	d := now.Sub(a.StartedAt)
	if d <= 0 {
		return 0
	}
	secs := uint64(d / time.Second)
	if secs > a.Duration {
		return a.Duration
	}
	return secs
}

// StatusAt returns the status of the auction at the given time.
// An active auction whose duration has fully elapsed is reported as expired.
func (a *Auction) StatusAt(now time.Time) AuctionStatus {
	if a.Status == AuctionStatusActive && a.Elapsed(now) >= a.Duration {
		return AuctionStatusExpired
	}
	return a.Status
}

// PriceAt returns the auction price at the given time.
// The price decays linearly from InitialPrice to zero over Duration,
// rounding down. It's zero once Duration has elapsed.
func PriceAt(a *Auction, now time.Time) *big.Int {
	elapsed := a.Elapsed(now)
	if elapsed >= a.Duration {
		return new(big.Int)
	}
	remaining := new(big.Int).SetUint64(a.Duration - elapsed)
	p := new(big.Int).Mul(a.InitialPrice, remaining)
	return p.Quo(p, new(big.Int).SetUint64(a.Duration))
}

// Copy returns a deep copy of the auction.
func (a *Auction) Copy() *Auction {
	c := *a
	c.InitialPrice = copyInt(a.InitialPrice)
	c.Quantity = copyInt(a.Quantity)
	c.PricePaid = copyInt(a.PricePaid)
	return &c
}

func copyInt(i *big.Int) *big.Int {
	if i == nil {
		return nil
	}
	return new(big.Int).Set(i)
}

// Quote is the price of the current auction at a point in time.
type Quote struct {
	AuctionID AuctionID
	Status    AuctionStatus
	Price     *big.Int
	At        time.Time
}

// Settlement is the record of a completed sale.
type Settlement struct {
	AuctionID AuctionID
	AssetID   common.Address
	Seller    common.Address
	Buyer     common.Address
	Quantity  *big.Int
	// PricePaid is the amount moved from buyer to seller.
	PricePaid *big.Int
	// Offered is the maximum payment the buyer was willing to pay.
	Offered   *big.Int
	SettledAt time.Time
}

// Clock is a source of now.
type Clock interface {
	Now() time.Time
}

// SystemClock implements Clock using the standard time package.
type SystemClock struct{}

// Now returns the current time.
func (SystemClock) Now() time.Time {
	return time.Now()
}

// AssetLedger moves the listed asset and the payment asset between identities.
type AssetLedger interface {
	// Transfer moves amount units of assetID from one identity to another.
	// The ledger must allow the auctioneer to move the seller's asset on its behalf.
	Transfer(ctx context.Context, assetID, from, to common.Address, amount *big.Int) error
	// TransferPayment moves amount of the payment asset from one identity to another.
	TransferPayment(ctx context.Context, from, to common.Address, amount *big.Int) error
}

// AssetReverser is implemented by ledgers that let the auctioneer undo an asset
// Transfer it made, without an allowance from the receiving side.
type AssetReverser interface {
	// ReverseTransfer undoes a Transfer of amount of assetID from one identity to another.
	ReverseTransfer(ctx context.Context, assetID, from, to common.Address, amount *big.Int) error
}

// FormatAmount formats an amount with thousands separators for logs and output.
// x is left untouched.
func FormatAmount(x *big.Int) string {
	if x == nil {
		return "<nil>"
	}
	return humanize.BigComma(new(big.Int).Set(x))
}

// Auctioneer runs one reverse Dutch auction at a time.
type Auctioneer interface {
	// StartAuction starts a new auction with caller as seller.
	StartAuction(
		ctx context.Context,
		caller common.Address,
		assetID common.Address,
		initialPrice *big.Int,
		duration uint64,
		quantity *big.Int,
	) (*Auction, error)
	// CurrentPrice returns the current auction price.
	CurrentPrice(ctx context.Context) (Quote, error)
	// BuyTokens buys the current lot for at most payment.
	BuyTokens(ctx context.Context, caller common.Address, payment *big.Int) (*Settlement, error)
}
