package httpapi

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	core "github.com/textileio/dutch-auction/auctioneer"
)

// StartAuctionRequest is the body of POST /auctions.
type StartAuctionRequest struct {
	AssetID      string `json:"asset_id"`
	InitialPrice string `json:"initial_price"`
	Duration     uint64 `json:"duration"`
	Quantity     string `json:"quantity"`
}

// BuyRequest is the body of POST /buy.
type BuyRequest struct {
	Payment string `json:"payment"`
}

// Auction is the JSON view of an auction.
type Auction struct {
	ID           string     `json:"id"`
	AssetID      string     `json:"asset_id"`
	Seller       string     `json:"seller"`
	InitialPrice string     `json:"initial_price"`
	Quantity     string     `json:"quantity"`
	Duration     uint64     `json:"duration"`
	Status       string     `json:"status"`
	StartedAt    time.Time  `json:"started_at"`
	EndsAt       time.Time  `json:"ends_at"`
	Buyer        string     `json:"buyer,omitempty"`
	PricePaid    string     `json:"price_paid,omitempty"`
	SoldAt       *time.Time `json:"sold_at,omitempty"`
}

// Quote is the JSON view of a price quote.
type Quote struct {
	AuctionID string    `json:"auction_id"`
	Status    string    `json:"status"`
	Price     string    `json:"price"`
	At        time.Time `json:"at"`
}

// Settlement is the JSON view of a settlement record.
type Settlement struct {
	AuctionID string    `json:"auction_id"`
	AssetID   string    `json:"asset_id"`
	Seller    string    `json:"seller"`
	Buyer     string    `json:"buyer"`
	Quantity  string    `json:"quantity"`
	PricePaid string    `json:"price_paid"`
	Offered   string    `json:"offered"`
	SettledAt time.Time `json:"settled_at"`
}

// NewAuction returns the JSON view of a.
func NewAuction(a *core.Auction) Auction {
	v := Auction{
		ID:           string(a.ID),
		AssetID:      a.AssetID.Hex(),
		Seller:       a.Seller.Hex(),
		InitialPrice: amountString(a.InitialPrice),
		Quantity:     amountString(a.Quantity),
		Duration:     a.Duration,
		Status:       a.Status.String(),
		StartedAt:    a.StartedAt,
		EndsAt:       a.StartedAt.Add(time.Duration(a.Duration) * time.Second),
	}
	if a.Status == core.AuctionStatusSold {
		soldAt := a.SoldAt
		v.Buyer = a.Buyer.Hex()
		v.PricePaid = amountString(a.PricePaid)
		v.SoldAt = &soldAt
	}
	return v
}

// NewQuote returns the JSON view of q.
func NewQuote(q core.Quote) Quote {
	return Quote{
		AuctionID: string(q.AuctionID),
		Status:    q.Status.String(),
		Price:     amountString(q.Price),
		At:        q.At,
	}
}

// NewSettlement returns the JSON view of st.
func NewSettlement(st *core.Settlement) Settlement {
	return Settlement{
		AuctionID: string(st.AuctionID),
		AssetID:   st.AssetID.Hex(),
		Seller:    st.Seller.Hex(),
		Buyer:     st.Buyer.Hex(),
		Quantity:  amountString(st.Quantity),
		PricePaid: amountString(st.PricePaid),
		Offered:   amountString(st.Offered),
		SettledAt: st.SettledAt,
	}
}

// ParseAmount parses a decimal or 0x-prefixed hex amount.
func ParseAmount(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, errors.New("amount is empty")
	}
	v, ok := math.ParseBig256(s)
	if !ok {
		return nil, errors.New("amount must be a decimal or hex integer of 256 bits at most")
	}
	return v, nil
}

func amountString(i *big.Int) string {
	if i == nil {
		return ""
	}
	return i.String()
}

// ToCore converts the view back into an auction.
func (v Auction) ToCore() (*core.Auction, error) {
	status, err := core.AuctionStatusByString(v.Status)
	if err != nil {
		return nil, err
	}
	a := &core.Auction{
		ID:        core.AuctionID(v.ID),
		AssetID:   common.HexToAddress(v.AssetID),
		Seller:    common.HexToAddress(v.Seller),
		Duration:  v.Duration,
		Status:    status,
		StartedAt: v.StartedAt,
	}
	if a.InitialPrice, err = ParseAmount(v.InitialPrice); err != nil {
		return nil, fmt.Errorf("parsing initial price: %s", err)
	}
	if a.Quantity, err = ParseAmount(v.Quantity); err != nil {
		return nil, fmt.Errorf("parsing quantity: %s", err)
	}
	if status == core.AuctionStatusSold {
		a.Buyer = common.HexToAddress(v.Buyer)
		if a.PricePaid, err = ParseAmount(v.PricePaid); err != nil {
			return nil, fmt.Errorf("parsing price paid: %s", err)
		}
		if v.SoldAt != nil {
			a.SoldAt = *v.SoldAt
		}
	}
	return a, nil
}

// ToCore converts the view back into a quote.
func (v Quote) ToCore() (core.Quote, error) {
	status, err := core.AuctionStatusByString(v.Status)
	if err != nil {
		return core.Quote{}, err
	}
	price, err := ParseAmount(v.Price)
	if err != nil {
		return core.Quote{}, fmt.Errorf("parsing price: %s", err)
	}
	return core.Quote{AuctionID: core.AuctionID(v.AuctionID), Status: status, Price: price, At: v.At}, nil
}

// ToCore converts the view back into a settlement.
func (v Settlement) ToCore() (*core.Settlement, error) {
	st := &core.Settlement{
		AuctionID: core.AuctionID(v.AuctionID),
		AssetID:   common.HexToAddress(v.AssetID),
		Seller:    common.HexToAddress(v.Seller),
		Buyer:     common.HexToAddress(v.Buyer),
		SettledAt: v.SettledAt,
	}
	var err error
	if st.Quantity, err = ParseAmount(v.Quantity); err != nil {
		return nil, fmt.Errorf("parsing quantity: %s", err)
	}
	if st.PricePaid, err = ParseAmount(v.PricePaid); err != nil {
		return nil, fmt.Errorf("parsing price paid: %s", err)
	}
	if st.Offered, err = ParseAmount(v.Offered); err != nil {
		return nil, fmt.Errorf("parsing offered: %s", err)
	}
	return st, nil
}
