package auctioneer

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	core "github.com/textileio/dutch-auction/auctioneer"
	"github.com/textileio/dutch-auction/cmd/auctioneerd/ledger"
	"pgregory.net/rapid"
)

func TestAuctioneerProperties(t *testing.T) {
	rapid.Check(t, rapid.Run(&auctioneerModel{}))
}

// auctioneerModel checks the engine against a plain model of a single lot
// under both expiration policies.
type auctioneerModel struct {
	a      *Auctioneer
	ledger *ledger.Ledger
	clock  *fakeClock
	conf   Config

	started   bool
	sold      bool
	startedAt time.Time
	initial   uint64
	duration  uint64
	sales     int64
	paid      *big.Int
	funds     *big.Int
}

func (m *auctioneerModel) Init(t *rapid.T) {
	m.conf = Config{AllowExpiredPurchase: rapid.Bool().Draw(t, "allowExpired").(bool)}
	m.clock = &fakeClock{now: t0}
	m.ledger = ledger.New(operator)
	plenty := new(big.Int).Lsh(big.NewInt(1), 100)
	m.funds = plenty
	require.NoError(t, m.ledger.Mint(asset, seller, plenty))
	require.NoError(t, m.ledger.Approve(asset, seller, plenty))
	require.NoError(t, m.ledger.Deposit(buyer, plenty))

	a, err := New(context.Background(), newStore(), m.ledger, m.clock, nil, m.conf)
	require.NoError(t, err)
	m.a = a
	m.started, m.sold, m.sales = false, false, 0
	m.paid = new(big.Int)
}

func (m *auctioneerModel) elapsed() uint64 {
	secs := uint64(m.clock.Now().Sub(m.startedAt) / time.Second)
	if secs > m.duration {
		return m.duration
	}
	return secs
}

func (m *auctioneerModel) active() bool {
	return m.started && !m.sold && m.elapsed() < m.duration
}

func (m *auctioneerModel) price() *big.Int {
	p := new(big.Int).SetUint64(m.initial)
	p.Mul(p, new(big.Int).SetUint64(m.duration-m.elapsed()))
	return p.Quo(p, new(big.Int).SetUint64(m.duration))
}

func (m *auctioneerModel) Start(t *rapid.T) {
	initial := rapid.Uint64Range(1, 1_000_000_000).Draw(t, "initial").(uint64)
	duration := rapid.Uint64Range(1, 600).Draw(t, "duration").(uint64)

	_, err := m.a.StartAuction(context.Background(), seller, asset, new(big.Int).SetUint64(initial), duration, big.NewInt(1))
	if m.active() {
		require.ErrorIs(t, err, core.ErrAuctionAlreadyActive)
		return
	}
	require.NoError(t, err)
	m.started, m.sold = true, false
	m.startedAt = m.clock.Now()
	m.initial, m.duration = initial, duration
}

func (m *auctioneerModel) Advance(t *rapid.T) {
	ms := rapid.Int64Range(0, 400_000).Draw(t, "millis").(int64)
	m.clock.Advance(time.Duration(ms) * time.Millisecond)
}

func (m *auctioneerModel) Buy(t *rapid.T) {
	payment := rapid.Uint64Range(0, 2_000_000_000).Draw(t, "payment").(uint64)

	st, err := m.a.BuyTokens(context.Background(), buyer, new(big.Int).SetUint64(payment))
	expired := m.started && !m.sold && !m.active()
	switch {
	case !m.started, m.sold, expired && !m.conf.AllowExpiredPurchase:
		require.ErrorIs(t, err, core.ErrAuctionNotActive)
	case new(big.Int).SetUint64(payment).Cmp(m.price()) < 0:
		require.ErrorIs(t, err, core.ErrInsufficientPayment)
	default:
		require.NoError(t, err)
		require.Equal(t, m.price().String(), st.PricePaid.String())
		m.paid.Add(m.paid, st.PricePaid)
		m.sold = true
		m.sales++
	}
}

func (m *auctioneerModel) Check(t *rapid.T) {
	q, err := m.a.CurrentPrice(context.Background())
	switch {
	case !m.started:
		require.ErrorIs(t, err, core.ErrNoAuction)
	case m.sold:
		require.ErrorIs(t, err, core.ErrAuctionNotActive)
	default:
		require.NoError(t, err)
		require.Equal(t, m.price().String(), q.Price.String())
		require.True(t, q.Price.Cmp(new(big.Int).SetUint64(m.initial)) <= 0)
		require.True(t, q.Price.Sign() >= 0)
		if m.active() {
			require.Equal(t, core.AuctionStatusActive, q.Status)
		} else {
			require.Equal(t, core.AuctionStatusExpired, q.Status)
			require.Equal(t, 0, q.Price.Sign())
		}
	}
	require.Equal(t, m.sales, m.ledger.BalanceOf(asset, buyer).Int64())
	require.Equal(t, m.paid.String(), m.ledger.PaymentBalanceOf(seller).String())
	left := new(big.Int).Sub(m.funds, m.paid)
	require.Equal(t, left.String(), m.ledger.PaymentBalanceOf(buyer).String())
}
