package client_test

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	ds "github.com/ipfs/go-datastore"
	dssync "github.com/ipfs/go-datastore/sync"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	core "github.com/textileio/dutch-auction/auctioneer"
	"github.com/textileio/dutch-auction/cmd/auctioneerd/auctioneer"
	"github.com/textileio/dutch-auction/cmd/auctioneerd/client"
	"github.com/textileio/dutch-auction/cmd/auctioneerd/httpapi"
	"github.com/textileio/dutch-auction/cmd/auctioneerd/ledger"
	"github.com/textileio/dutch-auction/cmd/auctioneerd/store"
	"github.com/textileio/dutch-auction/logging"
	golog "github.com/textileio/go-log/v2"
)

func init() {
	if err := logging.SetLogLevels(map[string]golog.LogLevel{
		"auctioneer":     golog.LevelDebug,
		"auctioneer/api": golog.LevelDebug,
	}); err != nil {
		panic(err)
	}
}

var (
	operator = common.HexToAddress("0x0000000000000000000000000000000000000a0c")
	asset    = common.HexToAddress("0x3000000000000000000000000000000000000003")
)

func TestClient(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	env := newEnv(t)
	sellerC := client.New(env.addr, env.sellerKey)
	buyerC := client.New(env.addr, env.buyerKey)
	reader := client.New(env.addr, nil)

	_, err := reader.CurrentPrice(ctx)
	require.ErrorIs(t, err, core.ErrNoAuction)

	a, err := sellerC.StartAuction(ctx, common.Address{}, asset, big.NewInt(1000000), 300, big.NewInt(100))
	require.NoError(t, err)
	assert.Equal(t, sellerC.Address(), a.Seller)
	assert.Equal(t, core.AuctionStatusActive, a.Status)

	_, err = sellerC.StartAuction(ctx, sellerC.Address(), asset, big.NewInt(1), 1, big.NewInt(1))
	require.ErrorIs(t, err, core.ErrAuctionAlreadyActive)

	env.clock.Advance(150 * time.Second)
	q, err := reader.CurrentPrice(ctx)
	require.NoError(t, err)
	assert.Equal(t, "500000", q.Price.String())
	assert.Equal(t, a.ID, q.AuctionID)

	_, err = buyerC.BuyTokens(ctx, common.Address{}, big.NewInt(499999))
	require.ErrorIs(t, err, core.ErrInsufficientPayment)

	st, err := buyerC.BuyTokens(ctx, buyerC.Address(), big.NewInt(600000))
	require.NoError(t, err)
	assert.Equal(t, "500000", st.PricePaid.String())
	assert.Equal(t, "600000", st.Offered.String())
	assert.Equal(t, int64(100), env.ledger.BalanceOf(asset, buyerC.Address()).Int64())

	_, err = buyerC.BuyTokens(ctx, common.Address{}, big.NewInt(600000))
	require.ErrorIs(t, err, core.ErrAuctionNotActive)

	got, err := reader.GetAuction(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, core.AuctionStatusSold, got.Status)
	assert.Equal(t, buyerC.Address(), got.Buyer)
	assert.Equal(t, "500000", got.PricePaid.String())

	saved, err := reader.GetSettlement(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, st.PricePaid.String(), saved.PricePaid.String())

	list, err := reader.ListAuctions(ctx, store.Query{Order: store.OrderAscending, Limit: 5})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, a.ID, list[0].ID)

	_, err = reader.GetAuction(ctx, "nope")
	require.ErrorIs(t, err, core.ErrAuctionNotFound)
	_, err = reader.GetSettlement(ctx, "nope")
	require.ErrorIs(t, err, store.ErrSettlementNotFound)
}

func TestClient_Auth(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	env := newEnv(t)

	reader := client.New(env.addr, nil)
	_, err := reader.BuyTokens(ctx, common.Address{}, big.NewInt(1))
	require.ErrorIs(t, err, client.ErrNoKey)

	c := client.New(env.addr, env.sellerKey)
	_, err = c.StartAuction(ctx, common.HexToAddress("0x1"), asset, big.NewInt(1), 1, big.NewInt(1))
	require.Error(t, err)
}

func TestClient_TransferFailed(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	env := newEnv(t)

	sellerC := client.New(env.addr, env.sellerKey)
	_, err := sellerC.StartAuction(ctx, common.Address{}, asset, big.NewInt(1000), 10, big.NewInt(100))
	require.NoError(t, err)

	// A buyer without payment funds.
	sk, err := crypto.GenerateKey()
	require.NoError(t, err)
	_, err = client.New(env.addr, sk).BuyTokens(ctx, common.Address{}, big.NewInt(1000))
	require.ErrorIs(t, err, core.ErrAssetTransferFailed)
}

type env struct {
	addr      string
	clock     *fakeClock
	ledger    *ledger.Ledger
	sellerKey *ecdsa.PrivateKey
	buyerKey  *ecdsa.PrivateKey
}

func newEnv(t *testing.T) env {
	sellerKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	buyerKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	seller := crypto.PubkeyToAddress(sellerKey.PublicKey)
	buyer := crypto.PubkeyToAddress(buyerKey.PublicKey)

	l := ledger.New(operator)
	require.NoError(t, l.Mint(asset, seller, big.NewInt(100)))
	require.NoError(t, l.Approve(asset, seller, big.NewInt(100)))
	require.NoError(t, l.Deposit(buyer, big.NewInt(2000000)))

	clock := &fakeClock{now: time.Date(2021, 10, 1, 12, 0, 0, 0, time.UTC)}
	s := store.New(dssync.MutexWrap(ds.NewMapDatastore()))
	a, err := auctioneer.New(context.Background(), s, l, clock, nil, auctioneer.Config{})
	require.NoError(t, err)

	srv := httptest.NewServer(httpapi.NewHandler(a))
	t.Cleanup(srv.Close)

	return env{
		addr:      srv.URL,
		clock:     clock,
		ledger:    l,
		sellerKey: sellerKey,
		buyerKey:  buyerKey,
	}
}

type fakeClock struct {
	lk  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.lk.Lock()
	defer c.lk.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.lk.Lock()
	defer c.lk.Unlock()
	c.now = c.now.Add(d)
}
