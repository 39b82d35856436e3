package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	core "github.com/textileio/dutch-auction/auctioneer"
	"github.com/textileio/dutch-auction/auth/ethjwt"
	"github.com/textileio/dutch-auction/cmd/auctioneerd/store"
	"github.com/textileio/dutch-auction/logging"
	golog "github.com/textileio/go-log/v2"
)

func init() {
	if err := logging.SetLogLevels(map[string]golog.LogLevel{
		"auctioneer/api": golog.LevelDebug,
	}); err != nil {
		panic(err)
	}
}

var (
	asset  = common.HexToAddress("0x3000000000000000000000000000000000000003")
	seller = common.HexToAddress("0x1000000000000000000000000000000000000001")
	t0     = time.Date(2021, 10, 1, 12, 0, 0, 0, time.UTC)
)

func TestAPI_Health(t *testing.T) {
	t.Parallel()
	mux := createMux(&mockService{})
	res := do(mux, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, res.Code)

	res = do(mux, http.MethodPost, "/health", "", nil)
	require.Equal(t, http.StatusBadRequest, res.Code)
}

func TestAPI_Price(t *testing.T) {
	t.Parallel()
	for _, tc := range []struct {
		name               string
		quote              core.Quote
		err                error
		expectedStatusCode int
	}{
		{"active", core.Quote{AuctionID: "a", Status: core.AuctionStatusActive, Price: big.NewInt(500000), At: t0}, nil, http.StatusOK},
		{"no auction", core.Quote{}, core.ErrNoAuction, http.StatusNotFound},
		{"sold", core.Quote{}, fmt.Errorf("%w: a is sold", core.ErrAuctionNotActive), http.StatusGone},
	} {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			ms := &mockService{}
			ms.On("CurrentPrice", mock.Anything).Return(tc.quote, tc.err)
			res := do(createMux(ms), http.MethodGet, "/price", "", nil)
			require.Equal(t, tc.expectedStatusCode, res.Code)
			if tc.expectedStatusCode == http.StatusOK {
				var q Quote
				require.NoError(t, json.Unmarshal(res.Body.Bytes(), &q))
				assert.Equal(t, "500000", q.Price)
				assert.Equal(t, "active", q.Status)
				assert.Equal(t, "a", q.AuctionID)
			}
		})
	}
}

func TestAPI_StartAuction(t *testing.T) {
	t.Parallel()
	sk, err := crypto.GenerateKey()
	require.NoError(t, err)
	caller := crypto.PubkeyToAddress(sk.PublicKey)
	token, err := ethjwt.NewToken(sk, time.Minute)
	require.NoError(t, err)

	started := &core.Auction{
		ID:           "a",
		AssetID:      asset,
		Seller:       caller,
		InitialPrice: big.NewInt(1000000),
		Quantity:     big.NewInt(100),
		Duration:     300,
		Status:       core.AuctionStatusActive,
		StartedAt:    t0,
	}
	body := func(req StartAuctionRequest) []byte {
		b, _ := json.Marshal(req)
		return b
	}
	valid := StartAuctionRequest{AssetID: asset.Hex(), InitialPrice: "1000000", Duration: 300, Quantity: "0x64"}

	for _, tc := range []struct {
		name               string
		token              string
		body               []byte
		err                error
		expectedStatusCode int
	}{
		{"created", token, body(valid), nil, http.StatusCreated},
		{"no token", "", body(valid), nil, http.StatusUnauthorized},
		{"bad token", "nope", body(valid), nil, http.StatusUnauthorized},
		{"bad body", token, []byte("{"), nil, http.StatusBadRequest},
		{"unknown field", token, []byte(`{"foo":1}`), nil, http.StatusBadRequest},
		{"bad asset", token, body(StartAuctionRequest{AssetID: "x", InitialPrice: "1", Duration: 1, Quantity: "1"}), nil, http.StatusBadRequest},
		{"bad price", token, body(StartAuctionRequest{AssetID: asset.Hex(), InitialPrice: "abc", Duration: 1, Quantity: "1"}), nil, http.StatusBadRequest},
		{"already active", token, body(valid), core.ErrAuctionAlreadyActive, http.StatusConflict},
		{"invalid", token, body(valid), fmt.Errorf("%w: duration", core.ErrInvalidParameters), http.StatusBadRequest},
	} {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			ms := &mockService{}
			ms.On("StartAuction", mock.Anything, caller, asset, big.NewInt(1000000), uint64(300), big.NewInt(100)).
				Return(started, tc.err)
			res := do(createMux(ms), http.MethodPost, "/auctions", tc.token, tc.body)
			require.Equal(t, tc.expectedStatusCode, res.Code, res.Body.String())
			if tc.expectedStatusCode == http.StatusCreated {
				var a Auction
				require.NoError(t, json.Unmarshal(res.Body.Bytes(), &a))
				assert.Equal(t, "a", a.ID)
				assert.Equal(t, caller.Hex(), a.Seller)
				assert.Equal(t, "100", a.Quantity)
				assert.True(t, t0.Add(300*time.Second).Equal(a.EndsAt))
				assert.Nil(t, a.SoldAt)
				ms.AssertExpectations(t)
			}
		})
	}
}

func TestAPI_Buy(t *testing.T) {
	t.Parallel()
	sk, err := crypto.GenerateKey()
	require.NoError(t, err)
	caller := crypto.PubkeyToAddress(sk.PublicKey)
	token, err := ethjwt.NewToken(sk, time.Minute)
	require.NoError(t, err)

	st := &core.Settlement{
		AuctionID: "a",
		AssetID:   asset,
		Seller:    seller,
		Buyer:     caller,
		Quantity:  big.NewInt(100),
		PricePaid: big.NewInt(500000),
		Offered:   big.NewInt(600000),
		SettledAt: t0,
	}
	for _, tc := range []struct {
		name               string
		token              string
		body               string
		err                error
		expectedStatusCode int
	}{
		{"settled", token, `{"payment":"600000"}`, nil, http.StatusOK},
		{"no token", "", `{"payment":"600000"}`, nil, http.StatusUnauthorized},
		{"no payment", token, `{}`, nil, http.StatusBadRequest},
		{"too low", token, `{"payment":"600000"}`, core.ErrInsufficientPayment, http.StatusPaymentRequired},
		{"over", token, `{"payment":"600000"}`, core.ErrAuctionNotActive, http.StatusGone},
		{"rejected", token, `{"payment":"600000"}`, core.ErrAssetTransferFailed, http.StatusFailedDependency},
		{"internal", token, `{"payment":"600000"}`, fmt.Errorf("saving settlement: boom"), http.StatusInternalServerError},
	} {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			ms := &mockService{}
			ms.On("BuyTokens", mock.Anything, caller, big.NewInt(600000)).Return(st, tc.err)
			res := do(createMux(ms), http.MethodPost, "/buy", tc.token, []byte(tc.body))
			require.Equal(t, tc.expectedStatusCode, res.Code, res.Body.String())
			if tc.expectedStatusCode == http.StatusOK {
				var got Settlement
				require.NoError(t, json.Unmarshal(res.Body.Bytes(), &got))
				assert.Equal(t, "500000", got.PricePaid)
				assert.Equal(t, "600000", got.Offered)
				assert.Equal(t, caller.Hex(), got.Buyer)
			}
		})
	}

	res := do(createMux(&mockService{}), http.MethodGet, "/buy", token, nil)
	require.Equal(t, http.StatusBadRequest, res.Code)
}

func TestAPI_Auctions(t *testing.T) {
	t.Parallel()
	sold := core.Auction{
		ID:           "b",
		AssetID:      asset,
		Seller:       seller,
		InitialPrice: big.NewInt(10),
		Quantity:     big.NewInt(1),
		Duration:     10,
		Status:       core.AuctionStatusSold,
		StartedAt:    t0,
		Buyer:        common.HexToAddress("0x2"),
		PricePaid:    big.NewInt(5),
		SoldAt:       t0.Add(5 * time.Second),
	}
	ms := &mockService{}
	ms.On("ListAuctions", mock.Anything, store.Query{Offset: "z", Limit: 5, Order: store.OrderAscending}).
		Return([]core.Auction{sold}, nil)
	ms.On("ListAuctions", mock.Anything, store.Query{}).Return([]core.Auction{}, nil)
	ms.On("GetAuction", mock.Anything, core.AuctionID("b")).Return(&sold, nil)
	ms.On("GetAuction", mock.Anything, core.AuctionID("z")).Return(nil, core.ErrAuctionNotFound)
	ms.On("GetSettlement", mock.Anything, core.AuctionID("z")).Return(nil, store.ErrSettlementNotFound)
	mux := createMux(ms)

	res := do(mux, http.MethodGet, "/auctions?offset=z&limit=5&order=asc", "", nil)
	require.Equal(t, http.StatusOK, res.Code)
	var list []Auction
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, "sold", list[0].Status)
	assert.Equal(t, "5", list[0].PricePaid)
	require.NotNil(t, list[0].SoldAt)

	res = do(mux, http.MethodGet, "/auctions", "", nil)
	require.Equal(t, http.StatusOK, res.Code)
	assert.Equal(t, "[]", res.Body.String())

	for _, tc := range []struct {
		name               string
		url                string
		expectedStatusCode int
	}{
		{"bad limit", "/auctions?limit=x", http.StatusBadRequest},
		{"bad order", "/auctions?order=sideways", http.StatusBadRequest},
		{"get", "/auctions/b", http.StatusOK},
		{"get not found", "/auctions/z", http.StatusNotFound},
		{"get empty", "/auctions/", http.StatusBadRequest},
		{"settlement not found", "/settlements/z", http.StatusNotFound},
	} {
		res := do(mux, http.MethodGet, tc.url, "", nil)
		require.Equal(t, tc.expectedStatusCode, res.Code, tc.name)
	}
}

func do(h http.Handler, method, url, token string, body []byte) *httptest.ResponseRecorder {
	res := httptest.NewRecorder()
	req, _ := http.NewRequest(method, url, bytes.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	h.ServeHTTP(res, req)
	return res
}

type mockService struct {
	mock.Mock
}

func (s *mockService) StartAuction(
	ctx context.Context,
	caller common.Address,
	assetID common.Address,
	initialPrice *big.Int,
	duration uint64,
	quantity *big.Int,
) (*core.Auction, error) {
	args := s.Called(ctx, caller, assetID, initialPrice, duration, quantity)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*core.Auction), args.Error(1)
}

func (s *mockService) CurrentPrice(ctx context.Context) (core.Quote, error) {
	args := s.Called(ctx)
	return args.Get(0).(core.Quote), args.Error(1)
}

func (s *mockService) BuyTokens(ctx context.Context, caller common.Address, payment *big.Int) (*core.Settlement, error) {
	args := s.Called(ctx, caller, payment)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*core.Settlement), args.Error(1)
}

func (s *mockService) GetAuction(ctx context.Context, id core.AuctionID) (*core.Auction, error) {
	args := s.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*core.Auction), args.Error(1)
}

func (s *mockService) ListAuctions(ctx context.Context, query store.Query) ([]core.Auction, error) {
	args := s.Called(ctx, query)
	return args.Get(0).([]core.Auction), args.Error(1)
}

func (s *mockService) GetSettlement(ctx context.Context, id core.AuctionID) (*core.Settlement, error) {
	args := s.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*core.Settlement), args.Error(1)
}
