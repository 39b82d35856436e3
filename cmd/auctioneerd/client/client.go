package client

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	core "github.com/textileio/dutch-auction/auctioneer"
	"github.com/textileio/dutch-auction/auth/ethjwt"
	"github.com/textileio/dutch-auction/cmd/auctioneerd/httpapi"
	"github.com/textileio/dutch-auction/cmd/auctioneerd/store"
)

const tokenTTL = time.Minute

// ErrNoKey indicates a mutating call was made by a client without a signing key.
var ErrNoKey = errors.New("client has no signing key")

// Client provides the client api.
type Client struct {
	addr string
	sk   *ecdsa.PrivateKey
	hc   *http.Client
}

var _ core.Auctioneer = (*Client)(nil)

// New returns a new client for the auctioneer at addr.
// sk signs mutating calls and may be nil for read-only use.
func New(addr string, sk *ecdsa.PrivateKey) *Client {
	return &Client{
		addr: strings.TrimRight(addr, "/"),
		sk:   sk,
		hc:   &http.Client{Timeout: time.Second * 30},
	}
}

// Address returns the identity of the client signing key.
func (c *Client) Address() common.Address {
	if c.sk == nil {
		return common.Address{}
	}
	return crypto.PubkeyToAddress(c.sk.PublicKey)
}

// StartAuction starts an auction. caller must be empty or the client address.
func (c *Client) StartAuction(
	ctx context.Context,
	caller common.Address,
	assetID common.Address,
	initialPrice *big.Int,
	duration uint64,
	quantity *big.Int,
) (*core.Auction, error) {
	if err := c.checkCaller(caller); err != nil {
		return nil, err
	}
	req := httpapi.StartAuctionRequest{
		AssetID:      assetID.Hex(),
		InitialPrice: amountString(initialPrice),
		Duration:     duration,
		Quantity:     amountString(quantity),
	}
	var res httpapi.Auction
	if err := c.do(ctx, http.MethodPost, "/auctions", true, req, &res); err != nil {
		return nil, fmt.Errorf("calling start auction api: %w", err)
	}
	return res.ToCore()
}

// CurrentPrice returns the current auction price.
func (c *Client) CurrentPrice(ctx context.Context) (core.Quote, error) {
	var res httpapi.Quote
	if err := c.do(ctx, http.MethodGet, "/price", false, nil, &res); err != nil {
		return core.Quote{}, fmt.Errorf("calling price api: %w", err)
	}
	return res.ToCore()
}

// BuyTokens buys the current lot for at most payment.
func (c *Client) BuyTokens(ctx context.Context, caller common.Address, payment *big.Int) (*core.Settlement, error) {
	if err := c.checkCaller(caller); err != nil {
		return nil, err
	}
	var res httpapi.Settlement
	req := httpapi.BuyRequest{Payment: amountString(payment)}
	if err := c.do(ctx, http.MethodPost, "/buy", true, req, &res); err != nil {
		return nil, fmt.Errorf("calling buy api: %w", err)
	}
	return res.ToCore()
}

// GetAuction returns an auction by id.
func (c *Client) GetAuction(ctx context.Context, id core.AuctionID) (*core.Auction, error) {
	var res httpapi.Auction
	if err := c.do(ctx, http.MethodGet, "/auctions/"+url.PathEscape(string(id)), false, nil, &res); err != nil {
		return nil, fmt.Errorf("calling get auction api: %w", err)
	}
	return res.ToCore()
}

// ListAuctions lists auctions.
func (c *Client) ListAuctions(ctx context.Context, query store.Query) ([]core.Auction, error) {
	v := url.Values{}
	if query.Offset != "" {
		v.Set("offset", query.Offset)
	}
	if query.Limit != 0 {
		v.Set("limit", strconv.Itoa(query.Limit))
	}
	if query.Order == store.OrderAscending {
		v.Set("order", "asc")
	}
	path := "/auctions"
	if len(v) > 0 {
		path += "?" + v.Encode()
	}

	var res []httpapi.Auction
	if err := c.do(ctx, http.MethodGet, path, false, nil, &res); err != nil {
		return nil, fmt.Errorf("calling list auctions api: %w", err)
	}
	list := make([]core.Auction, len(res))
	for i, a := range res {
		ca, err := a.ToCore()
		if err != nil {
			return nil, fmt.Errorf("decoding auction %s: %s", a.ID, err)
		}
		list[i] = *ca
	}
	return list, nil
}

// GetSettlement returns the settlement record of an auction.
func (c *Client) GetSettlement(ctx context.Context, id core.AuctionID) (*core.Settlement, error) {
	var res httpapi.Settlement
	if err := c.do(ctx, http.MethodGet, "/settlements/"+url.PathEscape(string(id)), false, nil, &res); err != nil {
		return nil, fmt.Errorf("calling get settlement api: %w", err)
	}
	return res.ToCore()
}

func (c *Client) checkCaller(caller common.Address) error {
	if c.sk == nil {
		return ErrNoKey
	}
	if caller != (common.Address{}) && caller != c.Address() {
		return fmt.Errorf("caller %s doesn't match signing key %s", caller, c.Address())
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, signed bool, body, dst interface{}) error {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %s", err)
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.addr+path, r)
	if err != nil {
		return fmt.Errorf("creating request: %s", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if signed {
		token, err := ethjwt.NewToken(c.sk, tokenTTL)
		if err != nil {
			return fmt.Errorf("signing token: %s", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	res, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode >= http.StatusBadRequest {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 1<<16))
		return statusError(res.StatusCode, strings.TrimSpace(string(msg)))
	}
	if err := json.NewDecoder(res.Body).Decode(dst); err != nil {
		return fmt.Errorf("decoding response: %s", err)
	}
	return nil
}

// statusError maps an error response back to the engine error it came from.
func statusError(status int, msg string) error {
	if status == http.StatusUnauthorized {
		return fmt.Errorf("%w: %s", httpapi.ErrUnauthenticated, msg)
	}
	for _, sc := range httpapi.StatusCodes {
		if sc.Status == status && strings.Contains(msg, sc.Err.Error()) {
			return fmt.Errorf("%w: %s", sc.Err, msg)
		}
	}
	return fmt.Errorf("%s: %s", http.StatusText(status), msg)
}

func amountString(i *big.Int) string {
	if i == nil {
		return ""
	}
	return i.String()
}
