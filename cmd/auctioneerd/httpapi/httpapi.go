package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	core "github.com/textileio/dutch-auction/auctioneer"
	"github.com/textileio/dutch-auction/auth/ethjwt"
	"github.com/textileio/dutch-auction/cmd/auctioneerd/store"
	golog "github.com/textileio/go-log/v2"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const maxBodySize = 1 << 20

var (
	log = golog.Logger("auctioneer/api")

	// ErrUnauthenticated indicates the request has no valid caller token.
	ErrUnauthenticated = errors.New("unauthenticated")
)

// Service provides scoped access to the auctioneer.
type Service interface {
	StartAuction(
		ctx context.Context,
		caller common.Address,
		assetID common.Address,
		initialPrice *big.Int,
		duration uint64,
		quantity *big.Int,
	) (*core.Auction, error)
	CurrentPrice(ctx context.Context) (core.Quote, error)
	BuyTokens(ctx context.Context, caller common.Address, payment *big.Int) (*core.Settlement, error)
	GetAuction(ctx context.Context, id core.AuctionID) (*core.Auction, error)
	ListAuctions(ctx context.Context, query store.Query) ([]core.Auction, error)
	GetSettlement(ctx context.Context, id core.AuctionID) (*core.Settlement, error)
}

// NewServer returns a new http server for auctioneer commands.
func NewServer(listenAddr string, service Service) (*http.Server, error) {
	httpServer := &http.Server{
		Addr:              listenAddr,
		ReadHeaderTimeout: time.Second * 5,
		WriteTimeout:      time.Second * 30,
		Handler:           createMux(service),
	}

	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("stopping http server: %s", err)
		}
	}()

	log.Infof("http server started at %s", listenAddr)
	return httpServer, nil
}

// NewHandler returns the API handler.
func NewHandler(service Service) http.Handler {
	return createMux(service)
}

func createMux(service Service) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", getOnly(healthHandler))
	mux.Handle("/price", instrument(getOnly(priceHandler(service)), "price"))
	mux.Handle("/auctions", instrument(auctionsHandler(service), "auctions"))
	mux.Handle("/auctions/", instrument(getOnly(auctionHandler(service)), "auction"))
	mux.Handle("/settlements/", instrument(getOnly(settlementHandler(service)), "settlement"))
	mux.Handle("/buy", instrument(postOnly(buyHandler(service)), "buy"))
	return mux
}

func instrument(f http.HandlerFunc, operation string) http.Handler {
	return otelhttp.NewHandler(f, operation)
}

func getOnly(f http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			httpError(w, "only GET method is allowed", http.StatusBadRequest)
			return
		}
		f(w, r)
	}
}

func postOnly(f http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			httpError(w, "only POST method is allowed", http.StatusBadRequest)
			return
		}
		f(w, r)
	}
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func priceHandler(service Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q, err := service.CurrentPrice(r.Context())
		if err != nil {
			httpError(w, fmt.Sprintf("getting price: %s", err), errorStatus(err))
			return
		}
		writeJSON(w, http.StatusOK, NewQuote(q))
	}
}

func auctionsHandler(service Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			listAuctions(w, r, service)
		case http.MethodPost:
			startAuction(w, r, service)
		default:
			httpError(w, "only GET and POST methods are allowed", http.StatusBadRequest)
		}
	}
}

func listAuctions(w http.ResponseWriter, r *http.Request, service Service) {
	query, err := parseQuery(r)
	if err != nil {
		httpError(w, err.Error(), http.StatusBadRequest)
		return
	}
	list, err := service.ListAuctions(r.Context(), query)
	if err != nil {
		httpError(w, fmt.Sprintf("listing auctions: %s", err), http.StatusInternalServerError)
		return
	}
	res := make([]Auction, len(list))
	for i := range list {
		res[i] = NewAuction(&list[i])
	}
	writeJSON(w, http.StatusOK, res)
}

func parseQuery(r *http.Request) (store.Query, error) {
	var query store.Query
	values := r.URL.Query()
	query.Offset = values.Get("offset")
	if l := values.Get("limit"); l != "" {
		limit, err := strconv.Atoi(l)
		if err != nil {
			return store.Query{}, fmt.Errorf("parsing limit: %s", err)
		}
		query.Limit = limit
	}
	switch strings.ToLower(values.Get("order")) {
	case "", "desc":
		query.Order = store.OrderDescending
	case "asc":
		query.Order = store.OrderAscending
	default:
		return store.Query{}, fmt.Errorf("invalid order: %s", values.Get("order"))
	}
	return query, nil
}

func startAuction(w http.ResponseWriter, r *http.Request, service Service) {
	caller, err := authenticate(r)
	if err != nil {
		httpError(w, err.Error(), http.StatusUnauthorized)
		return
	}
	var req StartAuctionRequest
	if err := decodeBody(w, r, &req); err != nil {
		httpError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !common.IsHexAddress(req.AssetID) {
		httpError(w, fmt.Sprintf("invalid asset id: %q", req.AssetID), http.StatusBadRequest)
		return
	}
	initialPrice, err := ParseAmount(req.InitialPrice)
	if err != nil {
		httpError(w, fmt.Sprintf("parsing initial price: %s", err), http.StatusBadRequest)
		return
	}
	quantity, err := ParseAmount(req.Quantity)
	if err != nil {
		httpError(w, fmt.Sprintf("parsing quantity: %s", err), http.StatusBadRequest)
		return
	}

	a, err := service.StartAuction(
		r.Context(),
		caller,
		common.HexToAddress(req.AssetID),
		initialPrice,
		req.Duration,
		quantity,
	)
	if err != nil {
		httpError(w, fmt.Sprintf("starting auction: %s", err), errorStatus(err))
		return
	}
	writeJSON(w, http.StatusCreated, NewAuction(a))
}

func auctionHandler(service Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, "/auctions/")
		if id == "" || strings.Contains(id, "/") {
			httpError(w, "invalid auction id", http.StatusBadRequest)
			return
		}
		a, err := service.GetAuction(r.Context(), core.AuctionID(id))
		if err != nil {
			httpError(w, fmt.Sprintf("getting auction: %s", err), errorStatus(err))
			return
		}
		writeJSON(w, http.StatusOK, NewAuction(a))
	}
}

func settlementHandler(service Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, "/settlements/")
		if id == "" || strings.Contains(id, "/") {
			httpError(w, "invalid auction id", http.StatusBadRequest)
			return
		}
		st, err := service.GetSettlement(r.Context(), core.AuctionID(id))
		if err != nil {
			httpError(w, fmt.Sprintf("getting settlement: %s", err), errorStatus(err))
			return
		}
		writeJSON(w, http.StatusOK, NewSettlement(st))
	}
}

func buyHandler(service Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, err := authenticate(r)
		if err != nil {
			httpError(w, err.Error(), http.StatusUnauthorized)
			return
		}
		var req BuyRequest
		if err := decodeBody(w, r, &req); err != nil {
			httpError(w, err.Error(), http.StatusBadRequest)
			return
		}
		payment, err := ParseAmount(req.Payment)
		if err != nil {
			httpError(w, fmt.Sprintf("parsing payment: %s", err), http.StatusBadRequest)
			return
		}

		st, err := service.BuyTokens(r.Context(), caller, payment)
		if err != nil {
			httpError(w, fmt.Sprintf("buying tokens: %s", err), errorStatus(err))
			return
		}
		writeJSON(w, http.StatusOK, NewSettlement(st))
	}
}

func authenticate(r *http.Request) (common.Address, error) {
	h := r.Header.Get("Authorization")
	token := strings.TrimPrefix(h, "Bearer ")
	if h == "" || token == h {
		return common.Address{}, fmt.Errorf("%w: missing bearer token", ErrUnauthenticated)
	}
	caller, err := ethjwt.CallerFromToken(token)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %s", ErrUnauthenticated, err)
	}
	return caller, nil
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decoding request body: %s", err)
	}
	return nil
}

// StatusCodes maps engine errors to HTTP status codes.
var StatusCodes = []struct {
	Err    error
	Status int
}{
	{core.ErrInvalidParameters, http.StatusBadRequest},
	{core.ErrAuctionAlreadyActive, http.StatusConflict},
	{core.ErrNoAuction, http.StatusNotFound},
	{core.ErrAuctionNotFound, http.StatusNotFound},
	{store.ErrSettlementNotFound, http.StatusNotFound},
	{core.ErrAuctionNotActive, http.StatusGone},
	{core.ErrInsufficientPayment, http.StatusPaymentRequired},
	{core.ErrAssetTransferFailed, http.StatusFailedDependency},
}

func errorStatus(err error) int {
	for _, sc := range StatusCodes {
		if errors.Is(err, sc.Err) {
			return sc.Status
		}
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		httpError(w, fmt.Sprintf("json encoding: %s", err), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		log.Errorf("write failed: %v", err)
	}
}

func httpError(w http.ResponseWriter, err string, status int) {
	log.Debugf("request error: %s", err)
	http.Error(w, err, status)
}
