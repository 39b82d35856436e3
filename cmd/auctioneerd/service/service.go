package service

import (
	"context"
	"fmt"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	ds "github.com/ipfs/go-datastore"
	dssync "github.com/ipfs/go-datastore/sync"
	"github.com/textileio/dutch-auction/cmd/auctioneerd/auctioneer"
	"github.com/textileio/dutch-auction/cmd/auctioneerd/httpapi"
	"github.com/textileio/dutch-auction/cmd/auctioneerd/ledger"
	"github.com/textileio/dutch-auction/cmd/auctioneerd/store"
	mbroker "github.com/textileio/dutch-auction/msgbroker"
	badger "github.com/textileio/go-ds-badger3"
	"github.com/textileio/go-libp2p-pubsub-rpc/finalizer"
	golog "github.com/textileio/go-log/v2"
)

var log = golog.Logger("auctioneer/service")

// Config defines params for Service configuration.
type Config struct {
	// RepoPath is the badger datastore directory. Empty keeps state in memory.
	RepoPath string
	// HTTPAddr is the API listen address.
	HTTPAddr string

	Auction auctioneer.Config

	// LedgerOperator is the account allowed to move approved assets.
	LedgerOperator common.Address
	// LedgerGenesis holds the initial ledger entries, see ledger.LoadGenesis.
	LedgerGenesis []string
}

// Service wires the auctioneer with its datastore, ledger, and HTTP API.
type Service struct {
	lib    *auctioneer.Auctioneer
	ledger *ledger.Ledger
	server *http.Server

	finalizer *finalizer.Finalizer
}

// New returns a new Service. mb may be nil, in which case no events are published.
func New(conf Config, mb mbroker.MsgBroker) (*Service, error) {
	fin := finalizer.NewFinalizer()
	ctx, cancel := context.WithCancel(context.Background())
	fin.Add(finalizer.NewContextCloser(cancel))

	dstore, err := newDatastore(conf.RepoPath)
	if err != nil {
		return nil, fin.Cleanupf("creating datastore: %v", err)
	}
	fin.Add(dstore)

	l, err := ledger.Open(ctx, dstore, conf.LedgerOperator)
	if err != nil {
		return nil, fin.Cleanupf("opening ledger: %v", err)
	}
	if err := l.LoadGenesis(conf.LedgerGenesis); err != nil {
		return nil, fin.Cleanupf("loading ledger genesis: %v", err)
	}

	lib, err := auctioneer.New(ctx, store.New(dstore), l, nil, mb, conf.Auction)
	if err != nil {
		return nil, fin.Cleanupf("creating auctioneer: %v", err)
	}

	server, err := httpapi.NewServer(conf.HTTPAddr, lib)
	if err != nil {
		return nil, fin.Cleanupf("creating http server: %v", err)
	}
	fin.Add(server)

	log.Info("service started")
	return &Service{
		lib:       lib,
		ledger:    l,
		server:    server,
		finalizer: fin,
	}, nil
}

// Auctioneer returns the auction engine.
func (s *Service) Auctioneer() *auctioneer.Auctioneer {
	return s.lib
}

// Ledger returns the ledger backing settlements. Its balances live in the
// service datastore.
func (s *Service) Ledger() *ledger.Ledger {
	return s.ledger
}

// Close the service.
func (s *Service) Close() error {
	defer log.Info("service was shutdown")
	return s.finalizer.Cleanup(nil)
}

func newDatastore(repoPath string) (ds.Batching, error) {
	if repoPath == "" {
		log.Warn("no repo path configured, state will not survive restarts")
		return dssync.MutexWrap(ds.NewMapDatastore()), nil
	}
	dstore, err := badger.NewDatastore(repoPath, &badger.DefaultOptions)
	if err != nil {
		return nil, fmt.Errorf("opening badger datastore at %s: %v", repoPath, err)
	}
	return dstore, nil
}
