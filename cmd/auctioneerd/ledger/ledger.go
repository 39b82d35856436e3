package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	ds "github.com/ipfs/go-datastore"
	dsq "github.com/ipfs/go-datastore/query"
	core "github.com/textileio/dutch-auction/auctioneer"
	golog "github.com/textileio/go-log/v2"
)

var (
	log = golog.Logger("auctioneer/ledger")

	// ErrInsufficientBalance indicates the source identity doesn't hold enough funds.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrInsufficientAllowance indicates the owner didn't approve the operator for the amount.
	ErrInsufficientAllowance = errors.New("insufficient allowance")

	// ErrInvalidAmount indicates a negative or missing amount.
	ErrInvalidAmount = errors.New("invalid amount")

	// dsPrefix is the prefix for ledger entries.
	// Structure:
	//   /ledger/assets/<asset>/<owner> -> amount
	//   /ledger/allowances/<asset>/<owner> -> amount
	//   /ledger/payments/<owner> -> amount
	//   /ledger/genesis -> marker
	dsPrefix           = ds.NewKey("/ledger")
	dsAssetsPrefix     = dsPrefix.ChildString("assets")
	dsAllowancesPrefix = dsPrefix.ChildString("allowances")
	dsPaymentsPrefix   = dsPrefix.ChildString("payments")
	dsGenesisKey       = dsPrefix.ChildString("genesis")
)

var (
	_ core.AssetLedger   = (*Ledger)(nil)
	_ core.AssetReverser = (*Ledger)(nil)
)

// Ledger is a ledger of fungible assets and a payment asset.
// Moving an owner's asset requires the owner to approve the operator first,
// in the manner of ERC20 allowances. Payment moves are authorized by the caller
// of the operation that requests them.
//
// Balances live in memory. A Ledger created with Open also writes every change
// to the datastore before applying it.
type Ledger struct {
	operator common.Address
	store    ds.Batching

	balances map[ds.Key]*big.Int

	lk sync.Mutex
}

// New returns an empty in-memory Ledger where operator may move approved assets.
func New(operator common.Address) *Ledger {
	return &Ledger{
		operator: operator,
		balances: make(map[ds.Key]*big.Int),
	}
}

// Open returns a Ledger backed by store, loaded with the entries already saved there.
func Open(ctx context.Context, store ds.Batching, operator common.Address) (*Ledger, error) {
	l := New(operator)
	l.store = store

	results, err := store.Query(ctx, dsq.Query{Prefix: dsPrefix.String()})
	if err != nil {
		return nil, fmt.Errorf("querying ledger entries: %v", err)
	}
	defer func() { _ = results.Close() }()
	for res := range results.Next() {
		if res.Error != nil {
			return nil, fmt.Errorf("getting next result: %v", res.Error)
		}
		key := ds.NewKey(res.Key)
		if key.Equal(dsGenesisKey) {
			continue
		}
		v, ok := new(big.Int).SetString(string(res.Value), 10)
		if !ok {
			return nil, fmt.Errorf("decoding ledger entry %s", key)
		}
		l.balances[key] = v
	}
	log.Debugf("loaded %d ledger entries", len(l.balances))
	return l, nil
}

// Operator returns the identity allowed to move approved assets.
func (l *Ledger) Operator() common.Address {
	return l.operator
}

// Mint credits amount of assetID to owner.
func (l *Ledger) Mint(assetID, owner common.Address, amount *big.Int) error {
	if !validAmount(amount) {
		return ErrInvalidAmount
	}
	l.lk.Lock()
	defer l.lk.Unlock()
	k := assetKey(assetID, owner)
	return l.commit(context.Background(), map[ds.Key]*big.Int{
		k: new(big.Int).Add(l.get(k), amount),
	})
}

// Deposit credits amount of the payment asset to owner.
func (l *Ledger) Deposit(owner common.Address, amount *big.Int) error {
	if !validAmount(amount) {
		return ErrInvalidAmount
	}
	l.lk.Lock()
	defer l.lk.Unlock()
	k := paymentKey(owner)
	return l.commit(context.Background(), map[ds.Key]*big.Int{
		k: new(big.Int).Add(l.get(k), amount),
	})
}

// Approve sets the amount of assetID the operator may move on behalf of owner.
func (l *Ledger) Approve(assetID, owner common.Address, amount *big.Int) error {
	if !validAmount(amount) {
		return ErrInvalidAmount
	}
	l.lk.Lock()
	defer l.lk.Unlock()
	return l.commit(context.Background(), map[ds.Key]*big.Int{
		allowanceKey(assetID, owner): new(big.Int).Set(amount),
	})
}

// BalanceOf returns the assetID balance of owner.
func (l *Ledger) BalanceOf(assetID, owner common.Address) *big.Int {
	l.lk.Lock()
	defer l.lk.Unlock()
	return l.get(assetKey(assetID, owner))
}

// Allowance returns the amount of assetID the operator may still move for owner.
func (l *Ledger) Allowance(assetID, owner common.Address) *big.Int {
	l.lk.Lock()
	defer l.lk.Unlock()
	return l.get(allowanceKey(assetID, owner))
}

// PaymentBalanceOf returns the payment asset balance of owner.
func (l *Ledger) PaymentBalanceOf(owner common.Address) *big.Int {
	l.lk.Lock()
	defer l.lk.Unlock()
	return l.get(paymentKey(owner))
}

// Transfer moves amount of assetID from one identity to another, spending
// the operator allowance of from.
func (l *Ledger) Transfer(ctx context.Context, assetID, from, to common.Address, amount *big.Int) error {
	if !validAmount(amount) {
		return ErrInvalidAmount
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	l.lk.Lock()
	defer l.lk.Unlock()

	fromKey, toKey := assetKey(assetID, from), assetKey(assetID, to)
	bal := l.get(fromKey)
	if bal.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s holds %s of %s", ErrInsufficientBalance, from, bal, assetID)
	}
	changes := map[ds.Key]*big.Int{}
	if from != l.operator {
		allowed := l.get(allowanceKey(assetID, from))
		if allowed.Cmp(amount) < 0 {
			return fmt.Errorf("%w: %s approved %s of %s", ErrInsufficientAllowance, from, allowed, assetID)
		}
		changes[allowanceKey(assetID, from)] = allowed.Sub(allowed, amount)
	}
	l.move(changes, fromKey, toKey, amount)
	if err := l.commit(ctx, changes); err != nil {
		return err
	}

	log.Debugf("transferred %s of %s from %s to %s", core.FormatAmount(amount), assetID, from, to)
	return nil
}

// ReverseTransfer undoes a Transfer of amount of assetID from one identity to
// another. The asset goes back to from and the spent allowance is restored.
// The receiving side doesn't need to approve the operator.
func (l *Ledger) ReverseTransfer(ctx context.Context, assetID, from, to common.Address, amount *big.Int) error {
	if !validAmount(amount) {
		return ErrInvalidAmount
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	l.lk.Lock()
	defer l.lk.Unlock()

	fromKey, toKey := assetKey(assetID, from), assetKey(assetID, to)
	if bal := l.get(toKey); bal.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s holds %s of %s", ErrInsufficientBalance, to, bal, assetID)
	}
	changes := map[ds.Key]*big.Int{}
	if from != l.operator {
		allowed := l.get(allowanceKey(assetID, from))
		changes[allowanceKey(assetID, from)] = allowed.Add(allowed, amount)
	}
	l.move(changes, toKey, fromKey, amount)
	if err := l.commit(ctx, changes); err != nil {
		return err
	}

	log.Debugf("reversed transfer of %s of %s from %s to %s", core.FormatAmount(amount), assetID, from, to)
	return nil
}

// TransferPayment moves amount of the payment asset from one identity to another.
func (l *Ledger) TransferPayment(ctx context.Context, from, to common.Address, amount *big.Int) error {
	if !validAmount(amount) {
		return ErrInvalidAmount
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	l.lk.Lock()
	defer l.lk.Unlock()

	fromKey := paymentKey(from)
	if bal := l.get(fromKey); bal.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s holds %s", ErrInsufficientBalance, from, bal)
	}
	changes := map[ds.Key]*big.Int{}
	l.move(changes, fromKey, paymentKey(to), amount)
	if err := l.commit(ctx, changes); err != nil {
		return err
	}

	log.Debugf("transferred payment %s from %s to %s", core.FormatAmount(amount), from, to)
	return nil
}

// LoadGenesis applies genesis entries to the ledger. Entries have one of the forms:
//
//   asset:<asset_address>:<owner_address>:<amount>
//   approve:<asset_address>:<owner_address>:<amount>
//   pay:<owner_address>:<amount>
//
// Amounts are decimal or 0x-prefixed hex. A datastore backed ledger applies
// genesis only once; later calls are no-ops.
func (l *Ledger) LoadGenesis(entries []string) error {
	if l.store != nil {
		applied, err := l.store.Has(context.Background(), dsGenesisKey)
		if err != nil {
			return fmt.Errorf("checking genesis marker: %v", err)
		}
		if applied {
			log.Info("ledger genesis already applied, skipping")
			return nil
		}
	}
	for _, e := range entries {
		if err := l.applyGenesisEntry(strings.TrimSpace(e)); err != nil {
			return err
		}
	}
	if l.store != nil {
		if err := l.store.Put(context.Background(), dsGenesisKey, []byte{1}); err != nil {
			return fmt.Errorf("saving genesis marker: %v", err)
		}
	}
	return nil
}

func (l *Ledger) applyGenesisEntry(e string) error {
	if e == "" {
		return nil
	}
	parts := strings.Split(e, ":")
	switch {
	case (parts[0] == "asset" || parts[0] == "approve") && len(parts) == 4:
		assetID, err := parseAddress(parts[1])
		if err != nil {
			return fmt.Errorf("parsing %q: %v", e, err)
		}
		owner, err := parseAddress(parts[2])
		if err != nil {
			return fmt.Errorf("parsing %q: %v", e, err)
		}
		amount, ok := math.ParseBig256(parts[3])
		if !ok {
			return fmt.Errorf("parsing %q: invalid amount", e)
		}
		if parts[0] == "asset" {
			err = l.Mint(assetID, owner, amount)
		} else {
			err = l.Approve(assetID, owner, amount)
		}
		if err != nil {
			return fmt.Errorf("applying %q: %v", e, err)
		}
	case parts[0] == "pay" && len(parts) == 3:
		owner, err := parseAddress(parts[1])
		if err != nil {
			return fmt.Errorf("parsing %q: %v", e, err)
		}
		amount, ok := math.ParseBig256(parts[2])
		if !ok {
			return fmt.Errorf("parsing %q: invalid amount", e)
		}
		if err := l.Deposit(owner, amount); err != nil {
			return fmt.Errorf("applying %q: %v", e, err)
		}
	default:
		return fmt.Errorf("unknown genesis entry %q", e)
	}
	return nil
}

// move debits amount from one key and credits it to another, reading
// previously staged values in changes.
func (l *Ledger) move(changes map[ds.Key]*big.Int, from, to ds.Key, amount *big.Int) {
	staged := func(k ds.Key) *big.Int {
		if v, ok := changes[k]; ok {
			return v
		}
		return l.get(k)
	}
	changes[from] = new(big.Int).Sub(staged(from), amount)
	changes[to] = new(big.Int).Add(staged(to), amount)
}

// commit persists changes, if the ledger has a datastore, and applies them.
// l.lk must be held.
func (l *Ledger) commit(ctx context.Context, changes map[ds.Key]*big.Int) error {
	if l.store != nil {
		b, err := l.store.Batch(ctx)
		if err != nil {
			return fmt.Errorf("creating batch: %v", err)
		}
		for k, v := range changes {
			if err := b.Put(ctx, k, []byte(v.Text(10))); err != nil {
				return fmt.Errorf("putting ledger entry %s: %v", k, err)
			}
		}
		if err := b.Commit(ctx); err != nil {
			return fmt.Errorf("committing batch: %v", err)
		}
	}
	for k, v := range changes {
		l.balances[k] = v
	}
	return nil
}

// get returns a copy of the value at k, zero when missing.
func (l *Ledger) get(k ds.Key) *big.Int {
	if v, ok := l.balances[k]; ok {
		return new(big.Int).Set(v)
	}
	return new(big.Int)
}

func assetKey(assetID, owner common.Address) ds.Key {
	return dsAssetsPrefix.ChildString(assetID.Hex()).ChildString(owner.Hex())
}

func allowanceKey(assetID, owner common.Address) ds.Key {
	return dsAllowancesPrefix.ChildString(assetID.Hex()).ChildString(owner.Hex())
}

func paymentKey(owner common.Address) ds.Key {
	return dsPaymentsPrefix.ChildString(owner.Hex())
}

func parseAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("invalid address %q", s)
	}
	return common.HexToAddress(s), nil
}

func validAmount(amount *big.Int) bool {
	return amount != nil && amount.Sign() >= 0
}
