package bank

import (
	"context"
	"fmt"
	"sync"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/agustin125/securitize-smart-contracts/native/market"
	"github.com/agustin125/securitize-smart-contracts/storage"
)

// TokenLedger is an in-process fungible asset ledger with ERC-20 style
// balances and allowances for any number of assets. It is the reference
// implementation of the marketplace's asset gateway.
type TokenLedger struct {
	mu    sync.Mutex
	store amounts
}

// NewTokenLedger creates a token ledger persisted in db.
func NewTokenLedger(db storage.Database) *TokenLedger {
	return &TokenLedger{store: amounts{db: db}}
}

// Mint credits amount of asset to owner.
func (l *TokenLedger) Mint(asset, owner [20]byte, amount *uint256.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := balanceKey(asset, owner)
	current, err := l.store.load(key)
	if err != nil {
		return err
	}
	next, overflow := new(uint256.Int).AddOverflow(current, orZero(amount))
	if overflow {
		return fmt.Errorf("bank: mint overflows balance of %s", ethcommon.Address(owner).Hex())
	}
	batch := l.store.db.NewBatch()
	put(batch, key, next)
	return batch.Write()
}

// Approve sets the amount of owner's asset that spender may move.
func (l *TokenLedger) Approve(asset, owner, spender [20]byte, amount *uint256.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	batch := l.store.db.NewBatch()
	put(batch, allowanceKey(asset, owner, spender), orZero(amount))
	return batch.Write()
}

// Allowance returns what spender may still move out of owner's balance.
func (l *TokenLedger) Allowance(asset, owner, spender [20]byte) (*uint256.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.store.load(allowanceKey(asset, owner, spender))
}

// BalanceOf returns owner's balance of asset.
func (l *TokenLedger) BalanceOf(_ context.Context, asset, owner [20]byte) (*uint256.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.store.load(balanceKey(asset, owner))
}

// TransferFrom moves amount of owner's asset to recipient on behalf of
// spender, consuming allowance. Either everything moves or nothing does.
func (l *TokenLedger) TransferFrom(spender, asset, owner, to [20]byte, amount *uint256.Int) error {
	amt := orZero(amount)
	l.mu.Lock()
	defer l.mu.Unlock()

	aKey := allowanceKey(asset, owner, spender)
	allowance, err := l.store.load(aKey)
	if err != nil {
		return err
	}
	if allowance.Lt(amt) {
		return fmt.Errorf("%w: allowance %s, need %s", market.ErrInsufficientAllowance, allowance.Dec(), amt.Dec())
	}
	fromKey := balanceKey(asset, owner)
	fromBal, err := l.store.load(fromKey)
	if err != nil {
		return err
	}
	if fromBal.Lt(amt) {
		return fmt.Errorf("%w: balance %s, need %s", market.ErrInsufficientBalance, fromBal.Dec(), amt.Dec())
	}
	batch := l.store.db.NewBatch()
	put(batch, aKey, new(uint256.Int).Sub(allowance, amt))
	if owner != to {
		toKey := balanceKey(asset, to)
		toBal, err := l.store.load(toKey)
		if err != nil {
			return err
		}
		next, overflow := new(uint256.Int).AddOverflow(toBal, amt)
		if overflow {
			return fmt.Errorf("%w: recipient balance", market.ErrOverflow)
		}
		put(batch, fromKey, new(uint256.Int).Sub(fromBal, amt))
		put(batch, toKey, next)
	}
	return batch.Write()
}

// Spender binds the ledger to the identity allowed to pull approved funds,
// yielding a market.AssetGateway.
func (l *TokenLedger) Spender(spender [20]byte) *SpenderGateway {
	return &SpenderGateway{ledger: l, spender: spender}
}

// SpenderGateway is a TokenLedger seen from one approved spender.
type SpenderGateway struct {
	ledger  *TokenLedger
	spender [20]byte
}

var _ market.AssetGateway = (*SpenderGateway)(nil)

func (g *SpenderGateway) TransferFrom(_ context.Context, asset, owner, to [20]byte, amount *uint256.Int) error {
	return g.ledger.TransferFrom(g.spender, asset, owner, to, amount)
}

func (g *SpenderGateway) BalanceOf(ctx context.Context, asset, owner [20]byte) (*uint256.Int, error) {
	return g.ledger.BalanceOf(ctx, asset, owner)
}
