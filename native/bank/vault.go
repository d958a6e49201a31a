package bank

import (
	"context"
	"errors"
	"fmt"
	"sync"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/agustin125/securitize-smart-contracts/native/market"
	"github.com/agustin125/securitize-smart-contracts/storage"
)

var (
	// ErrRecipientRejected is returned by Release when the recipient refuses
	// incoming funds.
	ErrRecipientRejected = errors.New("bank: recipient rejected funds")
	// ErrInsufficientFunds is returned when an account cannot cover a debit.
	ErrInsufficientFunds = errors.New("bank: insufficient funds")
	// ErrCustodyAccount is returned when the custody account is named as a
	// payer or a release recipient.
	ErrCustodyAccount = errors.New("bank: custody account cannot pay or be paid")
)

// Vault holds settlement currency balances, including the custody account of
// the marketplace engine. It attaches buyer payments to purchases and
// implements market.PaymentChannel for withdrawals.
type Vault struct {
	mu        sync.Mutex
	store     amounts
	custody   [20]byte
	rejecting map[[20]byte]bool
}

var (
	_ market.PaymentChannel  = (*Vault)(nil)
	_ market.CustodyReporter = (*Vault)(nil)
)

// NewVault creates a vault whose releases are paid out of custody.
func NewVault(db storage.Database, custody [20]byte) *Vault {
	return &Vault{
		store:     amounts{db: db},
		custody:   custody,
		rejecting: make(map[[20]byte]bool),
	}
}

// Deposit credits external funds to account.
func (v *Vault) Deposit(account [20]byte, amount *uint256.Int) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	key := vaultKey(account)
	current, err := v.store.load(key)
	if err != nil {
		return err
	}
	next, overflow := new(uint256.Int).AddOverflow(current, orZero(amount))
	if overflow {
		return fmt.Errorf("%w: deposit", market.ErrOverflow)
	}
	batch := v.store.db.NewBatch()
	put(batch, key, next)
	return batch.Write()
}

// Balance returns the settlement balance held for account.
func (v *Vault) Balance(account [20]byte) (*uint256.Int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.store.load(vaultKey(account))
}

// SetRejecting toggles whether account refuses releases, modelling a
// recipient that cannot receive funds.
func (v *Vault) SetRejecting(account [20]byte, reject bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if reject {
		v.rejecting[account] = true
		return
	}
	delete(v.rejecting, account)
}

// Pay moves amount from payer into custody, then runs settle. If settle fails
// the payment is returned to payer and settle's error is reported. The vault
// lock is not held while settle runs.
func (v *Vault) Pay(ctx context.Context, payer [20]byte, amount *uint256.Int, settle func(context.Context) error) error {
	if payer == v.custody {
		return fmt.Errorf("%w: payer %s", ErrCustodyAccount, ethcommon.Address(payer).Hex())
	}
	amt := orZero(amount)
	if err := v.move(payer, v.custody, amt); err != nil {
		return err
	}
	if err := settle(ctx); err != nil {
		if refundErr := v.move(v.custody, payer, amt); refundErr != nil {
			return fmt.Errorf("%w (refund failed: %v)", err, refundErr)
		}
		return err
	}
	return nil
}

// Release pays amount out of custody to recipient.
func (v *Vault) Release(_ context.Context, to [20]byte, amount *uint256.Int) error {
	if to == v.custody {
		return fmt.Errorf("%w: recipient %s", ErrCustodyAccount, ethcommon.Address(to).Hex())
	}
	v.mu.Lock()
	rejected := v.rejecting[to]
	v.mu.Unlock()
	if rejected {
		return fmt.Errorf("%w: %s", ErrRecipientRejected, ethcommon.Address(to).Hex())
	}
	return v.move(v.custody, to, orZero(amount))
}

// Held returns the settlement currency sitting in the custody account.
func (v *Vault) Held() (*uint256.Int, error) {
	return v.Balance(v.custody)
}

func (v *Vault) move(from, to [20]byte, amount *uint256.Int) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if amount.IsZero() || from == to {
		return nil
	}
	fromKey, toKey := vaultKey(from), vaultKey(to)
	fromBal, err := v.store.load(fromKey)
	if err != nil {
		return err
	}
	if fromBal.Lt(amount) {
		return fmt.Errorf("%w: %s holds %s, need %s", ErrInsufficientFunds, ethcommon.Address(from).Hex(), fromBal.Dec(), amount.Dec())
	}
	toBal, err := v.store.load(toKey)
	if err != nil {
		return err
	}
	next, overflow := new(uint256.Int).AddOverflow(toBal, amount)
	if overflow {
		return fmt.Errorf("%w: vault balance", market.ErrOverflow)
	}
	batch := v.store.db.NewBatch()
	put(batch, fromKey, new(uint256.Int).Sub(fromBal, amount))
	put(batch, toKey, next)
	return batch.Write()
}
