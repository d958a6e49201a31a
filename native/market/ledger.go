package market

import "github.com/holiman/uint256"

// Ledger hands out atomic transactions over the marketplace state. Nothing a
// transaction writes is visible to other transactions until Commit succeeds;
// Discard drops every buffered write.
type Ledger interface {
	Begin() Txn
}

// Txn is the Ledger Store contract. Implementations report ErrNotFound,
// ErrAlreadyConsumed, ErrNonceMismatch and ErrOverflow exactly; they never
// clamp or wrap.
type Txn interface {
	CreateListing(seller, asset [20]byte, amount, price *uint256.Int) (uint64, error)
	Listing(id uint64) (*Listing, error)
	ListingCount() (uint64, error)
	MarkConsumed(id uint64) error

	CreditEarnings(seller [20]byte, amount *uint256.Int) error
	Earnings(seller [20]byte) (*uint256.Int, error)
	DebitAll(seller [20]byte) (*uint256.Int, error)
	Sellers() ([][20]byte, error)

	Nonce(signer [20]byte) (uint64, error)
	ConsumeNonce(signer [20]byte, claimed uint64) error

	Custody() (*uint256.Int, error)
	CreditCustody(amount *uint256.Int) error
	DebitCustody(amount *uint256.Int) error

	Commit() error
	Discard()
}

// nonceStore is the slice of Txn the verifier needs.
type nonceStore interface {
	Nonce(signer [20]byte) (uint64, error)
	ConsumeNonce(signer [20]byte, claimed uint64) error
}
