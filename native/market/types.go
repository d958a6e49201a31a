package market

import (
	"bytes"
	"fmt"

	"github.com/holiman/uint256"
)

// NoDelegation is the reserved signer value selecting direct mode: the
// submitting caller becomes the seller and no signature is checked.
var NoDelegation = [20]byte{}

// ListingStatus is the lifecycle state of a listing. Created is initial,
// Consumed is terminal; there are no other states.
type ListingStatus uint8

const (
	ListingCreated ListingStatus = iota
	ListingConsumed
)

func (s ListingStatus) String() string {
	switch s {
	case ListingCreated:
		return "created"
	case ListingConsumed:
		return "consumed"
	default:
		return "unknown"
	}
}

// Listing is a seller's standing offer to hand over Amount units of Asset for
// exactly Price units of the settlement currency. Only Consumed changes after
// creation.
type Listing struct {
	ID       uint64
	Seller   [20]byte
	Asset    [20]byte
	Amount   *uint256.Int
	Price    *uint256.Int
	Consumed bool
}

// Status maps the consumed flag onto the listing state machine.
func (l *Listing) Status() ListingStatus {
	if l != nil && l.Consumed {
		return ListingConsumed
	}
	return ListingCreated
}

// Clone returns a deep copy so callers can mutate the result freely.
func (l *Listing) Clone() *Listing {
	if l == nil {
		return nil
	}
	clone := *l
	clone.Amount = cloneUint(l.Amount)
	clone.Price = cloneUint(l.Price)
	return &clone
}

// SanitizeListing validates a listing before it is persisted and returns a
// normalised copy with non-nil amounts.
func SanitizeListing(l *Listing) (*Listing, error) {
	if l == nil {
		return nil, fmt.Errorf("market: nil listing")
	}
	clone := l.Clone()
	if clone.Amount.IsZero() {
		return nil, ErrInvalidAmount
	}
	if clone.Asset == ([20]byte{}) {
		return nil, ErrInvalidAsset
	}
	if clone.Seller == ([20]byte{}) {
		return nil, ErrUnauthorized
	}
	return clone, nil
}

// ListRequest carries the arguments of a listing submission. Signer equal to
// NoDelegation selects direct mode; any other value requests delegated mode and
// Signature must authorise the listing on the signer's behalf.
type ListRequest struct {
	Caller    [20]byte
	Asset     [20]byte
	Amount    *uint256.Int
	Price     *uint256.Int
	Nonce     uint64
	Signature []byte
	Signer    [20]byte
}

// Delegated reports whether the request routes through signature verification.
func (r ListRequest) Delegated() bool {
	return r.Signer != NoDelegation
}

func cloneUint(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return new(uint256.Int).Set(v)
}

func emptySignature(sig []byte) bool {
	return len(sig) == 0 || bytes.Count(sig, []byte{0}) == len(sig)
}
