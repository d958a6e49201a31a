package market

import (
	"strconv"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/agustin125/securitize-smart-contracts/core/types"
)

const (
	EventTypeListingCreated   = "market.listing.created"
	EventTypeListingPurchased = "market.listing.purchased"
	EventTypeFundsWithdrawn   = "market.funds.withdrawn"
)

type marketEvent struct {
	evt *types.Event
}

func (e marketEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e marketEvent) Event() *types.Event { return e.evt }

// NewListingCreatedEvent describes a stored listing. submitter is the caller
// that submitted a delegated listing and is omitted in direct mode.
func NewListingCreatedEvent(l *Listing, submitter [20]byte) *types.Event {
	attrs := listingAttributes(l)
	if submitter != NoDelegation && l != nil && submitter != l.Seller {
		attrs["submitter"] = ethcommon.Address(submitter).Hex()
	}
	return &types.Event{Type: EventTypeListingCreated, Attributes: attrs}
}

// NewListingPurchasedEvent describes a settled purchase.
func NewListingPurchasedEvent(l *Listing, buyer [20]byte) *types.Event {
	attrs := listingAttributes(l)
	attrs["buyer"] = ethcommon.Address(buyer).Hex()
	return &types.Event{Type: EventTypeListingPurchased, Attributes: attrs}
}

// NewFundsWithdrawnEvent describes a confirmed release of seller proceeds.
func NewFundsWithdrawnEvent(seller [20]byte, amount *uint256.Int) *types.Event {
	return &types.Event{
		Type: EventTypeFundsWithdrawn,
		Attributes: map[string]string{
			"seller": ethcommon.Address(seller).Hex(),
			"amount": cloneUint(amount).Dec(),
		},
	}
}

func listingAttributes(l *Listing) map[string]string {
	attrs := make(map[string]string)
	if l == nil {
		return attrs
	}
	attrs["id"] = strconv.FormatUint(l.ID, 10)
	attrs["seller"] = ethcommon.Address(l.Seller).Hex()
	attrs["asset"] = ethcommon.Address(l.Asset).Hex()
	attrs["amount"] = cloneUint(l.Amount).Dec()
	attrs["price"] = cloneUint(l.Price).Dec()
	attrs["status"] = l.Status().String()
	return attrs
}
