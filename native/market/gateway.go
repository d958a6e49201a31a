package market

import (
	"context"

	"github.com/holiman/uint256"
)

// AssetGateway is the external fungible-asset ledger. The engine is a
// pre-approved spender of the seller's balance; TransferFrom must fail with an
// error wrapping ErrInsufficientAllowance or ErrInsufficientBalance when the
// seller's approval or balance falls short, and must move nothing in that case.
type AssetGateway interface {
	TransferFrom(ctx context.Context, asset, owner, to [20]byte, amount *uint256.Int) error
	BalanceOf(ctx context.Context, asset, owner [20]byte) (*uint256.Int, error)
}

// PaymentChannel pushes settlement currency held by the engine to a recipient.
// Release either moves exactly amount or fails without moving anything; a
// recipient may refuse the funds.
type PaymentChannel interface {
	Release(ctx context.Context, to [20]byte, amount *uint256.Int) error
}

// CustodyReporter is implemented by payment channels that can report how much
// settlement currency they actually hold for the engine. CheckSolvency uses it
// to compare the ledger's custody counter against real holdings.
type CustodyReporter interface {
	Held() (*uint256.Int, error)
}
