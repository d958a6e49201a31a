package market

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/holiman/uint256"

	"github.com/agustin125/securitize-smart-contracts/core/events"
	"github.com/agustin125/securitize-smart-contracts/core/types"
	"github.com/agustin125/securitize-smart-contracts/observability"
)

// Engine is the escrow engine. Every operation runs inside one global lane:
// the engine mutex is held from the first ledger read until the transaction is
// committed or discarded, so operations never interleave and a failed
// operation leaves no trace in the ledger.
type Engine struct {
	mu       sync.Mutex
	ledger   Ledger
	gateway  AssetGateway
	channel  PaymentChannel
	verifier *Verifier
	emitter  events.Emitter
	metrics  *observability.MarketMetrics
}

// NewEngine creates an engine bound to verifier's domain with a no-op
// emitter. The ledger and both collaborators must be configured before use.
func NewEngine(verifier *Verifier) *Engine {
	return &Engine{
		verifier: verifier,
		emitter:  events.NoopEmitter{},
		metrics:  observability.Market(),
	}
}

// SetLedger configures the ledger store used by the engine.
func (e *Engine) SetLedger(ledger Ledger) { e.ledger = ledger }

// SetGateway configures the external asset ledger.
func (e *Engine) SetGateway(gateway AssetGateway) { e.gateway = gateway }

// SetPaymentChannel configures the settlement currency release mechanism.
func (e *Engine) SetPaymentChannel(channel PaymentChannel) { e.channel = channel }

// SetEmitter configures the event emitter used by the engine. Passing nil resets
// the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// Domain returns the signature domain delegated listings must be bound to.
func (e *Engine) Domain() Domain {
	if e == nil || e.verifier == nil {
		return Domain{}
	}
	return e.verifier.Domain()
}

func (e *Engine) emit(event *types.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(marketEvent{evt: event})
}

func (e *Engine) ready() error {
	if e == nil || e.ledger == nil {
		return errNilState
	}
	if e.gateway == nil {
		return fmt.Errorf("market engine: asset gateway not configured")
	}
	if e.channel == nil {
		return fmt.Errorf("market engine: payment channel not configured")
	}
	return nil
}

// isEngine reports whether account is the engine's own custody identity, which
// may never act as a seller or buyer.
func (e *Engine) isEngine(account [20]byte) bool {
	return account == e.Domain().VerifyingContract
}

func (e *Engine) observe(op string, start time.Time, err error) {
	if e.metrics != nil {
		e.metrics.Observe(op, OutcomeLabel(err), time.Since(start))
	}
}

// ListItem stores a new listing and returns its id. In direct mode
// (req.Signer == NoDelegation) the caller becomes the seller. Otherwise the
// signature must authorise the listing for req.Signer, whose nonce is consumed
// and who becomes the seller regardless of who submitted the request. No funds
// move at listing time.
func (e *Engine) ListItem(ctx context.Context, req ListRequest) (id uint64, err error) {
	start := time.Now()
	defer func() { e.observe("list", start, err) }()
	if err := e.ready(); err != nil {
		return 0, err
	}
	amount := cloneUint(req.Amount)
	price := cloneUint(req.Price)
	if amount.IsZero() {
		return 0, ErrInvalidAmount
	}
	if req.Asset == ([20]byte{}) {
		return 0, ErrInvalidAsset
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	txn := e.ledger.Begin()
	defer txn.Discard()

	seller := req.Caller
	if req.Delegated() {
		msg := DelegatedListing{
			Asset:  req.Asset,
			Amount: amount,
			Price:  price,
			Nonce:  req.Nonce,
			Signer: req.Signer,
		}
		if err := e.verifier.Verify(txn, msg, req.Signature); err != nil {
			return 0, err
		}
		seller = req.Signer
	} else if !emptySignature(req.Signature) {
		return 0, fmt.Errorf("%w: signature supplied without a delegated signer", ErrBadSignature)
	}
	if seller == ([20]byte{}) || e.isEngine(seller) {
		return 0, ErrUnauthorized
	}

	id, err = txn.CreateListing(seller, req.Asset, amount, price)
	if err != nil {
		return 0, err
	}
	if err := txn.Commit(); err != nil {
		return 0, fmt.Errorf("market: commit listing: %w", err)
	}
	e.emit(NewListingCreatedEvent(&Listing{
		ID:     id,
		Seller: seller,
		Asset:  req.Asset,
		Amount: amount,
		Price:  price,
	}, req.Caller))
	return id, nil
}

// PurchaseItem settles listing id for buyer. payment is the settlement value
// attached to the call and must equal the listing price exactly. The asset
// moves from the seller to the buyer through the gateway; ledger changes are
// committed only after that transfer succeeds.
func (e *Engine) PurchaseItem(ctx context.Context, buyer [20]byte, id uint64, payment *uint256.Int) (err error) {
	start := time.Now()
	defer func() { e.observe("purchase", start, err) }()
	if err := e.ready(); err != nil {
		return err
	}
	attached := cloneUint(payment)
	if buyer == ([20]byte{}) || e.isEngine(buyer) {
		return ErrUnauthorized
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	txn := e.ledger.Begin()
	defer txn.Discard()

	listing, err := txn.Listing(id)
	if err != nil {
		return err
	}
	if listing.Consumed {
		return ErrAlreadyConsumed
	}
	if !attached.Eq(listing.Price) {
		return fmt.Errorf("%w: attached %s, price %s", ErrInsufficientPayment, attached.Dec(), listing.Price.Dec())
	}
	if err := txn.MarkConsumed(id); err != nil {
		return err
	}
	if err := txn.CreditEarnings(listing.Seller, listing.Price); err != nil {
		return err
	}
	if err := txn.CreditCustody(listing.Price); err != nil {
		return err
	}
	if err := e.gateway.TransferFrom(ctx, listing.Asset, listing.Seller, buyer, listing.Amount); err != nil {
		return fmt.Errorf("market: purchase %d: %w", id, err)
	}
	if err := txn.Commit(); err != nil {
		return fmt.Errorf("market: commit purchase %d: %w", id, err)
	}
	listing.Consumed = true
	e.emit(NewListingPurchasedEvent(listing, buyer))
	return nil
}

// WithdrawFunds releases the caller's accumulated earnings and returns the
// amount released. A caller with no earnings gets zero and no error. The
// release happens before the balance is zeroed: when the payment channel
// refuses the funds the earnings stay intact and the error wraps
// ErrReleaseFailed so the caller can retry.
func (e *Engine) WithdrawFunds(ctx context.Context, caller [20]byte) (released *uint256.Int, err error) {
	start := time.Now()
	defer func() { e.observe("withdraw", start, err) }()
	if err := e.ready(); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	txn := e.ledger.Begin()
	defer txn.Discard()

	owed, err := txn.Earnings(caller)
	if err != nil {
		return nil, err
	}
	if owed.IsZero() {
		return new(uint256.Int), nil
	}
	if err := e.channel.Release(ctx, caller, owed); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrReleaseFailed, err)
	}
	debited, err := txn.DebitAll(caller)
	if err != nil {
		return nil, err
	}
	if err := txn.DebitCustody(debited); err != nil {
		return nil, err
	}
	// The funds have already left custody; a failed commit here would leave
	// earnings that were paid out, so it is surfaced as-is.
	if err := txn.Commit(); err != nil {
		return nil, fmt.Errorf("market: commit withdrawal: %w", err)
	}
	e.emit(NewFundsWithdrawnEvent(caller, debited))
	return debited, nil
}

// Listing returns a copy of listing id.
func (e *Engine) Listing(id uint64) (*Listing, error) {
	var out *Listing
	err := e.read(func(txn Txn) error {
		l, err := txn.Listing(id)
		out = l
		return err
	})
	return out, err
}

// Listings returns up to limit listings starting at offset, in id order.
func (e *Engine) Listings(offset, limit uint64) ([]*Listing, error) {
	var out []*Listing
	err := e.read(func(txn Txn) error {
		count, err := txn.ListingCount()
		if err != nil {
			return err
		}
		for id := offset; id < count && uint64(len(out)) < limit; id++ {
			l, err := txn.Listing(id)
			if err != nil {
				return err
			}
			out = append(out, l)
		}
		return nil
	})
	return out, err
}

// Earnings returns the withdrawable balance of seller.
func (e *Engine) Earnings(seller [20]byte) (*uint256.Int, error) {
	var out *uint256.Int
	err := e.read(func(txn Txn) error {
		v, err := txn.Earnings(seller)
		out = v
		return err
	})
	return out, err
}

// Nonce returns the nonce the next delegated listing from signer must carry.
func (e *Engine) Nonce(signer [20]byte) (uint64, error) {
	var out uint64
	err := e.read(func(txn Txn) error {
		v, err := txn.Nonce(signer)
		out = v
		return err
	})
	return out, err
}

// Custody returns the settlement currency received and not yet released.
func (e *Engine) Custody() (*uint256.Int, error) {
	var out *uint256.Int
	err := e.read(func(txn Txn) error {
		v, err := txn.Custody()
		out = v
		return err
	})
	return out, err
}

// CheckSolvency verifies that the sum of all earnings balances does not exceed
// custody and, when the payment channel reports its holdings, that custody
// does not exceed what the channel actually holds.
func (e *Engine) CheckSolvency() error {
	return e.read(func(txn Txn) error {
		sellers, err := txn.Sellers()
		if err != nil {
			return err
		}
		total := new(uint256.Int)
		for _, seller := range sellers {
			bal, err := txn.Earnings(seller)
			if err != nil {
				return err
			}
			if _, overflow := total.AddOverflow(total, bal); overflow {
				return ErrOverflow
			}
		}
		custody, err := txn.Custody()
		if err != nil {
			return err
		}
		if total.Gt(custody) {
			return fmt.Errorf("%w: earnings %s, custody %s", ErrInsolvent, total.Dec(), custody.Dec())
		}
		reporter, ok := e.channel.(CustodyReporter)
		if !ok {
			return nil
		}
		held, err := reporter.Held()
		if err != nil {
			return fmt.Errorf("market: read channel holdings: %w", err)
		}
		if custody.Gt(held) {
			return fmt.Errorf("%w: custody %s, held by channel %s", ErrInsolvent, custody.Dec(), held.Dec())
		}
		return nil
	})
}

func (e *Engine) read(fn func(Txn) error) error {
	if e == nil || e.ledger == nil {
		return errNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	txn := e.ledger.Begin()
	defer txn.Discard()
	return fn(txn)
}
