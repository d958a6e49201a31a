package market_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"github.com/agustin125/securitize-smart-contracts/core/events"
	"github.com/agustin125/securitize-smart-contracts/core/state"
	"github.com/agustin125/securitize-smart-contracts/core/types"
	"github.com/agustin125/securitize-smart-contracts/native/bank"
	"github.com/agustin125/securitize-smart-contracts/native/market"
	"github.com/agustin125/securitize-smart-contracts/storage"
)

var (
	engineAddr = [20]byte{0xEE, 0x01}
	tokenAddr  = [20]byte{0xA0, 0x01}
	sellerAddr = [20]byte{0x51}
	buyerAddr  = [20]byte{0xB1}
	relayer    = [20]byte{0x77}
)

type recordingEmitter struct {
	mu     sync.Mutex
	events []*types.Event
}

func (r *recordingEmitter) Emit(evt events.Event) {
	typed, ok := evt.(events.Payload)
	if !ok {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, typed.Event())
}

func (r *recordingEmitter) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, evt := range r.events {
		out = append(out, evt.Type)
	}
	return out
}

type harness struct {
	engine  *market.Engine
	tokens  *bank.TokenLedger
	vault   *bank.Vault
	emitter *recordingEmitter
	domain  market.Domain
	ledger  market.Ledger
}

var errDiskFull = errors.New("disk full")

// commitFailingLedger behaves like its inner ledger except that every commit
// fails after the engine has done its work.
type commitFailingLedger struct{ market.Ledger }

func (l commitFailingLedger) Begin() market.Txn { return commitFailingTxn{l.Ledger.Begin()} }

type commitFailingTxn struct{ market.Txn }

func (t commitFailingTxn) Commit() error {
	t.Txn.Discard()
	return errDiskFull
}

func testDomain() market.Domain {
	return market.Domain{Name: "Marketplace", Version: "1", ChainID: 31337, VerifyingContract: engineAddr}
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db := storage.NewMemDB()
	verifier, err := market.NewVerifier(testDomain())
	require.NoError(t, err)
	h := &harness{
		engine:  market.NewEngine(verifier),
		tokens:  bank.NewTokenLedger(db),
		vault:   bank.NewVault(db, engineAddr),
		emitter: &recordingEmitter{},
		domain:  testDomain(),
		ledger:  state.NewLedger(db),
	}
	h.engine.SetLedger(h.ledger)
	h.engine.SetGateway(h.tokens.Spender(engineAddr))
	h.engine.SetPaymentChannel(h.vault)
	h.engine.SetEmitter(h.emitter)
	return h
}

func (h *harness) fundSeller(t *testing.T, seller [20]byte, amount uint64) {
	t.Helper()
	require.NoError(t, h.tokens.Mint(tokenAddr, seller, uint256.NewInt(amount)))
	require.NoError(t, h.tokens.Approve(tokenAddr, seller, engineAddr, uint256.NewInt(amount)))
}

func (h *harness) list(t *testing.T, seller [20]byte, amount uint64, price *uint256.Int) uint64 {
	t.Helper()
	id, err := h.engine.ListItem(context.Background(), market.ListRequest{
		Caller: seller,
		Asset:  tokenAddr,
		Amount: uint256.NewInt(amount),
		Price:  price,
		Signer: market.NoDelegation,
	})
	require.NoError(t, err)
	return id
}

// purchase attaches payment from the buyer's vault balance and settles the
// listing in one step, mirroring what the HTTP surface does.
func (h *harness) purchase(buyer [20]byte, id uint64, payment *uint256.Int) error {
	return h.vault.Pay(context.Background(), buyer, payment, func(ctx context.Context) error {
		return h.engine.PurchaseItem(ctx, buyer, id, payment)
	})
}

func assetBalance(t *testing.T, h *harness, owner [20]byte) uint64 {
	t.Helper()
	bal, err := h.tokens.BalanceOf(context.Background(), tokenAddr, owner)
	require.NoError(t, err)
	return bal.Uint64()
}

func earnings(t *testing.T, h *harness, seller [20]byte) *uint256.Int {
	t.Helper()
	bal, err := h.engine.Earnings(seller)
	require.NoError(t, err)
	return bal
}

func TestListItemRoundTrip(t *testing.T) {
	h := newHarness(t)
	price := uint256.MustFromDecimal("250000000000000000")
	id := h.list(t, sellerAddr, 42, price)

	l, err := h.engine.Listing(id)
	require.NoError(t, err)
	require.Equal(t, sellerAddr, l.Seller)
	require.Equal(t, tokenAddr, l.Asset)
	require.Equal(t, uint64(42), l.Amount.Uint64())
	require.True(t, l.Price.Eq(price))
	require.False(t, l.Consumed)
	require.Equal(t, market.ListingCreated, l.Status())
	require.Equal(t, []string{market.EventTypeListingCreated}, h.emitter.types())
}

func TestListItemIDsAreSequential(t *testing.T) {
	h := newHarness(t)
	for want := uint64(0); want < 5; want++ {
		require.Equal(t, want, h.list(t, sellerAddr, want+1, uint256.NewInt(1)))
	}
	page, err := h.engine.Listings(1, 3)
	require.NoError(t, err)
	require.Len(t, page, 3)
	require.Equal(t, uint64(1), page[0].ID)
	require.Equal(t, uint64(3), page[2].ID)
}

func TestListItemValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.engine.ListItem(ctx, market.ListRequest{Caller: sellerAddr, Asset: tokenAddr, Amount: new(uint256.Int), Price: uint256.NewInt(1)})
	require.ErrorIs(t, err, market.ErrInvalidAmount)

	_, err = h.engine.ListItem(ctx, market.ListRequest{Caller: sellerAddr, Amount: uint256.NewInt(1), Price: uint256.NewInt(1)})
	require.ErrorIs(t, err, market.ErrInvalidAsset)

	_, err = h.engine.ListItem(ctx, market.ListRequest{Caller: sellerAddr, Asset: tokenAddr, Amount: uint256.NewInt(1), Price: uint256.NewInt(1), Signature: []byte{1, 2, 3}})
	require.ErrorIs(t, err, market.ErrBadSignature)

	_, err = h.engine.ListItem(ctx, market.ListRequest{Asset: tokenAddr, Amount: uint256.NewInt(1), Price: uint256.NewInt(1)})
	require.ErrorIs(t, err, market.ErrUnauthorized)

	_, err = h.engine.Listing(0)
	require.ErrorIs(t, err, market.ErrNotFound)
}

func TestZeroPriceListingSettlesWithoutPayment(t *testing.T) {
	h := newHarness(t)
	h.fundSeller(t, sellerAddr, 5)
	id := h.list(t, sellerAddr, 5, new(uint256.Int))

	require.NoError(t, h.purchase(buyerAddr, id, new(uint256.Int)))
	require.Equal(t, uint64(5), assetBalance(t, h, buyerAddr))
	require.True(t, earnings(t, h, sellerAddr).IsZero())
}

func TestPurchaseTwiceFailsWithAlreadyConsumed(t *testing.T) {
	h := newHarness(t)
	h.fundSeller(t, sellerAddr, 20)
	price := uint256.NewInt(7)
	id := h.list(t, sellerAddr, 10, price)
	require.NoError(t, h.vault.Deposit(buyerAddr, uint256.NewInt(14)))

	require.NoError(t, h.purchase(buyerAddr, id, price))
	require.ErrorIs(t, h.purchase(buyerAddr, id, price), market.ErrAlreadyConsumed)

	require.Equal(t, uint64(10), assetBalance(t, h, buyerAddr))
	require.Equal(t, uint64(7), earnings(t, h, sellerAddr).Uint64())
	refunded, err := h.vault.Balance(buyerAddr)
	require.NoError(t, err)
	require.Equal(t, uint64(7), refunded.Uint64())

	l, err := h.engine.Listing(id)
	require.NoError(t, err)
	require.Equal(t, market.ListingConsumed, l.Status())
}

func TestPurchaseRequiresExactPayment(t *testing.T) {
	h := newHarness(t)
	h.fundSeller(t, sellerAddr, 10)
	id := h.list(t, sellerAddr, 10, uint256.NewInt(100))

	for _, paid := range []uint64{0, 99, 101} {
		err := h.engine.PurchaseItem(context.Background(), buyerAddr, id, uint256.NewInt(paid))
		require.ErrorIs(t, err, market.ErrInsufficientPayment, "payment %d", paid)
	}

	l, err := h.engine.Listing(id)
	require.NoError(t, err)
	require.False(t, l.Consumed)
	require.True(t, earnings(t, h, sellerAddr).IsZero())
	require.Zero(t, assetBalance(t, h, buyerAddr))
}

func TestPurchaseUnknownListing(t *testing.T) {
	h := newHarness(t)
	err := h.engine.PurchaseItem(context.Background(), buyerAddr, 3, new(uint256.Int))
	require.ErrorIs(t, err, market.ErrNotFound)
}

func TestPurchaseGatewayFailureRollsBack(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.tokens.Mint(tokenAddr, sellerAddr, uint256.NewInt(10)))
	id := h.list(t, sellerAddr, 10, uint256.NewInt(3))

	err := h.engine.PurchaseItem(context.Background(), buyerAddr, id, uint256.NewInt(3))
	require.ErrorIs(t, err, market.ErrInsufficientAllowance)

	l, err := h.engine.Listing(id)
	require.NoError(t, err)
	require.False(t, l.Consumed)
	require.True(t, earnings(t, h, sellerAddr).IsZero())
	custody, err := h.engine.Custody()
	require.NoError(t, err)
	require.True(t, custody.IsZero())

	require.NoError(t, h.tokens.Approve(tokenAddr, sellerAddr, engineAddr, uint256.NewInt(10)))
	require.NoError(t, h.engine.PurchaseItem(context.Background(), buyerAddr, id, uint256.NewInt(3)))
}

func TestPurchaseInsufficientAssetBalance(t *testing.T) {
	h := newHarness(t)
	h.fundSeller(t, sellerAddr, 4)
	id := h.list(t, sellerAddr, 5, uint256.NewInt(1))
	err := h.engine.PurchaseItem(context.Background(), buyerAddr, id, uint256.NewInt(1))
	require.ErrorIs(t, err, market.ErrInsufficientBalance)
}

func signedRequest(t *testing.T, h *harness, nonce uint64, amount uint64) (market.ListRequest, [20]byte) {
	t.Helper()
	key, err := ethcrypto.HexToECDSA("4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318")
	require.NoError(t, err)
	signer := [20]byte(ethcrypto.PubkeyToAddress(key.PublicKey))
	msg := market.DelegatedListing{
		Asset:  tokenAddr,
		Amount: uint256.NewInt(amount),
		Price:  uint256.NewInt(9),
		Nonce:  nonce,
		Signer: signer,
	}
	sig, err := market.SignDelegatedListing(key, h.domain, msg)
	require.NoError(t, err)
	return market.ListRequest{
		Caller:    relayer,
		Asset:     msg.Asset,
		Amount:    msg.Amount,
		Price:     msg.Price,
		Nonce:     nonce,
		Signature: sig,
		Signer:    signer,
	}, signer
}

func TestDelegatedListingNonceReplay(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	req, signer := signedRequest(t, h, 0, 10)
	id, err := h.engine.ListItem(ctx, req)
	require.NoError(t, err)

	l, err := h.engine.Listing(id)
	require.NoError(t, err)
	require.Equal(t, signer, l.Seller, "the signer owns a delegated listing, not the relayer")

	_, err = h.engine.ListItem(ctx, req)
	require.ErrorIs(t, err, market.ErrNonceMismatch)

	next, _ := signedRequest(t, h, 1, 10)
	_, err = h.engine.ListItem(ctx, next)
	require.NoError(t, err)

	nonce, err := h.engine.Nonce(signer)
	require.NoError(t, err)
	require.Equal(t, uint64(2), nonce)
}

func TestDelegatedListingTamperedFieldsRejected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	req, signer := signedRequest(t, h, 0, 10)
	req.Amount = uint256.NewInt(11)
	_, err := h.engine.ListItem(ctx, req)
	require.ErrorIs(t, err, market.ErrBadSignature)

	nonce, err := h.engine.Nonce(signer)
	require.NoError(t, err)
	require.Zero(t, nonce, "a rejected signature must not consume the nonce")

	req, _ = signedRequest(t, h, 0, 10)
	req.Signer = relayer
	_, err = h.engine.ListItem(ctx, req)
	require.ErrorIs(t, err, market.ErrBadSignature)

	count, err := h.engine.Listings(0, 10)
	require.NoError(t, err)
	require.Empty(t, count)
}

func TestDelegatedListingBoundToDomain(t *testing.T) {
	h := newHarness(t)
	other := testDomain()
	other.ChainID = 1
	verifier, err := market.NewVerifier(other)
	require.NoError(t, err)
	foreign := market.NewEngine(verifier)
	foreign.SetLedger(state.NewLedger(storage.NewMemDB()))
	foreign.SetGateway(h.tokens.Spender(engineAddr))
	foreign.SetPaymentChannel(h.vault)

	req, _ := signedRequest(t, h, 0, 10)
	_, err = foreign.ListItem(context.Background(), req)
	require.ErrorIs(t, err, market.ErrBadSignature)
}

func TestWithdrawWithoutEarningsIsNoop(t *testing.T) {
	h := newHarness(t)
	released, err := h.engine.WithdrawFunds(context.Background(), sellerAddr)
	require.NoError(t, err)
	require.True(t, released.IsZero())
	require.Empty(t, h.emitter.types())
}

func TestWithdrawReleasesAccumulatedEarnings(t *testing.T) {
	h := newHarness(t)
	h.fundSeller(t, sellerAddr, 30)
	require.NoError(t, h.vault.Deposit(buyerAddr, uint256.NewInt(5)))
	first := h.list(t, sellerAddr, 10, uint256.NewInt(2))
	second := h.list(t, sellerAddr, 20, uint256.NewInt(3))
	require.NoError(t, h.purchase(buyerAddr, first, uint256.NewInt(2)))
	require.NoError(t, h.purchase(buyerAddr, second, uint256.NewInt(3)))

	released, err := h.engine.WithdrawFunds(context.Background(), sellerAddr)
	require.NoError(t, err)
	require.Equal(t, uint64(5), released.Uint64())

	again, err := h.engine.WithdrawFunds(context.Background(), sellerAddr)
	require.NoError(t, err)
	require.True(t, again.IsZero())

	bal, err := h.vault.Balance(sellerAddr)
	require.NoError(t, err)
	require.Equal(t, uint64(5), bal.Uint64())
}

func TestWithdrawReleaseFailureKeepsEarnings(t *testing.T) {
	h := newHarness(t)
	h.fundSeller(t, sellerAddr, 1)
	require.NoError(t, h.vault.Deposit(buyerAddr, uint256.NewInt(8)))
	id := h.list(t, sellerAddr, 1, uint256.NewInt(8))
	require.NoError(t, h.purchase(buyerAddr, id, uint256.NewInt(8)))

	h.vault.SetRejecting(sellerAddr, true)
	_, err := h.engine.WithdrawFunds(context.Background(), sellerAddr)
	require.ErrorIs(t, err, market.ErrReleaseFailed)
	require.ErrorIs(t, err, bank.ErrRecipientRejected)
	require.True(t, market.IsRetryable(err))
	require.Equal(t, uint64(8), earnings(t, h, sellerAddr).Uint64())

	h.vault.SetRejecting(sellerAddr, false)
	released, err := h.engine.WithdrawFunds(context.Background(), sellerAddr)
	require.NoError(t, err)
	require.Equal(t, uint64(8), released.Uint64())
	require.True(t, earnings(t, h, sellerAddr).IsZero())
}

func TestEndToEndSale(t *testing.T) {
	h := newHarness(t)
	price := uint256.MustFromDecimal("1000000000000000000")
	h.fundSeller(t, sellerAddr, 100)
	require.NoError(t, h.vault.Deposit(buyerAddr, price))

	id := h.list(t, sellerAddr, 100, price)
	require.NoError(t, h.purchase(buyerAddr, id, price))
	require.Equal(t, uint64(100), assetBalance(t, h, buyerAddr))
	require.True(t, earnings(t, h, sellerAddr).Eq(price))
	require.NoError(t, h.engine.CheckSolvency())

	released, err := h.engine.WithdrawFunds(context.Background(), sellerAddr)
	require.NoError(t, err)
	require.True(t, released.Eq(price))

	bal, err := h.vault.Balance(sellerAddr)
	require.NoError(t, err)
	require.True(t, bal.Eq(price))
	require.True(t, earnings(t, h, sellerAddr).IsZero())
	custody, err := h.engine.Custody()
	require.NoError(t, err)
	require.True(t, custody.IsZero())
	require.Equal(t, []string{
		market.EventTypeListingCreated,
		market.EventTypeListingPurchased,
		market.EventTypeFundsWithdrawn,
	}, h.emitter.types())
}

func TestConcurrentPurchasesSettleOnce(t *testing.T) {
	h := newHarness(t)
	h.fundSeller(t, sellerAddr, 1000)
	id := h.list(t, sellerAddr, 50, uint256.NewInt(1))

	const buyers = 16
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		consumed  int
	)
	for i := 0; i < buyers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := h.engine.PurchaseItem(context.Background(), [20]byte{0xB0, byte(i)}, id, uint256.NewInt(1))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, market.ErrAlreadyConsumed):
				consumed++
			default:
				t.Errorf("unexpected purchase error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	require.Equal(t, 1, successes)
	require.Equal(t, buyers-1, consumed)
	require.Equal(t, uint64(950), assetBalance(t, h, sellerAddr))
	require.Equal(t, uint64(1), earnings(t, h, sellerAddr).Uint64())
}

func TestEngineIdentityCannotTrade(t *testing.T) {
	h := newHarness(t)
	h.fundSeller(t, sellerAddr, 10)
	id := h.list(t, sellerAddr, 10, uint256.NewInt(4))

	err := h.engine.PurchaseItem(context.Background(), engineAddr, id, uint256.NewInt(4))
	require.ErrorIs(t, err, market.ErrUnauthorized)
	_, err = h.engine.ListItem(context.Background(), market.ListRequest{
		Caller: engineAddr,
		Asset:  tokenAddr,
		Amount: uint256.NewInt(1),
		Price:  uint256.NewInt(1),
		Signer: market.NoDelegation,
	})
	require.ErrorIs(t, err, market.ErrUnauthorized)

	l, err := h.engine.Listing(id)
	require.NoError(t, err)
	require.Equal(t, market.ListingCreated, l.Status())
	require.True(t, earnings(t, h, sellerAddr).IsZero())
	require.Equal(t, uint64(10), assetBalance(t, h, sellerAddr))
}

func TestCheckSolvencyComparesChannelHoldings(t *testing.T) {
	h := newHarness(t)
	h.fundSeller(t, sellerAddr, 10)
	price := uint256.NewInt(6)
	id := h.list(t, sellerAddr, 10, price)

	// Settling without a vault payment leaves custody unbacked.
	require.NoError(t, h.engine.PurchaseItem(context.Background(), buyerAddr, id, price))
	require.ErrorIs(t, h.engine.CheckSolvency(), market.ErrInsolvent)

	require.NoError(t, h.vault.Deposit(engineAddr, price))
	require.NoError(t, h.engine.CheckSolvency())
}

func TestPurchaseEarningsOverflowRollsBack(t *testing.T) {
	h := newHarness(t)
	h.fundSeller(t, sellerAddr, 2)
	ceiling := new(uint256.Int).SetAllOne()
	first := h.list(t, sellerAddr, 1, ceiling)
	second := h.list(t, sellerAddr, 1, ceiling)

	require.NoError(t, h.engine.PurchaseItem(context.Background(), buyerAddr, first, ceiling))
	err := h.engine.PurchaseItem(context.Background(), buyerAddr, second, ceiling)
	require.ErrorIs(t, err, market.ErrOverflow)

	l, err := h.engine.Listing(second)
	require.NoError(t, err)
	require.Equal(t, market.ListingCreated, l.Status())
	require.Equal(t, uint64(1), assetBalance(t, h, buyerAddr))
	require.Equal(t, uint64(1), assetBalance(t, h, sellerAddr))
	require.True(t, earnings(t, h, sellerAddr).Eq(ceiling))
	custody, err := h.engine.Custody()
	require.NoError(t, err)
	require.True(t, custody.Eq(ceiling))
	nonce, err := h.engine.Nonce(sellerAddr)
	require.NoError(t, err)
	require.Zero(t, nonce)
	require.Equal(t, []string{
		market.EventTypeListingCreated,
		market.EventTypeListingCreated,
		market.EventTypeListingPurchased,
	}, h.emitter.types())
}

func TestPurchaseCommitFailureIsSurfaced(t *testing.T) {
	h := newHarness(t)
	h.fundSeller(t, sellerAddr, 3)
	id := h.list(t, sellerAddr, 3, uint256.NewInt(2))

	h.engine.SetLedger(commitFailingLedger{h.ledger})
	err := h.engine.PurchaseItem(context.Background(), buyerAddr, id, uint256.NewInt(2))
	require.ErrorIs(t, err, errDiskFull)

	// The asset transfer is not undone; the listing stays open and no event
	// announces a sale that was never recorded.
	h.engine.SetLedger(h.ledger)
	l, err := h.engine.Listing(id)
	require.NoError(t, err)
	require.Equal(t, market.ListingCreated, l.Status())
	require.Equal(t, uint64(3), assetBalance(t, h, buyerAddr))
	require.True(t, earnings(t, h, sellerAddr).IsZero())
	require.Equal(t, []string{market.EventTypeListingCreated}, h.emitter.types())
}

func TestUnconfiguredEngine(t *testing.T) {
	verifier, err := market.NewVerifier(testDomain())
	require.NoError(t, err)
	engine := market.NewEngine(verifier)
	_, err = engine.ListItem(context.Background(), market.ListRequest{})
	require.Error(t, err)
	_, err = engine.Listing(0)
	require.Error(t, err)
}
