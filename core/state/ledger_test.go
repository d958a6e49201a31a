package state

import (
	"bytes"
	"errors"
	"math"
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"github.com/agustin125/securitize-smart-contracts/native/market"
	"github.com/agustin125/securitize-smart-contracts/storage"
)

func addr(fill byte) [20]byte {
	var out [20]byte
	copy(out[:], bytes.Repeat([]byte{fill}, 20))
	return out
}

func newTestLedger() (*Ledger, *storage.MemDB) {
	db := storage.NewMemDB()
	return NewLedger(db), db
}

func TestCreateListingAssignsSequentialIDs(t *testing.T) {
	ledger, _ := newTestLedger()
	txn := ledger.Begin()
	for want := uint64(0); want < 3; want++ {
		id, err := txn.CreateListing(addr(0x01), addr(0xAA), uint256.NewInt(10+want), uint256.NewInt(5))
		require.NoError(t, err)
		require.Equal(t, want, id)
	}
	require.NoError(t, txn.Commit())

	read := ledger.Begin()
	defer read.Discard()
	count, err := read.ListingCount()
	require.NoError(t, err)
	require.Equal(t, uint64(3), count)

	l, err := read.Listing(2)
	require.NoError(t, err)
	require.Equal(t, addr(0x01), l.Seller)
	require.Equal(t, addr(0xAA), l.Asset)
	require.Equal(t, uint64(12), l.Amount.Uint64())
	require.Equal(t, uint64(5), l.Price.Uint64())
	require.False(t, l.Consumed)
}

func TestCreateListingRejectsZeroAmount(t *testing.T) {
	ledger, _ := newTestLedger()
	txn := ledger.Begin()
	defer txn.Discard()
	_, err := txn.CreateListing(addr(0x01), addr(0xAA), new(uint256.Int), uint256.NewInt(1))
	require.ErrorIs(t, err, market.ErrInvalidAmount)
}

func TestListingNotFound(t *testing.T) {
	ledger, _ := newTestLedger()
	txn := ledger.Begin()
	defer txn.Discard()
	_, err := txn.Listing(7)
	require.ErrorIs(t, err, market.ErrNotFound)
	require.ErrorIs(t, txn.MarkConsumed(7), market.ErrNotFound)
}

func TestMarkConsumedIsOneWay(t *testing.T) {
	ledger, _ := newTestLedger()
	txn := ledger.Begin()
	id, err := txn.CreateListing(addr(0x01), addr(0xAA), uint256.NewInt(1), uint256.NewInt(0))
	require.NoError(t, err)
	require.NoError(t, txn.MarkConsumed(id))
	require.ErrorIs(t, txn.MarkConsumed(id), market.ErrAlreadyConsumed)
	require.NoError(t, txn.Commit())

	next := ledger.Begin()
	defer next.Discard()
	require.ErrorIs(t, next.MarkConsumed(id), market.ErrAlreadyConsumed)
}

func TestDiscardLeavesDatabaseUntouched(t *testing.T) {
	ledger, db := newTestLedger()
	txn := ledger.Begin()
	_, err := txn.CreateListing(addr(0x01), addr(0xAA), uint256.NewInt(1), uint256.NewInt(1))
	require.NoError(t, err)
	require.NoError(t, txn.CreditEarnings(addr(0x01), uint256.NewInt(9)))
	require.NoError(t, txn.ConsumeNonce(addr(0x01), 0))
	txn.Discard()

	_, err = db.Get(listingCountKey)
	require.True(t, errors.Is(err, storage.ErrNotFound))

	read := ledger.Begin()
	defer read.Discard()
	nonce, err := read.Nonce(addr(0x01))
	require.NoError(t, err)
	require.Zero(t, nonce)
	bal, err := read.Earnings(addr(0x01))
	require.NoError(t, err)
	require.True(t, bal.IsZero())
}

func TestClosedTransactionRejectsUse(t *testing.T) {
	ledger, _ := newTestLedger()
	txn := ledger.Begin()
	require.NoError(t, txn.Commit())
	_, err := txn.ListingCount()
	require.ErrorIs(t, err, errTxnClosed)
	require.ErrorIs(t, txn.Commit(), errTxnClosed)
	txn.Discard()
}

func TestCreditEarningsOverflow(t *testing.T) {
	ledger, _ := newTestLedger()
	txn := ledger.Begin()
	defer txn.Discard()
	ceiling := new(uint256.Int).SetAllOne()
	require.NoError(t, txn.CreditEarnings(addr(0x02), ceiling))
	err := txn.CreditEarnings(addr(0x02), uint256.NewInt(1))
	require.ErrorIs(t, err, market.ErrOverflow)

	bal, err := txn.Earnings(addr(0x02))
	require.NoError(t, err)
	require.True(t, bal.Eq(ceiling), "failed credit must not change the balance")
}

func TestDebitAllZeroesBalance(t *testing.T) {
	ledger, _ := newTestLedger()
	txn := ledger.Begin()
	require.NoError(t, txn.CreditEarnings(addr(0x03), uint256.NewInt(40)))
	require.NoError(t, txn.CreditEarnings(addr(0x03), uint256.NewInt(2)))
	require.NoError(t, txn.Commit())

	txn = ledger.Begin()
	got, err := txn.DebitAll(addr(0x03))
	require.NoError(t, err)
	require.Equal(t, uint64(42), got.Uint64())
	again, err := txn.DebitAll(addr(0x03))
	require.NoError(t, err)
	require.True(t, again.IsZero())
	require.NoError(t, txn.Commit())

	read := ledger.Begin()
	defer read.Discard()
	sellers, err := read.Sellers()
	require.NoError(t, err)
	require.Equal(t, [][20]byte{addr(0x03)}, sellers)
}

func TestConsumeNonceRequiresExactValue(t *testing.T) {
	ledger, _ := newTestLedger()
	txn := ledger.Begin()
	defer txn.Discard()
	signer := addr(0x04)

	require.ErrorIs(t, txn.ConsumeNonce(signer, 1), market.ErrNonceMismatch)
	require.NoError(t, txn.ConsumeNonce(signer, 0))
	require.ErrorIs(t, txn.ConsumeNonce(signer, 0), market.ErrNonceMismatch)
	require.NoError(t, txn.ConsumeNonce(signer, 1))

	nonce, err := txn.Nonce(signer)
	require.NoError(t, err)
	require.Equal(t, uint64(2), nonce)
}

func TestConsumeNonceOverflow(t *testing.T) {
	ledger, _ := newTestLedger()
	txn := ledger.Begin()
	defer txn.Discard()
	signer := addr(0x05)
	require.NoError(t, txn.(*Txn).put(nonceKey(signer), encodeUint64(math.MaxUint64)))
	require.ErrorIs(t, txn.ConsumeNonce(signer, math.MaxUint64), market.ErrOverflow)
}

func TestCustodyArithmetic(t *testing.T) {
	ledger, _ := newTestLedger()
	txn := ledger.Begin()
	defer txn.Discard()
	require.NoError(t, txn.CreditCustody(uint256.NewInt(100)))
	require.NoError(t, txn.DebitCustody(uint256.NewInt(60)))
	require.ErrorIs(t, txn.DebitCustody(uint256.NewInt(41)), market.ErrInsolvent)

	custody, err := txn.Custody()
	require.NoError(t, err)
	require.Equal(t, uint64(40), custody.Uint64())
}

func TestLedgerSurvivesLevelDBReopen(t *testing.T) {
	dir := t.TempDir()
	db, err := storage.NewLevelDB(dir)
	require.NoError(t, err)

	txn := NewLedger(db).Begin()
	id, err := txn.CreateListing(addr(0x06), addr(0xAB), uint256.NewInt(100), uint256.MustFromDecimal("1000000000000000000"))
	require.NoError(t, err)
	require.NoError(t, txn.Commit())
	db.Close()

	reopened, err := storage.NewLevelDB(dir)
	require.NoError(t, err)
	defer reopened.Close()

	read := NewLedger(reopened).Begin()
	defer read.Discard()
	l, err := read.Listing(id)
	require.NoError(t, err)
	require.Equal(t, "1000000000000000000", l.Price.Dec())
}
