package state

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"math/big"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"

	"github.com/agustin125/securitize-smart-contracts/native/market"
	"github.com/agustin125/securitize-smart-contracts/storage"
)

var errTxnClosed = errors.New("state: transaction already committed or discarded")

// Ledger is the marketplace Ledger Store. It owns listings, earnings balances,
// per-signer nonces and the custody total, and exposes them only through
// transactions.
type Ledger struct {
	db storage.Database
}

// NewLedger creates a ledger backed by db.
func NewLedger(db storage.Database) *Ledger {
	return &Ledger{db: db}
}

// Begin opens a write-buffered transaction. Reads observe the transaction's
// own writes first; nothing reaches the database until Commit.
func (l *Ledger) Begin() market.Txn {
	return &Txn{db: l.db, writes: make(map[string][]byte)}
}

// Txn buffers ledger writes and applies them in a single storage batch.
// Txn is not safe for concurrent use.
type Txn struct {
	db     storage.Database
	writes map[string][]byte
	order  []string
	closed bool
}

var _ market.Txn = (*Txn)(nil)

type storedListing struct {
	ID       uint64
	Seller   [20]byte
	Asset    [20]byte
	Amount   *big.Int
	Price    *big.Int
	Consumed bool
}

func newStoredListing(l *market.Listing) *storedListing {
	return &storedListing{
		ID:       l.ID,
		Seller:   l.Seller,
		Asset:    l.Asset,
		Amount:   l.Amount.ToBig(),
		Price:    l.Price.ToBig(),
		Consumed: l.Consumed,
	}
}

func (s *storedListing) toListing() (*market.Listing, error) {
	amount, overflow := uint256.FromBig(s.Amount)
	if overflow {
		return nil, fmt.Errorf("state: listing %d amount out of range", s.ID)
	}
	price, overflow := uint256.FromBig(s.Price)
	if overflow {
		return nil, fmt.Errorf("state: listing %d price out of range", s.ID)
	}
	return &market.Listing{
		ID:       s.ID,
		Seller:   s.Seller,
		Asset:    s.Asset,
		Amount:   amount,
		Price:    price,
		Consumed: s.Consumed,
	}, nil
}

func (t *Txn) get(key []byte) ([]byte, bool, error) {
	if t.closed {
		return nil, false, errTxnClosed
	}
	if value, ok := t.writes[string(key)]; ok {
		return value, true, nil
	}
	value, err := t.db.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func (t *Txn) put(key, value []byte) error {
	if t.closed {
		return errTxnClosed
	}
	k := string(key)
	if _, ok := t.writes[k]; !ok {
		t.order = append(t.order, k)
	}
	t.writes[k] = append([]byte(nil), value...)
	return nil
}

func (t *Txn) loadUint64(key []byte) (uint64, error) {
	data, ok, err := t.get(key)
	if err != nil || !ok {
		return 0, err
	}
	if len(data) != 8 {
		return 0, fmt.Errorf("state: corrupt counter (%d bytes)", len(data))
	}
	return binary.BigEndian.Uint64(data), nil
}

func (t *Txn) loadUint256(key []byte) (*uint256.Int, bool, error) {
	data, ok, err := t.get(key)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return new(uint256.Int), false, nil
	}
	if len(data) != 32 {
		return nil, false, fmt.Errorf("state: corrupt balance (%d bytes)", len(data))
	}
	return new(uint256.Int).SetBytes32(data), true, nil
}

func (t *Txn) writeUint256(key []byte, v *uint256.Int) error {
	encoded := v.Bytes32()
	return t.put(key, encoded[:])
}

func (t *Txn) writeListing(l *market.Listing) error {
	encoded, err := rlp.EncodeToBytes(newStoredListing(l))
	if err != nil {
		return fmt.Errorf("state: encode listing %d: %w", l.ID, err)
	}
	return t.put(listingKey(l.ID), encoded)
}

// CreateListing assigns the next sequential id and stores the listing as
// Created.
func (t *Txn) CreateListing(seller, asset [20]byte, amount, price *uint256.Int) (uint64, error) {
	id, err := t.loadUint64(listingCountKey)
	if err != nil {
		return 0, err
	}
	if id == math.MaxUint64 {
		return 0, fmt.Errorf("%w: listing id space exhausted", market.ErrOverflow)
	}
	listing, err := market.SanitizeListing(&market.Listing{
		ID:     id,
		Seller: seller,
		Asset:  asset,
		Amount: amount,
		Price:  price,
	})
	if err != nil {
		return 0, err
	}
	if err := t.writeListing(listing); err != nil {
		return 0, err
	}
	if err := t.put(listingCountKey, encodeUint64(id+1)); err != nil {
		return 0, err
	}
	return id, nil
}

// Listing loads listing id or reports market.ErrNotFound.
func (t *Txn) Listing(id uint64) (*market.Listing, error) {
	data, ok, err := t.get(listingKey(id))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: id %d", market.ErrNotFound, id)
	}
	stored := new(storedListing)
	if err := rlp.DecodeBytes(data, stored); err != nil {
		return nil, fmt.Errorf("state: decode listing %d: %w", id, err)
	}
	return stored.toListing()
}

// ListingCount returns the number of listings ever created, which is also
// the next id to be assigned.
func (t *Txn) ListingCount() (uint64, error) {
	return t.loadUint64(listingCountKey)
}

// MarkConsumed performs the one-way Created -> Consumed transition.
func (t *Txn) MarkConsumed(id uint64) error {
	listing, err := t.Listing(id)
	if err != nil {
		return err
	}
	if listing.Consumed {
		return market.ErrAlreadyConsumed
	}
	listing.Consumed = true
	return t.writeListing(listing)
}

// CreditEarnings adds amount to seller's balance, failing with
// market.ErrOverflow instead of wrapping.
func (t *Txn) CreditEarnings(seller [20]byte, amount *uint256.Int) error {
	key := earningsKey(seller)
	current, seen, err := t.loadUint256(key)
	if err != nil {
		return err
	}
	next, overflow := new(uint256.Int).AddOverflow(current, amountOrZero(amount))
	if overflow {
		return fmt.Errorf("%w: earnings", market.ErrOverflow)
	}
	if !seen {
		if err := t.indexSeller(seller); err != nil {
			return err
		}
	}
	return t.writeUint256(key, next)
}

// Earnings returns seller's withdrawable balance.
func (t *Txn) Earnings(seller [20]byte) (*uint256.Int, error) {
	v, _, err := t.loadUint256(earningsKey(seller))
	return v, err
}

// DebitAll zeroes seller's balance and returns what it held.
func (t *Txn) DebitAll(seller [20]byte) (*uint256.Int, error) {
	key := earningsKey(seller)
	current, seen, err := t.loadUint256(key)
	if err != nil {
		return nil, err
	}
	if !seen || current.IsZero() {
		return current, nil
	}
	if err := t.writeUint256(key, new(uint256.Int)); err != nil {
		return nil, err
	}
	return current, nil
}

// Sellers lists every identity that has ever been credited earnings, in
// first-credit order.
func (t *Txn) Sellers() ([][20]byte, error) {
	data, ok, err := t.get(sellerIndexKey)
	if err != nil || !ok {
		return nil, err
	}
	var sellers [][20]byte
	if err := rlp.DecodeBytes(data, &sellers); err != nil {
		return nil, fmt.Errorf("state: decode seller index: %w", err)
	}
	return sellers, nil
}

func (t *Txn) indexSeller(seller [20]byte) error {
	sellers, err := t.Sellers()
	if err != nil {
		return err
	}
	sellers = append(sellers, seller)
	encoded, err := rlp.EncodeToBytes(sellers)
	if err != nil {
		return fmt.Errorf("state: encode seller index: %w", err)
	}
	return t.put(sellerIndexKey, encoded)
}

// Nonce returns the value the next delegated authorization from signer must
// embed. Unknown signers start at zero.
func (t *Txn) Nonce(signer [20]byte) (uint64, error) {
	return t.loadUint64(nonceKey(signer))
}

// ConsumeNonce advances signer's counter by one if claimed equals the current
// value.
func (t *Txn) ConsumeNonce(signer [20]byte, claimed uint64) error {
	current, err := t.Nonce(signer)
	if err != nil {
		return err
	}
	if claimed != current {
		return fmt.Errorf("%w: expected %d, got %d", market.ErrNonceMismatch, current, claimed)
	}
	if current == math.MaxUint64 {
		return fmt.Errorf("%w: nonce", market.ErrOverflow)
	}
	return t.put(nonceKey(signer), encodeUint64(current+1))
}

// Custody returns the settlement currency received and not yet released.
func (t *Txn) Custody() (*uint256.Int, error) {
	v, _, err := t.loadUint256(custodyKey)
	return v, err
}

// CreditCustody records payment value received by the engine.
func (t *Txn) CreditCustody(amount *uint256.Int) error {
	current, err := t.Custody()
	if err != nil {
		return err
	}
	next, overflow := new(uint256.Int).AddOverflow(current, amountOrZero(amount))
	if overflow {
		return fmt.Errorf("%w: custody", market.ErrOverflow)
	}
	return t.writeUint256(custodyKey, next)
}

// DebitCustody records payment value released by the engine.
func (t *Txn) DebitCustody(amount *uint256.Int) error {
	current, err := t.Custody()
	if err != nil {
		return err
	}
	next, underflow := new(uint256.Int).SubOverflow(current, amountOrZero(amount))
	if underflow {
		return fmt.Errorf("%w: release of %s exceeds custody %s", market.ErrInsolvent, amountOrZero(amount).Dec(), current.Dec())
	}
	return t.writeUint256(custodyKey, next)
}

// Commit applies every buffered write atomically. The transaction cannot be
// used afterwards.
func (t *Txn) Commit() error {
	if t.closed {
		return errTxnClosed
	}
	t.closed = true
	if len(t.order) == 0 {
		return nil
	}
	batch := t.db.NewBatch()
	for _, key := range t.order {
		batch.Put([]byte(key), t.writes[key])
	}
	if err := batch.Write(); err != nil {
		return fmt.Errorf("state: commit: %w", err)
	}
	return nil
}

// Discard drops all buffered writes. It is safe to call after Commit.
func (t *Txn) Discard() {
	t.closed = true
	t.writes = nil
	t.order = nil
}

func amountOrZero(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return v
}
