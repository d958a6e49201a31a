package bank

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"

	"github.com/agustin125/securitize-smart-contracts/storage"
)

// amounts reads and writes 32-byte big-endian balances. Callers hold their
// own lock and group related writes into one batch.
type amounts struct {
	db storage.Database
}

func (a amounts) load(key []byte) (*uint256.Int, error) {
	data, err := a.db.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return new(uint256.Int), nil
	}
	if err != nil {
		return nil, err
	}
	if len(data) != 32 {
		return nil, fmt.Errorf("bank: corrupt balance (%d bytes)", len(data))
	}
	return new(uint256.Int).SetBytes32(data), nil
}

func put(batch storage.Batch, key []byte, v *uint256.Int) {
	encoded := v.Bytes32()
	batch.Put(key, encoded[:])
}

func orZero(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return v
}
