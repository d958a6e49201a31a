package state

import (
	"encoding/binary"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

var (
	listingPrefix  = []byte("market/listing/")
	earningsPrefix = []byte("market/earnings/")
	noncePrefix    = []byte("market/nonce/")

	listingCountKey = ethcrypto.Keccak256([]byte("market/listing-count"))
	custodyKey      = ethcrypto.Keccak256([]byte("market/custody"))
	sellerIndexKey  = ethcrypto.Keccak256([]byte("market/sellers"))
)

func prefixedKey(prefix []byte, id []byte) []byte {
	buf := make([]byte, len(prefix)+len(id))
	copy(buf, prefix)
	copy(buf[len(prefix):], id)
	return ethcrypto.Keccak256(buf)
}

func listingKey(id uint64) []byte {
	return prefixedKey(listingPrefix, encodeUint64(id))
}

func earningsKey(seller [20]byte) []byte {
	return prefixedKey(earningsPrefix, seller[:])
}

func nonceKey(signer [20]byte) []byte {
	return prefixedKey(noncePrefix, signer[:])
}

func encodeUint64(v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}
