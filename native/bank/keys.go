package bank

import (
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

var (
	tokenBalancePrefix   = []byte("bank/token/balance/")
	tokenAllowancePrefix = []byte("bank/token/allowance/")
	vaultBalancePrefix   = []byte("bank/vault/balance/")
)

func hashKey(prefix []byte, parts ...[20]byte) []byte {
	buf := make([]byte, 0, len(prefix)+20*len(parts))
	buf = append(buf, prefix...)
	for _, part := range parts {
		buf = append(buf, part[:]...)
	}
	return ethcrypto.Keccak256(buf)
}

func balanceKey(asset, owner [20]byte) []byte {
	return hashKey(tokenBalancePrefix, asset, owner)
}

func allowanceKey(asset, owner, spender [20]byte) []byte {
	return hashKey(tokenAllowancePrefix, asset, owner, spender)
}

func vaultKey(account [20]byte) []byte {
	return hashKey(vaultBalancePrefix, account)
}
