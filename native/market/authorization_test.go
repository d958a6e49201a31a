package market

import (
	"math/big"
	"testing"

	ethcommon "github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
)

type memNonces map[[20]byte]uint64

func (m memNonces) Nonce(signer [20]byte) (uint64, error) { return m[signer], nil }

func (m memNonces) ConsumeNonce(signer [20]byte, claimed uint64) error {
	if m[signer] != claimed {
		return ErrNonceMismatch
	}
	m[signer] = claimed + 1
	return nil
}

func testDomain() Domain {
	return Domain{
		Name:              "Marketplace",
		Version:           "1",
		ChainID:           31337,
		VerifyingContract: ethcommon.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3"),
	}
}

func testMessage(signer [20]byte, nonce uint64) DelegatedListing {
	return DelegatedListing{
		Asset:  ethcommon.HexToAddress("0xe7f1725E7734CE288F8367e1Bb143E90bb3F0512"),
		Amount: uint256.NewInt(100),
		Price:  uint256.MustFromDecimal("1000000000000000000"),
		Nonce:  nonce,
		Signer: signer,
	}
}

func TestDomainValidate(t *testing.T) {
	require.NoError(t, testDomain().Validate())

	d := testDomain()
	d.Name = " "
	require.Error(t, d.Validate())

	d = testDomain()
	d.Version = ""
	require.Error(t, d.Validate())

	d = testDomain()
	d.VerifyingContract = [20]byte{}
	_, err := NewVerifier(d)
	require.Error(t, err)
}

func TestDigestMatchesManualEncoding(t *testing.T) {
	domain := testDomain()
	msg := testMessage(ethcommon.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8"), 3)

	typeHash := ethcrypto.Keccak256([]byte("DelegatedListing(address asset,uint256 amount,uint256 price,uint256 nonce,address signer)"))
	word := func(v *big.Int) []byte { return ethcommon.LeftPadBytes(v.Bytes(), 32) }
	structHash := ethcrypto.Keccak256(
		typeHash,
		ethcommon.LeftPadBytes(msg.Asset[:], 32),
		word(msg.Amount.ToBig()),
		word(msg.Price.ToBig()),
		word(new(big.Int).SetUint64(msg.Nonce)),
		ethcommon.LeftPadBytes(msg.Signer[:], 32),
	)

	domainType := ethcrypto.Keccak256([]byte("EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)"))
	separator := ethcrypto.Keccak256(
		domainType,
		ethcrypto.Keccak256([]byte(domain.Name)),
		ethcrypto.Keccak256([]byte(domain.Version)),
		word(new(big.Int).SetUint64(domain.ChainID)),
		ethcommon.LeftPadBytes(domain.VerifyingContract[:], 32),
	)
	gotSep, err := domain.Separator()
	require.NoError(t, err)
	require.Equal(t, separator, gotSep)

	want := ethcrypto.Keccak256([]byte{0x19, 0x01}, separator, structHash)
	got, err := msg.Digest(domain)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestDigestDependsOnEveryField(t *testing.T) {
	domain := testDomain()
	base := testMessage([20]byte{0x01}, 0)
	baseDigest, err := base.Digest(domain)
	require.NoError(t, err)

	variants := map[string]DelegatedListing{}
	m := base
	m.Asset = [20]byte{0x02}
	variants["asset"] = m
	m = base
	m.Amount = uint256.NewInt(101)
	variants["amount"] = m
	m = base
	m.Price = uint256.NewInt(1)
	variants["price"] = m
	m = base
	m.Nonce = 1
	variants["nonce"] = m
	m = base
	m.Signer = [20]byte{0x03}
	variants["signer"] = m

	for field, msg := range variants {
		d, err := msg.Digest(domain)
		require.NoError(t, err)
		require.NotEqual(t, baseDigest, d, field)
	}

	other := domain
	other.Version = "2"
	d, err := base.Digest(other)
	require.NoError(t, err)
	require.NotEqual(t, baseDigest, d)
}

func TestRecoverSigner(t *testing.T) {
	key, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	signer := [20]byte(ethcrypto.PubkeyToAddress(key.PublicKey))
	msg := testMessage(signer, 0)

	sig, err := SignDelegatedListing(key, testDomain(), msg)
	require.NoError(t, err)
	require.Len(t, sig, 65)
	require.Contains(t, []byte{27, 28}, sig[64])

	digest, err := msg.Digest(testDomain())
	require.NoError(t, err)
	got, err := RecoverSigner(digest, sig)
	require.NoError(t, err)
	require.Equal(t, signer, got)

	raw := append([]byte(nil), sig...)
	raw[64] -= 27
	got, err = RecoverSigner(digest, raw)
	require.NoError(t, err)
	require.Equal(t, signer, got)

	_, err = RecoverSigner(digest, sig[:64])
	require.ErrorIs(t, err, ErrBadSignature)
}

func TestRecoverSignerRejectsHighS(t *testing.T) {
	key, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	msg := testMessage([20]byte(ethcrypto.PubkeyToAddress(key.PublicKey)), 0)
	sig, err := SignDelegatedListing(key, testDomain(), msg)
	require.NoError(t, err)
	digest, err := msg.Digest(testDomain())
	require.NoError(t, err)

	s := new(big.Int).SetBytes(sig[32:64])
	flipped := new(big.Int).Sub(ethcrypto.S256().Params().N, s)
	malleable := append([]byte(nil), sig...)
	copy(malleable[32:64], ethcommon.LeftPadBytes(flipped.Bytes(), 32))
	malleable[64] ^= 1

	_, err = RecoverSigner(digest, malleable)
	require.ErrorIs(t, err, ErrBadSignature)
}

func TestVerifyConsumesNonceOnlyOnSuccess(t *testing.T) {
	key, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	signer := [20]byte(ethcrypto.PubkeyToAddress(key.PublicKey))
	verifier, err := NewVerifier(testDomain())
	require.NoError(t, err)
	nonces := memNonces{}

	msg := testMessage(signer, 0)
	sig, err := SignDelegatedListing(key, testDomain(), msg)
	require.NoError(t, err)

	stranger, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	forged, err := SignDelegatedListing(stranger, testDomain(), msg)
	require.NoError(t, err)
	require.ErrorIs(t, verifier.Verify(nonces, msg, forged), ErrBadSignature)
	require.Zero(t, nonces[signer])

	ahead := testMessage(signer, 1)
	aheadSig, err := SignDelegatedListing(key, testDomain(), ahead)
	require.NoError(t, err)
	require.ErrorIs(t, verifier.Verify(nonces, ahead, aheadSig), ErrNonceMismatch)

	require.NoError(t, verifier.Verify(nonces, msg, sig))
	require.Equal(t, uint64(1), nonces[signer])
	require.ErrorIs(t, verifier.Verify(nonces, msg, sig), ErrNonceMismatch)
	require.NoError(t, verifier.Verify(nonces, ahead, aheadSig))
}

func TestVerifyRequiresDelegatedSigner(t *testing.T) {
	verifier, err := NewVerifier(testDomain())
	require.NoError(t, err)
	err = verifier.Verify(memNonces{}, testMessage(NoDelegation, 0), make([]byte, 65))
	require.ErrorIs(t, err, ErrBadSignature)
}

func TestOutcomeLabel(t *testing.T) {
	require.Equal(t, "ok", OutcomeLabel(nil))
	require.Equal(t, "release_failed", OutcomeLabel(ErrReleaseFailed))
	require.Equal(t, "nonce_mismatch", OutcomeLabel(ErrNonceMismatch))
	require.Equal(t, "internal", OutcomeLabel(errNilState))
	require.False(t, IsRetryable(ErrAlreadyConsumed))
}
