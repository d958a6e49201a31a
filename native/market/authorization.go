package market

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/holiman/uint256"
)

const (
	// DelegatedListingType is the EIP-712 primary type signed by sellers.
	DelegatedListingType = "DelegatedListing"

	signatureLength = 65
)

var typedDataTypes = apitypes.Types{
	"EIP712Domain": {
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	},
	DelegatedListingType: {
		{Name: "asset", Type: "address"},
		{Name: "amount", Type: "uint256"},
		{Name: "price", Type: "uint256"},
		{Name: "nonce", Type: "uint256"},
		{Name: "signer", Type: "address"},
	},
}

// Domain binds signatures to one marketplace instance. VerifyingContract is
// the engine's own identity; ChainID distinguishes deployments.
type Domain struct {
	Name              string
	Version           string
	ChainID           uint64
	VerifyingContract [20]byte
}

// Validate rejects domains that would make signatures replayable across
// instances.
func (d Domain) Validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return fmt.Errorf("market domain: name required")
	}
	if strings.TrimSpace(d.Version) == "" {
		return fmt.Errorf("market domain: version required")
	}
	if d.VerifyingContract == ([20]byte{}) {
		return fmt.Errorf("market domain: verifying contract required")
	}
	return nil
}

func (d Domain) typedDomain() apitypes.TypedDataDomain {
	return apitypes.TypedDataDomain{
		Name:              d.Name,
		Version:           d.Version,
		ChainId:           (*math.HexOrDecimal256)(new(big.Int).SetUint64(d.ChainID)),
		VerifyingContract: ethcommon.Address(d.VerifyingContract).Hex(),
	}
}

// Separator returns the EIP-712 domain separator hash.
func (d Domain) Separator() ([]byte, error) {
	td := apitypes.TypedData{Types: typedDataTypes, Domain: d.typedDomain()}
	sep, err := td.HashStruct("EIP712Domain", td.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("market domain: hash separator: %w", err)
	}
	return sep, nil
}

// DelegatedListing is the message a seller signs off-system to let a third
// party submit a listing on their behalf.
type DelegatedListing struct {
	Asset  [20]byte
	Amount *uint256.Int
	Price  *uint256.Int
	Nonce  uint64
	Signer [20]byte
}

// TypedData renders the message in the canonical EIP-712 structure used by
// wallets for eth_signTypedData_v4.
func (m DelegatedListing) TypedData(domain Domain) apitypes.TypedData {
	return apitypes.TypedData{
		Types:       typedDataTypes,
		PrimaryType: DelegatedListingType,
		Domain:      domain.typedDomain(),
		Message: apitypes.TypedDataMessage{
			"asset":  ethcommon.Address(m.Asset).Hex(),
			"amount": cloneUint(m.Amount).Dec(),
			"price":  cloneUint(m.Price).Dec(),
			"nonce":  strconv.FormatUint(m.Nonce, 10),
			"signer": ethcommon.Address(m.Signer).Hex(),
		},
	}
}

// Digest returns keccak256("\x19\x01" || domainSeparator || hashStruct(message)).
func (m DelegatedListing) Digest(domain Domain) ([]byte, error) {
	hash, _, err := apitypes.TypedDataAndHash(m.TypedData(domain))
	if err != nil {
		return nil, fmt.Errorf("market: encode delegated listing: %w", err)
	}
	return hash, nil
}

// SignDelegatedListing produces a 65-byte [R || S || V] signature with V in
// {27, 28}, matching what wallets return for typed-data signing.
func SignDelegatedListing(key *ecdsa.PrivateKey, domain Domain, msg DelegatedListing) ([]byte, error) {
	if key == nil {
		return nil, fmt.Errorf("market: nil signing key")
	}
	digest, err := msg.Digest(domain)
	if err != nil {
		return nil, err
	}
	sig, err := ethcrypto.Sign(digest, key)
	if err != nil {
		return nil, fmt.Errorf("market: sign delegated listing: %w", err)
	}
	sig[64] += 27
	return sig, nil
}

// RecoverSigner returns the identity that produced sig over digest. Malformed
// or malleable (high-S) signatures fail with ErrBadSignature.
func RecoverSigner(digest, sig []byte) ([20]byte, error) {
	if len(sig) != signatureLength {
		return [20]byte{}, fmt.Errorf("%w: signature must be %d bytes", ErrBadSignature, signatureLength)
	}
	normalized := make([]byte, signatureLength)
	copy(normalized, sig)
	if normalized[64] >= 27 {
		normalized[64] -= 27
	}
	r := new(big.Int).SetBytes(normalized[:32])
	s := new(big.Int).SetBytes(normalized[32:64])
	if !ethcrypto.ValidateSignatureValues(normalized[64], r, s, true) {
		return [20]byte{}, fmt.Errorf("%w: invalid signature values", ErrBadSignature)
	}
	pub, err := ethcrypto.SigToPub(digest, normalized)
	if err != nil {
		return [20]byte{}, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	return ethcrypto.PubkeyToAddress(*pub), nil
}

// Verifier authenticates delegated listing requests for a single domain.
type Verifier struct {
	domain Domain
}

// NewVerifier binds a verifier to the supplied domain parameters.
func NewVerifier(domain Domain) (*Verifier, error) {
	if err := domain.Validate(); err != nil {
		return nil, err
	}
	return &Verifier{domain: domain}, nil
}

// Domain returns the parameters signatures are bound to.
func (v *Verifier) Domain() Domain { return v.domain }

// Verify checks the embedded nonce against the signer's counter, recovers the
// signer from the typed-data digest and, when everything matches, consumes the
// nonce through store. The caller owns the transaction, so the consumption is
// undone if the enclosing operation is discarded.
func (v *Verifier) Verify(store nonceStore, msg DelegatedListing, sig []byte) error {
	if v == nil {
		return fmt.Errorf("market: verifier not configured")
	}
	if msg.Signer == NoDelegation {
		return fmt.Errorf("%w: delegated signer required", ErrBadSignature)
	}
	current, err := store.Nonce(msg.Signer)
	if err != nil {
		return err
	}
	if msg.Nonce != current {
		return fmt.Errorf("%w: expected %d, got %d", ErrNonceMismatch, current, msg.Nonce)
	}
	digest, err := msg.Digest(v.domain)
	if err != nil {
		return err
	}
	recovered, err := RecoverSigner(digest, sig)
	if err != nil {
		return err
	}
	if recovered != msg.Signer {
		return fmt.Errorf("%w: recovered %s", ErrBadSignature, ethcommon.Address(recovered).Hex())
	}
	return store.ConsumeNonce(msg.Signer, msg.Nonce)
}
