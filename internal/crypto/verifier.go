package crypto

import (
	"fmt"
	"math/big"
	"sync"

	"github.com/alanyoungcy/ctfsettle/internal/domain"
	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// SignatureVerifier recovers the address that produced sig over digest.
// Any malformed signature is an error, never a fallback address.
type SignatureVerifier interface {
	Recover(digest common.Hash, sig []byte) (common.Address, error)
}

// ECDSAVerifier recovers plain secp256k1 key signatures.
type ECDSAVerifier struct{}

// Recover accepts 65-byte signatures with v in {0,1,27,28} and a low s.
func (ECDSAVerifier) Recover(digest common.Hash, sig []byte) (common.Address, error) {
	if len(sig) != ethcrypto.SignatureLength {
		return common.Address{}, fmt.Errorf("signature length %d: %w", len(sig), domain.ErrInvalidSignature)
	}
	normalized := make([]byte, len(sig))
	copy(normalized, sig)
	if normalized[64] >= 27 {
		normalized[64] -= 27
	}
	v := normalized[64]
	r := new(big.Int).SetBytes(normalized[:32])
	s := new(big.Int).SetBytes(normalized[32:64])
	if v > 1 || !ethcrypto.ValidateSignatureValues(v, r, s, true) {
		return common.Address{}, fmt.Errorf("malformed signature values: %w", domain.ErrInvalidSignature)
	}

	pub, err := ethcrypto.SigToPub(digest.Bytes(), normalized)
	if err != nil {
		return common.Address{}, fmt.Errorf("recover: %v: %w", err, domain.ErrInvalidSignature)
	}
	return ethcrypto.PubkeyToAddress(*pub), nil
}

// SchemeVerifier hashes orders under one domain and recovers their signer
// with the verifier registered for each order's signature type.
type SchemeVerifier struct {
	domain Domain

	mu      sync.RWMutex
	schemes map[domain.SignatureType]SignatureVerifier
}

// NewSchemeVerifier returns a verifier with the EOA scheme registered.
func NewSchemeVerifier(d Domain) *SchemeVerifier {
	return &SchemeVerifier{
		domain: d,
		schemes: map[domain.SignatureType]SignatureVerifier{
			domain.SignatureEOA: ECDSAVerifier{},
		},
	}
}

// Register installs sv for signature type t, replacing any previous one.
func (v *SchemeVerifier) Register(t domain.SignatureType, sv SignatureVerifier) {
	v.mu.Lock()
	v.schemes[t] = sv
	v.mu.Unlock()
}

// Domain returns the signing domain.
func (v *SchemeVerifier) Domain() Domain { return v.domain }

// OrderHash returns the digest that keys o's fill state.
func (v *SchemeVerifier) OrderHash(o domain.Order) common.Hash {
	return v.domain.OrderDigest(o)
}

// RecoverSigner recovers the address that signed o.
func (v *SchemeVerifier) RecoverSigner(o domain.Order, sig []byte) (common.Address, error) {
	v.mu.RLock()
	sv, ok := v.schemes[o.SignatureType]
	v.mu.RUnlock()
	if !ok {
		return common.Address{}, fmt.Errorf("unsupported signature type %d: %w", o.SignatureType, domain.ErrInvalidSignature)
	}
	return sv.Recover(v.OrderHash(o), sig)
}
