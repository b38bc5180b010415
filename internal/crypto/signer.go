package crypto

import (
	"crypto/ecdsa"
	"fmt"
	"strings"

	"github.com/alanyoungcy/ctfsettle/internal/domain"
	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Signer signs orders for one exchange domain with a secp256k1 key.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
	domain     Domain
}

// NewSigner creates a Signer from a hex-encoded private key.
func NewSigner(privateKeyHex string, d Domain) (*Signer, error) {
	pk, err := ethcrypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: invalid private key: %w", err)
	}
	return NewSignerFromKey(pk, d), nil
}

// NewSignerFromKey creates a Signer from a parsed key.
func NewSignerFromKey(pk *ecdsa.PrivateKey, d Domain) *Signer {
	return &Signer{
		privateKey: pk,
		address:    ethcrypto.PubkeyToAddress(pk.PublicKey),
		domain:     d,
	}
}

// Address returns the address derived from the signer's key.
func (s *Signer) Address() common.Address {
	return s.address
}

// Domain returns the domain orders are signed under.
func (s *Signer) Domain() Domain {
	return s.domain
}

// SignOrder returns the 65-byte r ‖ s ‖ v signature of o's digest.
func (s *Signer) SignOrder(o domain.Order) ([]byte, error) {
	return s.SignDigest(s.domain.OrderDigest(o))
}

// SignDigest signs a 32-byte digest. v is returned in {27,28}.
func (s *Signer) SignDigest(digest common.Hash) ([]byte, error) {
	sig, err := ethcrypto.Sign(digest.Bytes(), s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: signing: %w", err)
	}

	// go-ethereum returns v in {0,1}; EIP-712 expects v in {27,28}.
	if sig[64] < 27 {
		sig[64] += 27
	}
	return sig, nil
}
