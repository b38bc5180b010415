package crypto

import (
	"strconv"

	"github.com/alanyoungcy/ctfsettle/internal/domain"
	"github.com/ethereum/go-ethereum/common"
	ethmath "github.com/ethereum/go-ethereum/common/math"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/holiman/uint256"
)

var (
	// EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)
	eip712DomainTypeHash = ethcrypto.Keccak256(
		[]byte("EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)"),
	)

	// Order(uint256 salt,address maker,address signer,address taker,uint256 tokenId,uint256 makerAmount,uint256 takerAmount,uint256 expiration,uint256 nonce,uint256 feeRateBps,uint8 side,uint8 signatureType)
	orderTypeHash = ethcrypto.Keccak256(
		[]byte("Order(uint256 salt,address maker,address signer,address taker,uint256 tokenId,uint256 makerAmount,uint256 takerAmount,uint256 expiration,uint256 nonce,uint256 feeRateBps,uint8 side,uint8 signatureType)"),
	)
)

// Domain scopes order signatures to one exchange deployment.
type Domain struct {
	Name              string
	Version           string
	ChainID           uint64
	VerifyingContract common.Address
}

// Separator returns keccak256(abi.encode(typeHash, nameHash, versionHash, chainId, verifyingContract)).
func (d Domain) Separator() common.Hash {
	return ethcrypto.Keccak256Hash(
		eip712DomainTypeHash,
		ethcrypto.Keccak256([]byte(d.Name)),
		ethcrypto.Keccak256([]byte(d.Version)),
		word(uint256.NewInt(d.ChainID)),
		common.LeftPadBytes(d.VerifyingContract.Bytes(), 32),
	)
}

// OrderDigest returns the EIP-712 digest of o under d. It doubles as the
// order hash keying fill state.
func (d Domain) OrderDigest(o domain.Order) common.Hash {
	return eip712Hash(d.Separator(), OrderStructHash(o))
}

// OrderStructHash encodes and hashes o according to EIP-712.
func OrderStructHash(o domain.Order) common.Hash {
	return ethcrypto.Keccak256Hash(
		orderTypeHash,
		word(o.Salt),
		common.LeftPadBytes(o.Maker.Bytes(), 32),
		common.LeftPadBytes(o.Signer.Bytes(), 32),
		common.LeftPadBytes(o.Taker.Bytes(), 32),
		word(o.TokenID),
		word(o.MakerAmount),
		word(o.TakerAmount),
		word(uint256.NewInt(o.Expiration)),
		word(o.Nonce),
		word(uint256.NewInt(o.FeeRateBps)),
		word(uint256.NewInt(uint64(o.Side))),
		word(uint256.NewInt(uint64(o.SignatureType))),
	)
}

// OrderTypedData renders o as an eth_signTypedData_v4 payload, the form
// external wallets sign.
func (d Domain) OrderTypedData(o domain.Order) apitypes.TypedData {
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"Order": {
				{Name: "salt", Type: "uint256"},
				{Name: "maker", Type: "address"},
				{Name: "signer", Type: "address"},
				{Name: "taker", Type: "address"},
				{Name: "tokenId", Type: "uint256"},
				{Name: "makerAmount", Type: "uint256"},
				{Name: "takerAmount", Type: "uint256"},
				{Name: "expiration", Type: "uint256"},
				{Name: "nonce", Type: "uint256"},
				{Name: "feeRateBps", Type: "uint256"},
				{Name: "side", Type: "uint8"},
				{Name: "signatureType", Type: "uint8"},
			},
		},
		PrimaryType: "Order",
		Domain: apitypes.TypedDataDomain{
			Name:              d.Name,
			Version:           d.Version,
			ChainId:           ethmath.NewHexOrDecimal256(int64(d.ChainID)),
			VerifyingContract: d.VerifyingContract.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"salt":          dec(o.Salt),
			"maker":         o.Maker.Hex(),
			"signer":        o.Signer.Hex(),
			"taker":         o.Taker.Hex(),
			"tokenId":       dec(o.TokenID),
			"makerAmount":   dec(o.MakerAmount),
			"takerAmount":   dec(o.TakerAmount),
			"expiration":    strconv.FormatUint(o.Expiration, 10),
			"nonce":         dec(o.Nonce),
			"feeRateBps":    strconv.FormatUint(o.FeeRateBps, 10),
			"side":          strconv.Itoa(int(o.Side)),
			"signatureType": strconv.Itoa(int(o.SignatureType)),
		},
	}
}

// eip712Hash computes the final EIP-712 digest:
//
//	keccak256("\x19\x01" || domainSeparator || structHash)
func eip712Hash(domainSep, structHash common.Hash) common.Hash {
	return ethcrypto.Keccak256Hash([]byte{0x19, 0x01}, domainSep.Bytes(), structHash.Bytes())
}

// word returns the 32-byte big-endian encoding of v; nil encodes as zero.
func word(v *uint256.Int) []byte {
	if v == nil {
		return make([]byte, 32)
	}
	b := v.Bytes32()
	return b[:]
}

func dec(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}
