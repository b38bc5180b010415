package crypto_test

import (
	"path/filepath"
	"testing"

	"github.com/alanyoungcy/ctfsettle/internal/crypto"
	"github.com/alanyoungcy/ctfsettle/internal/domain"
	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testDomain = crypto.Domain{
	Name:              "CTF Exchange",
	Version:           "1",
	ChainID:           137,
	VerifyingContract: common.HexToAddress("0x4bFb41d5B3570DeFd03C39a9A4D8dE6Bd8B8982E"),
}

func testOrder(maker common.Address) domain.Order {
	return domain.Order{
		Salt:          uint256.NewInt(12345),
		Maker:         maker,
		Signer:        maker,
		TokenID:       uint256.NewInt(777),
		MakerAmount:   uint256.NewInt(1_000_000),
		TakerAmount:   uint256.NewInt(2_000_000),
		Expiration:    1_900_000_000,
		Nonce:         uint256.NewInt(0),
		FeeRateBps:    30,
		Side:          domain.SideBuy,
		SignatureType: domain.SignatureEOA,
	}
}

func TestOrderDigestMatchesTypedDataEncoder(t *testing.T) {
	o := testOrder(common.HexToAddress("0x00000000000000000000000000000000000000aa"))
	want, _, err := apitypes.TypedDataAndHash(testDomain.OrderTypedData(o))
	require.NoError(t, err)
	assert.Equal(t, common.BytesToHash(want), testDomain.OrderDigest(o))
}

func TestDigestChangesWithEveryField(t *testing.T) {
	base := testOrder(common.HexToAddress("0xaa"))
	h := testDomain.OrderDigest(base)

	mutated := base
	mutated.FeeRateBps = 31
	assert.NotEqual(t, h, testDomain.OrderDigest(mutated))

	mutated = base
	mutated.Side = domain.SideSell
	assert.NotEqual(t, h, testDomain.OrderDigest(mutated))

	other := testDomain
	other.ChainID = 80002
	assert.NotEqual(t, h, other.OrderDigest(base))
}

func TestSignAndRecover(t *testing.T) {
	pk, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	signer := crypto.NewSignerFromKey(pk, testDomain)
	o := testOrder(signer.Address())

	sig, err := signer.SignOrder(o)
	require.NoError(t, err)
	require.Len(t, sig, 65)
	assert.Contains(t, []byte{27, 28}, sig[64])

	v := crypto.NewSchemeVerifier(testDomain)
	got, err := v.RecoverSigner(o, sig)
	require.NoError(t, err)
	assert.Equal(t, signer.Address(), got)

	// A signature over a different order recovers a different address.
	o2 := o
	o2.MakerAmount = uint256.NewInt(1)
	got, err = v.RecoverSigner(o2, sig)
	require.NoError(t, err)
	assert.NotEqual(t, signer.Address(), got)
}

func TestRecoverRejectsMalformed(t *testing.T) {
	pk, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	signer := crypto.NewSignerFromKey(pk, testDomain)
	o := testOrder(signer.Address())
	sig, err := signer.SignOrder(o)
	require.NoError(t, err)
	v := crypto.NewSchemeVerifier(testDomain)

	_, err = v.RecoverSigner(o, sig[:64])
	require.ErrorIs(t, err, domain.ErrInvalidSignature)

	bad := append([]byte(nil), sig...)
	bad[64] = 30
	_, err = v.RecoverSigner(o, bad)
	require.ErrorIs(t, err, domain.ErrInvalidSignature)

	// high-s form of the same signature
	secpN, _ := uint256.FromHex("0xfffffffffffffffffffffffffffffffebaaedce6af48a03bbfd25e8cd0364141")
	s := new(uint256.Int).SetBytes(sig[32:64])
	highS := new(uint256.Int).Sub(secpN, s).Bytes32()
	malleable := append([]byte(nil), sig...)
	copy(malleable[32:64], highS[:])
	malleable[64] ^= 1
	_, err = v.RecoverSigner(o, malleable)
	require.ErrorIs(t, err, domain.ErrInvalidSignature)

	o.SignatureType = 2
	_, err = v.RecoverSigner(o, sig)
	require.ErrorIs(t, err, domain.ErrInvalidSignature)
}

type fixedScheme struct{ addr common.Address }

func (f fixedScheme) Recover(common.Hash, []byte) (common.Address, error) { return f.addr, nil }

func TestRegisterScheme(t *testing.T) {
	wallet := common.HexToAddress("0x5afe")
	v := crypto.NewSchemeVerifier(testDomain)
	v.Register(2, fixedScheme{wallet})

	o := testOrder(wallet)
	o.SignatureType = 2
	got, err := v.RecoverSigner(o, []byte{0x01})
	require.NoError(t, err)
	assert.Equal(t, wallet, got)
}

func TestKeyFileRoundTrip(t *testing.T) {
	pk, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "operator.json")
	require.NoError(t, crypto.WriteKeyFile(path, pk, "hunter2"))

	loaded, err := crypto.LoadKey(crypto.KeyConfig{EncryptedKeyPath: path, KeyPassword: "hunter2"})
	require.NoError(t, err)
	assert.Equal(t, ethcrypto.PubkeyToAddress(pk.PublicKey), ethcrypto.PubkeyToAddress(loaded.PublicKey))

	_, err = crypto.LoadKey(crypto.KeyConfig{EncryptedKeyPath: path, KeyPassword: "wrong"})
	require.Error(t, err)

	_, err = crypto.LoadKey(crypto.KeyConfig{})
	require.Error(t, err)
}
