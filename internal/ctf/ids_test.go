package ctf_test

import (
	"testing"

	"github.com/alanyoungcy/ctfsettle/internal/ctf"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func TestConditionIDDependsOnEveryInput(t *testing.T) {
	oracle := common.HexToAddress("0x0a")
	q := common.HexToHash("0x01")
	base := ctf.ConditionID(oracle, q, 2)

	assert.Equal(t, base, ctf.ConditionID(oracle, q, 2))
	assert.NotEqual(t, base, ctf.ConditionID(oracle, q, 3))
	assert.NotEqual(t, base, ctf.ConditionID(common.HexToAddress("0x0b"), q, 2))
	assert.NotEqual(t, base, ctf.ConditionID(oracle, common.HexToHash("0x02"), 2))
}

func TestCollectionIDNestingOrderIndependent(t *testing.T) {
	a := ctf.ConditionID(common.HexToAddress("0x0a"), common.HexToHash("0x01"), 2)
	b := ctf.ConditionID(common.HexToAddress("0x0a"), common.HexToHash("0x02"), 3)
	one, four := uint256.NewInt(1), uint256.NewInt(4)

	ab := ctf.CollectionID(ctf.CollectionID(common.Hash{}, a, one), b, four)
	ba := ctf.CollectionID(ctf.CollectionID(common.Hash{}, b, four), a, one)
	assert.Equal(t, ab, ba)
}

func TestFullIndexSet(t *testing.T) {
	assert.Equal(t, uint64(3), ctf.FullIndexSet(2).Uint64())
	assert.Equal(t, uint64(0xff), ctf.FullIndexSet(8).Uint64())
	assert.True(t, ctf.FullIndexSet(256).Eq(new(uint256.Int).SetAllOne()))
}

func TestCollectionIDDeterministicAndDistinct(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		var cond common.Hash
		copy(cond[:], rapid.SliceOfN(rapid.Byte(), 32, 32).Draw(t, "condition"))
		x := rapid.Uint64Range(1, 1<<20).Draw(t, "x")
		y := rapid.Uint64Range(1, 1<<20).Draw(t, "y")

		first := ctf.CollectionID(common.Hash{}, cond, uint256.NewInt(x))
		again := ctf.CollectionID(common.Hash{}, cond, uint256.NewInt(x))
		if first != again {
			t.Fatalf("non-deterministic collection id")
		}
		if x != y && first == ctf.CollectionID(common.Hash{}, cond, uint256.NewInt(y)) {
			t.Fatalf("index sets %d and %d collide", x, y)
		}
	})
}
