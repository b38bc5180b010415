package ctf

import (
	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

// ConditionID derives keccak256(oracle ‖ questionID ‖ uint256(outcomeCount)).
func ConditionID(oracle common.Address, questionID common.Hash, outcomeCount int) common.Hash {
	count := uint256.NewInt(uint64(outcomeCount)).Bytes32()
	return ethcrypto.Keccak256Hash(oracle.Bytes(), questionID.Bytes(), count[:])
}

// CollectionID combines parent with the collection of indexSet under
// conditionID. The combination is addition mod 2^256, so a nested
// collection does not depend on the order its conditions were applied in.
// The zero hash is the root collection.
func CollectionID(parent, conditionID common.Hash, indexSet *uint256.Int) common.Hash {
	set := indexSet.Bytes32()
	h := ethcrypto.Keccak256Hash(conditionID.Bytes(), set[:])

	sum := new(uint256.Int).SetBytes32(h.Bytes())
	sum.Add(sum, new(uint256.Int).SetBytes32(parent.Bytes()))
	return common.Hash(sum.Bytes32())
}

// PositionID derives uint256(keccak256(collateral ‖ collectionID)).
func PositionID(collateral common.Address, collectionID common.Hash) *uint256.Int {
	h := ethcrypto.Keccak256Hash(collateral.Bytes(), collectionID.Bytes())
	return new(uint256.Int).SetBytes32(h.Bytes())
}

// FullIndexSet returns the mask with one bit per outcome slot.
func FullIndexSet(outcomeCount int) *uint256.Int {
	if outcomeCount >= 256 {
		return new(uint256.Int).SetAllOne()
	}
	full := new(uint256.Int).Lsh(uint256.NewInt(1), uint(outcomeCount))
	return full.Sub(full, uint256.NewInt(1))
}
