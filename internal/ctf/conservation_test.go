package ctf_test

import (
	"context"
	"testing"

	"github.com/alanyoungcy/ctfsettle/internal/ctf"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"pgregory.net/rapid"
)

// Valid partitions of a three-outcome condition, complete and partial.
var partitions3 = [][]uint64{
	{1, 2, 4}, {1, 6}, {2, 5}, {3, 4}, {1, 2}, {2, 4}, {1, 4},
}

// For every outcome slot, the root-level claims covering it must add up to
// the collateral in custody.
func checkSlotsCovered(t *rapid.T, h *harness, cond common.Hash, holders []common.Address) {
	ctx := context.Background()
	custody := h.vault.Custody()
	for slot := 0; slot < 3; slot++ {
		total := new(uint256.Int)
		for set := uint64(1); set < 7; set++ {
			if set&(1<<slot) == 0 {
				continue
			}
			pos := ctf.PositionID(usdc, ctf.CollectionID(root, cond, uint256.NewInt(set)))
			for _, holder := range holders {
				bal, err := h.eng.BalanceOf(ctx, pos, holder)
				if err != nil {
					t.Fatalf("balance: %v", err)
				}
				total.Add(total, bal)
			}
		}
		if !total.Eq(custody) {
			t.Fatalf("slot %d: claims %s, custody %s", slot, total.Dec(), custody.Dec())
		}
	}
}

func TestConservationUnderRandomOperations(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		ctx := context.Background()
		h := newHarness(t)
		holders := []common.Address{alice, bob}
		for _, holder := range holders {
			if err := h.vault.Deposit(holder, uint256.NewInt(1_000)); err != nil {
				t.Fatalf("deposit: %v", err)
			}
		}
		cond := h.prepare(t, "0x33", 3)

		steps := rapid.IntRange(1, 40).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			who := holders[rapid.IntRange(0, 1).Draw(t, "who")]
			part := sets(partitions3[rapid.IntRange(0, len(partitions3)-1).Draw(t, "partition")]...)
			amount := uint256.NewInt(rapid.Uint64Range(1, 300).Draw(t, "amount"))

			// Rejected operations are expected; the invariant must hold regardless.
			switch rapid.IntRange(0, 2).Draw(t, "op") {
			case 0:
				_ = h.eng.SplitPosition(ctx, who, usdc, root, cond, part, amount)
			case 1:
				_ = h.eng.MergePositions(ctx, who, usdc, root, cond, part, amount)
			case 2:
				set := uint256.NewInt(rapid.Uint64Range(1, 6).Draw(t, "set"))
				pos := ctf.PositionID(usdc, ctf.CollectionID(root, cond, set))
				_ = h.eng.Transfer(ctx, who, holders[0], pos, amount)
			}
			checkSlotsCovered(t, h, cond, holders)
		}

		// Redeeming every claim after resolution never pays more than custody.
		if err := h.eng.ReportPayouts(ctx, oracle, oracle, common.HexToHash("0x33"), sets(2, 1, 1)); err != nil {
			t.Fatalf("report: %v", err)
		}
		for _, holder := range holders {
			if _, err := h.eng.RedeemPositions(ctx, holder, usdc, root, cond, sets(1, 2, 3, 4, 5, 6)); err != nil {
				t.Fatalf("redeem: %v", err)
			}
		}
		if len(h.store.Holdings()) != 0 {
			t.Fatalf("claims left after full redemption")
		}
		paidOut := new(uint256.Int)
		for _, holder := range holders {
			bal, _ := h.vault.BalanceOf(ctx, holder)
			paidOut.Add(paidOut, bal)
		}
		if !new(uint256.Int).Add(paidOut, h.vault.Custody()).Eq(uint256.NewInt(2_000)) {
			t.Fatalf("collateral not conserved")
		}
	})
}
