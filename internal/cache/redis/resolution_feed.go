package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/ctfsettle/internal/domain"
	"github.com/alanyoungcy/ctfsettle/internal/fixedpoint"
)

// ResolutionFeed implements domain.ConditionResolver over keys of the form
// resolution:<conditionId>, each holding a JSON array of decimal payout
// numerators written by the external dispute process.
type ResolutionFeed struct {
	client *Client
	rdb    *redis.Client
}

// NewResolutionFeed creates a ResolutionFeed backed by the given Client.
func NewResolutionFeed(c *Client) *ResolutionFeed {
	return &ResolutionFeed{client: c, rdb: c.Underlying()}
}

func (f *ResolutionFeed) key(id common.Hash) string {
	return f.client.Key("resolution:" + id.Hex())
}

// Outcome returns the finalized payouts for id. A missing key means the
// condition is still open.
func (f *ResolutionFeed) Outcome(ctx context.Context, id common.Hash) (bool, []*uint256.Int, error) {
	raw, err := f.rdb.Get(ctx, f.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil, nil
	}
	if err != nil {
		return false, nil, fmt.Errorf("redis: get resolution %s: %w", id.Hex(), err)
	}

	var nums []string
	if err := json.Unmarshal(raw, &nums); err != nil {
		return false, nil, fmt.Errorf("redis: decode resolution %s: %w", id.Hex(), err)
	}
	payouts := make([]*uint256.Int, len(nums))
	for i, s := range nums {
		v, err := fixedpoint.Parse(s)
		if err != nil {
			return false, nil, fmt.Errorf("redis: decode resolution %s numerator %d: %w", id.Hex(), i, err)
		}
		payouts[i] = v
	}
	return true, payouts, nil
}

// Publish records a final payout vector for id. It is what the dispute
// process calls; the settlement side only reads.
func (f *ResolutionFeed) Publish(ctx context.Context, id common.Hash, payouts []*uint256.Int) error {
	nums := make([]string, len(payouts))
	for i, p := range payouts {
		nums[i] = p.Dec()
	}
	raw, err := json.Marshal(nums)
	if err != nil {
		return fmt.Errorf("redis: encode resolution %s: %w", id.Hex(), err)
	}
	if err := f.rdb.Set(ctx, f.key(id), raw, 0).Err(); err != nil {
		return fmt.Errorf("redis: set resolution %s: %w", id.Hex(), err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.ConditionResolver = (*ResolutionFeed)(nil)
