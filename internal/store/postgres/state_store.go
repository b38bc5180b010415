package postgres

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/ctfsettle/internal/domain"
	"github.com/alanyoungcy/ctfsettle/internal/fixedpoint"
)

// StateStore implements domain.StateStore using PostgreSQL. Every Commit is
// a single transaction.
type StateStore struct {
	pool *pgxpool.Pool
}

var _ domain.StateStore = (*StateStore)(nil)

// NewStateStore creates a new StateStore backed by the given connection pool.
func NewStateStore(pool *pgxpool.Pool) *StateStore {
	return &StateStore{pool: pool}
}

// GetCondition returns the condition with the given id, or domain.ErrNotFound.
func (s *StateStore) GetCondition(ctx context.Context, id common.Hash) (domain.Condition, error) {
	const query = `
		SELECT condition_id, oracle, question_id, outcome_count, payouts
		FROM conditions WHERE condition_id = $1`

	c, err := scanCondition(s.pool.QueryRow(ctx, query, id.Bytes()))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Condition{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Condition{}, fmt.Errorf("postgres: get condition %s: %w", id.Hex(), err)
	}
	return c, nil
}

// ListUnresolved returns the oracle's conditions that have no payouts yet.
func (s *StateStore) ListUnresolved(ctx context.Context, oracle common.Address) ([]domain.Condition, error) {
	const query = `
		SELECT condition_id, oracle, question_id, outcome_count, payouts
		FROM conditions
		WHERE oracle = $1 AND payouts IS NULL
		ORDER BY condition_id`

	rows, err := s.pool.Query(ctx, query, oracle.Bytes())
	if err != nil {
		return nil, fmt.Errorf("postgres: list unresolved conditions: %w", err)
	}
	defer rows.Close()

	var out []domain.Condition
	for rows.Next() {
		c, err := scanCondition(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan condition: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list unresolved conditions rows: %w", err)
	}
	return out, nil
}

// BalanceOf returns holder's balance of position; missing rows read as zero.
func (s *StateStore) BalanceOf(ctx context.Context, position *uint256.Int, holder common.Address) (*uint256.Int, error) {
	const query = `SELECT amount::text FROM balances WHERE position_id = $1 AND holder = $2`

	pos := position.Bytes32()
	amount, err := scanAmount(s.pool.QueryRow(ctx, query, pos[:], holder.Bytes()))
	if err != nil {
		return nil, fmt.Errorf("postgres: balance of %s: %w", holder.Hex(), err)
	}
	return amount, nil
}

// OrderState returns the fill state of an order hash; unknown hashes are open.
func (s *StateStore) OrderState(ctx context.Context, hash common.Hash) (domain.OrderState, error) {
	const query = `SELECT filled::text, cancelled FROM order_states WHERE order_hash = $1`

	var (
		filled    string
		cancelled bool
	)
	err := s.pool.QueryRow(ctx, query, hash.Bytes()).Scan(&filled, &cancelled)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.OrderState{Filled: new(uint256.Int)}, nil
	}
	if err != nil {
		return domain.OrderState{}, fmt.Errorf("postgres: order state %s: %w", hash.Hex(), err)
	}
	amount, err := fixedpoint.Parse(filled)
	if err != nil {
		return domain.OrderState{}, fmt.Errorf("postgres: order state %s: parse filled: %w", hash.Hex(), err)
	}
	return domain.OrderState{Filled: amount, Cancelled: cancelled}, nil
}

// NonceOf returns the maker's current nonce, zero if never bumped.
func (s *StateStore) NonceOf(ctx context.Context, maker common.Address) (*uint256.Int, error) {
	const query = `SELECT nonce::text FROM nonces WHERE maker = $1`

	n, err := scanAmount(s.pool.QueryRow(ctx, query, maker.Bytes()))
	if err != nil {
		return nil, fmt.Errorf("postgres: nonce of %s: %w", maker.Hex(), err)
	}
	return n, nil
}

// Commit writes every post-image in cs inside one SERIALIZABLE transaction,
// retried on serialization failure. Keys are written in sorted order so
// concurrent commits lock rows consistently.
func (s *StateStore) Commit(ctx context.Context, cs domain.ChangeSet) error {
	if cs.Empty() {
		return nil
	}

	err := serializable(ctx, s.pool, func(tx pgx.Tx) error {
		batch := changeSetBatch(cs)
		br := tx.SendBatch(ctx, batch)
		for i := 0; i < batch.Len(); i++ {
			if _, err := br.Exec(); err != nil {
				_ = br.Close()
				return fmt.Errorf("statement %d: %w", i, err)
			}
		}
		return br.Close()
	})
	if err != nil {
		return fmt.Errorf("postgres: commit changeset: %w", err)
	}
	return nil
}

func changeSetBatch(cs domain.ChangeSet) *pgx.Batch {
	batch := &pgx.Batch{}
	queueConditions(batch, cs.Conditions)
	queueBalances(batch, cs.Balances)
	queueOrderStates(batch, cs.OrderStates)
	queueNonces(batch, cs.Nonces)
	return batch
}

func queueConditions(batch *pgx.Batch, conds map[common.Hash]domain.Condition) {
	const query = `
		INSERT INTO conditions (condition_id, oracle, question_id, outcome_count, payouts, resolved_at)
		VALUES ($1, $2, $3, $4, $5, CASE WHEN $5::text[] IS NULL THEN NULL ELSE NOW() END)
		ON CONFLICT (condition_id) DO UPDATE SET
			payouts     = EXCLUDED.payouts,
			resolved_at = EXCLUDED.resolved_at`

	ids := make([]common.Hash, 0, len(conds))
	for id := range conds {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].Cmp(ids[j]) < 0 })

	for _, id := range ids {
		c := conds[id]
		batch.Queue(query, id.Bytes(), c.Oracle.Bytes(), c.QuestionID.Bytes(), c.OutcomeCount, payoutStrings(c.Payouts))
	}
}

func queueBalances(batch *pgx.Batch, balances map[domain.BalanceKey]*uint256.Int) {
	const (
		upsert = `
			INSERT INTO balances (position_id, holder, amount)
			VALUES ($1, $2, $3::text::numeric)
			ON CONFLICT (position_id, holder) DO UPDATE SET
				amount     = EXCLUDED.amount,
				updated_at = NOW()`
		remove = `DELETE FROM balances WHERE position_id = $1 AND holder = $2`
	)

	keys := make([]domain.BalanceKey, 0, len(balances))
	for k := range balances {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if c := keys[i].Position.Cmp(&keys[j].Position); c != 0 {
			return c < 0
		}
		return keys[i].Holder.Cmp(keys[j].Holder) < 0
	})

	for _, k := range keys {
		pos := k.Position.Bytes32()
		v := balances[k]
		if v == nil || v.IsZero() {
			batch.Queue(remove, pos[:], k.Holder.Bytes())
			continue
		}
		batch.Queue(upsert, pos[:], k.Holder.Bytes(), v.Dec())
	}
}

func queueOrderStates(batch *pgx.Batch, states map[common.Hash]domain.OrderState) {
	const query = `
		INSERT INTO order_states (order_hash, filled, cancelled)
		VALUES ($1, $2::text::numeric, $3)
		ON CONFLICT (order_hash) DO UPDATE SET
			filled     = EXCLUDED.filled,
			cancelled  = EXCLUDED.cancelled,
			updated_at = NOW()`

	hashes := make([]common.Hash, 0, len(states))
	for h := range states {
		hashes = append(hashes, h)
	}
	sort.Slice(hashes, func(i, j int) bool { return hashes[i].Cmp(hashes[j]) < 0 })

	for _, h := range hashes {
		st := states[h]
		batch.Queue(query, h.Bytes(), st.FilledOrZero().Dec(), st.Cancelled)
	}
}

func queueNonces(batch *pgx.Batch, nonces map[common.Address]*uint256.Int) {
	const query = `
		INSERT INTO nonces (maker, nonce)
		VALUES ($1, $2::text::numeric)
		ON CONFLICT (maker) DO UPDATE SET
			nonce      = EXCLUDED.nonce,
			updated_at = NOW()`

	makers := make([]common.Address, 0, len(nonces))
	for m := range nonces {
		makers = append(makers, m)
	}
	sort.Slice(makers, func(i, j int) bool { return makers[i].Cmp(makers[j]) < 0 })

	for _, m := range makers {
		n := nonces[m]
		if n == nil {
			n = new(uint256.Int)
		}
		batch.Queue(query, m.Bytes(), n.Dec())
	}
}

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

func scanCondition(row pgx.Row) (domain.Condition, error) {
	var (
		id, oracle, question []byte
		count                int
		payouts              []string
	)
	if err := row.Scan(&id, &oracle, &question, &count, &payouts); err != nil {
		return domain.Condition{}, err
	}

	c := domain.Condition{
		ID:           common.BytesToHash(id),
		Oracle:       common.BytesToAddress(oracle),
		QuestionID:   common.BytesToHash(question),
		OutcomeCount: count,
	}
	if payouts != nil {
		c.Payouts = make([]*uint256.Int, len(payouts))
		for i, p := range payouts {
			v, err := fixedpoint.Parse(p)
			if err != nil {
				return domain.Condition{}, fmt.Errorf("parse payout %d: %w", i, err)
			}
			c.Payouts[i] = v
		}
	}
	return c, nil
}

// scanAmount reads a single NUMERIC-as-text column; no row reads as zero.
func scanAmount(row pgx.Row) (*uint256.Int, error) {
	var s string
	err := row.Scan(&s)
	if errors.Is(err, pgx.ErrNoRows) {
		return new(uint256.Int), nil
	}
	if err != nil {
		return nil, err
	}
	v, err := fixedpoint.Parse(s)
	if err != nil {
		return nil, fmt.Errorf("parse amount %q: %w", s, err)
	}
	return v, nil
}

func payoutStrings(payouts []*uint256.Int) []string {
	if len(payouts) == 0 {
		return nil
	}
	out := make([]string, len(payouts))
	for i, p := range payouts {
		out[i] = p.Dec()
	}
	return out
}
