package domain

import (
	"context"
	"time"
)

// EventKind names a committed engine state transition.
type EventKind string

const (
	EventConditionPreparation EventKind = "condition_preparation"
	EventConditionResolution  EventKind = "condition_resolution"
	EventPositionSplit        EventKind = "position_split"
	EventPositionsMerge       EventKind = "positions_merge"
	EventPayoutRedemption     EventKind = "payout_redemption"
	EventTransfer             EventKind = "transfer"
	EventOrderFilled          EventKind = "order_filled"
	EventOrdersMatched        EventKind = "orders_matched"
	EventFeeCharged           EventKind = "fee_charged"
	EventOrderCancelled       EventKind = "order_cancelled"
	EventNonceIncremented     EventKind = "nonce_incremented"
)

// Event is emitted only after the state change it describes has committed.
// Attrs carries hex identifiers and decimal amounts as strings.
type Event struct {
	ID    string            `json:"id"`
	Kind  EventKind         `json:"kind"`
	At    time.Time         `json:"at"`
	Attrs map[string]string `json:"attrs"`
}

// EventSink receives committed events.
type EventSink interface {
	Emit(ctx context.Context, ev Event) error
}

// EventJournal persists events so they can be exported later.
type EventJournal interface {
	EventSink
	ListBefore(ctx context.Context, before time.Time) ([]Event, error)
}
