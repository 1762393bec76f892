package mode

import (
	"context"
	"errors"
	"fmt"

	"github.com/makeorbreakshop/djr3x-voice-sub001/internal/bus"
	"github.com/makeorbreakshop/djr3x-voice-sub001/internal/events"
)

// txState is one of {open, committed, rolled_back} (spec §9).
type txState int

const (
	txOpen txState = iota
	txCommitted
	txRolledBack
)

// ErrInvalidTransition is returned by Commit/Rollback called twice, or in
// the wrong order, against the same TransactionContext.
var ErrInvalidTransition = errors.New("transaction: invalid state transition")

// compensatingAction is a reverse-order cleanup step run on Rollback.
type compensatingAction func(ctx context.Context)

// TransactionContext buffers a bounded set of emits and either commits them
// (they already took effect — nothing further to do) or runs compensating
// actions in reverse order on failure (spec §9 "Transactional mode change").
//
// Unlike a database transaction, emits here are not literally deferred:
// EventBus has no concept of an uncommitted emit. Instead the transaction
// records what it did as it goes (via Record) so Rollback knows how to
// compensate, and inspects EmitCollectErrors' return value to decide
// whether the transition as a whole succeeded.
type TransactionContext struct {
	b            *bus.Bus
	state        txState
	compensators []compensatingAction
}

// NewTransactionContext opens a new transaction against b.
func NewTransactionContext(b *bus.Bus) *TransactionContext {
	return &TransactionContext{b: b, state: txOpen}
}

// Record registers a compensating action to run, in reverse order relative
// to other recorded actions, if this transaction is rolled back.
func (tx *TransactionContext) Record(compensate compensatingAction) error {
	if tx.state != txOpen {
		return fmt.Errorf("%w: record on %v transaction", ErrInvalidTransition, tx.state)
	}
	tx.compensators = append(tx.compensators, compensate)
	return nil
}

// EmitChecked emits topic/payload via EmitCollectErrors and returns any
// handler errors, without itself deciding commit/rollback — the caller
// (ModeManager) decides based on which topic's peers are allowed to veto.
func (tx *TransactionContext) EmitChecked(ctx context.Context, topic events.Topic, payload events.Payload) []error {
	return tx.b.EmitCollectErrors(ctx, topic, payload)
}

// Commit marks the transaction successful. No further Record/Rollback calls
// are valid afterward.
func (tx *TransactionContext) Commit() error {
	if tx.state != txOpen {
		return fmt.Errorf("%w: commit on %v transaction", ErrInvalidTransition, tx.state)
	}
	tx.state = txCommitted
	return nil
}

// Rollback runs every recorded compensating action in reverse order, then
// marks the transaction rolled back.
func (tx *TransactionContext) Rollback(ctx context.Context) error {
	if tx.state != txOpen {
		return fmt.Errorf("%w: rollback on %v transaction", ErrInvalidTransition, tx.state)
	}
	for i := len(tx.compensators) - 1; i >= 0; i-- {
		tx.compensators[i](ctx)
	}
	tx.state = txRolledBack
	return nil
}

func (s txState) String() string {
	switch s {
	case txOpen:
		return "open"
	case txCommitted:
		return "committed"
	case txRolledBack:
		return "rolled_back"
	default:
		return "unknown"
	}
}
