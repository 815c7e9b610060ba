package model

import (
	"time"

	"github.com/google/uuid"
)

// Outcome is the lifecycle state of an UpdateTransaction
type Outcome string

const (
	OutcomePending    Outcome = "pending"
	OutcomeCommitted  Outcome = "committed"
	OutcomeRolledBack Outcome = "rolled_back"
	// OutcomeAborted is reached only by a queued request whose store access
	// failed when it was dequeued. Nothing was written.
	OutcomeAborted Outcome = "aborted"
)

// Terminal reports whether the outcome is final
func (o Outcome) Terminal() bool {
	return o == OutcomeCommitted || o == OutcomeRolledBack || o == OutcomeAborted
}

// UpdateTransaction tracks one optimistic change of a single flag
type UpdateTransaction struct {
	ID        string
	Key       string
	OldValue  bool
	NewValue  bool
	Outcome   Outcome
	CreatedAt time.Time
}

// NewUpdateTransaction creates a pending transaction for key
func NewUpdateTransaction(key string, oldValue, newValue bool) *UpdateTransaction {
	return &UpdateTransaction{
		ID:        uuid.New().String(),
		Key:       key,
		OldValue:  oldValue,
		NewValue:  newValue,
		Outcome:   OutcomePending,
		CreatedAt: time.Now(),
	}
}

// Commit moves a pending transaction to committed
func (t *UpdateTransaction) Commit() {
	if t.Outcome == OutcomePending {
		t.Outcome = OutcomeCommitted
	}
}

// RollBack moves a pending transaction to rolled back
func (t *UpdateTransaction) RollBack() {
	if t.Outcome == OutcomePending {
		t.Outcome = OutcomeRolledBack
	}
}

// Abort moves a pending transaction to aborted
func (t *UpdateTransaction) Abort() {
	if t.Outcome == OutcomePending {
		t.Outcome = OutcomeAborted
	}
}

// FinalValue is the value the store holds once the transaction is terminal
func (t *UpdateTransaction) FinalValue() bool {
	if t.Outcome == OutcomeCommitted {
		return t.NewValue
	}
	return t.OldValue
}

// Result is what an observer receives when a transaction finishes
type Result struct {
	TransactionID string  `json:"transaction_id"`
	Key           string  `json:"key"`
	Value         bool    `json:"value"`
	Outcome       Outcome `json:"outcome"`
	Err           error   `json:"-"`
}

// Reason returns the failure reason, or "" when the change went through
func (r Result) Reason() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}

// ResultOf builds the observer result for a terminal transaction
func ResultOf(t *UpdateTransaction, err error) Result {
	return Result{
		TransactionID: t.ID,
		Key:           t.Key,
		Value:         t.FinalValue(),
		Outcome:       t.Outcome,
		Err:           err,
	}
}
