package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mietwerk/mietwerk/internal/platform/db"
)

// Event is one append-only audit record. Old and New snapshot the mutated
// fields before and after the transition.
type Event struct {
	Actor     string
	Entity    string
	EntityID  string
	Operation string
	Old       map[string]any
	New       map[string]any
	At        time.Time
}

// Recorder appends events to audit_events. It takes the caller's Querier so
// the event commits or rolls back together with the mutation it documents;
// there is no separate write path that could desynchronize the two.
type Recorder struct{}

// NewRecorder returns a Recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Record persists the event on the supplied transaction or pool.
func (r *Recorder) Record(ctx context.Context, q db.Querier, e Event) error {
	if e.Entity == "" || e.EntityID == "" || e.Operation == "" {
		return errors.New("audit: event requires entity, entity id and operation")
	}
	if e.Actor == "" {
		e.Actor = "system"
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}

	oldJSON, err := json.Marshal(e.Old)
	if err != nil {
		return fmt.Errorf("audit: marshal old state: %w", err)
	}
	newJSON, err := json.Marshal(e.New)
	if err != nil {
		return fmt.Errorf("audit: marshal new state: %w", err)
	}

	_, err = q.Exec(ctx, `
		INSERT INTO audit_events (actor, entity, entity_id, operation, old_state, new_state, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.Actor, e.Entity, e.EntityID, e.Operation, oldJSON, newJSON, e.At)
	if err != nil {
		return fmt.Errorf("audit: insert event: %w", err)
	}
	return nil
}
