// Package changefeed relays row changes from PostgreSQL to in-process
// subscribers and, optionally, to a message broker. The database raises one
// NOTIFY per insert, update or delete on the patient, weight_log and meal_log
// tables; the Listener decodes each payload into an Event and fans it out to
// every registered Sink.
package changefeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/samber/lo"
)

// Channel is the NOTIFY channel the migration triggers publish on.
const Channel = "dietcare_changes"

const (
	TablePatient   = "patient"
	TableWeightLog = "weight_log"
	TableMealLog   = "meal_log"
)

// Tables lists every table that raises change notifications.
var Tables = []string{TablePatient, TableWeightLog, TableMealLog}

var ErrBadPayload = errors.New("malformed change payload")

// Event is one row change.
type Event struct {
	Table      string    `json:"table"`
	Op         string    `json:"op"`
	ID         string    `json:"id"`
	PatientID  string    `json:"patient_id,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
}

// Parse decodes a NOTIFY payload.
func Parse(payload string) (Event, error) {
	var e Event
	if err := json.Unmarshal([]byte(payload), &e); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	if !lo.Contains(Tables, e.Table) {
		return Event{}, fmt.Errorf("%w: table %q", ErrBadPayload, e.Table)
	}
	if !lo.Contains([]string{"INSERT", "UPDATE", "DELETE"}, e.Op) {
		return Event{}, fmt.Errorf("%w: op %q", ErrBadPayload, e.Op)
	}
	e.ReceivedAt = time.Now().UTC()
	return e, nil
}

// Sink receives every decoded Event. Publish must not block for long; the
// listener delivers events one at a time.
type Sink interface {
	Publish(ctx context.Context, e Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, e Event) error

func (f SinkFunc) Publish(ctx context.Context, e Event) error { return f(ctx, e) }
