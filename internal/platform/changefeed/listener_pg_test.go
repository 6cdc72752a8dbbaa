package changefeed

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/dietcare/dietcare/internal/platform/db/dbtest"
)

func TestMain(m *testing.M) {
	os.Exit(dbtest.Run(m))
}

func (s *recordingSink) find(table, op, id string) (Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.events {
		if e.Table == table && e.Op == op && e.ID == id {
			return e, true
		}
	}
	return Event{}, false
}

func TestListener_ReceivesTriggerNotifications(t *testing.T) {
	pool := dbtest.Pool(t)
	dbtest.Reset(t, pool)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sink := &recordingSink{}
	done := make(chan error, 1)
	go func() { done <- NewListener(pool, zerolog.Nop(), sink).Run(ctx) }()

	var patientID string
	err := pool.QueryRow(ctx, `
		INSERT INTO patient (name, phone_number) VALUES ('알림', '010-8000-0000')
		RETURNING id::text`).Scan(&patientID)
	if err != nil {
		t.Fatalf("insert patient: %v", err)
	}

	// LISTEN starts asynchronously; keep touching the row until an update
	// notification arrives.
	deadline := time.Now().Add(5 * time.Second)
	var got Event
	for {
		if _, err := pool.Exec(ctx, `UPDATE patient SET age = age + 1 WHERE id = $1`, patientID); err != nil {
			t.Fatalf("update patient: %v", err)
		}
		time.Sleep(100 * time.Millisecond)
		if e, ok := sink.find(TablePatient, "UPDATE", patientID); ok {
			got = e
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("no notification within 5s")
		}
	}
	if got.PatientID != patientID {
		t.Errorf("expected patient_id %s, got %+v", patientID, got)
	}

	var weightID string
	if err := pool.QueryRow(ctx, `
		INSERT INTO weight_log (patient_id, date, weight) VALUES ($1, CURRENT_DATE, 61.2)
		RETURNING id::text`, patientID).Scan(&weightID); err != nil {
		t.Fatalf("insert weight: %v", err)
	}
	if _, err := pool.Exec(ctx, `DELETE FROM patient WHERE id = $1`, patientID); err != nil {
		t.Fatalf("delete patient: %v", err)
	}

	deadline = time.Now().Add(5 * time.Second)
	for {
		w, insertSeen := sink.find(TableWeightLog, "INSERT", weightID)
		_, cascadeSeen := sink.find(TableWeightLog, "DELETE", weightID)
		_, deleteSeen := sink.find(TablePatient, "DELETE", patientID)
		if insertSeen && cascadeSeen && deleteSeen {
			if w.PatientID != patientID {
				t.Errorf("expected weight event keyed by patient, got %+v", w)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("missing events: weight insert=%v cascade delete=%v patient delete=%v", insertSeen, cascadeSeen, deleteSeen)
		}
		time.Sleep(50 * time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("listener did not stop after cancel")
	}
}
