package history

import (
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStoreRoundTrip(t *testing.T) {
	store := openTestStore(t)

	started := time.Now().Add(-time.Minute).Round(time.Millisecond)
	id, err := store.BeginEvent(SprayEvent{
		StartedAt:       started,
		MainFlow:        50.5,
		FeederFlow:      4.2,
		FeederSpeed:     "high",
		ChamberPressure: 0.02,
		NozzlePressure:  0.4,
		PatternName:     "raster_a",
		PowderLot:       "LOT-17",
	})
	if err != nil {
		t.Fatalf("BeginEvent: %v", err)
	}

	ev, err := store.Event(id)
	if err != nil {
		t.Fatalf("Event: %v", err)
	}
	if ev.Completed || !ev.EndedAt.IsZero() {
		t.Errorf("event should be open: %+v", ev)
	}
	if ev.MainFlow != 50.5 || ev.FeederSpeed != "high" {
		t.Errorf("event = %+v", ev)
	}
	if ev.PatternName != "raster_a" || ev.PowderLot != "LOT-17" {
		t.Errorf("context = %q/%q", ev.PatternName, ev.PowderLot)
	}

	ended := time.Now().Round(time.Millisecond)
	if err := store.FinishEvent(id, ended, 0.03, 0.38); err != nil {
		t.Fatalf("FinishEvent: %v", err)
	}

	ev, err = store.Event(id)
	if err != nil {
		t.Fatal(err)
	}
	if !ev.Completed || ev.EndedAt.IsZero() {
		t.Errorf("event should be completed: %+v", ev)
	}
	if ev.ChamberPressureEnd != 0.03 || ev.NozzlePressureEnd != 0.38 {
		t.Errorf("end pressures = %v/%v", ev.ChamberPressureEnd, ev.NozzlePressureEnd)
	}
}

func TestFinishUnknownEvent(t *testing.T) {
	store := openTestStore(t)
	if err := store.FinishEvent(12345, time.Now(), 0, 0); err == nil {
		t.Error("expected error finishing unknown event")
	}
}

func TestFailEvent(t *testing.T) {
	store := openTestStore(t)

	id, err := store.BeginEvent(SprayEvent{StartedAt: time.Now()})
	if err != nil {
		t.Fatal(err)
	}
	if err := store.FailEvent(id, time.Now(), "feeder fault"); err != nil {
		t.Fatalf("FailEvent: %v", err)
	}

	ev, err := store.Event(id)
	if err != nil {
		t.Fatal(err)
	}
	if ev.Completed {
		t.Error("failed event marked completed")
	}
	if ev.Error != "feeder fault" {
		t.Errorf("error = %q", ev.Error)
	}
}

func TestSessionRoundTrip(t *testing.T) {
	store := openTestStore(t)

	sid, err := store.BeginSession("seq-042", "jsmith", time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("BeginSession: %v", err)
	}

	for i := 1; i <= 3; i++ {
		if _, err := store.BeginEvent(SprayEvent{
			SessionID:  sid,
			SprayIndex: i,
			StartedAt:  time.Now().Add(time.Duration(i) * time.Minute),
		}); err != nil {
			t.Fatal(err)
		}
	}
	// A standalone spray does not show up under the session.
	if _, err := store.BeginEvent(SprayEvent{StartedAt: time.Now()}); err != nil {
		t.Fatal(err)
	}

	events, err := store.SessionEvents(sid)
	if err != nil {
		t.Fatalf("SessionEvents: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("got %d session events, want 3", len(events))
	}
	for i, ev := range events {
		if ev.SprayIndex != i+1 {
			t.Errorf("event %d spray index = %d", i, ev.SprayIndex)
		}
	}

	if err := store.EndSession(sid, time.Now()); err != nil {
		t.Fatalf("EndSession: %v", err)
	}
	sess, err := store.Session(sid)
	if err != nil {
		t.Fatal(err)
	}
	if sess.SequenceID != "seq-042" || sess.Operator != "jsmith" {
		t.Errorf("session = %+v", sess)
	}
	if sess.EndedAt.IsZero() {
		t.Error("session end time not recorded")
	}

	if err := store.EndSession(99999, time.Now()); err == nil {
		t.Error("expected error ending unknown session")
	}
}

func TestRecentEvents(t *testing.T) {
	store := openTestStore(t)

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		if _, err := store.BeginEvent(SprayEvent{
			StartedAt: base.Add(time.Duration(i) * time.Minute),
			MainFlow:  float64(i),
		}); err != nil {
			t.Fatal(err)
		}
	}

	events, err := store.RecentEvents(3)
	if err != nil {
		t.Fatalf("RecentEvents: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3", len(events))
	}
	// Newest first.
	if events[0].MainFlow != 4 || events[2].MainFlow != 2 {
		t.Errorf("order wrong: %+v", events)
	}
}
