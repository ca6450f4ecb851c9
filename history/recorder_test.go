package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	appcfg "sprayd/config"
	"sprayd/driver"
	"sprayd/equipment"
	"sprayd/tagcache"
	"sprayd/tagmap"
)

type rig struct {
	store    *Store
	recorder *Recorder
	cache    *tagcache.Cache
	eq       *equipment.Service
	plc      *driver.MockPLC
}

func newRig(t *testing.T) *rig {
	t.Helper()

	store, err := Open(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	doc, err := appcfg.LoadTagDocument("../tags.yaml")
	if err != nil {
		t.Fatal(err)
	}
	mapper, err := tagmap.NewMapper(doc)
	if err != nil {
		t.Fatal(err)
	}

	plc := driver.NewMockPLC(appcfg.MockConfig{})
	feeder := driver.NewMockFeeder(appcfg.MockConfig{})
	ctx := context.Background()
	if err := plc.Connect(ctx); err != nil {
		t.Fatal(err)
	}
	if err := feeder.Connect(ctx); err != nil {
		t.Fatal(err)
	}

	cache := tagcache.New(mapper, &driver.Clients{PLC: plc, Feeder: feeder}, 10*time.Millisecond)
	cache.PollNow(ctx)

	rec := NewRecorder(store, cache)
	return &rig{store: store, recorder: rec, cache: cache, eq: equipment.New(cache), plc: plc}
}

func TestRecorderSprayLifecycle(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	var opened, closed []int64
	r.recorder.SetNotify(func(started bool, id int64, ev SprayEvent) {
		if started {
			opened = append(opened, id)
		} else {
			closed = append(closed, id)
		}
	})
	r.recorder.Start()
	defer r.recorder.Stop()

	// Seed a measurable flow so the boundary snapshot has content.
	r.plc.Set("MainFlowRate", 2048) // 50 SLPM
	r.cache.PollNow(ctx)

	if err := r.eq.SetShutter(ctx, true); err != nil {
		t.Fatalf("SetShutter: %v", err)
	}

	id, active := r.recorder.Active()
	if !active {
		t.Fatal("no active spray after shutter engaged")
	}
	if len(opened) != 1 || opened[0] != id {
		t.Errorf("opened = %v, active = %d", opened, id)
	}

	ev, err := r.store.Event(id)
	if err != nil {
		t.Fatal(err)
	}
	if diff := ev.MainFlow - 50; diff < -0.1 || diff > 0.1 {
		t.Errorf("snapshot main flow = %v, want ~50", ev.MainFlow)
	}
	if ev.FeederSpeed != "low" {
		t.Errorf("snapshot feeder speed = %q, want low", ev.FeederSpeed)
	}

	if err := r.eq.SetShutter(ctx, false); err != nil {
		t.Fatal(err)
	}
	if _, active := r.recorder.Active(); active {
		t.Error("spray still active after shutter retracted")
	}
	if len(closed) != 1 || closed[0] != id {
		t.Errorf("closed = %v", closed)
	}

	ev, err = r.store.Event(id)
	if err != nil {
		t.Fatal(err)
	}
	if !ev.Completed {
		t.Errorf("event not completed: %+v", ev)
	}
}

func TestRecorderSessionAndContext(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	r.recorder.Start()
	defer r.recorder.Stop()

	sid, err := r.recorder.StartSession("seq-007", "operator1")
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if _, err := r.recorder.StartSession("seq-008", "operator1"); err == nil {
		t.Error("second StartSession should fail while one is open")
	}
	r.recorder.SetSprayContext("raster_b", "LOT-9")

	for i := 0; i < 2; i++ {
		if err := r.eq.SetShutter(ctx, true); err != nil {
			t.Fatal(err)
		}
		if err := r.eq.SetShutter(ctx, false); err != nil {
			t.Fatal(err)
		}
	}

	events, err := r.store.SessionEvents(sid)
	if err != nil {
		t.Fatalf("SessionEvents: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d session sprays, want 2", len(events))
	}
	for i, ev := range events {
		if ev.SprayIndex != i+1 {
			t.Errorf("spray %d index = %d", i, ev.SprayIndex)
		}
		if ev.PatternName != "raster_b" || ev.PowderLot != "LOT-9" {
			t.Errorf("spray %d context = %q/%q", i, ev.PatternName, ev.PowderLot)
		}
		if !ev.Completed {
			t.Errorf("spray %d not completed", i)
		}
	}

	if err := r.recorder.EndSession(); err != nil {
		t.Fatalf("EndSession: %v", err)
	}
	sess, err := r.store.Session(sid)
	if err != nil {
		t.Fatal(err)
	}
	if sess.EndedAt.IsZero() {
		t.Error("session not ended")
	}

	// EndSession without an open session is a no-op.
	if err := r.recorder.EndSession(); err != nil {
		t.Errorf("EndSession no-op: %v", err)
	}
}

func TestRecorderIgnoresOtherTags(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	r.recorder.Start()
	defer r.recorder.Stop()

	if err := r.eq.SetMainGasValve(ctx, true); err != nil {
		t.Fatal(err)
	}
	if _, active := r.recorder.Active(); active {
		t.Error("valve change opened a spray event")
	}
}

func TestRecorderStopClosesOpenSpray(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	r.recorder.Start()

	if err := r.eq.SetShutter(ctx, true); err != nil {
		t.Fatal(err)
	}
	id, _ := r.recorder.Active()

	r.recorder.Stop()

	ev, err := r.store.Event(id)
	if err != nil {
		t.Fatal(err)
	}
	if !ev.Completed {
		t.Error("open spray not closed on recorder stop")
	}
}
