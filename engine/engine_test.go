package engine

import (
	"context"
	"math"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"sprayd/config"
	"sprayd/driver"
	"sprayd/equipment"
	"sprayd/tagcache"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Hardware.ForceMock = true
	cfg.Hardware.PLC.PollingInterval = 20 * time.Millisecond
	cfg.TagFile = filepath.Join("..", "tags.yaml")
	cfg.History.Enabled = true
	cfg.History.Path = filepath.Join(t.TempDir(), "history.db")
	return cfg
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) record(ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) count(t EventType) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, ev := range l.events {
		if ev.Type == t {
			n++
		}
	}
	return n
}

func TestEngineStartStop(t *testing.T) {
	eng, err := New(testConfig(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	log := &eventLog{}
	eng.Events.SubscribeTypes(log.record,
		EventPLCConnected, EventFeederConnected,
		EventPLCDisconnected, EventFeederDisconnected,
		EventPollStarted, EventPollStopped)

	ctx := context.Background()
	if err := eng.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer eng.Stop()

	for _, typ := range []EventType{EventPLCConnected, EventFeederConnected, EventPollStarted} {
		if log.count(typ) != 1 {
			t.Errorf("event %d emitted %d times, want 1", typ, log.count(typ))
		}
	}

	// Start is idempotent.
	if err := eng.Start(ctx); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if log.count(EventPollStarted) != 1 {
		t.Error("second Start re-emitted poll started")
	}

	eng.Stop()
	for _, typ := range []EventType{EventPLCDisconnected, EventFeederDisconnected, EventPollStopped} {
		if log.count(typ) != 1 {
			t.Errorf("event %d emitted %d times after Stop, want 1", typ, log.count(typ))
		}
	}
	eng.Stop() // second Stop is a no-op
}

func TestEngineTagUpdatesReachBus(t *testing.T) {
	eng, err := New(testConfig(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	log := &eventLog{}
	eng.Events.SubscribeTypes(log.record, EventTagUpdated)

	ctx := context.Background()
	if err := eng.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer eng.Stop()

	// The priming poll notifies every mapped tag once.
	if got := log.count(EventTagUpdated); got == 0 {
		t.Fatal("no tag updates after initial poll")
	}
	before := log.count(EventTagUpdated)

	if err := eng.Equipment.SetMainFlow(ctx, 50); err != nil {
		t.Fatalf("SetMainFlow: %v", err)
	}
	if got := log.count(EventTagUpdated); got <= before {
		t.Errorf("write produced no tag update event (before=%d after=%d)", before, got)
	}

	tv, err := eng.Cache.GetTag(equipment.TagMainFlowSetpoint)
	if err != nil {
		t.Fatalf("GetTag: %v", err)
	}
	if math.Abs(tv.Float()-50) > 0.01 {
		t.Errorf("main flow setpoint = %v, want 50", tv.Float())
	}
}

func TestEngineSprayRecording(t *testing.T) {
	eng, err := New(testConfig(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	log := &eventLog{}
	eng.Events.SubscribeTypes(log.record, EventSprayStarted, EventSprayFinished)

	ctx := context.Background()
	if err := eng.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer eng.Stop()

	eng.Clients.PLC.(*driver.MockPLC).Set("MainFlowRate", 1638) // 40 SLPM
	eng.Cache.PollNow(ctx)

	if err := eng.Equipment.SetShutter(ctx, true); err != nil {
		t.Fatalf("engage shutter: %v", err)
	}
	if log.count(EventSprayStarted) != 1 {
		t.Fatalf("spray started events = %d, want 1", log.count(EventSprayStarted))
	}

	if err := eng.Equipment.SetShutter(ctx, false); err != nil {
		t.Fatalf("retract shutter: %v", err)
	}
	if log.count(EventSprayFinished) != 1 {
		t.Fatalf("spray finished events = %d, want 1", log.count(EventSprayFinished))
	}

	events, err := eng.History().RecentEvents(10)
	if err != nil {
		t.Fatalf("RecentEvents: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("recorded events = %d, want 1", len(events))
	}
	ev := events[0]
	if !ev.Completed {
		t.Error("recorded spray not marked completed")
	}
	if math.Abs(ev.MainFlow-40) > 0.05 {
		t.Errorf("recorded main flow = %v, want 40", ev.MainFlow)
	}
}

func TestEngineReloadTags(t *testing.T) {
	eng, err := New(testConfig(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	log := &eventLog{}
	eng.Events.SubscribeTypes(log.record, EventConfigReloaded)

	ctx := context.Background()
	if err := eng.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer eng.Stop()

	if err := eng.ReloadTags(); err != nil {
		t.Fatalf("ReloadTags: %v", err)
	}
	if log.count(EventConfigReloaded) != 1 {
		t.Errorf("config reloaded events = %d, want 1", log.count(EventConfigReloaded))
	}
}

func TestEngineWriteTag(t *testing.T) {
	eng, err := New(testConfig(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	log := &eventLog{}
	eng.Events.SubscribeTypes(log.record, EventTagWritten)

	ctx := context.Background()
	if err := eng.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer eng.Stop()

	if err := eng.WriteTag(ctx, equipment.TagMainFlowSetpoint, tagcache.Float(25)); err != nil {
		t.Fatalf("WriteTag: %v", err)
	}
	if log.count(EventTagWritten) != 1 {
		t.Fatalf("tag written events = %d, want 1", log.count(EventTagWritten))
	}

	// A rejected write emits nothing.
	if err := eng.WriteTag(ctx, equipment.TagMainFlowSetpoint, tagcache.Float(500)); err == nil {
		t.Fatal("out-of-range write succeeded")
	}
	if log.count(EventTagWritten) != 1 {
		t.Error("rejected write emitted an event")
	}
}
