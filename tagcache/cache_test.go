package tagcache

import (
	"context"
	"errors"
	"testing"
	"time"

	appcfg "sprayd/config"
	"sprayd/driver"
	"sprayd/tagmap"
)

const testDoc = `
gas_control:
  main_flow:
    setpoint:
      mapped: true
      plc_tag: AOS32-0.1.2.1
      type: float
      access: read/write
      range: [0, 100]
    measured:
      mapped: true
      plc_tag: MainFlowRate
      type: float
      access: read
pressure_control:
  regulator:
    mapped: true
    plc_tag: RegulatorPressure
    type: float
    access: read
    range: [0, 100]
    scaling: 12bit_linear
valve_control:
  main_gas:
    mapped: true
    plc_tag: MainGasValve
    type: bool
    access: read/write
feeder_control:
  frequency:
    mapped: true
    ssh:
      freq_var: P6
    type: integer
    access: read/write
    speeds:
      low: 200
      med: 600
      high: 1200
`

type testRig struct {
	cache  *Cache
	plc    *driver.MockPLC
	feeder *driver.MockFeeder
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()

	doc, err := appcfg.ParseTagDocument([]byte(testDoc))
	if err != nil {
		t.Fatalf("parse tag doc: %v", err)
	}
	mapper, err := tagmap.NewMapper(doc)
	if err != nil {
		t.Fatalf("build mapper: %v", err)
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

	cache := New(mapper, &driver.Clients{PLC: plc, Feeder: feeder}, 10*time.Millisecond)
	return &testRig{cache: cache, plc: plc, feeder: feeder}
}

func TestEndToEndPLCWrite(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	rig.cache.PollNow(ctx)

	const path = "gas_control.main_flow.setpoint"

	initial, err := rig.cache.GetTagWithMetadata(path)
	if err != nil {
		t.Fatalf("GetTagWithMetadata: %v", err)
	}
	if initial.Value.Float() != 0 {
		t.Fatalf("seed value = %v, want 0", initial.Value)
	}

	if err := rig.cache.SetTag(ctx, path, Float(42.5)); err != nil {
		t.Fatalf("SetTag: %v", err)
	}

	v, err := rig.cache.GetTag(path)
	if err != nil {
		t.Fatalf("GetTag: %v", err)
	}
	if v.Float() != 42.5 {
		t.Errorf("GetTag = %v, want 42.5", v)
	}

	after, _ := rig.cache.GetTagWithMetadata(path)
	if !after.Timestamp.After(initial.Timestamp) {
		t.Errorf("timestamp %v not after initial %v", after.Timestamp, initial.Timestamp)
	}

	// The write reached the simulated hardware unscaled.
	if hw, _ := rig.plc.Get("AOS32-0.1.2.1"); hw != 42.5 {
		t.Errorf("hardware register = %v, want 42.5", hw)
	}
}

func TestEndToEndFeederSpeed(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	rig.cache.PollNow(ctx)

	const path = "feeder_control.frequency"

	// P6 seeds at 200, which reverse-maps to the "low" label.
	v, err := rig.cache.GetTag(path)
	if err != nil {
		t.Fatalf("GetTag: %v", err)
	}
	if v.Str() != "low" {
		t.Errorf("initial speed = %v, want low", v)
	}

	if err := rig.cache.SetTag(ctx, path, String("high")); err != nil {
		t.Fatalf("SetTag: %v", err)
	}
	if hw, _ := rig.feeder.Get("P6"); hw != 1200 {
		t.Errorf("P6 = %v, want 1200", hw)
	}

	v, _ = rig.cache.GetTag(path)
	if v.Str() != "high" {
		t.Errorf("GetTag = %v, want high", v)
	}

	// After a fresh poll the label round-trips through the speed table.
	rig.cache.PollNow(ctx)
	v, _ = rig.cache.GetTag(path)
	if v.Str() != "high" {
		t.Errorf("GetTag after poll = %v, want high", v)
	}
}

func TestScaledPollConversion(t *testing.T) {
	rig := newTestRig(t)
	rig.cache.PollNow(context.Background())

	// RegulatorPressure seeds at 3276 counts = 80 on the 0-100 scale.
	v, err := rig.cache.GetTag("pressure_control.regulator")
	if err != nil {
		t.Fatalf("GetTag: %v", err)
	}
	if diff := v.Float() - 80.0; diff < -0.1 || diff > 0.1 {
		t.Errorf("regulator = %v, want 80 +-0.1", v.Float())
	}
}

func TestWriteAtomicity(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	rig.cache.PollNow(ctx)

	const path = "gas_control.main_flow.setpoint"
	if err := rig.cache.SetTag(ctx, path, Float(10)); err != nil {
		t.Fatal(err)
	}

	rig.plc.FailNext(errors.New("wire fault"))
	err := rig.cache.SetTag(ctx, path, Float(99))
	var hw *driver.HardwareError
	if !errors.As(err, &hw) {
		t.Fatalf("SetTag error = %v, want HardwareError", err)
	}

	// The failed write must not leak into the cache.
	v, _ := rig.cache.GetTag(path)
	if v.Float() != 10 {
		t.Errorf("GetTag after failed write = %v, want 10", v)
	}
}

func TestValidationNeverReachesHardware(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	rig.cache.PollNow(ctx)

	err := rig.cache.SetTag(ctx, "gas_control.main_flow.measured", Float(5))
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("SetTag to read-only tag = %v, want ValidationError", err)
	}

	err = rig.cache.SetTag(ctx, "gas_control.main_flow.setpoint", Float(100.001))
	if !errors.As(err, &ve) {
		t.Fatalf("out-of-range SetTag = %v, want ValidationError", err)
	}
	if hw, _ := rig.plc.Get("AOS32-0.1.2.1"); hw != 0 {
		t.Errorf("register = %v after rejected writes, want 0", hw)
	}
}

func TestPollResilience(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	rig.plc.FailNext(errors.New("transient"))
	rig.cache.PollNow(ctx) // fails, logged, not fatal

	rig.plc.Set("MainFlowRate", 33)
	rig.cache.PollNow(ctx)

	v, err := rig.cache.GetTag("gas_control.main_flow.measured")
	if err != nil {
		t.Fatalf("GetTag after recovery: %v", err)
	}
	if v.Float() != 33 {
		t.Errorf("GetTag = %v, want 33", v)
	}
}

func TestUnmappedHardwareTagSkip(t *testing.T) {
	rig := newTestRig(t)
	rig.cache.PollNow(context.Background())

	// The mock table carries many registers with no logical mapping
	// (axis positions, pumps); only mapped paths may appear.
	all := rig.cache.GetAllTags()
	if len(all) != 5 {
		t.Errorf("GetAllTags has %d entries, want 5: %v", len(all), keys(all))
	}
	for path := range all {
		if _, err := rig.cache.mapper.Definition(path); err != nil {
			t.Errorf("unmapped path %q in cache", path)
		}
	}
}

func keys(m map[string]TagValue) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func TestReadBeforePoll(t *testing.T) {
	rig := newTestRig(t)

	if _, err := rig.cache.GetTag("gas_control.main_flow.setpoint"); !errors.Is(err, ErrTagNotCached) {
		t.Errorf("GetTag before poll = %v, want ErrTagNotCached", err)
	}
	if _, err := rig.cache.GetTag("no.such.tag"); !errors.Is(err, tagmap.ErrUnknownTag) {
		t.Errorf("GetTag unknown = %v, want ErrUnknownTag", err)
	}
}

func TestSnapshotIsCopy(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	rig.cache.PollNow(ctx)

	all := rig.cache.GetAllTags()
	all["gas_control.main_flow.setpoint"] = TagValue{Value: Float(-1)}

	v, _ := rig.cache.GetTag("gas_control.main_flow.setpoint")
	if v.Float() == -1 {
		t.Error("mutating the snapshot must not affect the cache")
	}
}

func TestStateCallbacks(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	changes := make(map[string]Value)
	id := rig.cache.AddStateCallback(func(path string, tv TagValue) {
		changes[path] = tv.Value
	})

	rig.cache.PollNow(ctx)
	if len(changes) != 5 {
		t.Errorf("initial poll produced %d notifications, want 5", len(changes))
	}

	// Unchanged values stay quiet on the next poll.
	changes = map[string]Value{}
	rig.cache.PollNow(ctx)
	if len(changes) != 0 {
		t.Errorf("steady-state poll produced %d notifications, want 0", len(changes))
	}

	rig.plc.Set("MainFlowRate", 12)
	rig.cache.PollNow(ctx)
	if v, ok := changes["gas_control.main_flow.measured"]; !ok || v.Float() != 12 {
		t.Errorf("change notification = %v, %v", v, ok)
	}

	rig.cache.RemoveStateCallback(id)
	changes = map[string]Value{}
	rig.plc.Set("MainFlowRate", 13)
	rig.cache.PollNow(ctx)
	if len(changes) != 0 {
		t.Error("removed callback still firing")
	}
}

func TestCallbackPanicIsolation(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	var delivered int
	rig.cache.AddStateCallback(func(path string, tv TagValue) {
		panic("misbehaving subscriber")
	})
	rig.cache.AddStateCallback(func(path string, tv TagValue) {
		delivered++
	})

	rig.cache.PollNow(ctx)
	if delivered == 0 {
		t.Error("panicking callback blocked delivery to others")
	}
}

func TestStartStop(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	rig.cache.Start(ctx)
	rig.cache.Start(ctx) // idempotent

	rig.plc.Set("MainFlowRate", 7)
	deadline := time.After(time.Second)
	for {
		if v, err := rig.cache.GetTag("gas_control.main_flow.measured"); err == nil && v.Float() == 7 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("poll loop never picked up the change")
		case <-time.After(5 * time.Millisecond):
		}
	}

	rig.cache.Stop()
	rig.cache.Stop() // no-op

	// Values survive Stop; only ClearCache discards them.
	if _, err := rig.cache.GetTag("gas_control.main_flow.measured"); err != nil {
		t.Errorf("GetTag after Stop: %v", err)
	}
	rig.cache.ClearCache()
	if _, err := rig.cache.GetTag("gas_control.main_flow.measured"); !errors.Is(err, ErrTagNotCached) {
		t.Errorf("GetTag after ClearCache = %v, want ErrTagNotCached", err)
	}
}
