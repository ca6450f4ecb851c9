// Package equipment exposes domain operations over the spray process
// hardware (gas, valves, pumps, feeders, nozzle, shutter) as thin
// compositions of tag cache reads and writes.
package equipment

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"sprayd/logging"
	"sprayd/tagcache"
)

// Canonical tag paths for process equipment. The tag configuration
// document binds these to hardware addresses.
const (
	TagMainFlowSetpoint   = "gas_control.main_flow.setpoint"
	TagMainFlowMeasured   = "gas_control.main_flow.measured"
	TagFeederFlowSetpoint = "gas_control.feeder_flow.setpoint"
	TagFeederFlowMeasured = "gas_control.feeder_flow.measured"

	TagMainSupplyPressure = "pressure_control.main_supply"
	TagRegulatorPressure  = "pressure_control.regulator"
	TagFeederPressure     = "pressure_control.feeder"
	TagNozzlePressure     = "pressure_control.nozzle"
	TagChamberPressure    = "pressure_control.chamber"

	TagMainGasValve   = "valve_control.main_gas"
	TagFeederGasValve = "valve_control.feeder_gas"
	TagVentValve      = "valve_control.vent"
	TagGateOpen       = "valve_control.gate.open"
	TagGatePartial    = "valve_control.gate.partial"

	TagMechPumpStart    = "pump_control.mech.start"
	TagMechPumpStop     = "pump_control.mech.stop"
	TagBoosterPumpStart = "pump_control.booster.start"
	TagBoosterPumpStop  = "pump_control.booster.stop"

	TagNozzleSelect = "nozzle_control.select"
	TagShutter      = "shutter_control.engage"
)

// GatePosition is a chamber gate valve position.
type GatePosition string

const (
	GateClosed  GatePosition = "closed"
	GatePartial GatePosition = "partial"
	GateOpen    GatePosition = "open"
)

// feederTag builds the per-feeder tag path for one of the two feeders.
func feederTag(id int, field string) string {
	return fmt.Sprintf("feeder_control.feeder%d.%s", id, field)
}

// Feeder run-state register values used by the controller firmware.
const (
	feederStateRun  = 1
	feederStateStop = 4
)

// Service composes tag cache operations into equipment-level commands.
// It performs parameter validation only; value constraints (ranges,
// speeds, access) are enforced by the cache.
type Service struct {
	cache *tagcache.Cache
	log   zerolog.Logger
}

// New builds an equipment service over the cache.
func New(cache *tagcache.Cache) *Service {
	return &Service{cache: cache, log: logging.Component("equipment")}
}

// SetMainFlow sets the main gas flow setpoint in SLPM.
func (s *Service) SetMainFlow(ctx context.Context, slpm float64) error {
	return s.cache.SetTag(ctx, TagMainFlowSetpoint, tagcache.Float(slpm))
}

// SetFeederFlow sets the powder carrier gas flow setpoint in SLPM.
func (s *Service) SetFeederFlow(ctx context.Context, slpm float64) error {
	return s.cache.SetTag(ctx, TagFeederFlowSetpoint, tagcache.Float(slpm))
}

// MainFlow reads the measured main gas flow.
func (s *Service) MainFlow() (float64, error) {
	v, err := s.cache.GetTag(TagMainFlowMeasured)
	if err != nil {
		return 0, err
	}
	return v.Float(), nil
}

// FeederFlow reads the measured carrier gas flow.
func (s *Service) FeederFlow() (float64, error) {
	v, err := s.cache.GetTag(TagFeederFlowMeasured)
	if err != nil {
		return 0, err
	}
	return v.Float(), nil
}

// SetMainGasValve opens or closes the main gas valve.
func (s *Service) SetMainGasValve(ctx context.Context, open bool) error {
	return s.cache.SetTag(ctx, TagMainGasValve, tagcache.Bool(open))
}

// SetFeederGasValve opens or closes the feeder gas valve.
func (s *Service) SetFeederGasValve(ctx context.Context, open bool) error {
	return s.cache.SetTag(ctx, TagFeederGasValve, tagcache.Bool(open))
}

// SetVentValve opens or closes the chamber vent valve.
func (s *Service) SetVentValve(ctx context.Context, open bool) error {
	return s.cache.SetTag(ctx, TagVentValve, tagcache.Bool(open))
}

// SetGateValve drives the chamber gate valve to a position. The valve has
// two control bits; "closed" clears both.
func (s *Service) SetGateValve(ctx context.Context, pos GatePosition) error {
	var open, partial bool
	switch pos {
	case GateClosed:
	case GatePartial:
		partial = true
	case GateOpen:
		open = true
	default:
		return fmt.Errorf("invalid gate position %q", pos)
	}

	if err := s.cache.SetTag(ctx, TagGateOpen, tagcache.Bool(open)); err != nil {
		return err
	}
	return s.cache.SetTag(ctx, TagGatePartial, tagcache.Bool(partial))
}

// pulse sets a momentary relay tag.
func (s *Service) pulse(ctx context.Context, path string) error {
	return s.cache.SetTag(ctx, path, tagcache.Bool(true))
}

// StartMechPump starts the mechanical roughing pump.
func (s *Service) StartMechPump(ctx context.Context) error {
	return s.pulse(ctx, TagMechPumpStart)
}

// StopMechPump stops the mechanical roughing pump.
func (s *Service) StopMechPump(ctx context.Context) error {
	return s.pulse(ctx, TagMechPumpStop)
}

// StartBoosterPump starts the booster pump.
func (s *Service) StartBoosterPump(ctx context.Context) error {
	return s.pulse(ctx, TagBoosterPumpStart)
}

// StopBoosterPump stops the booster pump.
func (s *Service) StopBoosterPump(ctx context.Context) error {
	return s.pulse(ctx, TagBoosterPumpStop)
}

// checkFeederID rejects IDs outside the two installed feeders.
func checkFeederID(id int) error {
	if id != 1 && id != 2 {
		return fmt.Errorf("invalid feeder id %d, must be 1 or 2", id)
	}
	return nil
}

// SetFeederSpeed sets a feeder's frequency by named speed or raw value.
func (s *Service) SetFeederSpeed(ctx context.Context, id int, speed tagcache.Value) error {
	if err := checkFeederID(id); err != nil {
		return err
	}
	return s.cache.SetTag(ctx, feederTag(id, "frequency"), speed)
}

// FeederSpeed reads a feeder's current speed (named when it matches the
// speed table, raw otherwise).
func (s *Service) FeederSpeed(id int) (tagcache.Value, error) {
	if err := checkFeederID(id); err != nil {
		return tagcache.Value{}, err
	}
	return s.cache.GetTag(feederTag(id, "frequency"))
}

// StartFeeder commands a feeder to run.
func (s *Service) StartFeeder(ctx context.Context, id int) error {
	if err := checkFeederID(id); err != nil {
		return err
	}
	s.log.Info().Int("feeder", id).Msg("starting feeder")
	return s.cache.SetTag(ctx, feederTag(id, "state"), tagcache.Int(feederStateRun))
}

// StopFeeder commands a feeder to stop.
func (s *Service) StopFeeder(ctx context.Context, id int) error {
	if err := checkFeederID(id); err != nil {
		return err
	}
	s.log.Info().Int("feeder", id).Msg("stopping feeder")
	return s.cache.SetTag(ctx, feederTag(id, "state"), tagcache.Int(feederStateStop))
}

// FeederRunning reports whether the feeder's run-state register reads as
// running.
func (s *Service) FeederRunning(id int) (bool, error) {
	if err := checkFeederID(id); err != nil {
		return false, err
	}
	v, err := s.cache.GetTag(feederTag(id, "state"))
	if err != nil {
		return false, err
	}
	return v.Int() == feederStateRun, nil
}

// SetDeagglomeratorDuty sets a deagglomerator's duty cycle register.
func (s *Service) SetDeagglomeratorDuty(ctx context.Context, id int, duty tagcache.Value) error {
	if err := checkFeederID(id); err != nil {
		return err
	}
	return s.cache.SetTag(ctx, feederTag(id, "deagglomerator.duty_cycle"), duty)
}

// SelectNozzle routes gas to nozzle 1 or 2.
func (s *Service) SelectNozzle(ctx context.Context, nozzle int) error {
	if nozzle != 1 && nozzle != 2 {
		return fmt.Errorf("invalid nozzle %d, must be 1 or 2", nozzle)
	}
	// The select relay energized routes to nozzle 2.
	return s.cache.SetTag(ctx, TagNozzleSelect, tagcache.Bool(nozzle == 2))
}

// SetShutter engages or retracts the nozzle shutter.
func (s *Service) SetShutter(ctx context.Context, engaged bool) error {
	return s.cache.SetTag(ctx, TagShutter, tagcache.Bool(engaged))
}
