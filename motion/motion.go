// Package motion exposes gantry motion operations (single-axis and
// coordinated moves, position and status readback) as compositions of tag
// cache reads and writes. The motion controller itself runs the
// trajectories; this layer only parameterizes and triggers them.
package motion

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"sprayd/logging"
	"sprayd/tagcache"
)

// Axis identifies one gantry axis.
type Axis string

const (
	AxisX Axis = "x"
	AxisY Axis = "y"
	AxisZ Axis = "z"
)

func (a Axis) valid() bool { return a == AxisX || a == AxisY || a == AxisZ }

// Canonical motion tag paths.
const (
	TagModuleStatus = "motion_control.status.module"
	TagAlarm        = "motion_control.status.alarm"
	TagXYTrigger    = "motion_control.coordinated_move.xy_move.trigger"
)

func positionTag(a Axis) string { return fmt.Sprintf("motion_control.position.%s", a) }

func moveTag(a Axis, field string) string {
	return fmt.Sprintf("motion_control.relative_move.%s_move.%s", a, field)
}

// Position is the gantry position in millimeters.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// AxisStatus is the per-axis move state.
type AxisStatus struct {
	InProgress bool `json:"in_progress"`
	Complete   bool `json:"complete"`
}

// Status is the aggregated motion controller state.
type Status struct {
	ModuleReady bool                `json:"module_ready"`
	Alarm       bool                `json:"alarm"`
	Axes        map[Axis]AxisStatus `json:"axes"`
}

// Service composes tag cache operations into motion commands.
type Service struct {
	cache *tagcache.Cache
	log   zerolog.Logger
}

// New builds a motion service over the cache.
func New(cache *tagcache.Cache) *Service {
	return &Service{cache: cache, log: logging.Component("motion")}
}

// MoveAxis starts a relative single-axis move: write the target and
// velocity parameters, then pulse the axis trigger. The controller
// executes the move asynchronously; poll Status for completion.
func (s *Service) MoveAxis(ctx context.Context, axis Axis, target, velocity float64) error {
	if !axis.valid() {
		return fmt.Errorf("invalid axis %q", axis)
	}

	if err := s.cache.SetTag(ctx, moveTag(axis, "parameters.target"), tagcache.Float(target)); err != nil {
		return err
	}
	if err := s.cache.SetTag(ctx, moveTag(axis, "parameters.velocity"), tagcache.Float(velocity)); err != nil {
		return err
	}
	s.log.Info().Str("axis", string(axis)).Float64("target", target).
		Float64("velocity", velocity).Msg("triggering move")
	return s.cache.SetTag(ctx, moveTag(axis, "trigger"), tagcache.Bool(true))
}

// MoveXY starts a coordinated move in the XY plane: write both axes'
// parameters, then pulse the coordinated trigger so they start together.
func (s *Service) MoveXY(ctx context.Context, targetX, targetY, velocity float64) error {
	params := []struct {
		path  string
		value float64
	}{
		{moveTag(AxisX, "parameters.target"), targetX},
		{moveTag(AxisX, "parameters.velocity"), velocity},
		{moveTag(AxisY, "parameters.target"), targetY},
		{moveTag(AxisY, "parameters.velocity"), velocity},
	}
	for _, p := range params {
		if err := s.cache.SetTag(ctx, p.path, tagcache.Float(p.value)); err != nil {
			return err
		}
	}
	s.log.Info().Float64("x", targetX).Float64("y", targetY).
		Float64("velocity", velocity).Msg("triggering coordinated move")
	return s.cache.SetTag(ctx, TagXYTrigger, tagcache.Bool(true))
}

// Position reads the cached gantry position.
func (s *Service) Position() (Position, error) {
	var pos Position
	for _, axis := range []struct {
		a   Axis
		dst *float64
	}{
		{AxisX, &pos.X},
		{AxisY, &pos.Y},
		{AxisZ, &pos.Z},
	} {
		v, err := s.cache.GetTag(positionTag(axis.a))
		if err != nil {
			return Position{}, err
		}
		*axis.dst = v.Float()
	}
	return pos, nil
}

// Status reads the cached controller and per-axis move state.
func (s *Service) Status() (Status, error) {
	module, err := s.cache.GetTag(TagModuleStatus)
	if err != nil {
		return Status{}, err
	}
	alarm, err := s.cache.GetTag(TagAlarm)
	if err != nil {
		return Status{}, err
	}

	st := Status{
		ModuleReady: module.Int() != 0,
		Alarm:       alarm.Bool(),
		Axes:        make(map[Axis]AxisStatus, 3),
	}
	for _, a := range []Axis{AxisX, AxisY, AxisZ} {
		inProg, err := s.cache.GetTag(moveTag(a, "in_progress"))
		if err != nil {
			return Status{}, err
		}
		complete, err := s.cache.GetTag(moveTag(a, "complete"))
		if err != nil {
			return Status{}, err
		}
		st.Axes[a] = AxisStatus{InProgress: inProg.Bool(), Complete: complete.Bool()}
	}
	return st, nil
}
