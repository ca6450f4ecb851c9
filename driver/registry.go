package driver

import (
	"sprayd/config"
	"sprayd/logging"
)

// Clients bundles the two hardware clients the controller talks to.
type Clients struct {
	PLC    Client
	Feeder Client
}

// New constructs the hardware clients selected by configuration. With
// force_mock set, both clients are in-memory simulations so the whole
// stack runs without hardware.
func New(cfg *config.Config) (*Clients, error) {
	log := logging.Component("driver")

	if cfg.Hardware.ForceMock {
		log.Info().Msg("using mock hardware clients")
		return &Clients{
			PLC:    NewMockPLC(cfg.Mock),
			Feeder: NewMockFeeder(cfg.Mock),
		}, nil
	}

	plc, err := NewPLC(cfg.Hardware.PLC)
	if err != nil {
		return nil, err
	}
	return &Clients{
		PLC:    plc,
		Feeder: NewFeeder(cfg.Hardware.SSH),
	}, nil
}
