package equipment

import "time"

// flowTolerance is the allowed deviation between a flow setpoint and its
// measured value, in SLPM, before the controller is flagged.
const flowTolerance = 2.0

// staleAfter is how old a cached reading may be before it counts as stale.
const staleAfter = 3 * time.Second

// ComponentHealth is one aggregated reading in a health report.
type ComponentHealth struct {
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
}

// Health is the composite equipment status used by operational dashboards.
// It is assembled entirely from cached readings; no hardware I/O happens
// here.
type Health struct {
	OK         bool                       `json:"ok"`
	Components map[string]ComponentHealth `json:"components"`
	Timestamp  time.Time                  `json:"timestamp"`
}

// Health aggregates cached readings into a composite status.
func (s *Service) Health() Health {
	h := Health{
		OK:         true,
		Components: make(map[string]ComponentHealth),
		Timestamp:  time.Now(),
	}

	h.set("main_flow", s.flowHealth(TagMainFlowSetpoint, TagMainFlowMeasured))
	h.set("feeder_flow", s.flowHealth(TagFeederFlowSetpoint, TagFeederFlowMeasured))
	h.set("main_supply_pressure", s.readingHealth(TagMainSupplyPressure))
	h.set("regulator_pressure", s.readingHealth(TagRegulatorPressure))
	h.set("chamber_pressure", s.readingHealth(TagChamberPressure))

	for _, c := range h.Components {
		if !c.OK {
			h.OK = false
			break
		}
	}
	return h
}

func (h *Health) set(name string, c ComponentHealth) {
	h.Components[name] = c
}

// flowHealth compares a measured flow against its setpoint. A reading that
// never arrived or went stale fails; so does a controller tracking outside
// tolerance.
func (s *Service) flowHealth(setpointTag, measuredTag string) ComponentHealth {
	set, err := s.cache.GetTagWithMetadata(setpointTag)
	if err != nil {
		return ComponentHealth{Detail: "setpoint unavailable: " + err.Error()}
	}
	meas, err := s.cache.GetTagWithMetadata(measuredTag)
	if err != nil {
		return ComponentHealth{Detail: "measurement unavailable: " + err.Error()}
	}
	if age := time.Since(meas.Timestamp); age > staleAfter {
		return ComponentHealth{Detail: "measurement stale"}
	}

	diff := meas.Value.Float() - set.Value.Float()
	if diff < -flowTolerance || diff > flowTolerance {
		return ComponentHealth{Detail: "measured flow outside tolerance of setpoint"}
	}
	return ComponentHealth{OK: true}
}

// readingHealth checks that a sensor reading exists and is fresh.
func (s *Service) readingHealth(tag string) ComponentHealth {
	tv, err := s.cache.GetTagWithMetadata(tag)
	if err != nil {
		return ComponentHealth{Detail: err.Error()}
	}
	if age := time.Since(tv.Timestamp); age > staleAfter {
		return ComponentHealth{Detail: "reading stale"}
	}
	return ComponentHealth{OK: true}
}
