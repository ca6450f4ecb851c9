package history

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"sprayd/equipment"
	"sprayd/logging"
	"sprayd/tagcache"
)

// NotifyFunc is called when a spray opens or closes. started reports the
// direction; id is the stored event's row ID.
type NotifyFunc func(started bool, id int64, ev SprayEvent)

// Recorder turns shutter transitions into spray events: the shutter
// engaging opens an event with a snapshot of the process readings, and
// the shutter retracting closes it with an end-boundary snapshot.
// Readings come from the cache only; the recorder performs no hardware
// I/O. Sequence consumers may group sprays under a session and attach
// pattern/powder context; sprays outside a session record standalone.
type Recorder struct {
	store *Store
	cache *tagcache.Cache
	log   zerolog.Logger

	notify NotifyFunc

	mu       sync.Mutex
	cbID     tagcache.CallbackID
	watching bool
	activeID int64 // 0 when no spray is open

	sessionID  int64 // 0 when no session is open
	sprayIndex int
	pattern    string
	powderLot  string
}

// NewRecorder builds a recorder over the store and cache.
func NewRecorder(store *Store, cache *tagcache.Cache) *Recorder {
	return &Recorder{store: store, cache: cache, log: logging.Component("history")}
}

// SetNotify registers a callback for spray open/close transitions. Must be
// called before Start.
func (r *Recorder) SetNotify(fn NotifyFunc) { r.notify = fn }

// Start subscribes to shutter state changes.
func (r *Recorder) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.watching {
		return
	}
	r.cbID = r.cache.AddStateCallback(r.onTagChange)
	r.watching = true
}

// Stop unsubscribes, closes any spray left open, and ends an open session.
func (r *Recorder) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.watching {
		return
	}
	r.cache.RemoveStateCallback(r.cbID)
	r.watching = false
	if r.activeID != 0 {
		r.finishLocked()
	}
	if r.sessionID != 0 {
		r.endSessionLocked()
	}
}

// StartSession opens a session; subsequent sprays record under it with
// an incrementing spray index.
func (r *Recorder) StartSession(sequenceID, operator string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessionID != 0 {
		return 0, fmt.Errorf("session %d already open", r.sessionID)
	}
	id, err := r.store.BeginSession(sequenceID, operator, time.Now())
	if err != nil {
		return 0, err
	}
	r.sessionID = id
	r.sprayIndex = 0
	r.log.Info().Int64("session", id).Str("sequence", sequenceID).Msg("session started")
	return id, nil
}

// EndSession closes the open session. Safe to call without one.
func (r *Recorder) EndSession() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessionID == 0 {
		return nil
	}
	return r.endSessionLocked()
}

func (r *Recorder) endSessionLocked() error {
	id := r.sessionID
	r.sessionID = 0
	r.sprayIndex = 0
	if err := r.store.EndSession(id, time.Now()); err != nil {
		r.log.Error().Err(err).Int64("session", id).Msg("failed to end session")
		return err
	}
	r.log.Info().Int64("session", id).Msg("session ended")
	return nil
}

// SetSprayContext attaches pattern and powder-lot labels to subsequent
// sprays. Empty strings clear the context.
func (r *Recorder) SetSprayContext(pattern, powderLot string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pattern = pattern
	r.powderLot = powderLot
}

// Active returns the open spray event ID, if any.
func (r *Recorder) Active() (int64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.activeID, r.activeID != 0
}

func (r *Recorder) onTagChange(path string, tv tagcache.TagValue) {
	if path != equipment.TagShutter {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if tv.Value.Bool() {
		if r.activeID == 0 {
			r.beginLocked(tv.Timestamp)
		}
		return
	}
	if r.activeID != 0 {
		r.finishLocked()
	}
}

func (r *Recorder) beginLocked(at time.Time) {
	r.sprayIndex++
	ev := r.snapshot()
	ev.StartedAt = at
	ev.SessionID = r.sessionID
	ev.SprayIndex = r.sprayIndex
	ev.PatternName = r.pattern
	ev.PowderLot = r.powderLot

	id, err := r.store.BeginEvent(ev)
	if err != nil {
		r.log.Error().Err(err).Msg("failed to open spray event")
		return
	}
	r.activeID = id
	ev.ID = id
	r.log.Info().Int64("event", id).Float64("main_flow", ev.MainFlow).Msg("spray started")
	if r.notify != nil {
		r.notify(true, id, ev)
	}
}

func (r *Recorder) finishLocked() {
	id := r.activeID
	r.activeID = 0

	now := time.Now()
	chEnd, nzEnd := r.endPressures()
	if err := r.store.FinishEvent(id, now, chEnd, nzEnd); err != nil {
		r.log.Error().Err(err).Int64("event", id).Msg("failed to close spray event")
		return
	}
	r.log.Info().Int64("event", id).Msg("spray finished")
	if r.notify != nil {
		ev, err := r.store.Event(id)
		if err != nil {
			ev = SprayEvent{ID: id, EndedAt: now, Completed: true}
		}
		r.notify(false, id, ev)
	}
}

// snapshot captures the cached process readings at the spray start.
// Missing readings record as zero values rather than blocking the spray.
func (r *Recorder) snapshot() SprayEvent {
	var ev SprayEvent
	if v, err := r.cache.GetTag(equipment.TagMainFlowMeasured); err == nil {
		ev.MainFlow = v.Float()
	}
	if v, err := r.cache.GetTag(equipment.TagFeederFlowMeasured); err == nil {
		ev.FeederFlow = v.Float()
	}
	if v, err := r.cache.GetTag(equipment.TagChamberPressure); err == nil {
		ev.ChamberPressure = v.Float()
	}
	if v, err := r.cache.GetTag(equipment.TagNozzlePressure); err == nil {
		ev.NozzlePressure = v.Float()
	}
	if v, err := r.cache.GetTag("feeder_control.feeder1.frequency"); err == nil {
		ev.FeederSpeed = v.String()
	}
	return ev
}

func (r *Recorder) endPressures() (chamber, nozzle float64) {
	if v, err := r.cache.GetTag(equipment.TagChamberPressure); err == nil {
		chamber = v.Float()
	}
	if v, err := r.cache.GetTag(equipment.TagNozzlePressure); err == nil {
		nozzle = v.Float()
	}
	return chamber, nozzle
}
