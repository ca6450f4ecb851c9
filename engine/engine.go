// Package engine wires the process controller together: tag mapping,
// hardware clients, the tag cache, equipment and motion services, the
// telemetry publishers, and spray history. Consumers (CLI, sequences,
// external surfaces) hold an Engine and its services; nothing reaches
// around it to the hardware.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"sprayd/config"
	"sprayd/driver"
	"sprayd/equipment"
	"sprayd/history"
	"sprayd/logging"
	"sprayd/motion"
	"sprayd/mqtt"
	"sprayd/redispub"
	"sprayd/tagcache"
	"sprayd/tagmap"
)

// healthInterval is how often the composite equipment health is
// re-evaluated for change events.
const healthInterval = 10 * time.Second

// Engine owns the component graph and its lifecycle.
type Engine struct {
	cfg *config.Config
	log zerolog.Logger

	Mapper    *tagmap.Mapper
	Clients   *driver.Clients
	Cache     *tagcache.Cache
	Equipment *equipment.Service
	Motion    *motion.Service
	Events    *EventBus

	mqttPub  *mqtt.Publisher
	redisPub *redispub.Publisher
	store    *history.Store
	recorder *history.Recorder
	stream   *history.Stream

	cacheCB    tagcache.CallbackID
	listenerID config.ListenerID
	started    bool

	healthCancel context.CancelFunc
	healthDone   chan struct{}
}

// New builds the component graph from configuration. Nothing connects or
// polls until Start.
func New(cfg *config.Config) (*Engine, error) {
	doc, err := config.LoadTagDocument(cfg.TagFile)
	if err != nil {
		return nil, fmt.Errorf("load tag document %s: %w", cfg.TagFile, err)
	}
	mapper, err := tagmap.NewMapper(doc)
	if err != nil {
		return nil, fmt.Errorf("build tag mapping: %w", err)
	}

	clients, err := driver.New(cfg)
	if err != nil {
		return nil, err
	}

	cache := tagcache.New(mapper, clients, cfg.Hardware.PLC.PollingInterval)

	e := &Engine{
		cfg:       cfg,
		log:       logging.Component("engine"),
		Mapper:    mapper,
		Clients:   clients,
		Cache:     cache,
		Equipment: equipment.New(cache),
		Motion:    motion.New(cache),
		Events:    NewEventBus(),
	}
	return e, nil
}

// Start connects the hardware, primes and starts the cache, and brings up
// the optional telemetry sinks. A hardware connection failure is fatal;
// an unreachable telemetry broker is logged and skipped.
func (e *Engine) Start(ctx context.Context) error {
	if e.started {
		return nil
	}

	if err := e.Clients.PLC.Connect(ctx); err != nil {
		return fmt.Errorf("plc connect: %w", err)
	}
	e.Events.Emit(Event{Type: EventPLCConnected, Payload: HardwareEvent{Device: "plc"}})

	if err := e.Clients.Feeder.Connect(ctx); err != nil {
		e.Clients.PLC.Disconnect()
		return fmt.Errorf("feeder connect: %w", err)
	}
	e.Events.Emit(Event{Type: EventFeederConnected, Payload: HardwareEvent{Device: "feeder"}})

	// Bridge cache changes onto the event bus; telemetry publishers
	// subscribe there.
	e.cacheCB = e.Cache.AddStateCallback(func(path string, tv tagcache.TagValue) {
		e.Events.Emit(Event{
			Type:      EventTagUpdated,
			Timestamp: tv.Timestamp,
			Payload:   TagEvent{Path: path, Value: tv},
		})
	})

	e.startTelemetry()
	if err := e.startHistory(); err != nil {
		return err
	}

	// Prime the cache so consumers see values immediately, then poll.
	e.Cache.PollNow(ctx)
	e.Cache.Start(ctx)
	e.Events.Emit(Event{Type: EventPollStarted})

	hctx, hcancel := context.WithCancel(context.Background())
	e.healthCancel = hcancel
	e.healthDone = make(chan struct{})
	go e.healthLoop(hctx)

	e.listenerID = e.cfg.RegisterChangeListener(func() {
		if err := e.ReloadTags(); err != nil {
			e.log.Error().Err(err).Msg("tag document reload failed")
		}
	})

	e.started = true
	e.log.Info().Int("tags", e.Mapper.Table().Len()).Msg("engine started")
	return nil
}

func (e *Engine) startTelemetry() {
	if e.cfg.MQTT.Enabled {
		e.mqttPub = mqtt.NewPublisher(e.cfg.MQTT)
		if err := e.mqttPub.Start(); err != nil {
			e.log.Warn().Err(err).Msg("mqtt publisher unavailable")
			e.mqttPub = nil
		} else {
			pub := e.mqttPub
			e.Events.SubscribeTypes(func(ev Event) {
				te := ev.Payload.(TagEvent)
				pub.PublishTag(te.Path, te.Value)
			}, EventTagUpdated)
		}
	}

	if e.cfg.Redis.Enabled {
		e.redisPub = redispub.NewPublisher(e.cfg.Redis)
		if err := e.redisPub.Start(); err != nil {
			e.log.Warn().Err(err).Msg("redis publisher unavailable")
			e.redisPub = nil
		} else {
			pub := e.redisPub
			e.Events.SubscribeTypes(func(ev Event) {
				te := ev.Payload.(TagEvent)
				pub.PublishTag(te.Path, te.Value)
			}, EventTagUpdated)
		}
	}
}

func (e *Engine) startHistory() error {
	if !e.cfg.History.Enabled {
		return nil
	}

	store, err := history.Open(e.cfg.History.Path)
	if err != nil {
		return fmt.Errorf("open spray history: %w", err)
	}
	e.store = store

	if e.cfg.History.Kafka.Enabled {
		e.stream = history.NewStream(e.cfg.History.Kafka)
	}

	e.recorder = history.NewRecorder(store, e.Cache)
	e.recorder.SetNotify(func(started bool, id int64, ev history.SprayEvent) {
		payload := SprayEvent{SessionID: id, MainFlow: ev.MainFlow, FeederFlow: ev.FeederFlow}
		if started {
			e.Events.Emit(Event{Type: EventSprayStarted, Payload: payload})
			return
		}
		e.Events.Emit(Event{Type: EventSprayFinished, Payload: payload})
		if e.stream != nil {
			// Not tied to the Start context: a spray closing during
			// shutdown should still make it onto the stream.
			pctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := e.stream.Publish(pctx, ev); err != nil {
				e.log.Warn().Err(err).Int64("event", id).Msg("spray event stream publish failed")
			}
		}
	})
	e.recorder.Start()
	return nil
}

// healthLoop watches the composite equipment health and emits an event
// whenever the overall OK flag flips.
func (e *Engine) healthLoop(ctx context.Context) {
	defer close(e.healthDone)

	ticker := time.NewTicker(healthInterval)
	defer ticker.Stop()

	last := e.Equipment.Health().OK
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h := e.Equipment.Health()
			if h.OK != last {
				last = h.OK
				e.Events.Emit(Event{Type: EventHealthChanged, Payload: HealthEvent{OK: h.OK}})
				e.log.Info().Bool("ok", h.OK).Msg("equipment health changed")
			}
		}
	}
}

// WriteTag validates and writes one tag through the cache and announces
// the write on the event bus. Sequence and external consumers write
// through here so subscribers can distinguish commanded writes from
// poll updates.
func (e *Engine) WriteTag(ctx context.Context, path string, v tagcache.Value) error {
	if err := e.Cache.SetTag(ctx, path, v); err != nil {
		return err
	}
	tv, err := e.Cache.GetTagWithMetadata(path)
	if err != nil {
		return err
	}
	e.Events.Emit(Event{
		Type:      EventTagWritten,
		Timestamp: tv.Timestamp,
		Payload:   TagEvent{Path: path, Value: tv},
	})
	return nil
}

// ReloadTags re-reads the tag document and swaps the mapping table.
func (e *Engine) ReloadTags() error {
	doc, err := config.LoadTagDocument(e.cfg.TagFile)
	if err != nil {
		return err
	}
	if err := e.Mapper.Rebuild(doc); err != nil {
		return err
	}
	e.Events.Emit(Event{Type: EventConfigReloaded})
	e.log.Info().Int("tags", e.Mapper.Table().Len()).Msg("tag mapping rebuilt")
	return nil
}

// History returns the spray event store, nil when history is disabled.
func (e *Engine) History() *history.Store { return e.store }

// Stop shuts the graph down in reverse dependency order.
func (e *Engine) Stop() {
	if !e.started {
		return
	}
	e.started = false

	e.cfg.UnregisterChangeListener(e.listenerID)

	e.healthCancel()
	<-e.healthDone

	e.Cache.Stop()
	e.Events.Emit(Event{Type: EventPollStopped})
	e.Cache.RemoveStateCallback(e.cacheCB)

	if e.recorder != nil {
		e.recorder.Stop()
	}
	if e.stream != nil {
		e.stream.Close()
	}
	if e.store != nil {
		e.store.Close()
	}
	if e.mqttPub != nil {
		e.mqttPub.Stop()
	}
	if e.redisPub != nil {
		e.redisPub.Stop()
	}

	if err := e.Clients.Feeder.Disconnect(); err != nil {
		e.log.Warn().Err(err).Msg("feeder disconnect")
	}
	e.Events.Emit(Event{Type: EventFeederDisconnected, Payload: HardwareEvent{Device: "feeder"}})
	if err := e.Clients.PLC.Disconnect(); err != nil {
		e.log.Warn().Err(err).Msg("plc disconnect")
	}
	e.Events.Emit(Event{Type: EventPLCDisconnected, Payload: HardwareEvent{Device: "plc"}})

	e.log.Info().Msg("engine stopped")
}
