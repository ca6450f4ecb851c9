package tagcache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"sprayd/driver"
	"sprayd/logging"
	"sprayd/tagmap"
)

// Callback receives tag change notifications. Fan-out is synchronous and
// best-effort: a panicking callback is logged and does not block delivery
// to the others.
type Callback func(path string, tv TagValue)

// CallbackID identifies a registered state callback.
type CallbackID uint64

// Cache holds the current engineering-unit value of every mapped tag. A
// background loop polls the hardware on a fixed interval; writes go
// through validation and conversion before touching a client.
type Cache struct {
	mapper   *tagmap.Mapper
	clients  *driver.Clients
	interval time.Duration
	log      zerolog.Logger

	mu     sync.RWMutex
	values map[string]TagValue

	cbMu  sync.RWMutex
	cbs   map[CallbackID]Callback
	cbSeq uint64

	runMu   sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New builds a cache over the given mapping and hardware clients.
func New(mapper *tagmap.Mapper, clients *driver.Clients, interval time.Duration) *Cache {
	return &Cache{
		mapper:   mapper,
		clients:  clients,
		interval: interval,
		log:      logging.Component("tagcache"),
		values:   make(map[string]TagValue),
		cbs:      make(map[CallbackID]Callback),
	}
}

// Start launches the background poll loop. Idempotent: starting a running
// cache logs a warning and returns.
func (c *Cache) Start(ctx context.Context) {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if c.running {
		c.log.Warn().Msg("poll loop already running")
		return
	}

	pollCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.running = true
	c.wg.Add(1)
	go c.pollLoop(pollCtx)
	c.log.Info().Dur("interval", c.interval).Msg("poll loop started")
}

// Stop cancels the poll loop and waits for it to exit. Cached values are
// retained; only ClearCache discards them.
func (c *Cache) Stop() {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if !c.running {
		return
	}
	c.cancel()
	c.wg.Wait()
	c.running = false
	c.log.Info().Msg("poll loop stopped")
}

// pollLoop re-reads the full hardware state on every tick. A failed
// iteration is logged and abandoned; the next tick is the retry.
func (c *Cache) pollLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	// Prime the cache before the first tick.
	c.pollOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.pollOnce(ctx)
		}
	}
}

// pollOnce reads everything the hardware offers and republishes it into
// the cache. Hardware addresses with no logical mapping are expected
// (internal registers) and skipped without noise.
func (c *Cache) pollOnce(ctx context.Context) {
	c.pollClient(ctx, "plc", c.clients.PLC)
	c.pollClient(ctx, "feeder", c.clients.Feeder)
}

func (c *Cache) pollClient(ctx context.Context, device string, client driver.Client) {
	if client == nil {
		return
	}

	raw, err := c.readDevice(ctx, device, client)
	if err != nil {
		c.log.Warn().Err(err).Str("device", device).Msg("poll iteration failed")
		return
	}

	table := c.mapper.Table()
	for hwAddr, rawVal := range raw {
		path, err := table.ToPath(hwAddr)
		if errors.Is(err, tagmap.ErrUnknownTag) {
			continue
		}
		def, err := table.Definition(path)
		if err != nil {
			continue
		}
		c.store(path, def, toEngineering(def, rawVal))
	}
}

// readDevice prefers a batched full-table read; clients without one are
// polled per mapped tag.
func (c *Cache) readDevice(ctx context.Context, device string, client driver.Client) (map[string]float64, error) {
	if br, ok := client.(driver.BatchReader); ok {
		return br.ReadAll(ctx)
	}

	table := c.mapper.Table()
	out := make(map[string]float64)
	for _, path := range table.Paths() {
		def, err := table.Definition(path)
		if err != nil || def.Transport.String() != device {
			continue
		}
		v, err := client.ReadTag(ctx, def.HWAddress)
		if err != nil {
			return nil, err
		}
		out[def.HWAddress] = v
	}
	return out, nil
}

// store records a value and notifies callbacks when it changed.
func (c *Cache) store(path string, def *tagmap.Definition, v Value) {
	tv := TagValue{Value: v, Def: def, Timestamp: time.Now()}

	c.mu.Lock()
	prev, had := c.values[path]
	c.values[path] = tv
	c.mu.Unlock()

	if !had || !prev.Value.Equal(v) {
		c.notify(path, tv)
	}
}

func (c *Cache) notify(path string, tv TagValue) {
	c.cbMu.RLock()
	cbs := make([]Callback, 0, len(c.cbs))
	for _, cb := range c.cbs {
		cbs = append(cbs, cb)
	}
	c.cbMu.RUnlock()

	for _, cb := range cbs {
		c.runCallback(cb, path, tv)
	}
}

func (c *Cache) runCallback(cb Callback, path string, tv TagValue) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error().Str("tag", path).Interface("panic", r).Msg("state callback panicked")
		}
	}()
	cb(path, tv)
}

// GetTag returns the cached engineering-unit value for a tag.
func (c *Cache) GetTag(path string) (Value, error) {
	tv, err := c.GetTagWithMetadata(path)
	if err != nil {
		return Value{}, err
	}
	return tv.Value, nil
}

// GetTagWithMetadata returns the full value envelope including the record
// timestamp, which consumers use as their staleness signal.
func (c *Cache) GetTagWithMetadata(path string) (TagValue, error) {
	if _, err := c.mapper.Definition(path); err != nil {
		return TagValue{}, err
	}

	c.mu.RLock()
	tv, ok := c.values[path]
	c.mu.RUnlock()
	if !ok {
		return TagValue{}, fmt.Errorf("%w: %s", ErrTagNotCached, path)
	}
	return tv, nil
}

// GetAllTags returns a snapshot copy of the cache.
func (c *Cache) GetAllTags() map[string]TagValue {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]TagValue, len(c.values))
	for k, v := range c.values {
		out[k] = v
	}
	return out
}

// SetTag validates and writes an engineering-unit value to hardware, then
// records the caller's value in the cache. The cache is optimistic about
// confirmed writes (no read-back) but never records a value whose write
// failed.
func (c *Cache) SetTag(ctx context.Context, path string, v Value) error {
	def, err := c.mapper.Definition(path)
	if err != nil {
		return err
	}
	if err := validate(def, v); err != nil {
		return err
	}

	raw, err := toHardware(def, v)
	if err != nil {
		return err
	}

	client := c.clients.PLC
	if def.Transport == tagmap.TransportFeeder {
		client = c.clients.Feeder
	}
	if client == nil {
		return fmt.Errorf("no %s client configured", def.Transport)
	}
	if err := client.WriteTag(ctx, def.HWAddress, raw); err != nil {
		return err
	}

	c.store(path, def, v)
	return nil
}

// ValidateValue checks a proposed write without performing it. Sequence
// validation uses this to pre-flight entire recipes.
func (c *Cache) ValidateValue(path string, v Value) error {
	def, err := c.mapper.Definition(path)
	if err != nil {
		return err
	}
	return validate(def, v)
}

// AddStateCallback registers a change callback and returns its ID.
func (c *Cache) AddStateCallback(cb Callback) CallbackID {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	c.cbSeq++
	id := CallbackID(c.cbSeq)
	c.cbs[id] = cb
	return id
}

// RemoveStateCallback unregisters a callback.
func (c *Cache) RemoveStateCallback(id CallbackID) {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	delete(c.cbs, id)
}

// ClearCache discards all cached values.
func (c *Cache) ClearCache() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values = make(map[string]TagValue)
}

// PollNow runs one poll iteration synchronously. Startup uses it to prime
// the cache before consumers come up; tests use it for determinism.
func (c *Cache) PollNow(ctx context.Context) {
	c.pollOnce(ctx)
}
