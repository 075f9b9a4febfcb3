package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/iamslan/fossibot/internal/logger"
	"github.com/iamslan/fossibot/internal/metrics"
	"github.com/iamslan/fossibot/internal/modbus"
)

// Default cadence. A poll that takes longer than its own interval is cut
// off rather than allowed to pile up.
const (
	DefaultPollInterval = 30 * time.Second
	pollTimeout         = 30 * time.Second
	healthInterval      = 60 * time.Second
	stalenessLimit      = 300 * time.Second

	// Empty poll results tolerated before forcing a reconnection.
	maxEmptyResults = 2
)

// Connector is the slice of the connection layer the coordinator drives.
type Connector interface {
	Connect(ctx context.Context) error
	Poll(ctx context.Context) (map[string]modbus.DeviceState, error)
	Reconnect(ctx context.Context) error
	IsConnected() bool
	LastCommunication() time.Time
	Disconnect()
}

// Options configure a Coordinator.
type Options struct {
	// PollInterval defaults to DefaultPollInterval when zero.
	PollInterval time.Duration

	// OnUpdate, when set, receives every non-empty device map.
	OnUpdate func(map[string]modbus.DeviceState)

	Metrics metrics.Collector
}

// Coordinator schedules periodic polls, caches the last good device map
// and watches connection health. Upper layers read Data; they never touch
// the connector directly.
type Coordinator struct {
	conn    Connector
	log     *logger.SmartLogger
	opts    Options
	metrics metrics.Collector

	interval       time.Duration
	healthInterval time.Duration
	stalenessLimit time.Duration

	mu          sync.RWMutex
	cached      map[string]modbus.DeviceState
	lastUpdate  time.Time
	emptyStreak int

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

// New builds a stopped Coordinator around conn.
func New(conn Connector, opts Options) *Coordinator {
	interval := opts.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	collector := opts.Metrics
	if collector == nil {
		collector = metrics.Null{}
	}
	return &Coordinator{
		conn:           conn,
		log:            logger.New("coordinator"),
		opts:           opts,
		metrics:        collector,
		interval:       interval,
		healthInterval: healthInterval,
		stalenessLimit: stalenessLimit,
		cached:         make(map[string]modbus.DeviceState),
		stop:           make(chan struct{}),
	}
}

// Start connects and launches the poll and health-check loops. The first
// poll runs immediately so upper layers have data without waiting a full
// interval.
func (c *Coordinator) Start(ctx context.Context) error {
	if err := c.conn.Connect(ctx); err != nil {
		return err
	}

	c.wg.Add(2)
	go c.pollLoop(ctx)
	go c.healthLoop(ctx)
	c.log.Info("coordinator started, polling every %s", c.interval)
	return nil
}

func (c *Coordinator) pollLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.pollOnce(ctx)
	for {
		select {
		case <-ticker.C:
			c.pollOnce(ctx)
		case <-c.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// pollOnce runs one bounded poll and updates the cache. Two consecutive
// empty results mean the session looks alive but no device answers, which
// in practice is a dead broker connection.
func (c *Coordinator) pollOnce(ctx context.Context) {
	pollCtx, cancel := context.WithTimeout(ctx, pollTimeout)
	data, err := c.conn.Poll(pollCtx)
	cancel()

	if err != nil || len(data) == 0 {
		if err != nil {
			c.log.Warning("poll failed: %v", err)
		} else {
			c.log.Warning("poll returned no data")
		}
		c.noteEmpty(ctx)
		return
	}

	c.mu.Lock()
	c.cached = data
	c.lastUpdate = time.Now()
	c.emptyStreak = 0
	c.mu.Unlock()

	c.metrics.SetConnected(true)
	if c.opts.OnUpdate != nil {
		c.opts.OnUpdate(data)
	}
}

func (c *Coordinator) noteEmpty(ctx context.Context) {
	c.mu.Lock()
	c.emptyStreak++
	streak := c.emptyStreak
	c.mu.Unlock()

	if streak < maxEmptyResults {
		return
	}
	c.log.Warning("%d consecutive empty polls, forcing reconnection", streak)
	c.triggerReconnect(ctx)
}

// triggerReconnect starts a background reconnection. The connector's gate
// makes concurrent triggers idempotent.
func (c *Coordinator) triggerReconnect(ctx context.Context) {
	c.mu.Lock()
	c.emptyStreak = 0
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.conn.Reconnect(ctx); err != nil {
			c.log.Error("reconnection failed: %v", err)
		}
	}()
}

func (c *Coordinator) healthLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.healthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.checkHealth(ctx)
		case <-c.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// checkHealth forces a reconnection when nothing has been heard from any
// device for longer than the staleness limit.
func (c *Coordinator) checkHealth(ctx context.Context) {
	last := c.conn.LastCommunication()
	if last.IsZero() {
		return
	}
	stale := time.Since(last)
	if stale <= c.stalenessLimit {
		return
	}
	c.log.Warning("no device communication for %s, forcing reconnection", stale.Round(time.Second))
	c.triggerReconnect(ctx)
}

// PollNow runs one immediate bounded poll. On failure it returns the
// cached map so a transient miss does not surface as unavailability.
func (c *Coordinator) PollNow(ctx context.Context) map[string]modbus.DeviceState {
	c.pollOnce(ctx)
	return c.Data()
}

// Data returns a copy of the last good device map.
func (c *Coordinator) Data() map[string]modbus.DeviceState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]modbus.DeviceState, len(c.cached))
	for id, state := range c.cached {
		copied := make(modbus.DeviceState, len(state))
		for key, value := range state {
			copied[key] = value
		}
		out[id] = copied
	}
	return out
}

// LastUpdate reports when the cache last changed.
func (c *Coordinator) LastUpdate() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastUpdate
}

// Shutdown stops both loops, waits for in-flight work and disconnects.
// Idempotent.
func (c *Coordinator) Shutdown() {
	c.stopOnce.Do(func() {
		close(c.stop)
		c.wg.Wait()
		c.conn.Disconnect()
		c.metrics.SetConnected(false)
		c.log.Info("coordinator stopped")
	})
}
