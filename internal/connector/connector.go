package connector

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/iamslan/fossibot/internal/api"
	"github.com/iamslan/fossibot/internal/errors"
	"github.com/iamslan/fossibot/internal/logger"
	"github.com/iamslan/fossibot/internal/metrics"
	"github.com/iamslan/fossibot/internal/modbus"
	"github.com/iamslan/fossibot/internal/mqtt"
)

// Production broker fallback, used when the API provides no hint. A
// developer-mode deployment may configure its own fallback host.
const (
	DefaultBrokerHost = "mqtt.sydpower.com"
	DefaultBrokerPort = 8083
)

// apiClient is the slice of api.Client the connector drives.
type apiClient interface {
	Authenticate(ctx context.Context, username, password string) error
	GetMQTTInfo(ctx context.Context) (api.MQTTInfo, error)
	GetDevices(ctx context.Context) (map[string]api.Device, error)
	Close()
}

// session is the slice of mqtt.Session the connector drives.
type session interface {
	Connect(ctx context.Context, token string, deviceIDs []string, host string, port int) error
	SetOnConnectionLost(fn func(err error))
	PublishCommand(deviceID string, frame []byte) error
	DataUpdated() <-chan struct{}
	Snapshot() map[string]modbus.DeviceState
	DeviceState(deviceID string) (modbus.DeviceState, bool)
	IsConnected() bool
	Disconnect()
}

// timings collects every bounded wait in the state machine. Tests shrink
// them; production uses the defaults.
type timings struct {
	lockTimeout       time.Duration
	authTimeout       time.Duration
	infoTimeout       time.Duration
	deviceListTimeout time.Duration
	verifyWait        time.Duration
	dataWait          time.Duration
	multiDeviceGrace  time.Duration
	gateWaitConnect   time.Duration
	gateWaitCall      time.Duration
	connectTimeout    time.Duration
	attemptTimeout    time.Duration
	baseDelay         time.Duration
	maxDelay          time.Duration
	minReconnectGap   time.Duration
	cleanupSettle     time.Duration
	wakeSettle        time.Duration
	commandSettle     time.Duration
	maxAttempts       int
}

func defaultTimings() timings {
	return timings{
		lockTimeout:       10 * time.Second,
		authTimeout:       30 * time.Second,
		infoTimeout:       15 * time.Second,
		deviceListTimeout: 15 * time.Second,
		verifyWait:        5 * time.Second,
		dataWait:          5 * time.Second,
		multiDeviceGrace:  2 * time.Second,
		gateWaitConnect:   15 * time.Second,
		gateWaitCall:      30 * time.Second,
		connectTimeout:    30 * time.Second,
		attemptTimeout:    45 * time.Second,
		baseDelay:         3 * time.Second,
		maxDelay:          30 * time.Second,
		minReconnectGap:   5 * time.Second,
		cleanupSettle:     2 * time.Second,
		wakeSettle:        time.Second,
		commandSettle:     time.Second,
		maxAttempts:       10,
	}
}

// Options configure a Connector.
type Options struct {
	Username string
	Password string

	// DeveloperMode switches the broker fallback to DeveloperBroker when
	// one is configured.
	DeveloperMode   bool
	DeveloperBroker string

	Metrics metrics.Collector
}

// Connector owns the cloud session end to end: API handshake, broker
// discovery, MQTT session, verification, polling and the reconnection
// state machine. Safe for concurrent use.
type Connector struct {
	opts Options
	log  *logger.SmartLogger
	tm   timings

	connLock *timedMutex
	gate     *gate

	mu            sync.RWMutex
	api           apiClient
	sess          session
	devices       map[string]api.Device
	data          map[string]modbus.DeviceState
	lastComm      time.Time
	reconnecting  bool
	lastReconnect time.Time

	metrics metrics.Collector

	// Factories, swapped out by tests.
	newAPI     func() apiClient
	newSession func() session
}

// New builds a disconnected Connector.
func New(opts Options) *Connector {
	collector := opts.Metrics
	if collector == nil {
		collector = metrics.Null{}
	}
	return &Connector{
		opts:       opts,
		log:        logger.New("connector"),
		tm:         defaultTimings(),
		connLock:   newTimedMutex(),
		gate:       newGate(),
		devices:    make(map[string]api.Device),
		data:       make(map[string]modbus.DeviceState),
		metrics:    collector,
		newAPI:     func() apiClient { return api.NewClient() },
		newSession: func() session { return mqtt.NewSession() },
	}
}

// Connect brings the full session up: authenticate, discover the broker,
// subscribe and verify. Safe to call when already connected.
func (c *Connector) Connect(ctx context.Context) error {
	if c.isReconnecting() {
		c.log.Debug("connect called during reconnection, waiting on gate")
		if err := c.gate.Wait(ctx, c.tm.gateWaitConnect); err != nil {
			return err
		}
		if c.IsConnected() {
			return nil
		}
	}
	if c.IsConnected() {
		return nil
	}

	if err := c.connLock.Acquire(ctx, c.tm.lockTimeout); err != nil {
		return err
	}
	defer c.connLock.Release()

	if c.IsConnected() {
		return nil
	}
	return c.connectLocked(ctx)
}

// connectLocked runs the handshake. Callers hold connLock.
func (c *Connector) connectLocked(ctx context.Context) error {
	c.mu.Lock()
	if c.api == nil {
		c.api = c.newAPI()
	}
	if c.sess == nil {
		c.sess = c.newSession()
		c.sess.SetOnConnectionLost(c.handleConnectionLost)
	}
	apiClient, sess := c.api, c.sess
	c.mu.Unlock()

	c.log.Info("authenticating with API")
	authCtx, cancel := context.WithTimeout(ctx, c.tm.authTimeout)
	err := apiClient.Authenticate(authCtx, c.opts.Username, c.opts.Password)
	cancel()
	if err != nil {
		c.cleanup()
		return err
	}

	c.log.Info("fetching MQTT access grant")
	infoCtx, cancel := context.WithTimeout(ctx, c.tm.infoTimeout)
	info, err := apiClient.GetMQTTInfo(infoCtx)
	cancel()
	if err != nil {
		c.cleanup()
		return err
	}

	c.log.Info("fetching device list")
	devCtx, cancel := context.WithTimeout(ctx, c.tm.deviceListTimeout)
	devices, err := apiClient.GetDevices(devCtx)
	cancel()
	if err != nil {
		c.cleanup()
		return err
	}
	if len(devices) == 0 {
		c.cleanup()
		return errors.NewProtocolError("connect", fmt.Errorf("no devices on account"))
	}

	deviceIDs := make([]string, 0, len(devices))
	for id := range devices {
		deviceIDs = append(deviceIDs, id)
	}
	c.mu.Lock()
	c.devices = devices
	c.mu.Unlock()
	c.log.Info("found %d devices: %v", len(deviceIDs), deviceIDs)

	var lastErr error
	for _, candidate := range c.brokerCandidates(info) {
		c.log.Info("trying broker %s:%d", candidate.host, candidate.port)
		if err := sess.Connect(ctx, info.Token, deviceIDs, candidate.host, candidate.port); err != nil {
			c.log.Warning("broker %s:%d failed: %v", candidate.host, candidate.port, err)
			lastErr = err
			continue
		}
		if !c.verify(ctx, sess, deviceIDs) {
			c.log.Warning("verification round-trip failed on %s:%d", candidate.host, candidate.port)
			sess.Disconnect()
			lastErr = errors.NewTimeoutError("verify connection", c.tm.verifyWait.String())
			continue
		}
		c.touch()
		c.log.Info("connection established and verified via %s:%d", candidate.host, candidate.port)
		return nil
	}

	c.cleanup()
	if lastErr == nil {
		lastErr = errors.NewNetworkError("connect", fmt.Errorf("no broker candidates"))
	}
	return lastErr
}

type broker struct {
	host string
	port int
}

// brokerCandidates orders the API hint before the mode fallback, deduped.
func (c *Connector) brokerCandidates(info api.MQTTInfo) []broker {
	fallback := broker{host: DefaultBrokerHost, port: DefaultBrokerPort}
	if c.opts.DeveloperMode && c.opts.DeveloperBroker != "" {
		fallback.host = c.opts.DeveloperBroker
	}

	var out []broker
	if info.Host != "" {
		hinted := broker{host: info.Host, port: info.Port}
		if hinted.port == 0 {
			hinted.port = DefaultBrokerPort
		}
		out = append(out, hinted)
	}
	if len(out) == 0 || out[0] != fallback {
		out = append(out, fallback)
	}
	return out
}

// verify requests data from every device and waits for a single response.
// A broker that accepts the CONNECT but routes nothing is as dead as a
// refused one.
func (c *Connector) verify(ctx context.Context, sess session, deviceIDs []string) bool {
	drain(sess.DataUpdated())
	for _, id := range deviceIDs {
		if err := sess.PublishCommand(id, modbus.REGRequestSettings); err != nil {
			c.log.Warning("verification publish to %s failed: %v", id, err)
			return false
		}
	}
	select {
	case <-sess.DataUpdated():
		return true
	case <-time.After(c.tm.verifyWait):
		return false
	case <-ctx.Done():
		return false
	}
}

// Poll publishes a register read to every device and returns the merged
// state map. When the first read round stays silent it falls back to the
// wake-and-read sequence. An empty map with nil error means no device
// answered.
func (c *Connector) Poll(ctx context.Context) (map[string]modbus.DeviceState, error) {
	if c.isReconnecting() {
		c.log.Debug("poll waiting on reconnection gate")
		if err := c.gate.Wait(ctx, c.tm.gateWaitCall); err != nil {
			return nil, err
		}
	}
	if !c.IsConnected() {
		connectCtx, cancel := context.WithTimeout(ctx, c.tm.connectTimeout)
		err := c.Connect(connectCtx)
		cancel()
		if err != nil {
			c.metrics.IncrementPolls(false)
			return nil, err
		}
	}

	c.mu.RLock()
	sess := c.sess
	devices := c.devices
	c.mu.RUnlock()
	if sess == nil || len(devices) == 0 {
		c.metrics.IncrementPolls(false)
		return map[string]modbus.DeviceState{}, nil
	}

	if c.readRound(ctx, sess, devices) {
		c.metrics.IncrementPolls(true)
		return c.mergeSnapshot(sess), nil
	}

	// Firmware quirk: after the first read the devices frequently ignore
	// further reads until a write wakes them. Writing the cached screen
	// rest time back to itself is a no-op on the device.
	c.log.Debug("primary read silent, running wake-and-read")
	c.wakeDevices(sess, devices)
	if !sleepCtx(ctx, c.tm.wakeSettle) {
		return nil, ctx.Err()
	}
	if c.readRound(ctx, sess, devices) {
		c.metrics.IncrementPolls(true)
		return c.mergeSnapshot(sess), nil
	}

	c.log.Warning("poll timed out with no device responses")
	c.metrics.IncrementPolls(false)
	return map[string]modbus.DeviceState{}, nil
}

// readRound publishes a read to every device and waits for at least one
// response, holding a grace window for the rest when several devices are
// configured.
func (c *Connector) readRound(ctx context.Context, sess session, devices map[string]api.Device) bool {
	drain(sess.DataUpdated())
	for id, dev := range devices {
		frame := modbus.EncodeRead(dev.SlaveAddress, dev.RegisterCount)
		if err := sess.PublishCommand(id, frame); err != nil {
			c.log.Warning("read publish to %s failed: %v", id, err)
		}
	}

	select {
	case <-sess.DataUpdated():
	case <-time.After(c.tm.dataWait):
		return false
	case <-ctx.Done():
		return false
	}

	if len(devices) > 1 {
		sleepCtx(ctx, c.tm.multiDeviceGrace)
	}
	return true
}

// wakeDevices writes each device's cached screenRestTime back to itself.
// Devices with no cached settings dump are skipped.
func (c *Connector) wakeDevices(sess session, devices map[string]api.Device) {
	for id, dev := range devices {
		state, ok := sess.DeviceState(id)
		if !ok {
			continue
		}
		rest, ok := state["screenRestTime"].(int)
		if !ok {
			continue
		}
		frame, err := modbus.EncodeWrite(dev.SlaveAddress, modbus.RegScreenRestTime, uint16(rest))
		if err != nil {
			c.log.Warning("wake write for %s rejected: %v", id, err)
			continue
		}
		if err := sess.PublishCommand(id, frame); err != nil {
			c.log.Warning("wake write to %s failed: %v", id, err)
		}
	}
}

// mergeSnapshot folds the session's accumulated state into the connector's
// device map and returns a copy.
func (c *Connector) mergeSnapshot(sess session) map[string]modbus.DeviceState {
	snap := sess.Snapshot()

	c.mu.Lock()
	for id, update := range snap {
		state, ok := c.data[id]
		if !ok {
			state = make(modbus.DeviceState, len(update))
			c.data[id] = state
		}
		for key, value := range update {
			state[key] = value
		}
	}
	out := make(map[string]modbus.DeviceState, len(c.data))
	for id, state := range c.data {
		copied := make(modbus.DeviceState, len(state))
		for key, value := range state {
			copied[key] = value
		}
		out[id] = copied
	}
	c.lastComm = time.Now()
	c.mu.Unlock()
	return out
}

// RunCommand publishes a named catalogue command to a device.
func (c *Connector) RunCommand(ctx context.Context, deviceID, name string) error {
	if !modbus.KnownCommand(name) {
		return errors.NewProtocolError("run command",
			fmt.Errorf("unknown command %q", name))
	}
	return c.runCommand(ctx, deviceID, modbus.PresetCommand(name))
}

// WriteRegister publishes a raw register write, subject to the allowlist.
func (c *Connector) WriteRegister(ctx context.Context, deviceID string, register, value uint16) error {
	return c.runCommand(ctx, deviceID, modbus.WriteRegisterCommand(register, value))
}

func (c *Connector) runCommand(ctx context.Context, deviceID string, cmd modbus.Command) error {
	if c.isReconnecting() {
		c.log.Debug("command waiting on reconnection gate")
		if err := c.gate.Wait(ctx, c.tm.gateWaitCall); err != nil {
			return err
		}
	}
	if !c.IsConnected() {
		connectCtx, cancel := context.WithTimeout(ctx, c.tm.connectTimeout)
		err := c.Connect(connectCtx)
		cancel()
		if err != nil {
			return err
		}
	}

	c.mu.RLock()
	sess := c.sess
	dev, known := c.devices[deviceID]
	c.mu.RUnlock()
	if sess == nil {
		return errors.NewNetworkError("run command", fmt.Errorf("no session"))
	}

	slave := uint8(modbus.DefaultSlaveAddress)
	if known {
		slave = dev.SlaveAddress
	} else {
		c.log.Warning("command for unknown device %s, using default slave address", deviceID)
	}

	frame, err := modbus.Encode(slave, cmd)
	if err != nil {
		return err
	}
	if err := sess.PublishCommand(deviceID, frame); err != nil {
		return err
	}
	c.touch()
	c.metrics.IncrementCommands()

	// Devices drop a follow-up command issued immediately after an ACK.
	sleepCtx(ctx, c.tm.commandSettle)
	return nil
}

// handleConnectionLost is called from the session on unexpected broker
// loss. It kicks off a background reconnection cycle.
func (c *Connector) handleConnectionLost(err error) {
	c.log.Warning("broker connection lost: %v", err)

	c.mu.Lock()
	if time.Since(c.lastComm) > 60*time.Second {
		// Stale for a while already; skip the reconnect spacing.
		c.lastReconnect = time.Time{}
	}
	c.mu.Unlock()

	go func() {
		if err := c.Reconnect(context.Background()); err != nil {
			c.log.Error("reconnection failed: %v", err)
		}
	}()
}

// Reconnect tears the session down and rebuilds it with capped exponential
// backoff. At most one cycle runs at a time; concurrent callers wait on
// the gate and return its outcome.
func (c *Connector) Reconnect(ctx context.Context) error {
	c.mu.Lock()
	gap := c.tm.minReconnectGap - time.Since(c.lastReconnect)
	c.mu.Unlock()
	if gap > 0 {
		if !sleepCtx(ctx, gap) {
			return ctx.Err()
		}
	}

	if c.isReconnecting() {
		c.log.Debug("reconnection already in progress, waiting")
		if err := c.gate.Wait(ctx, c.tm.gateWaitCall); err != nil {
			return err
		}
		if c.IsConnected() {
			return nil
		}
		return errors.NewNetworkError("reconnect", fmt.Errorf("concurrent reconnection failed"))
	}

	if err := c.connLock.Acquire(ctx, c.tm.lockTimeout); err != nil {
		return err
	}

	c.mu.Lock()
	c.reconnecting = true
	c.lastReconnect = time.Now()
	c.mu.Unlock()
	c.gate.Close()
	c.metrics.IncrementReconnections()

	defer func() {
		c.mu.Lock()
		c.reconnecting = false
		c.mu.Unlock()
		c.gate.Open()
		c.connLock.Release()
	}()

	c.log.Info("starting reconnection cycle")
	c.cleanup()
	if !sleepCtx(ctx, c.tm.cleanupSettle) {
		return ctx.Err()
	}

	var lastErr error
	for attempt := 0; attempt < c.tm.maxAttempts; attempt++ {
		c.log.Info("reconnection attempt %d/%d", attempt+1, c.tm.maxAttempts)

		attemptCtx, cancel := context.WithTimeout(ctx, c.tm.attemptTimeout)
		err := c.connectLocked(attemptCtx)
		cancel()
		if err == nil {
			c.touch()
			c.log.Info("reconnected on attempt %d", attempt+1)
			return nil
		}
		if errors.IsCancelled(err) {
			return err
		}
		lastErr = err
		c.log.Warning("reconnection attempt %d failed: %v", attempt+1, err)

		if attempt < c.tm.maxAttempts-1 {
			delay := backoffDelay(c.tm.baseDelay, c.tm.maxDelay, attempt)
			c.log.Debug("waiting %s before next attempt", delay)
			if !sleepCtx(ctx, delay) {
				return ctx.Err()
			}
		}
	}
	c.log.Error("failed to reconnect after %d attempts", c.tm.maxAttempts)
	return lastErr
}

// backoffDelay is min(base × 1.5^attempt, max).
func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	delay := time.Duration(float64(base) * math.Pow(1.5, float64(attempt)))
	if delay > max {
		return max
	}
	return delay
}

// Devices returns the device records from the last successful handshake.
func (c *Connector) Devices() map[string]api.Device {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]api.Device, len(c.devices))
	for id, dev := range c.devices {
		out[id] = dev
	}
	return out
}

// IsConnected reports whether a live, verified session exists.
func (c *Connector) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sess != nil && c.sess.IsConnected()
}

// LastCommunication reports the last time any device answered or accepted
// a command.
func (c *Connector) LastCommunication() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastComm
}

// Disconnect tears down the MQTT session and API transport.
func (c *Connector) Disconnect() {
	c.cleanup()
	c.log.Info("disconnected from all services")
}

func (c *Connector) cleanup() {
	c.mu.Lock()
	sess, apiClient := c.sess, c.api
	c.sess, c.api = nil, nil
	c.mu.Unlock()

	if sess != nil {
		sess.Disconnect()
	}
	if apiClient != nil {
		apiClient.Close()
	}
}

func (c *Connector) isReconnecting() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.reconnecting
}

func (c *Connector) touch() {
	c.mu.Lock()
	c.lastComm = time.Now()
	c.mu.Unlock()
}

// drain empties a pending data-updated signal.
func drain(ch <-chan struct{}) {
	select {
	case <-ch:
	default:
	}
}

// sleepCtx sleeps for d unless ctx ends first; reports whether the full
// sleep completed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}
