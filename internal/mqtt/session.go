package mqtt

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/eclipse/paho.mqtt.golang/packets"
	"github.com/google/uuid"

	"github.com/iamslan/fossibot/internal/errors"
	"github.com/iamslan/fossibot/internal/logger"
	"github.com/iamslan/fossibot/internal/metrics"
	"github.com/iamslan/fossibot/internal/modbus"
)

// Fixed broker parameters. The password is a vendor literal shared by every
// client; authentication happens through the per-session username token.
const (
	password       = "helloyou"
	websocketPath  = "/mqtt"
	keepAlive      = 30 * time.Second
	connectTimeout = 30 * time.Second
)

// A state-topic payload shorter than this is a device keepalive, not a
// register dump.
const minStatePayload = 10

// RegisterHandler receives raw registers for a device instead of the
// default decoder. Used by the connector during verification round-trips.
type RegisterHandler func(topic string, registers []uint16)

// newPahoClient is swapped out by tests.
var newPahoClient = func(opts *paho.ClientOptions) paho.Client {
	return paho.NewClient(opts)
}

// Session is one MQTT-over-WebSocket connection carrying every subscribed
// device. Incoming register frames are decoded and merged into a per-device
// state map; DataUpdated signals arrivals.
type Session struct {
	log     *logger.SmartLogger
	cache   *messageCache
	metrics metrics.Collector

	mu        sync.RWMutex
	client    paho.Client
	deviceIDs []string
	devices   map[string]modbus.DeviceState
	handlers  map[string]RegisterHandler
	lastComm  time.Time

	dataUpdated   chan struct{}
	disconnecting bool

	// Called from the paho networking goroutine on unexpected loss.
	onConnectionLost func(err error)
}

// NewSession builds an unconnected session.
func NewSession() *Session {
	return &Session{
		log:         logger.New("mqtt"),
		cache:       newMessageCache(),
		metrics:     metrics.Null{},
		devices:     make(map[string]modbus.DeviceState),
		handlers:    make(map[string]RegisterHandler),
		dataUpdated: make(chan struct{}, 1),
	}
}

// SetMetrics installs a collector. Must be called before Connect.
func (s *Session) SetMetrics(c metrics.Collector) {
	if c != nil {
		s.metrics = c
	}
}

// SetOnConnectionLost installs the unexpected-disconnect callback. Must be
// called before Connect.
func (s *Session) SetOnConnectionLost(fn func(err error)) {
	s.onConnectionLost = fn
}

// clientID generates an identifier in the vendor app's format:
// client_<24 hex chars>_<unix ms>. The broker kicks colliding IDs, so each
// connect gets a fresh one.
func clientID() string {
	hex := strings.ReplaceAll(uuid.NewString(), "-", "")[:24]
	return fmt.Sprintf("client_%s_%d", hex, time.Now().UnixMilli())
}

// Connect dials the broker over WebSocket, subscribes to every device's
// response topics and requests initial settings. It blocks until the
// subscription round is done or the timeout passes.
func (s *Session) Connect(ctx context.Context, token string, deviceIDs []string, host string, port int) error {
	s.mu.Lock()
	s.disconnecting = false
	s.deviceIDs = append([]string(nil), deviceIDs...)
	s.mu.Unlock()

	subscribed := make(chan error, 1)

	opts := paho.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("ws://%s:%d%s", host, port, websocketPath))
	opts.SetClientID(clientID())
	opts.SetUsername(token)
	opts.SetPassword(password)
	opts.SetProtocolVersion(4)
	opts.SetCleanSession(true)
	opts.SetKeepAlive(keepAlive)
	opts.SetConnectTimeout(connectTimeout)
	opts.SetAutoReconnect(false)
	opts.SetOnConnectHandler(func(client paho.Client) {
		s.log.Debug("broker connection up, subscribing")
		select {
		case subscribed <- s.subscribeAll(client):
		default:
		}
	})
	opts.SetConnectionLostHandler(func(client paho.Client, err error) {
		s.connectionLost(err)
	})
	opts.SetDefaultPublishHandler(func(client paho.Client, msg paho.Message) {
		s.onMessage(msg)
	})

	client := newPahoClient(opts)
	s.mu.Lock()
	s.client = client
	s.mu.Unlock()

	s.log.Debug("connecting to broker ws://%s:%d%s", host, port, websocketPath)
	connect := client.Connect()
	if !connect.WaitTimeout(connectTimeout) {
		client.Disconnect(0)
		return errors.NewTimeoutError("mqtt connect", connectTimeout.String())
	}
	if err := connect.Error(); err != nil {
		s.log.Error("broker refused connection: %s", connackReason(err))
		return errors.NewNetworkError("mqtt connect", err)
	}

	select {
	case err := <-subscribed:
		if err != nil {
			client.Disconnect(250)
			return err
		}
	case <-time.After(connectTimeout):
		client.Disconnect(250)
		return errors.NewTimeoutError("mqtt subscribe", connectTimeout.String())
	case <-ctx.Done():
		client.Disconnect(250)
		return ctx.Err()
	}

	s.metrics.SetConnected(true)
	s.log.Info("MQTT session established for %d devices", len(deviceIDs))
	return nil
}

// subscribeAll clears any previous subscriptions, subscribes both response
// topics per device at QoS 1 and requests initial settings. Runs on every
// (re)connect so a broker-side session reset cannot leave stale routes.
func (s *Session) subscribeAll(client paho.Client) error {
	s.mu.RLock()
	deviceIDs := s.deviceIDs
	s.mu.RUnlock()

	if len(deviceIDs) == 0 {
		return errors.NewProtocolError("subscribe", fmt.Errorf("no devices to subscribe to"))
	}

	filters := make(map[string]byte, 2*len(deviceIDs))
	topics := make([]string, 0, 2*len(deviceIDs))
	for _, id := range deviceIDs {
		for _, topic := range []string{
			id + "/device/response/state",
			id + "/device/response/client/+",
		} {
			filters[topic] = 1
			topics = append(topics, topic)
		}
	}

	if token := client.Unsubscribe(topics...); token.Wait() && token.Error() != nil {
		s.log.Warning("unsubscribe before resubscribe failed: %v", token.Error())
	}
	if token := client.SubscribeMultiple(filters, func(client paho.Client, msg paho.Message) {
		s.onMessage(msg)
	}); token.Wait() && token.Error() != nil {
		return errors.NewNetworkError("subscribe", token.Error())
	}
	s.log.Debug("subscribed to %d topics", len(filters))

	for _, id := range deviceIDs {
		s.log.Debug("requesting initial settings from %s", id)
		client.Publish(id+"/client/request/data", 1, false, modbus.REGRequestSettings)
	}
	return nil
}

// onMessage is the receive path: dedup, length gates, header strip, decode,
// merge. It runs on paho's callback goroutine and must not block.
func (s *Session) onMessage(msg paho.Message) {
	topic := msg.Topic()
	payload := msg.Payload()

	if s.cache.Duplicate(topic, payload) {
		s.log.Debug("skipping duplicate message on %s", topic)
		s.metrics.IncrementDroppedDuplicates()
		return
	}

	// State-topic keepalives are short and carry no registers.
	if strings.HasSuffix(topic, "/device/response/state") && len(payload) < minStatePayload {
		return
	}
	if len(payload) < 8 {
		s.log.Warning("payload too short on %s: % X", topic, payload)
		return
	}
	data := payload[6:]
	if len(data)%2 != 0 {
		s.log.Warning("odd register byte count on %s", topic)
		return
	}

	registers := make([]uint16, len(data)/2)
	for i := range registers {
		registers[i] = modbus.HighLowToInt(data[2*i], data[2*i+1])
	}
	if len(registers) < 57 {
		s.log.Warning("unexpected register count on %s: %d", topic, len(registers))
		return
	}

	deviceID := strings.SplitN(topic, "/", 2)[0]

	s.mu.RLock()
	handler := s.handlers[deviceID]
	s.mu.RUnlock()
	if handler != nil {
		handler(topic, registers)
		return
	}

	update := modbus.ParseRegisters(registers, topic)
	if len(update) == 0 {
		s.log.Warning("no device update extracted from %s", topic)
		return
	}
	if soc, ok := update["soc"]; ok {
		s.log.StatusUpdate("device %s state of charge: %v%%", deviceID, soc)
	}
	s.merge(deviceID, update)
}

// merge folds an update into the device map and signals listeners.
func (s *Session) merge(deviceID string, update modbus.DeviceState) {
	s.mu.Lock()
	state, ok := s.devices[deviceID]
	if !ok {
		state = make(modbus.DeviceState, len(update))
		s.devices[deviceID] = state
	}
	for key, value := range update {
		state[key] = value
	}
	s.lastComm = time.Now()
	s.mu.Unlock()

	s.metrics.IncrementDecodedFrames()
	select {
	case s.dataUpdated <- struct{}{}:
	default:
	}
}

func (s *Session) connectionLost(err error) {
	s.mu.RLock()
	intentional := s.disconnecting
	callback := s.onConnectionLost
	s.mu.RUnlock()

	s.metrics.SetConnected(false)
	if intentional {
		s.log.Debug("connection closed intentionally")
		return
	}
	s.log.Warning("unexpected MQTT disconnection: %v", err)
	if callback != nil {
		go callback(err)
	}
}

// connackReason maps a connect failure back to the broker's CONNACK return
// code when the transport carried one through, for log readability.
func connackReason(err error) string {
	for code, connErr := range packets.ConnErrors {
		if connErr != nil && err == connErr {
			return fmt.Sprintf("CONNACK %d (%v)", code, connErr)
		}
	}
	return err.Error()
}

// PublishCommand sends a pre-encoded Modbus frame to a device at QoS 1.
func (s *Session) PublishCommand(deviceID string, frame []byte) error {
	s.mu.RLock()
	client := s.client
	s.mu.RUnlock()

	if client == nil || !client.IsConnected() {
		return errors.NewNetworkError("publish",
			fmt.Errorf("not connected to broker"))
	}
	s.log.Debug("publishing % X to %s", frame, deviceID)
	token := client.Publish(deviceID+"/client/request/data", 1, false, frame)
	if token.Wait() && token.Error() != nil {
		return errors.NewNetworkError("publish", token.Error())
	}
	return nil
}

// RequestData asks a device to republish its settings registers.
func (s *Session) RequestData(deviceID string) error {
	return s.PublishCommand(deviceID, modbus.REGRequestSettings)
}

// RegisterHandler routes a device's raw register frames to fn instead of
// the default decoder. Passing nil restores the default.
func (s *Session) RegisterHandler(deviceID string, fn RegisterHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if fn == nil {
		delete(s.handlers, deviceID)
		return
	}
	s.handlers[deviceID] = fn
}

// DataUpdated signals whenever a device update lands. The channel carries
// at most one pending signal.
func (s *Session) DataUpdated() <-chan struct{} {
	return s.dataUpdated
}

// Snapshot returns a deep copy of every device's accumulated state.
func (s *Session) Snapshot() map[string]modbus.DeviceState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]modbus.DeviceState, len(s.devices))
	for id, state := range s.devices {
		copied := make(modbus.DeviceState, len(state))
		for key, value := range state {
			copied[key] = value
		}
		out[id] = copied
	}
	return out
}

// DeviceState returns a copy of one device's state.
func (s *Session) DeviceState(deviceID string) (modbus.DeviceState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.devices[deviceID]
	if !ok {
		return nil, false
	}
	copied := make(modbus.DeviceState, len(state))
	for key, value := range state {
		copied[key] = value
	}
	return copied, true
}

// LastCommunication reports when a device update last arrived.
func (s *Session) LastCommunication() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastComm
}

// IsConnected reports whether the underlying client holds a live broker
// connection.
func (s *Session) IsConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.client != nil && s.client.IsConnected()
}

// Disconnect closes the broker connection without firing the
// connection-lost callback.
func (s *Session) Disconnect() {
	s.mu.Lock()
	s.disconnecting = true
	client := s.client
	s.client = nil
	s.mu.Unlock()

	if client != nil {
		client.Disconnect(250)
		s.metrics.SetConnected(false)
		s.log.Info("MQTT session closed")
	}
}
