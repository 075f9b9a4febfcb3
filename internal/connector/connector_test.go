package connector

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iamslan/fossibot/internal/api"
	ferrors "github.com/iamslan/fossibot/internal/errors"
	"github.com/iamslan/fossibot/internal/modbus"
)

const (
	deviceOne = "7C2C67AABBCC"
	deviceTwo = "7C2C67DDEEFF"
)

func fastTimings() timings {
	return timings{
		lockTimeout:       100 * time.Millisecond,
		authTimeout:       time.Second,
		infoTimeout:       time.Second,
		deviceListTimeout: time.Second,
		verifyWait:        50 * time.Millisecond,
		dataWait:          50 * time.Millisecond,
		multiDeviceGrace:  5 * time.Millisecond,
		gateWaitConnect:   50 * time.Millisecond,
		gateWaitCall:      50 * time.Millisecond,
		connectTimeout:    time.Second,
		attemptTimeout:    time.Second,
		baseDelay:         time.Millisecond,
		maxDelay:          10 * time.Millisecond,
		minReconnectGap:   0,
		cleanupSettle:     0,
		wakeSettle:        time.Millisecond,
		commandSettle:     0,
		maxAttempts:       3,
	}
}

type fakeAPI struct {
	mu         sync.Mutex
	authErrs   []error
	info       api.MQTTInfo
	devices    map[string]api.Device
	devicesErr error
	authCalls  int
	closeCalls int

	// When set, Authenticate announces itself on authStarted and then
	// parks on authGate, letting tests hold a cycle mid-flight.
	authStarted chan struct{}
	authGate    chan struct{}
}

func (f *fakeAPI) Authenticate(ctx context.Context, username, password string) error {
	f.mu.Lock()
	f.authCalls++
	var err error
	if len(f.authErrs) > 0 {
		err = f.authErrs[0]
		f.authErrs = f.authErrs[1:]
	}
	started, gate := f.authStarted, f.authGate
	f.mu.Unlock()

	if started != nil {
		select {
		case started <- struct{}{}:
		default:
		}
	}
	if gate != nil {
		<-gate
	}
	return err
}

func (f *fakeAPI) GetMQTTInfo(ctx context.Context) (api.MQTTInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.info.Token == "" {
		f.info.Token = "mqtt-token"
	}
	return f.info, nil
}

func (f *fakeAPI) GetDevices(ctx context.Context) (map[string]api.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.devicesErr != nil {
		return nil, f.devicesErr
	}
	return f.devices, nil
}

func (f *fakeAPI) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeCalls++
}

type publishedFrame struct {
	deviceID string
	frame    []byte
}

// fakeSession responds to read frames by merging a canned update and
// raising the data signal, mimicking a device round-trip.
type fakeSession struct {
	mu       sync.Mutex
	hostErrs map[string]error

	connected     bool
	connectedHost string
	connectedPort int
	token         string
	deviceIDs     []string
	lost          func(err error)
	published     []publishedFrame
	states        map[string]modbus.DeviceState
	dataCh        chan struct{}
	disconnects   int

	respondToReads bool
	respondIfAwake bool
	awake          bool
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		hostErrs:       map[string]error{},
		states:         map[string]modbus.DeviceState{},
		dataCh:         make(chan struct{}, 1),
		respondToReads: true,
	}
}

func (f *fakeSession) Connect(ctx context.Context, token string, deviceIDs []string, host string, port int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.hostErrs[host]; err != nil {
		return err
	}
	f.connected = true
	f.connectedHost = host
	f.connectedPort = port
	f.token = token
	f.deviceIDs = append([]string(nil), deviceIDs...)
	return nil
}

func (f *fakeSession) SetOnConnectionLost(fn func(err error)) { f.lost = fn }

func (f *fakeSession) PublishCommand(deviceID string, frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, publishedFrame{deviceID: deviceID, frame: frame})

	switch frame[1] {
	case 3: // read request
		if f.respondToReads || (f.respondIfAwake && f.awake) {
			f.respondLocked(deviceID)
		}
	case 6: // write
		f.awake = true
	}
	return nil
}

func (f *fakeSession) respondLocked(deviceID string) {
	state, ok := f.states[deviceID]
	if !ok {
		state = modbus.DeviceState{}
		f.states[deviceID] = state
	}
	state["soc"] = 50.0
	select {
	case f.dataCh <- struct{}{}:
	default:
	}
}

func (f *fakeSession) DataUpdated() <-chan struct{} { return f.dataCh }

func (f *fakeSession) Snapshot() map[string]modbus.DeviceState {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]modbus.DeviceState, len(f.states))
	for id, state := range f.states {
		copied := make(modbus.DeviceState, len(state))
		for key, value := range state {
			copied[key] = value
		}
		out[id] = copied
	}
	return out
}

func (f *fakeSession) DeviceState(deviceID string) (modbus.DeviceState, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	state, ok := f.states[deviceID]
	if !ok {
		return nil, false
	}
	copied := make(modbus.DeviceState, len(state))
	for key, value := range state {
		copied[key] = value
	}
	return copied, true
}

func (f *fakeSession) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeSession) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	f.disconnects++
}

func (f *fakeSession) frames() []publishedFrame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]publishedFrame(nil), f.published...)
}

func oneDevice() map[string]api.Device {
	return map[string]api.Device{
		deviceOne: {ID: deviceOne, SlaveAddress: 17, RegisterCount: 80},
	}
}

func newTestConnector(backend *fakeAPI, sess *fakeSession) *Connector {
	c := New(Options{Username: "user@example.com", Password: "hunter2"})
	c.tm = fastTimings()
	c.newAPI = func() apiClient { return backend }
	c.newSession = func() session { return sess }
	return c
}

func TestConnectHappyPath(t *testing.T) {
	backend := &fakeAPI{
		info:    api.MQTTInfo{Token: "tok", Host: "hint.example.com", Port: 1888},
		devices: oneDevice(),
	}
	sess := newFakeSession()
	c := newTestConnector(backend, sess)

	require.NoError(t, c.Connect(context.Background()))
	assert.True(t, c.IsConnected())
	assert.Equal(t, "hint.example.com", sess.connectedHost, "API hint tried first")
	assert.Equal(t, 1888, sess.connectedPort)
	assert.Equal(t, "tok", sess.token)
	assert.Len(t, c.Devices(), 1)
	assert.False(t, c.LastCommunication().IsZero())
}

func TestConnectIdempotent(t *testing.T) {
	backend := &fakeAPI{devices: oneDevice()}
	sess := newFakeSession()
	c := newTestConnector(backend, sess)

	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, 1, backend.authCalls, "second connect must be a no-op")
}

func TestConnectFallsBackToDefaultBroker(t *testing.T) {
	backend := &fakeAPI{
		info:    api.MQTTInfo{Token: "tok", Host: "dead.example.com"},
		devices: oneDevice(),
	}
	sess := newFakeSession()
	sess.hostErrs["dead.example.com"] = assert.AnError
	c := newTestConnector(backend, sess)

	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, DefaultBrokerHost, sess.connectedHost)
	assert.Equal(t, DefaultBrokerPort, sess.connectedPort)
}

func TestConnectNoDevices(t *testing.T) {
	backend := &fakeAPI{devices: map[string]api.Device{}}
	sess := newFakeSession()
	c := newTestConnector(backend, sess)

	err := c.Connect(context.Background())
	require.Error(t, err)
	assert.False(t, c.IsConnected())
	assert.Equal(t, 1, backend.closeCalls, "cleanup must close the API transport")
}

func TestConnectVerificationFailure(t *testing.T) {
	backend := &fakeAPI{devices: oneDevice()}
	sess := newFakeSession()
	sess.respondToReads = false
	c := newTestConnector(backend, sess)

	err := c.Connect(context.Background())
	require.Error(t, err)
	assert.False(t, c.IsConnected())
	assert.GreaterOrEqual(t, sess.disconnects, 1, "dead session must be torn down")
}

func TestBrokerCandidates(t *testing.T) {
	tests := []struct {
		name string
		opts Options
		info api.MQTTInfo
		want []broker
	}{
		{
			name: "hint with port then fallback",
			info: api.MQTTInfo{Host: "hint.example.com", Port: 1888},
			want: []broker{{"hint.example.com", 1888}, {DefaultBrokerHost, DefaultBrokerPort}},
		},
		{
			name: "hint without port gets default port",
			info: api.MQTTInfo{Host: "hint.example.com"},
			want: []broker{{"hint.example.com", DefaultBrokerPort}, {DefaultBrokerHost, DefaultBrokerPort}},
		},
		{
			name: "no hint",
			want: []broker{{DefaultBrokerHost, DefaultBrokerPort}},
		},
		{
			name: "hint equal to fallback deduped",
			info: api.MQTTInfo{Host: DefaultBrokerHost, Port: DefaultBrokerPort},
			want: []broker{{DefaultBrokerHost, DefaultBrokerPort}},
		},
		{
			name: "developer fallback",
			opts: Options{DeveloperMode: true, DeveloperBroker: "dev.internal"},
			want: []broker{{"dev.internal", DefaultBrokerPort}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New(tt.opts)
			assert.Equal(t, tt.want, c.brokerCandidates(tt.info))
		})
	}
}

func TestPollPrimaryRead(t *testing.T) {
	backend := &fakeAPI{devices: oneDevice()}
	sess := newFakeSession()
	c := newTestConnector(backend, sess)
	require.NoError(t, c.Connect(context.Background()))

	data, err := c.Poll(context.Background())
	require.NoError(t, err)
	require.Contains(t, data, deviceOne)
	assert.Equal(t, 50.0, data[deviceOne]["soc"])

	frames := sess.frames()
	last := frames[len(frames)-1]
	want := modbus.EncodeRead(17, 80)
	assert.Equal(t, want, last.frame, "poll publishes a per-device read frame")
}

func TestPollWakeAndRead(t *testing.T) {
	backend := &fakeAPI{devices: oneDevice()}
	sess := newFakeSession()
	c := newTestConnector(backend, sess)
	require.NoError(t, c.Connect(context.Background()))

	// Simulate the firmware going quiet after the first exchange: reads
	// are ignored until a write arrives. Seed the cached settings dump
	// the wake write reads from.
	sess.mu.Lock()
	sess.respondToReads = false
	sess.respondIfAwake = true
	sess.states[deviceOne]["screenRestTime"] = 300
	sess.mu.Unlock()

	data, err := c.Poll(context.Background())
	require.NoError(t, err)
	require.Contains(t, data, deviceOne)

	var wrote bool
	wakeFrame, _ := modbus.EncodeWrite(17, modbus.RegScreenRestTime, 300)
	for _, p := range sess.frames() {
		if string(p.frame) == string(wakeFrame) {
			wrote = true
		}
	}
	assert.True(t, wrote, "wake sequence writes the cached screenRestTime back")
}

func TestPollEmptyWithoutCachedSettings(t *testing.T) {
	backend := &fakeAPI{devices: oneDevice()}
	sess := newFakeSession()
	c := newTestConnector(backend, sess)
	require.NoError(t, c.Connect(context.Background()))

	sess.mu.Lock()
	sess.respondToReads = false
	sess.states = map[string]modbus.DeviceState{}
	sess.mu.Unlock()

	data, err := c.Poll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, data)

	// Without a cached screenRestTime there is nothing safe to write.
	for _, p := range sess.frames() {
		assert.NotEqual(t, byte(6), p.frame[1], "no wake write without cached settings")
	}
}

func TestPollWaitsOnGate(t *testing.T) {
	backend := &fakeAPI{devices: oneDevice()}
	sess := newFakeSession()
	c := newTestConnector(backend, sess)
	require.NoError(t, c.Connect(context.Background()))

	c.mu.Lock()
	c.reconnecting = true
	c.mu.Unlock()
	c.gate.Close()

	_, err := c.Poll(context.Background())
	require.Error(t, err, "gate timeout surfaces instead of hanging")

	c.mu.Lock()
	c.reconnecting = false
	c.mu.Unlock()
	c.gate.Open()

	_, err = c.Poll(context.Background())
	require.NoError(t, err)
}

func TestRunCommand(t *testing.T) {
	backend := &fakeAPI{devices: oneDevice()}
	sess := newFakeSession()
	c := newTestConnector(backend, sess)
	require.NoError(t, c.Connect(context.Background()))

	require.NoError(t, c.RunCommand(context.Background(), deviceOne, "REGEnableACOutput"))

	frames := sess.frames()
	last := frames[len(frames)-1]
	want, _ := modbus.EncodeWrite(17, modbus.RegACOutput, 1)
	assert.Equal(t, want, last.frame)
	assert.Equal(t, deviceOne, last.deviceID)
}

func TestRunCommandUnknownName(t *testing.T) {
	backend := &fakeAPI{devices: oneDevice()}
	sess := newFakeSession()
	c := newTestConnector(backend, sess)
	require.NoError(t, c.Connect(context.Background()))
	before := len(sess.frames())

	err := c.RunCommand(context.Background(), deviceOne, "REGMakeCoffee")
	require.Error(t, err)
	assert.Len(t, sess.frames(), before, "unknown command publishes nothing")
}

func TestWriteRegisterValidation(t *testing.T) {
	backend := &fakeAPI{devices: oneDevice()}
	sess := newFakeSession()
	c := newTestConnector(backend, sess)
	require.NoError(t, c.Connect(context.Background()))
	before := len(sess.frames())

	err := c.WriteRegister(context.Background(), deviceOne, modbus.RegMaximumChargingCurrent, 99)
	require.Error(t, err)
	assert.True(t, ferrors.IsValidation(err))
	assert.Len(t, sess.frames(), before, "rejected write publishes nothing")

	require.NoError(t, c.WriteRegister(context.Background(), deviceOne, modbus.RegMaximumChargingCurrent, 10))
}

func TestReconnectCycle(t *testing.T) {
	backend := &fakeAPI{
		devices:  oneDevice(),
		authErrs: []error{assert.AnError, assert.AnError},
	}
	sess := newFakeSession()
	c := newTestConnector(backend, sess)

	require.NoError(t, c.Reconnect(context.Background()))
	assert.True(t, c.IsConnected(), "third attempt succeeds")
	assert.False(t, c.isReconnecting())
	assert.False(t, c.gate.Closed())
}

func TestReconnectMutualExclusion(t *testing.T) {
	backend := &fakeAPI{
		devices:     oneDevice(),
		authStarted: make(chan struct{}, 1),
		authGate:    make(chan struct{}),
	}
	sess := newFakeSession()
	c := newTestConnector(backend, sess)
	c.tm.gateWaitCall = time.Second

	first := make(chan error, 1)
	go func() { first <- c.Reconnect(context.Background()) }()

	<-backend.authStarted
	assert.True(t, c.isReconnecting())
	assert.True(t, c.gate.Closed())

	// A second caller and a poll arrive while the cycle is mid-flight.
	second := make(chan error, 1)
	go func() { second <- c.Reconnect(context.Background()) }()

	pollErr := make(chan error, 1)
	go func() {
		_, err := c.Poll(context.Background())
		pollErr <- err
	}()

	time.Sleep(50 * time.Millisecond)
	close(backend.authGate)

	require.NoError(t, <-first)
	require.NoError(t, <-second, "waiter observes the first cycle's outcome")
	require.NoError(t, <-pollErr)
	assert.True(t, c.IsConnected())
	assert.Equal(t, 1, backend.authCalls, "only one cycle ran the handshake")
}

func TestReconnectExhaustsAttempts(t *testing.T) {
	backend := &fakeAPI{
		devices:  oneDevice(),
		authErrs: []error{assert.AnError, assert.AnError, assert.AnError},
	}
	sess := newFakeSession()
	c := newTestConnector(backend, sess)

	err := c.Reconnect(context.Background())
	require.Error(t, err)
	assert.False(t, c.IsConnected())
	assert.False(t, c.gate.Closed(), "gate reopens on final failure")
	assert.Equal(t, 3, backend.authCalls)
}

func TestConnectionLostTriggersReconnect(t *testing.T) {
	backend := &fakeAPI{devices: oneDevice()}
	sess := newFakeSession()
	c := newTestConnector(backend, sess)
	require.NoError(t, c.Connect(context.Background()))
	require.NotNil(t, sess.lost)

	sess.Disconnect()
	sess.lost(assert.AnError)

	require.Eventually(t, c.IsConnected, time.Second, 10*time.Millisecond,
		"background reconnection restores the session")
}

func TestBackoffDelay(t *testing.T) {
	base, max := 3*time.Second, 30*time.Second
	assert.Equal(t, 3*time.Second, backoffDelay(base, max, 0))
	assert.Equal(t, 4500*time.Millisecond, backoffDelay(base, max, 1))
	assert.Equal(t, 6750*time.Millisecond, backoffDelay(base, max, 2))
	assert.Equal(t, max, backoffDelay(base, max, 9), "delay is capped")
}
