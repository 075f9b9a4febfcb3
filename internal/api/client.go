package api

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/iamslan/fossibot/internal/errors"
	"github.com/iamslan/fossibot/internal/logger"
	"github.com/iamslan/fossibot/internal/modbus"
)

// Vendor serverless backend. The space ID and client secret are fixed
// constants shipped with the official app; they identify the backend, not a
// user.
const (
	Endpoint     = "https://api.next.bspapp.com/client"
	clientSecret = "5rCEdl/nx7IgViBe4QYRiQ=="
	spaceID      = "mp-6c382a98-49b8-40ba-b761-645d83e8ee74"
)

const (
	methodAuthorize = "serverless.auth.user.anonymousAuthorize"
	methodInvoke    = "serverless.function.runtime.invoke"

	urlLogin     = "user/pub/login"
	urlMQTTToken = "common/emqx.getAccessToken"
	urlDevices   = "client/device/kh/getList"
)

const (
	httpTimeout = 15 * time.Second
	maxRetries  = 3
	retryDelay  = 2 * time.Second
)

// Device is one power station as the cloud reports it. ID is the MAC with
// colons stripped; SlaveAddress and RegisterCount come from the product
// record when present, otherwise the firmware defaults.
type Device struct {
	ID            string
	MAC           string
	Name          string
	SlaveAddress  uint8
	RegisterCount uint16
	Raw           map[string]interface{}
}

// MQTTInfo is the broker access grant returned by the cloud. Host and Port
// are hints only and may be empty.
type MQTTInfo struct {
	Token string
	Host  string
	Port  int
}

// Client talks to the vendor serverless API. It is not safe for concurrent
// use; the connector serialises access.
type Client struct {
	http       *http.Client
	endpoint   string
	log        *logger.SmartLogger
	clientInfo map[string]interface{}

	authToken   string
	accessToken string
}

// NewClient builds a Client against the production endpoint with a
// keep-alive transport.
func NewClient() *Client {
	return &Client{
		http:       &http.Client{Timeout: httpTimeout},
		endpoint:   Endpoint,
		log:        logger.New("api"),
		clientInfo: newClientInfo(),
	}
}

// NewClientWithEndpoint is the test seam: same client, different endpoint.
func NewClientWithEndpoint(endpoint string) *Client {
	c := NewClient()
	c.endpoint = endpoint
	return c
}

// request names one serverless RPC before it is signed.
type request struct {
	method string
	params string
	token  string
}

// invokeParams builds the params JSON for a function-runtime invoke.
func (c *Client) invokeParams(url string, data map[string]interface{}, idToken string) (string, error) {
	args := map[string]interface{}{
		"$url":       url,
		"data":       data,
		"clientInfo": c.clientInfo,
	}
	if idToken != "" {
		args["uniIdToken"] = idToken
	}
	raw, err := json.Marshal(map[string]interface{}{
		"functionTarget": "router",
		"functionArgs":   args,
	})
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// formatField renders a body field for the signature query string. Falsy
// values (empty strings, zero numbers) render empty and are excluded.
func formatField(v interface{}) string {
	switch x := v.(type) {
	case string:
		return x
	case int64:
		if x == 0 {
			return ""
		}
		return strconv.FormatInt(x, 10)
	case float64:
		if x == 0 {
			return ""
		}
		return strconv.FormatFloat(x, 'f', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}

// sign builds the x-serverless-sign digest: HMAC-MD5 over the query string
// of all truthy body fields sorted by key.
func sign(body map[string]interface{}) string {
	keys := make([]string, 0, len(body))
	for k, v := range body {
		if formatField(v) == "" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + formatField(body[k])
	}
	mac := hmac.New(md5.New, []byte(clientSecret))
	mac.Write([]byte(strings.Join(parts, "&")))
	return hex.EncodeToString(mac.Sum(nil))
}

// sleepBetween waits out a retry delay, honouring cancellation. Swapped out
// by tests.
var sleepBetween = func(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// call performs one signed RPC with retries. Each attempt gets a fresh
// timestamp and signature. Cancellation aborts immediately; any other
// failure is retried up to maxRetries with a delay growing by retryDelay
// per failed attempt (2 s, then 4 s).
func (c *Client) call(ctx context.Context, req request) (map[string]interface{}, error) {
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			delay := retryDelay * time.Duration(attempt)
			c.log.Debug("retrying API call in %s (attempt %d/%d)", delay, attempt+1, maxRetries)
			if err := sleepBetween(ctx, delay); err != nil {
				return nil, err
			}
		}

		data, err := c.attempt(ctx, req)
		if err == nil {
			return data, nil
		}
		if errors.IsCancelled(err) {
			c.log.Warning("API call cancelled")
			return nil, err
		}
		c.log.Error("API call failed (attempt %d/%d): %v", attempt+1, maxRetries, err)
		lastErr = err
	}
	return nil, lastErr
}

func (c *Client) attempt(ctx context.Context, req request) (map[string]interface{}, error) {
	// The timestamp goes on the wire as a JSON number, not a string; the
	// backend deserializer is strict about it.
	body := map[string]interface{}{
		"method":    req.method,
		"params":    req.params,
		"spaceId":   spaceID,
		"timestamp": time.Now().UnixMilli(),
	}
	if req.token != "" {
		body["token"] = req.token
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, errors.NewProtocolError("encode request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, errors.NewNetworkError("build request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-serverless-sign", sign(body))
	httpReq.Header.Set("User-Agent", userAgent)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errors.NewNetworkError("post", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 200))
		return nil, errors.NewNetworkError("post",
			fmt.Errorf("status %d: %s", resp.StatusCode, snippet))
	}

	var parsed struct {
		Data map[string]interface{} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, errors.NewProtocolError("decode response", err)
	}
	if len(parsed.Data) == 0 {
		return nil, errors.NewProtocolError("decode response",
			fmt.Errorf("response carries no data"))
	}
	return parsed.Data, nil
}

// Authenticate runs the two-step login: an anonymous authorize for the
// session token, then the credential login for the access token.
func (c *Client) Authenticate(ctx context.Context, username, password string) error {
	c.log.Debug("requesting anonymous auth token")
	data, err := c.call(ctx, request{method: methodAuthorize, params: "{}"})
	if err != nil {
		return err
	}
	token, _ := data["accessToken"].(string)
	if token == "" {
		return errors.NewAuthError("anonymous authorize",
			fmt.Errorf("no access token in response"))
	}
	c.authToken = token

	c.log.Debug("logging in")
	params, err := c.invokeParams(urlLogin, map[string]interface{}{
		"locale":   "en",
		"username": username,
		"password": password,
	}, "")
	if err != nil {
		return errors.NewProtocolError("encode login", err)
	}
	data, err = c.call(ctx, request{method: methodInvoke, params: params, token: c.authToken})
	if err != nil {
		return err
	}
	access, _ := data["token"].(string)
	if access == "" {
		return errors.NewAuthError("login", fmt.Errorf("no token in login response"))
	}
	c.accessToken = access
	c.log.Debug("login complete")
	return nil
}

// Authenticated reports whether both session tokens are held.
func (c *Client) Authenticated() bool {
	return c.authToken != "" && c.accessToken != ""
}

// GetMQTTInfo fetches the broker access token, plus host and port hints
// when the deployment provides them.
func (c *Client) GetMQTTInfo(ctx context.Context) (MQTTInfo, error) {
	if !c.Authenticated() {
		return MQTTInfo{}, errors.NewAuthError("get mqtt info",
			fmt.Errorf("not authenticated"))
	}
	params, err := c.invokeParams(urlMQTTToken, map[string]interface{}{"locale": "en"}, c.accessToken)
	if err != nil {
		return MQTTInfo{}, errors.NewProtocolError("encode mqtt request", err)
	}
	data, err := c.call(ctx, request{method: methodInvoke, params: params, token: c.authToken})
	if err != nil {
		return MQTTInfo{}, err
	}
	token, _ := data["access_token"].(string)
	if token == "" {
		return MQTTInfo{}, errors.NewAuthError("get mqtt info",
			fmt.Errorf("no access_token in response"))
	}
	info := MQTTInfo{Token: token, Host: hostHint(data), Port: portHint(data)}
	if info.Host != "" {
		c.log.Debug("broker hint from API: %s:%d", info.Host, info.Port)
	}
	return info, nil
}

// The host and port field names vary across backend deployments.
var (
	hostFields = []string{"mqtt_host", "host", "mqttHost", "server", "endpoint", "broker", "url", "addr"}
	portFields = []string{"mqtt_port", "port", "mqttPort"}
)

func hostHint(data map[string]interface{}) string {
	for _, field := range hostFields {
		if s, ok := data[field].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func portHint(data map[string]interface{}) int {
	for _, field := range portFields {
		switch v := data[field].(type) {
		case float64:
			return int(v)
		case string:
			if n, err := strconv.Atoi(v); err == nil {
				return n
			}
		}
	}
	return 0
}

// GetDevices fetches the account's device list. Records without a device ID
// are logged and skipped. Modbus hints under productInfo override the
// defaults when present.
func (c *Client) GetDevices(ctx context.Context) (map[string]Device, error) {
	if !c.Authenticated() {
		return nil, errors.NewAuthError("get devices", fmt.Errorf("not authenticated"))
	}
	params, err := c.invokeParams(urlDevices, map[string]interface{}{
		"locale":    "en",
		"pageIndex": 1,
		"pageSize":  100,
	}, c.accessToken)
	if err != nil {
		return nil, errors.NewProtocolError("encode device request", err)
	}
	data, err := c.call(ctx, request{method: methodInvoke, params: params, token: c.authToken})
	if err != nil {
		return nil, err
	}

	rows, _ := data["rows"].([]interface{})
	devices := make(map[string]Device, len(rows))
	for _, row := range rows {
		record, ok := row.(map[string]interface{})
		if !ok {
			continue
		}
		mac, _ := record["device_id"].(string)
		if mac == "" {
			c.log.Warning("skipping device record without device_id: %v", record)
			continue
		}
		dev := Device{
			ID:            strings.ReplaceAll(mac, ":", ""),
			MAC:           mac,
			SlaveAddress:  modbus.DefaultSlaveAddress,
			RegisterCount: modbus.DefaultRegisterCount,
			Raw:           record,
		}
		if name, ok := record["device_name"].(string); ok {
			dev.Name = name
		}
		if product, ok := record["productInfo"].(map[string]interface{}); ok {
			if addr, ok := product["modbus_address"].(float64); ok && addr > 0 {
				dev.SlaveAddress = uint8(addr)
			}
			if count, ok := product["modbus_count"].(float64); ok && count > 0 {
				dev.RegisterCount = uint16(count)
			}
		}
		devices[dev.ID] = dev
	}
	c.log.Debug("found %d devices", len(devices))
	return devices, nil
}

// Close drops the session tokens and the idle transport connections.
func (c *Client) Close() {
	c.http.CloseIdleConnections()
	c.authToken = ""
	c.accessToken = ""
	c.log.Debug("API session closed")
}
