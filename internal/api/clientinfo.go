package api

import (
	"strings"

	"github.com/google/uuid"
)

// userAgent is sent both as the HTTP user-agent header and inside the
// client-info blob. The backend rejects requests that look like scripts.
const userAgent = "Mozilla/5.0 (Linux; Android 10; SM-A426B) AppleWebKit/537.36 " +
	"(KHTML, like Gecko) Chrome/87.0.4280.86 Mobile Safari/537.36"

// newClientInfo synthesises the device-info blob the vendor app attaches to
// every serverless invoke. The device ID is 32 random hex characters, stable
// for the lifetime of one Client.
func newClientInfo() map[string]interface{} {
	deviceID := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))
	return map[string]interface{}{
		"PLATFORM":          "app",
		"OS":                "android",
		"APPID":             "__UNI__55F5E7F",
		"DEVICEID":          deviceID,
		"channel":           "google",
		"scene":             1001,
		"appId":             "__UNI__55F5E7F",
		"appLanguage":       "en",
		"appName":           "BrightEMS",
		"appVersion":        "1.2.3",
		"appVersionCode":    123,
		"appWgtVersion":     "1.2.3",
		"browserName":       "chrome",
		"browserVersion":    "130.0.6723.86",
		"deviceBrand":       "Samsung",
		"deviceId":          deviceID,
		"deviceModel":       "SM-A426B",
		"deviceType":        "phone",
		"osName":            "android",
		"osVersion":         10,
		"romName":           "Android",
		"romVersion":        10,
		"ua":                userAgent,
		"uniPlatform":       "app",
		"uniRuntimeVersion": "4.24",
		"locale":            "en",
		"LOCALE":            "en",
	}
}
