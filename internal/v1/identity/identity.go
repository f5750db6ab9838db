// Package identity derives stable device identifiers and platform metadata
// from client-supplied identification material (user agent, address family,
// accept-language). The derivation is deterministic and side-effect free:
// reconnecting clients land on the same device record.
package identity

import (
	"strconv"
	"strings"
)

// DeviceType classifies the physical form factor of a client.
type DeviceType string

const (
	DeviceTypeMobile  DeviceType = "mobile"
	DeviceTypeTablet  DeviceType = "tablet"
	DeviceTypeDesktop DeviceType = "desktop"
	DeviceTypeUnknown DeviceType = "unknown"
)

// ConnectionStrength is the client-reported link quality.
type ConnectionStrength string

const (
	StrengthGood ConnectionStrength = "good"
	StrengthFair ConnectionStrength = "fair"
	StrengthPoor ConnectionStrength = "poor"
)

// DeriveID returns a stable device id for the given user agent and request
// metadata. Mobile Safari/WebKit clients exclude the client address from the
// seed: mobile IPs churn across cellular and Wi-Fi handoffs and would
// fragment identity. Collisions are tolerated and treated as the same device.
func DeriveID(userAgent, remoteAddr, acceptLanguage string) string {
	if IsMobileSafari(userAgent) {
		seed := userAgent + "|" + acceptLanguage
		return "ios-" + base36(rollingHash(seed))
	}
	seed := userAgent + "|" + remoteAddr + "|" + acceptLanguage
	return "device-" + base36(rollingHash(seed))
}

// rollingHash is the 32-bit polynomial hash h = 31*h + c over the input,
// with Java's int32 overflow semantics. Changing this changes every
// persisted device id, so it stays frozen.
func rollingHash(s string) uint32 {
	var h int32
	for _, c := range s {
		h = 31*h + int32(c)
	}
	return uint32(h)
}

func base36(v uint32) string {
	return strconv.FormatUint(uint64(v), 36)
}

// IsMobileSafari reports whether the user agent is an iOS WebKit client.
func IsMobileSafari(userAgent string) bool {
	return strings.Contains(userAgent, "iPhone") ||
		strings.Contains(userAgent, "iPad") ||
		strings.Contains(userAgent, "iPod")
}

// DetectPlatform returns a coarse operating-system label from the user agent.
func DetectPlatform(userAgent string) string {
	ua := strings.ToLower(userAgent)
	switch {
	case strings.Contains(ua, "iphone"), strings.Contains(ua, "ipad"), strings.Contains(ua, "ipod"):
		return "iOS"
	case strings.Contains(ua, "android"):
		return "Android"
	case strings.Contains(ua, "windows"):
		return "Windows"
	case strings.Contains(ua, "mac os x"), strings.Contains(ua, "macintosh"):
		return "macOS"
	case strings.Contains(ua, "linux"):
		return "Linux"
	default:
		return "Unknown"
	}
}

// DetectBrowser returns the browser family from the user agent.
// Order matters: Chrome UAs contain "Safari", Edge UAs contain "Chrome".
func DetectBrowser(userAgent string) string {
	ua := strings.ToLower(userAgent)
	switch {
	case strings.Contains(ua, "edg/"), strings.Contains(ua, "edge"):
		return "Edge"
	case strings.Contains(ua, "opr/"), strings.Contains(ua, "opera"):
		return "Opera"
	case strings.Contains(ua, "chrome"), strings.Contains(ua, "crios"):
		return "Chrome"
	case strings.Contains(ua, "firefox"), strings.Contains(ua, "fxios"):
		return "Firefox"
	case strings.Contains(ua, "safari"):
		return "Safari"
	default:
		return "Unknown"
	}
}

// DetectDeviceType classifies the form factor from the user agent.
func DetectDeviceType(userAgent string) DeviceType {
	ua := strings.ToLower(userAgent)
	switch {
	case strings.Contains(ua, "ipad"),
		strings.Contains(ua, "tablet"),
		strings.Contains(ua, "android") && !strings.Contains(ua, "mobile"):
		return DeviceTypeTablet
	case strings.Contains(ua, "iphone"),
		strings.Contains(ua, "ipod"),
		strings.Contains(ua, "mobile"):
		return DeviceTypeMobile
	case ua == "":
		return DeviceTypeUnknown
	default:
		return DeviceTypeDesktop
	}
}

// DefaultName builds the platform-derived default label for a new device.
func DefaultName(userAgent string) string {
	browser := DetectBrowser(userAgent)
	platform := DetectPlatform(userAgent)
	if browser == "Unknown" && platform == "Unknown" {
		return "Unknown Device"
	}
	return browser + " on " + platform
}
