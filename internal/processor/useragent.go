package processor

import (
	"regexp"
	"strings"

	"github.com/mssola/useragent"

	"errorwatch.app/pipeline/internal/model"
)

// useragent has no tablet notion; iPads and Android tablets also report Mobile.
var tabletUA = regexp.MustCompile(`(?i)ipad|tablet|playbook|silk|kindle`)

// Device is the coarse client description stored with a replay session.
type Device struct {
	Type    model.DeviceType
	Browser string
	OS      string
}

// ParseUserAgent classifies a user agent string.
func ParseUserAgent(userAgent string) Device {
	d := Device{Type: model.DeviceDesktop, Browser: "Unknown", OS: "Unknown"}
	if userAgent == "" {
		return d
	}
	ua := useragent.New(userAgent)

	switch {
	case tabletUA.MatchString(userAgent):
		d.Type = model.DeviceTablet
	case ua.Mobile():
		d.Type = model.DeviceMobile
	}

	if name, _ := ua.Browser(); name != "" && !ua.Bot() {
		d.Browser = name
	}
	d.OS = osFamily(ua.Platform() + " " + ua.OS())
	return d
}

// osFamily folds the platform and OS tokens into a family name. Mobile
// platforms are checked first: iOS tokens mention Mac OS X, Android ones Linux.
func osFamily(s string) string {
	s = strings.ToLower(s)
	switch {
	case strings.Contains(s, "android"):
		return "Android"
	case strings.Contains(s, "iphone"), strings.Contains(s, "ipad"), strings.Contains(s, "ipod"):
		return "iOS"
	case strings.Contains(s, "windows"):
		return "Windows"
	case strings.Contains(s, "cros"):
		return "ChromeOS"
	case strings.Contains(s, "mac os"):
		return "macOS"
	case strings.Contains(s, "linux"):
		return "Linux"
	}
	return "Unknown"
}
