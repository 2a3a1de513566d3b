package utils

import "strings"

// Unknown is reported when no browser or OS token matches.
const Unknown = "Unknown"

// Device classes.
const (
	DeviceMobile  = "Mobile"
	DeviceDesktop = "Desktop"
)

type uaToken struct {
	name    string
	needles []string
}

// Order matters: Edge and Opera carry a Chrome token, Chrome carries Safari,
// and iOS user agents mention "Mac OS X".
var browserTokens = []uaToken{
	{"Edge", []string{"Edg/", "Edge/", "EdgA/", "EdgiOS/"}},
	{"Opera", []string{"OPR/", "Opera"}},
	{"Firefox", []string{"Firefox/", "FxiOS/"}},
	{"Chrome", []string{"Chrome/", "CriOS/"}},
	{"Safari", []string{"Safari/"}},
}

var osTokens = []uaToken{
	{"Android", []string{"Android"}},
	{"iOS", []string{"iPhone", "iPad", "iPod", "iOS"}},
	{"Windows", []string{"Windows"}},
	{"Mac", []string{"Mac"}},
	{"Linux", []string{"Linux"}},
}

var mobileTokens = []string{"Mobile", "Android", "iPhone", "iPad"}

// ClientInfo is the coarse classification of a user agent.
type ClientInfo struct {
	Browser string
	OS      string
	Device  string
}

// ParseUserAgent classifies ua by substring match against fixed, ordered
// token lists. The first match wins.
func ParseUserAgent(ua string) ClientInfo {
	info := ClientInfo{
		Browser: firstMatch(ua, browserTokens),
		OS:      firstMatch(ua, osTokens),
		Device:  DeviceDesktop,
	}
	for _, tok := range mobileTokens {
		if strings.Contains(ua, tok) {
			info.Device = DeviceMobile
			break
		}
	}
	return info
}

func firstMatch(ua string, tokens []uaToken) string {
	for _, tok := range tokens {
		for _, needle := range tok.needles {
			if strings.Contains(ua, needle) {
				return tok.name
			}
		}
	}
	return Unknown
}
