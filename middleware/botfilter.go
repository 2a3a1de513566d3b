package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"
)

// IsBotKey is the context key set by BotFilter.
const IsBotKey = "is_bot"

// botPatterns are known bot User-Agent substrings (lowercase).
var botPatterns = []string{
	"googlebot", "bingbot", "slurp", "duckduckbot",
	"baiduspider", "yandexbot", "facebookexternalhit",
	"twitterbot", "rogerbot", "linkedinbot", "embedly",
	"quora link preview", "showyoubot", "outbrain",
	"pinterest", "applebot", "semrushbot", "ahrefsbot",
	"mj12bot", "dotbot", "petalbot", "bytespider",
	"headlesschrome", "lighthouse", "gptbot",
}

// BotFilter flags requests whose user agent matches a known crawler. A
// missing user agent is not a bot signal: sendBeacon and privacy tooling
// routinely strip it.
func BotFilter() gin.HandlerFunc {
	return func(c *gin.Context) {
		ua := strings.ToLower(c.Request.UserAgent())
		if isBot(ua) {
			c.Set(IsBotKey, true)
		}
		c.Next()
	}
}

// IsBot reports whether BotFilter flagged the request.
func IsBot(c *gin.Context) bool {
	return c.GetBool(IsBotKey)
}

func isBot(ua string) bool {
	for _, pattern := range botPatterns {
		if strings.Contains(ua, pattern) {
			return true
		}
	}
	return false
}
