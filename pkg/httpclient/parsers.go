package httpclient

import (
	"net/http"
	"strconv"
	"time"
)

// ParseGatewayRateLimitHeaders extracts rate limit info from the
// OpenAI-compatible gateway's response headers.
func ParseGatewayRateLimitHeaders(headers http.Header) RateLimitInfo {
	info := RateLimitInfo{}

	if retryAfter := headers.Get("Retry-After"); retryAfter != "" {
		if seconds, err := strconv.Atoi(retryAfter); err == nil {
			info.RetryAfter = time.Duration(seconds) * time.Second
		}
	}

	for _, header := range []string{"x-ratelimit-reset-tokens", "x-ratelimit-reset-requests"} {
		if resetStr := headers.Get(header); resetStr != "" {
			if d, err := time.ParseDuration(resetStr); err == nil {
				info.ResetTime = time.Now().Add(d).Unix()
				break
			}
		}
	}

	if remaining := headers.Get("x-ratelimit-remaining-requests"); remaining != "" {
		if n, err := strconv.Atoi(remaining); err == nil {
			info.RequestsRemaining = n
		}
	}
	if remaining := headers.Get("x-ratelimit-remaining-tokens"); remaining != "" {
		if n, err := strconv.Atoi(remaining); err == nil {
			info.TokensRemaining = n
		}
	}

	return info
}

// ParseResponseCost reads the per-request cost the gateway attaches to
// responses, in dollars. Returns 0 when absent or unparsable.
func ParseResponseCost(headers http.Header) float64 {
	costStr := headers.Get("x-litellm-response-cost")
	if costStr == "" {
		return 0
	}
	cost, err := strconv.ParseFloat(costStr, 64)
	if err != nil || cost < 0 {
		return 0
	}
	return cost
}
