// Package cloudcode provides Cloud Code API client implementation.
// This file corresponds to src/cloudcode/rate-limit-parser.js in the Node.js version.
package cloudcode

import (
	"encoding/json"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/relaypool/cc-gateway/internal/utils"
)

// RateLimitReason represents the type of rate limit encountered
type RateLimitReason string

const (
	RateLimitReasonRateLimitExceeded     RateLimitReason = "RATE_LIMIT_EXCEEDED"
	RateLimitReasonQuotaExhausted        RateLimitReason = "QUOTA_EXHAUSTED"
	RateLimitReasonModelCapacityExhausted RateLimitReason = "MODEL_CAPACITY_EXHAUSTED"
	RateLimitReasonServerError           RateLimitReason = "SERVER_ERROR"
	RateLimitReasonUnknown               RateLimitReason = "UNKNOWN"
)

var (
	quotaDelayRegex     = regexp.MustCompile(`(?i)quotaResetDelay[:\s"]+(\d+(?:\.\d+)?)(ms|s)`)
	quotaTimestampRegex = regexp.MustCompile(`(?i)quotaResetTimeStamp[:\s"]+(\d{4}-\d{2}-\d{2}T[\d:.]+Z?)`)
	retrySecondsRegex   = regexp.MustCompile(`(?i)(?:retry[-_]?after[-_]?ms|retryDelay)[:\s"]+([\d.]+)(?:s\b|s")`)
	// Note: Go doesn't support negative lookahead (?!), using simpler pattern
	retryMsRegex        = regexp.MustCompile(`(?i)(?:retry[-_]?after[-_]?ms|retryDelay)[:\s"]+(\d+)(?:\s*ms)?(?:\s|$|[,;}\]])`)
	retryAfterSecRegex  = regexp.MustCompile(`(?i)retry\s+(?:after\s+)?(\d+)\s*(?:sec|s\b)`)
	durationRegex       = regexp.MustCompile(`(?i)(\d+)h(\d+)m(\d+)s|(\d+)m(\d+)s|(\d+)s`)
	isoTimestampRegex   = regexp.MustCompile(`(?i)reset[:\s"]+(\d{4}-\d{2}-\d{2}T[\d:.]+Z?)`)
)

// ParseResetTime parses reset time from HTTP headers or error message.
// Returns milliseconds or -1 if not found.
func ParseResetTime(headers http.Header, errorText string) int64 {
	var resetMs int64 = -1

	// Check headers first
	if retryAfter := headers.Get("retry-after"); retryAfter != "" {
		if seconds, err := strconv.Atoi(retryAfter); err == nil {
			resetMs = int64(seconds) * 1000
			utils.Debug("[CloudCode] Retry-After header: %ds", seconds)
		} else {
			// Try parsing as HTTP date
			if t, err := time.Parse(time.RFC1123, retryAfter); err == nil {
				resetMs = t.Sub(time.Now()).Milliseconds()
				if resetMs > 0 {
					utils.Debug("[CloudCode] Retry-After date: %s", retryAfter)
				} else {
					resetMs = -1
				}
			}
		}
	}

	// x-ratelimit-reset (Unix timestamp in seconds)
	if resetMs < 0 {
		if ratelimitReset := headers.Get("x-ratelimit-reset"); ratelimitReset != "" {
			if ts, err := strconv.ParseInt(ratelimitReset, 10, 64); err == nil {
				resetMs = ts*1000 - time.Now().UnixMilli()
				if resetMs > 0 {
					utils.Debug("[CloudCode] x-ratelimit-reset: %s", time.UnixMilli(ts*1000).Format(time.RFC3339))
				} else {
					resetMs = -1
				}
			}
		}
	}

	// x-ratelimit-reset-after (seconds)
	if resetMs < 0 {
		if resetAfter := headers.Get("x-ratelimit-reset-after"); resetAfter != "" {
			if seconds, err := strconv.Atoi(resetAfter); err == nil && seconds > 0 {
				resetMs = int64(seconds) * 1000
				utils.Debug("[CloudCode] x-ratelimit-reset-after: %ds", seconds)
			}
		}
	}

	// Parse from error message body
	if resetMs < 0 && errorText != "" {
		resetMs = parseResetTimeFromBody(errorText)
	}

	// Minimum floor: 2s, per reset-time derivation priority step 6.
	if resetMs >= 0 && resetMs < 2000 {
		utils.Debug("[CloudCode] Reset time below floor (%dms), clamping to 2000ms", resetMs)
		resetMs = 2000
	}

	return resetMs
}

// parseResetTimeFromBody parses reset time from the error body, honoring the
// priority order: JSON metadata.quotaResetDelay, then JSON error.retry_after,
// then regex patterns over the raw text.
func parseResetTimeFromBody(msg string) int64 {
	if body, ok := parseErrorDetails(msg); ok {
		if len(body.Error.Details) > 0 {
			if raw, found := body.Error.Details[0].Metadata["quotaResetDelay"]; found {
				if s, isStr := raw.(string); isStr {
					if ms := ParseCompoundDuration(s); ms >= 0 {
						utils.Debug("[CloudCode] Parsed quotaResetDelay from JSON metadata: %dms", ms)
						return ms
					}
				}
			}
		}
		if body.Error.RetryAfter != nil {
			ms := *body.Error.RetryAfter * 1000
			utils.Debug("[CloudCode] Parsed error.retry_after from JSON: %ds", *body.Error.RetryAfter)
			return ms
		}
	}

	var resetMs int64 = -1

	// Try to extract "quotaResetDelay" first (e.g. "754.431528ms" or "1.5s")
	if match := quotaDelayRegex.FindStringSubmatch(msg); match != nil {
		value, _ := strconv.ParseFloat(match[1], 64)
		unit := strings.ToLower(match[2])
		if unit == "s" {
			resetMs = int64(value * 1000)
		} else {
			resetMs = int64(value)
		}
		utils.Debug("[CloudCode] Parsed quotaResetDelay from body: %dms", resetMs)
		return resetMs
	}

	// Try to extract "quotaResetTimeStamp" (ISO format)
	if match := quotaTimestampRegex.FindStringSubmatch(msg); match != nil {
		if t, err := time.Parse(time.RFC3339, match[1]); err == nil {
			resetMs = t.Sub(time.Now()).Milliseconds()
			utils.Debug("[CloudCode] Parsed quotaResetTimeStamp: %s (Delta: %dms)", match[1], resetMs)
			return resetMs
		}
	}

	// Try to extract "retry-after-ms" or "retryDelay" - check seconds format first
	if match := retrySecondsRegex.FindStringSubmatch(msg); match != nil {
		value, _ := strconv.ParseFloat(match[1], 64)
		resetMs = int64(value * 1000)
		utils.Debug("[CloudCode] Parsed retry seconds from body (precise): %dms", resetMs)
		return resetMs
	}

	// Check for ms (explicit "ms" suffix or implicit if no suffix)
	if match := retryMsRegex.FindStringSubmatch(msg); match != nil {
		resetMs, _ = strconv.ParseInt(match[1], 10, 64)
		utils.Debug("[CloudCode] Parsed retry-after-ms from body: %dms", resetMs)
		return resetMs
	}

	// Try to extract seconds value like "retry after 60 seconds"
	if match := retryAfterSecRegex.FindStringSubmatch(msg); match != nil {
		seconds, _ := strconv.ParseInt(match[1], 10, 64)
		resetMs = seconds * 1000
		utils.Debug("[CloudCode] Parsed retry seconds from body: %ds", seconds)
		return resetMs
	}

	// Try to extract duration like "1h23m45s" or "23m45s" or "45s"
	if match := durationRegex.FindStringSubmatch(msg); match != nil {
		if match[1] != "" {
			hours, _ := strconv.Atoi(match[1])
			minutes, _ := strconv.Atoi(match[2])
			seconds, _ := strconv.Atoi(match[3])
			resetMs = int64((hours*3600 + minutes*60 + seconds) * 1000)
		} else if match[4] != "" {
			minutes, _ := strconv.Atoi(match[4])
			seconds, _ := strconv.Atoi(match[5])
			resetMs = int64((minutes*60 + seconds) * 1000)
		} else if match[6] != "" {
			seconds, _ := strconv.Atoi(match[6])
			resetMs = int64(seconds * 1000)
		}
		if resetMs > 0 {
			utils.Debug("[CloudCode] Parsed duration from body: %s", utils.FormatDuration(resetMs))
		}
		return resetMs
	}

	// Try to extract ISO timestamp
	if match := isoTimestampRegex.FindStringSubmatch(msg); match != nil {
		if t, err := time.Parse(time.RFC3339, match[1]); err == nil {
			resetMs = t.Sub(time.Now()).Milliseconds()
			if resetMs > 0 {
				utils.Debug("[CloudCode] Parsed ISO reset time: %s", match[1])
				return resetMs
			}
		}
	}

	return -1
}

// errorDetailsBody is the subset of the upstream's JSON error envelope this
// parser inspects: {"error":{"details":[{"reason":"..."}], "retry_after":N}}.
type errorDetailsBody struct {
	Error struct {
		Details []struct {
			Reason   string                 `json:"reason"`
			Metadata map[string]interface{} `json:"metadata"`
		} `json:"details"`
		RetryAfter *int64 `json:"retry_after"`
	} `json:"error"`
}

func parseErrorDetails(errorText string) (*errorDetailsBody, bool) {
	if errorText == "" {
		return nil, false
	}
	var body errorDetailsBody
	if err := json.Unmarshal([]byte(errorText), &body); err != nil {
		return nil, false
	}
	if len(body.Error.Details) == 0 && body.Error.RetryAfter == nil {
		return nil, false
	}
	return &body, true
}

// ParseRateLimitReason classifies an upstream error into a RateLimitReason.
//
// The body is examined first as JSON at error.details[0].reason; a match
// against QUOTA_EXHAUSTED / RATE_LIMIT_EXCEEDED / MODEL_CAPACITY_EXHAUSTED
// wins outright. Otherwise a text-substring fallback applies, and critically
// checks "per minute"/"rate limit" BEFORE the more generic "quota"/"exhausted"
// substrings — a request throttled "per minute" also commonly mentions quota
// language, so rate-limit phrasing must win the tie. A bare 5xx status with
// no reason recognised from either path forces ServerError.
func ParseRateLimitReason(errorText string, status int) RateLimitReason {
	if body, ok := parseErrorDetails(errorText); ok && len(body.Error.Details) > 0 {
		switch body.Error.Details[0].Reason {
		case "QUOTA_EXHAUSTED":
			return RateLimitReasonQuotaExhausted
		case "RATE_LIMIT_EXCEEDED":
			return RateLimitReasonRateLimitExceeded
		case "MODEL_CAPACITY_EXHAUSTED":
			return RateLimitReasonModelCapacityExhausted
		}
	}

	lower := strings.ToLower(errorText)

	// Rate-limit substrings checked BEFORE quota/exhausted substrings.
	if strings.Contains(lower, "per minute") ||
		strings.Contains(lower, "rate limit") ||
		strings.Contains(lower, "rate_limit_exceeded") ||
		strings.Contains(lower, "too many requests") ||
		strings.Contains(lower, "throttl") {
		return RateLimitReasonRateLimitExceeded
	}

	if strings.Contains(lower, "quota") ||
		strings.Contains(lower, "exhausted") ||
		strings.Contains(lower, "resource_exhausted") ||
		strings.Contains(lower, "daily limit") {
		if strings.Contains(lower, "model_capacity_exhausted") ||
			strings.Contains(lower, "capacity_exhausted") ||
			strings.Contains(lower, "model is currently overloaded") {
			return RateLimitReasonModelCapacityExhausted
		}
		return RateLimitReasonQuotaExhausted
	}

	if strings.Contains(lower, "model is currently overloaded") ||
		strings.Contains(lower, "service temporarily unavailable") {
		return RateLimitReasonModelCapacityExhausted
	}

	if status >= 500 {
		return RateLimitReasonServerError
	}
	if strings.Contains(lower, "internal server error") || strings.Contains(lower, "server error") {
		return RateLimitReasonServerError
	}

	return RateLimitReasonUnknown
}

// durationCompoundRegex parses the compound form [Nh][Nm][N[.N]s][Nms] used by
// error.details[0].metadata.quotaResetDelay, e.g. "1h2m3.5s" or "450ms". The
// anchored full-string match disambiguates "450ms" from "450m"+stray "s"
// without needing lookahead (unsupported by Go's RE2 engine): only the parse
// that consumes the whole input can satisfy the trailing $.
var durationCompoundRegex = regexp.MustCompile(`(?i)^\s*(?:(\d+)h)?(?:(\d+)m)?(?:(\d+(?:\.\d+)?)s)?(?:(\d+)ms)?\s*$`)

// ParseCompoundDuration parses the quotaResetDelay compound duration grammar
// into milliseconds. Returns -1 if the string matches none of the components.
func ParseCompoundDuration(s string) int64 {
	match := durationCompoundRegex.FindStringSubmatch(s)
	if match == nil {
		return -1
	}
	if match[1] == "" && match[2] == "" && match[3] == "" && match[4] == "" {
		return -1
	}
	var totalMs float64
	if match[1] != "" {
		h, _ := strconv.Atoi(match[1])
		totalMs += float64(h) * 3600000
	}
	if match[2] != "" {
		m, _ := strconv.Atoi(match[2])
		totalMs += float64(m) * 60000
	}
	if match[3] != "" {
		secs, _ := strconv.ParseFloat(match[3], 64)
		totalMs += secs * 1000
	}
	if match[4] != "" {
		ms, _ := strconv.ParseFloat(match[4], 64)
		totalMs += ms
	}
	return int64(totalMs)
}

// DefaultDelayMs implements the priority-5 default table: reason plus
// consecutive-failure counter (QuotaExhausted only) to a lockout duration.
func DefaultDelayMs(reason RateLimitReason, failureCount int) int64 {
	switch reason {
	case RateLimitReasonQuotaExhausted:
		switch {
		case failureCount <= 1:
			return 60000
		case failureCount == 2:
			return 300000
		case failureCount == 3:
			return 1800000
		default:
			return 7200000
		}
	case RateLimitReasonRateLimitExceeded:
		return 30000
	case RateLimitReasonModelCapacityExhausted:
		return 15000
	case RateLimitReasonServerError:
		return 20000
	default:
		return 60000
	}
}
