package cloudcode

import (
	"net/http"
	"strconv"
	"testing"
	"time"
)

func TestParseResetTime_RetryAfterSeconds(t *testing.T) {
	h := http.Header{}
	h.Set("Retry-After", "5")
	if got := ParseResetTime(h, ""); got != 5000 {
		t.Errorf("Retry-After: 5 -> got %dms, want 5000ms", got)
	}
}

func TestParseResetTime_RetryAfterBelowFloorIsClamped(t *testing.T) {
	h := http.Header{}
	h.Set("Retry-After", "1")
	if got := ParseResetTime(h, ""); got != 2000 {
		t.Errorf("sub-floor Retry-After should clamp to 2000ms, got %d", got)
	}
}

func TestParseResetTime_RetryAfterHTTPDate(t *testing.T) {
	future := time.Now().Add(10 * time.Second)
	h := http.Header{}
	h.Set("Retry-After", future.Format(time.RFC1123))

	got := ParseResetTime(h, "")
	if got < 2000 || got > 11000 {
		t.Errorf("Retry-After HTTP-date ~10s out: got %dms, want roughly 10000ms", got)
	}
}

func TestParseResetTime_XRateLimitReset(t *testing.T) {
	future := time.Now().Add(10 * time.Second).Unix()
	h := http.Header{}
	h.Set("x-ratelimit-reset", strconv.FormatInt(future, 10))

	got := ParseResetTime(h, "")
	if got < 8000 || got > 11000 {
		t.Errorf("x-ratelimit-reset: got %dms, want roughly 10000ms", got)
	}
}

func TestParseResetTime_XRateLimitResetAfter(t *testing.T) {
	h := http.Header{}
	h.Set("x-ratelimit-reset-after", "7")
	if got := ParseResetTime(h, ""); got != 7000 {
		t.Errorf("x-ratelimit-reset-after: 7 -> got %dms, want 7000ms", got)
	}
}

func TestParseResetTime_HeaderPriorityOverBody(t *testing.T) {
	h := http.Header{}
	h.Set("Retry-After", "5")
	// A body that would otherwise parse to something very different must be
	// ignored once a header value is present.
	got := ParseResetTime(h, "retry after 120 seconds")
	if got != 5000 {
		t.Errorf("header must win over body parse: got %d, want 5000", got)
	}
}

func TestParseResetTime_FallsBackToBody(t *testing.T) {
	got := ParseResetTime(http.Header{}, "retry after 60 seconds")
	if got != 60000 {
		t.Errorf("body fallback: got %d, want 60000", got)
	}
}

func TestParseResetTime_NoInfoReturnsMinusOne(t *testing.T) {
	if got := ParseResetTime(http.Header{}, ""); got != -1 {
		t.Errorf("expected -1 when nothing is parseable, got %d", got)
	}
}

func TestParseResetTimeFromBody_JSONQuotaResetDelay(t *testing.T) {
	body := `{"error":{"details":[{"reason":"QUOTA_EXHAUSTED","metadata":{"quotaResetDelay":"1.5s"}}]}}`
	if got := parseResetTimeFromBody(body); got != 1500 {
		t.Errorf("JSON quotaResetDelay: got %d, want 1500", got)
	}
}

func TestParseResetTimeFromBody_JSONRetryAfter(t *testing.T) {
	body := `{"error":{"retry_after":30}}`
	if got := parseResetTimeFromBody(body); got != 30000 {
		t.Errorf("JSON retry_after: got %d, want 30000", got)
	}
}

func TestParseResetTimeFromBody_JSONQuotaResetDelayTakesPriorityOverRetryAfter(t *testing.T) {
	body := `{"error":{"details":[{"reason":"QUOTA_EXHAUSTED","metadata":{"quotaResetDelay":"2s"}}],"retry_after":99}}`
	if got := parseResetTimeFromBody(body); got != 2000 {
		t.Errorf("quotaResetDelay should win over retry_after: got %d, want 2000", got)
	}
}

func TestParseResetTimeFromBody_QuotaResetDelayRegexMilliseconds(t *testing.T) {
	if got := parseResetTimeFromBody("rpc error: quotaResetDelay: 754.431528ms"); got != 754 {
		t.Errorf("quotaResetDelay regex (ms): got %d, want 754", got)
	}
}

func TestParseResetTimeFromBody_QuotaResetDelayRegexSeconds(t *testing.T) {
	if got := parseResetTimeFromBody("quotaResetDelay: 1.5s"); got != 1500 {
		t.Errorf("quotaResetDelay regex (s): got %d, want 1500", got)
	}
}

func TestParseResetTimeFromBody_RetryAfterMsField(t *testing.T) {
	if got := parseResetTimeFromBody(`{"retry-after-ms": 1500}`); got != 1500 {
		t.Errorf("retry-after-ms regex: got %d, want 1500", got)
	}
}

func TestParseResetTimeFromBody_RetrySecondsPhrase(t *testing.T) {
	if got := parseResetTimeFromBody("please retry after 60 seconds"); got != 60000 {
		t.Errorf("retry-after-seconds phrase: got %d, want 60000", got)
	}
}

func TestParseResetTimeFromBody_CompoundDuration(t *testing.T) {
	cases := []struct {
		msg  string
		want int64
	}{
		{"wait 1h23m45s before retrying", 5025000},
		{"wait 23m45s before retrying", 1425000},
		{"wait 45s before retrying", 45000},
	}
	for _, tc := range cases {
		if got := parseResetTimeFromBody(tc.msg); got != tc.want {
			t.Errorf("parseResetTimeFromBody(%q) = %d, want %d", tc.msg, got, tc.want)
		}
	}
}

func TestParseResetTimeFromBody_NoMatchReturnsMinusOne(t *testing.T) {
	if got := parseResetTimeFromBody("nothing useful here"); got != -1 {
		t.Errorf("expected -1 for unparseable body, got %d", got)
	}
}

func TestParseRateLimitReason_JSONReasonWinsOutright(t *testing.T) {
	// The "message" field would classify as RateLimitExceeded under the
	// substring fallback, but the JSON details[0].reason must take priority.
	body := `{"error":{"details":[{"reason":"QUOTA_EXHAUSTED"}],"message":"rate limit exceeded for this request"}}`
	if got := ParseRateLimitReason(body, 429); got != RateLimitReasonQuotaExhausted {
		t.Errorf("got %s, want QUOTA_EXHAUSTED", got)
	}
}

func TestParseRateLimitReason_JSONReasonVariants(t *testing.T) {
	cases := []struct {
		reason string
		want   RateLimitReason
	}{
		{"RATE_LIMIT_EXCEEDED", RateLimitReasonRateLimitExceeded},
		{"MODEL_CAPACITY_EXHAUSTED", RateLimitReasonModelCapacityExhausted},
	}
	for _, tc := range cases {
		body := `{"error":{"details":[{"reason":"` + tc.reason + `"}]}}`
		if got := ParseRateLimitReason(body, 429); got != tc.want {
			t.Errorf("reason %s: got %s, want %s", tc.reason, got, tc.want)
		}
	}
}

func TestParseRateLimitReason_RateLimitPhraseBeatsQuotaPhrase(t *testing.T) {
	text := "You have exceeded your quota: rate limit of 60 requests per minute"
	if got := ParseRateLimitReason(text, 429); got != RateLimitReasonRateLimitExceeded {
		t.Errorf("rate-limit phrasing must win over quota phrasing: got %s", got)
	}
}

func TestParseRateLimitReason_QuotaPhraseWithoutRateLimitWords(t *testing.T) {
	text := "Daily limit exceeded, quota exhausted for this account"
	if got := ParseRateLimitReason(text, 429); got != RateLimitReasonQuotaExhausted {
		t.Errorf("got %s, want QUOTA_EXHAUSTED", got)
	}
}

func TestParseRateLimitReason_CapacityPhraseNestedInsideQuotaBranch(t *testing.T) {
	text := "quota exhausted: model_capacity_exhausted for this region"
	if got := ParseRateLimitReason(text, 429); got != RateLimitReasonModelCapacityExhausted {
		t.Errorf("got %s, want MODEL_CAPACITY_EXHAUSTED", got)
	}
}

func TestParseRateLimitReason_OverloadedPhraseOutsideQuotaBranch(t *testing.T) {
	text := "the model is currently overloaded, please try again"
	if got := ParseRateLimitReason(text, 200); got != RateLimitReasonModelCapacityExhausted {
		t.Errorf("got %s, want MODEL_CAPACITY_EXHAUSTED", got)
	}
}

func TestParseRateLimitReason_StatusCodeFallbacks(t *testing.T) {
	cases := []struct {
		status int
		want   RateLimitReason
	}{
		{529, RateLimitReasonServerError},
		{503, RateLimitReasonServerError},
		{500, RateLimitReasonServerError},
		{502, RateLimitReasonServerError},
	}
	for _, tc := range cases {
		if got := ParseRateLimitReason("opaque upstream failure", tc.status); got != tc.want {
			t.Errorf("status %d: got %s, want %s", tc.status, got, tc.want)
		}
	}
}

func TestParseRateLimitReason_UnknownDefault(t *testing.T) {
	if got := ParseRateLimitReason("something unrelated happened", 400); got != RateLimitReasonUnknown {
		t.Errorf("got %s, want UNKNOWN", got)
	}
}

func TestParseCompoundDuration(t *testing.T) {
	cases := []struct {
		in   string
		want int64
	}{
		{"1h2m3.5s", 3723500},
		{"450ms", 450},
		{"2m", 120000},
		{"3.5s", 3500},
		{"", -1},
		{"not a duration", -1},
	}
	for _, tc := range cases {
		if got := ParseCompoundDuration(tc.in); got != tc.want {
			t.Errorf("ParseCompoundDuration(%q) = %d, want %d", tc.in, got, tc.want)
		}
	}
}

func TestDefaultDelayMs_QuotaExhaustedEscalatesWithFailureCount(t *testing.T) {
	cases := []struct {
		failureCount int
		want         int64
	}{
		{0, 60000},
		{1, 60000},
		{2, 300000},
		{3, 1800000},
		{4, 7200000},
		{10, 7200000},
	}
	for _, tc := range cases {
		if got := DefaultDelayMs(RateLimitReasonQuotaExhausted, tc.failureCount); got != tc.want {
			t.Errorf("QuotaExhausted failureCount=%d: got %d, want %d", tc.failureCount, got, tc.want)
		}
	}
}

func TestDefaultDelayMs_OtherReasons(t *testing.T) {
	cases := []struct {
		reason RateLimitReason
		want   int64
	}{
		{RateLimitReasonRateLimitExceeded, 30000},
		{RateLimitReasonModelCapacityExhausted, 15000},
		{RateLimitReasonServerError, 20000},
		{RateLimitReasonUnknown, 60000},
	}
	for _, tc := range cases {
		if got := DefaultDelayMs(tc.reason, 1); got != tc.want {
			t.Errorf("reason %s: got %d, want %d", tc.reason, got, tc.want)
		}
	}
}
