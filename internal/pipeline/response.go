package pipeline

import (
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/finshield-project/finshield/internal/core"
)

// hardeningHeaders go on every response, admitted or denied.
var hardeningHeaders = map[string]string{
	"Content-Security-Policy":   "default-src 'none'; frame-ancestors 'none'",
	"X-Frame-Options":           "DENY",
	"X-Content-Type-Options":    "nosniff",
	"Referrer-Policy":           "strict-origin-when-cross-origin",
	"Permissions-Policy":        "geolocation=(), microphone=(), camera=()",
	"Strict-Transport-Security": "max-age=63072000; includeSubDomains",
}

// errorBody is the JSON shape of every denial.
type errorBody struct {
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

func setAdmissionHeaders(h http.Header, requestID string, elapsed time.Duration, a core.ThreatAssessment) {
	for k, v := range hardeningHeaders {
		h.Set(k, v)
	}
	h.Set("X-Request-Id", requestID)
	h.Set("X-Response-Time", fmt.Sprintf("%.2fms", float64(elapsed.Microseconds())/1000))
	h.Set("X-Security-Score", strconv.Itoa(a.SecurityScore()))
	h.Set("X-Threat-Level", a.Level().String())
}

func mergeHeaders(dst, src http.Header) {
	for k, vals := range src {
		for _, v := range vals {
			dst.Add(k, v)
		}
	}
}

// retryAfterSeconds rounds up so a client never retries early.
func retryAfterSeconds(d time.Duration) string {
	return strconv.Itoa(max(1, int(math.Ceil(d.Seconds()))))
}

// errorPayload renders the denial body. Internal details never reach the
// caller.
func errorPayload(err *core.AdmissionError, requestID string, at time.Time) []byte {
	msg := err.Message
	if err.Kind == core.KindInternal {
		msg = "internal error"
	}
	data, _ := json.Marshal(errorBody{
		Error:     err.Code(),
		Message:   msg,
		RequestID: requestID,
		Timestamp: at.UTC(),
	})
	return append(data, '\n')
}
