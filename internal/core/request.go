package core

import (
	"context"
	"net/http"
	"net/netip"
	"net/url"
	"time"
)

// Request is the admission view of one inbound HTTP request. The pipeline
// builds it once; stages read it and never mutate it.
type Request struct {
	ID          string
	Received    time.Time
	Method      string
	Route       string
	Class       EndpointClass
	Identity    string
	Identifier  string
	Addr        netip.Addr
	Header      http.Header
	Query       url.Values
	Form        url.Values
	JSON        any
	Filenames   []string
	Body        []byte
	ContentType string
	// DecodeErr is set when a JSON, form or multipart body could not be parsed.
	DecodeErr error
	HTTP      *http.Request
}

// PayloadSize is the body length in bytes.
func (r *Request) PayloadSize() int64 { return int64(len(r.Body)) }

// UserAgent returns the User-Agent header.
func (r *Request) UserAgent() string { return r.Header.Get("User-Agent") }

// Address renders the source address, or "" when it could not be parsed.
func (r *Request) Address() string {
	if !r.Addr.IsValid() {
		return ""
	}
	return r.Addr.String()
}

// Identifier returns the key rate limits and history are tracked against:
// user:{id} for resolved identities, ip:{addr} otherwise, anonymous when
// neither is known.
func Identifier(identity string, addr netip.Addr) string {
	switch {
	case identity != "":
		return "user:" + identity
	case addr.IsValid():
		return "ip:" + addr.String()
	default:
		return "anonymous"
	}
}

// ValidationResult is the outcome of structural validation.
type ValidationResult struct {
	OK     bool     `json:"ok"`
	Errors []string `json:"errors,omitempty"`
}

// PerformanceSample is one completed request as seen by the endpoint monitor.
type PerformanceSample struct {
	Route    string        `json:"route"`
	Identity string        `json:"identity"`
	Latency  time.Duration `json:"latency"`
	Status   int           `json:"status"`
	At       time.Time     `json:"at"`
}

type identityKey struct{}

// ContextWithIdentity attaches the user id resolved by the auth layer.
func ContextWithIdentity(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, identityKey{}, userID)
}

// IdentityFromContext returns the resolved user id, or "".
func IdentityFromContext(ctx context.Context) string {
	id, _ := ctx.Value(identityKey{}).(string)
	return id
}

// IdentityResolver extracts a user id from a request. It is supplied by the
// surrounding application's session layer.
type IdentityResolver func(r *http.Request) string

// ContextIdentity is the default resolver; it reads ContextWithIdentity.
func ContextIdentity(r *http.Request) string {
	return IdentityFromContext(r.Context())
}
