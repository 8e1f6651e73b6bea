package signature

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"time"

	"github.com/finshield-project/finshield/internal/core"
)

const StageName = "signature"

const (
	HeaderSignature = "X-Signature"
	HeaderTimestamp = "X-Timestamp"

	PatternInvalidSignature = "invalid_signature"
)

var (
	ErrMissing   = errors.New("signature headers missing")
	ErrTimestamp = errors.New("timestamp malformed")
	ErrExpired   = errors.New("timestamp outside the accepted window")
	ErrMismatch  = errors.New("signature mismatch")
)

// Validator checks HMAC-SHA256 request signatures. A validator without a
// secret accepts everything.
type Validator struct {
	secret    []byte
	window    time.Duration
	mandatory bool
	scoring   core.ScoringConfig
	now       func() time.Time
}

// New creates a Validator from cfg.
func New(cfg core.SignatureConfig, scoring core.ScoringConfig) *Validator {
	window := cfg.Window
	if window <= 0 {
		window = 300 * time.Second
	}
	return &Validator{
		secret:    []byte(cfg.Secret),
		window:    window,
		mandatory: cfg.Mandatory,
		scoring:   scoring,
		now:       time.Now,
	}
}

// WithClock replaces the time source.
func (v *Validator) WithClock(now func() time.Time) *Validator {
	v.now = now
	return v
}

// Enabled reports whether a secret is configured.
func (v *Validator) Enabled() bool { return len(v.secret) > 0 }

// Sign returns the hex signature of METHOD:PATH:TIMESTAMP[:BODY].
func Sign(secret []byte, method, path string, ts int64, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(method + ":" + path + ":" + strconv.FormatInt(ts, 10)))
	if len(body) > 0 {
		mac.Write([]byte(":"))
		mac.Write(body)
	}
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks sig and ts against the request. ts is unix seconds.
func (v *Validator) Verify(method, path, sig, ts string, body []byte) error {
	if sig == "" || ts == "" {
		return ErrMissing
	}
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return ErrTimestamp
	}
	skew := v.now().Sub(time.Unix(unix, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > v.window {
		return ErrExpired
	}

	got, err := hex.DecodeString(sig)
	if err != nil {
		return ErrMismatch
	}
	want, _ := hex.DecodeString(Sign(v.secret, method, path, unix, body))
	if !hmac.Equal(got, want) {
		return ErrMismatch
	}
	return nil
}

func (v *Validator) Name() string { return StageName }

// Evaluate is a no-op without a secret. In mandatory mode any failure is a
// 401; otherwise absent headers pass and a bad signature costs score.
func (v *Validator) Evaluate(_ context.Context, req *core.Request) core.Outcome {
	if !v.Enabled() {
		return core.Pass()
	}
	path := req.Route
	if req.HTTP != nil {
		path = req.HTTP.URL.Path
	}
	err := v.Verify(req.Method, path, req.Header.Get(HeaderSignature), req.Header.Get(HeaderTimestamp), req.Body)
	switch {
	case err == nil:
		return core.Pass()
	case v.mandatory:
		return core.Deny(core.Unauthorized("invalid request signature: %v", err))
	case errors.Is(err, ErrMissing):
		return core.Pass()
	default:
		return core.Outcome{Signals: []core.Signal{{
			Pattern: PatternInvalidSignature,
			Weight:  v.scoring.SignatureWeight,
			Penalty: v.scoring.SignaturePenalty,
		}}}
	}
}
