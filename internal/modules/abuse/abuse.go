package abuse

import (
	"context"
	"fmt"
	"net/netip"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/finshield-project/finshield/internal/core"
	"github.com/finshield-project/finshield/internal/metrics"
)

// StageName labels abuse decisions in access records and timings.
const StageName = "abuse"

// Signal pattern names added by the detector.
const (
	PatternFailureBurst      = "failure_burst"
	PatternLargePayloadBurst = "large_payload_burst"
	PatternMissingUserAgent  = "missing_user_agent"
	PatternScannerUserAgent  = "scanner_user_agent"
	PatternInvalidForwarded  = "invalid_forwarded_for"
	PatternHeaderCRLF        = "header_crlf"
	PatternOversizedHeader   = "oversized_header"
	PatternPremiumNoIdentity = "premium_without_identity"
	PatternBadAPIKey         = "invalid_api_key_format"
	PatternBlocked           = "identifier_blocked"
)

// PremiumKeyHeader carries premium entitlement keys.
const PremiumKeyHeader = "X-Premium-Key"

var scannerAgents = regexp.MustCompile(`(?i)(sqlmap|nikto|nmap|masscan|zgrab|nuclei|dirbuster|dirb/|gobuster|wfuzz|ffuf|wpscan|acunetix|netsparker|havij|w3af|openvas|burp)`)

// Decision is the final admission verdict.
type Decision struct {
	Allowed    bool
	Assessment core.ThreatAssessment
	Blocked    bool
	Reason     string
}

// Detector folds request-level abuse signals into the assessment and decides
// whether to admit, deny or block.
type Detector struct {
	store        core.AdmissionStore
	cfg          core.AbuseConfig
	scoring      core.ScoringConfig
	largePayload int64
	apiKey       *regexp.Regexp
	alerts       core.AlertSink
	logger       zerolog.Logger
	now          func() time.Time
}

// New creates a Detector. alerts may be nil.
func New(store core.AdmissionStore, cfg core.AdmissionConfig, alerts core.AlertSink, logger zerolog.Logger) *Detector {
	keyLen := cfg.Validation.APIKeyLength
	if keyLen <= 0 {
		keyLen = 32
	}
	return &Detector{
		store:        store,
		cfg:          cfg.Abuse,
		scoring:      cfg.Scoring,
		largePayload: cfg.Behavior.LargePayloadBytes,
		apiKey:       regexp.MustCompile(fmt.Sprintf(`^[A-Za-z0-9]{%d}$`, keyLen)),
		alerts:       alerts,
		logger:       logger.With().Str("component", "abuse").Logger(),
		now:          time.Now,
	}
}

// WithClock replaces the time source.
func (d *Detector) WithClock(now func() time.Time) *Detector {
	d.now = now
	return d
}

// CheckBlocked returns the live block entry matching identifier or address.
func (d *Detector) CheckBlocked(ctx context.Context, identifier, address string) (*core.BlockEntry, error) {
	now := d.now()
	keys := []string{core.BlockKeyIdentifier(identifier)}
	if address != "" {
		keys = append(keys, core.BlockKeyAddress(address))
	}
	for _, key := range keys {
		entry, err := d.store.Blocked(ctx, key, now)
		if err != nil {
			return nil, fmt.Errorf("checking block %s: %w", key, err)
		}
		if entry != nil {
			return entry, nil
		}
	}
	return nil, nil
}

// Admit adds the detector's own signals to assessment, classifies it and
// applies the block policy: critical blocks identifier and address, high with
// enough distinct patterns blocks the address.
func (d *Detector) Admit(ctx context.Context, req *core.Request, assessment core.ThreatAssessment) (Decision, error) {
	signals, err := d.signals(ctx, req)
	if err != nil {
		return Decision{}, err
	}
	a := assessment.WithSignals(signals...).Classified(core.ThresholdsFrom(d.cfg))

	switch {
	case a.Level() == core.ThreatCritical:
		reason := fmt.Sprintf("critical threat (abuse score %d)", a.AbuseScore())
		var keys []string
		if req.Identifier != "" && req.Identifier != "anonymous" {
			keys = append(keys, core.BlockKeyIdentifier(req.Identifier))
		}
		if addr := req.Address(); addr != "" {
			keys = append(keys, core.BlockKeyAddress(addr))
		}
		if err := d.blockAll(ctx, req, keys, reason); err != nil {
			return Decision{}, err
		}
		return Decision{Assessment: a, Blocked: len(keys) > 0, Reason: reason}, nil

	case a.Level() == core.ThreatHigh && len(a.Patterns()) >= d.cfg.HighPatternCount:
		reason := fmt.Sprintf("high threat with %d patterns", len(a.Patterns()))
		var keys []string
		switch addr := req.Address(); {
		case addr != "":
			keys = []string{core.BlockKeyAddress(addr)}
		case req.Identifier != "" && req.Identifier != "anonymous":
			keys = []string{core.BlockKeyIdentifier(req.Identifier)}
		}
		if err := d.blockAll(ctx, req, keys, reason); err != nil {
			return Decision{}, err
		}
		return Decision{Assessment: a, Blocked: len(keys) > 0, Reason: reason}, nil
	}

	return Decision{Allowed: true, Assessment: a}, nil
}

func (d *Detector) blockAll(ctx context.Context, req *core.Request, keys []string, reason string) error {
	now := d.now()
	for _, key := range keys {
		entry := core.BlockEntry{
			Key:        key,
			Identifier: req.Identifier,
			Address:    req.Address(),
			Reason:     reason,
			CreatedAt:  now,
		}
		if d.cfg.BlockTTL > 0 {
			entry.ExpiresAt = now.Add(d.cfg.BlockTTL)
		}
		if err := d.Block(ctx, entry); err != nil {
			return err
		}
	}
	return nil
}

// Block stores entry and raises a critical identifier_blocked alert.
func (d *Detector) Block(ctx context.Context, entry core.BlockEntry) error {
	if err := d.store.Block(ctx, entry); err != nil {
		return fmt.Errorf("blocking %s: %w", entry.Key, err)
	}
	kind, _, _ := strings.Cut(entry.Key, ":")
	metrics.BlocksCreated.WithLabelValues(kind).Inc()
	d.logger.Warn().
		Str("key", entry.Key).
		Str("identifier", entry.Identifier).
		Str("reason", entry.Reason).
		Time("expires_at", entry.ExpiresAt).
		Msg("blocked")

	if d.alerts != nil {
		alert := core.NewAlert(core.AlertIdentifierBlocked, entry.Key, core.SeverityCritical,
			fmt.Sprintf("Blocked %s: %s", entry.Key, entry.Reason))
		alert.Payload["identifier"] = entry.Identifier
		alert.Payload["address"] = entry.Address
		if !entry.ExpiresAt.IsZero() {
			alert.Payload["expires_at"] = entry.ExpiresAt
		}
		d.alerts.Raise(alert)
	}
	return nil
}

// Unblock removes the entry stored under key.
func (d *Detector) Unblock(ctx context.Context, key string) (bool, error) {
	removed, err := d.store.Unblock(ctx, key)
	if err != nil {
		return false, fmt.Errorf("unblocking %s: %w", key, err)
	}
	if removed {
		d.logger.Info().Str("key", key).Msg("unblocked")
	}
	return removed, nil
}

// Blocks lists the live entries.
func (d *Detector) Blocks(ctx context.Context) ([]core.BlockEntry, error) {
	return d.store.Blocks(ctx, d.now())
}

func failureKey(identifier string) string { return "fail:" + identifier }
func largeKey(identifier string) string { return "large:" + identifier }

// RecordOutcome counts a completed request toward the failure burst when its
// status is an error.
func (d *Detector) RecordOutcome(ctx context.Context, identifier string, status int) error {
	if status < 400 {
		return nil
	}
	_, err := d.store.Touch(ctx, failureKey(identifier), d.cfg.BurstWindow, d.now())
	return err
}

func (d *Detector) signals(ctx context.Context, req *core.Request) ([]core.Signal, error) {
	var out []core.Signal
	now := d.now()

	// A zero limit trims and counts without recording.
	failures, err := d.store.SlideWindow(ctx, failureKey(req.Identifier), 0, d.cfg.BurstWindow, d.cfg.BurstWindow, now)
	if err != nil {
		return nil, fmt.Errorf("reading failure window: %w", err)
	}
	if failures.Count >= d.cfg.FailureBurstThreshold {
		out = append(out, core.Signal{Pattern: PatternFailureBurst, Weight: d.scoring.FailureBurstWeight})
	}

	if req.PayloadSize() > d.largePayload {
		n, err := d.store.Touch(ctx, largeKey(req.Identifier), d.cfg.BurstWindow, now)
		if err != nil {
			return nil, fmt.Errorf("recording large payload: %w", err)
		}
		if n >= d.cfg.LargePayloadBurst {
			out = append(out, core.Signal{Pattern: PatternLargePayloadBurst, Weight: d.scoring.LargePayloadWeight})
		}
	}

	for _, pattern := range d.headerIndicators(req) {
		out = append(out, core.Signal{Pattern: pattern, Weight: d.scoring.HeaderWeight, Penalty: d.scoring.HeaderPenalty})
	}

	if req.Header.Get(PremiumKeyHeader) != "" && req.Identity == "" {
		out = append(out, core.Signal{Pattern: PatternPremiumNoIdentity, Weight: d.scoring.PremiumNoAuthWeight})
	}
	if key := req.Header.Get("X-API-Key"); key != "" && !d.apiKey.MatchString(key) {
		out = append(out, core.Signal{Pattern: PatternBadAPIKey, Weight: d.scoring.BadAPIKeyWeight})
	}
	return out, nil
}

func (d *Detector) headerIndicators(req *core.Request) []string {
	var out []string
	ua := req.UserAgent()
	switch {
	case strings.TrimSpace(ua) == "":
		out = append(out, PatternMissingUserAgent)
	case scannerAgents.MatchString(ua):
		out = append(out, PatternScannerUserAgent)
	}

	if xff := req.Header.Values("X-Forwarded-For"); len(xff) > 0 && !validForwarded(xff) {
		out = append(out, PatternInvalidForwarded)
	}

	size, crlf := 0, false
	for name, values := range req.Header {
		for _, v := range values {
			size += len(name) + len(v) + 4
			if strings.ContainsAny(v, "\r\n") {
				crlf = true
			}
		}
	}
	if crlf {
		out = append(out, PatternHeaderCRLF)
	}
	if d.cfg.MaxHeaderBytes > 0 && size > d.cfg.MaxHeaderBytes {
		out = append(out, PatternOversizedHeader)
	}
	return out
}

func validForwarded(values []string) bool {
	for _, v := range values {
		for _, hop := range strings.Split(v, ",") {
			if _, err := netip.ParseAddr(strings.TrimSpace(hop)); err != nil {
				return false
			}
		}
	}
	return true
}
