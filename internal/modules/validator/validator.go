package validator

import (
	"context"
	"fmt"
	"net/netip"
	"regexp"
	"strings"

	"github.com/finshield-project/finshield/internal/core"
)

const StageName = "validator"

// APIKeyHeader carries the caller's API key.
const APIKeyHeader = "X-API-Key"

// Validator performs the structural checks every request must pass before
// any content inspection.
type Validator struct {
	cfg          core.ValidationConfig
	deny         []netip.Prefix
	allow        []netip.Prefix
	contentTypes map[string]bool
	keyPattern   *regexp.Regexp
}

// New compiles cfg. Address entries may be bare IPs or CIDRs.
func New(cfg core.ValidationConfig) (*Validator, error) {
	v := &Validator{
		cfg:          cfg,
		contentTypes: make(map[string]bool, len(cfg.AllowedContentTypes)),
	}
	var err error
	if v.deny, err = parsePrefixes(cfg.DenyList); err != nil {
		return nil, fmt.Errorf("deny list: %w", err)
	}
	if v.allow, err = parsePrefixes(cfg.AllowList); err != nil {
		return nil, fmt.Errorf("allow list: %w", err)
	}
	for _, ct := range cfg.AllowedContentTypes {
		v.contentTypes[strings.ToLower(strings.TrimSpace(ct))] = true
	}
	keyLen := cfg.APIKeyLength
	if keyLen <= 0 {
		keyLen = 32
	}
	v.keyPattern = regexp.MustCompile(fmt.Sprintf(`^[A-Za-z0-9]{%d}$`, keyLen))
	return v, nil
}

func parsePrefixes(entries []string) ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(entries))
	for _, e := range entries {
		p, err := core.ParsePrefix(e)
		if err != nil {
			return nil, fmt.Errorf("%q: %w", e, err)
		}
		out = append(out, p)
	}
	return out, nil
}

// Validate reports every structural problem with req.
func (v *Validator) Validate(req *core.Request) core.ValidationResult {
	var errs []string

	size := req.PayloadSize()
	if req.HTTP != nil && req.HTTP.ContentLength > size {
		size = req.HTTP.ContentLength
	}
	if size > v.cfg.MaxPayloadBytes {
		errs = append(errs, fmt.Sprintf("payload of %d bytes exceeds limit of %d", size, v.cfg.MaxPayloadBytes))
	}

	if len(req.Body) > 0 && len(v.contentTypes) > 0 && !v.contentTypes[req.ContentType] {
		ct := req.ContentType
		if ct == "" {
			ct = "none"
		}
		errs = append(errs, fmt.Sprintf("content type %s is not accepted", ct))
	}

	if req.DecodeErr != nil {
		errs = append(errs, fmt.Sprintf("malformed body: %v", req.DecodeErr))
	}

	if req.Addr.IsValid() {
		if matchAny(v.deny, req.Addr) {
			errs = append(errs, "source address is denied")
		}
		if len(v.allow) > 0 && !matchAny(v.allow, req.Addr) {
			errs = append(errs, "source address is not allowed")
		}
	} else if len(v.allow) > 0 {
		errs = append(errs, "source address unknown")
	}

	if v.cfg.RequireAPIKey {
		key := req.Header.Get(APIKeyHeader)
		switch {
		case key == "":
			errs = append(errs, "missing API key")
		case !v.keyPattern.MatchString(key):
			errs = append(errs, "malformed API key")
		}
	}

	return core.ValidationResult{OK: len(errs) == 0, Errors: errs}
}

func matchAny(prefixes []netip.Prefix, addr netip.Addr) bool {
	addr = addr.Unmap()
	for _, p := range prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

func (v *Validator) Name() string { return StageName }

// Evaluate turns a failed validation into a StructuralError.
func (v *Validator) Evaluate(_ context.Context, req *core.Request) core.Outcome {
	res := v.Validate(req)
	if res.OK {
		return core.Pass()
	}
	return core.Deny(core.StructuralError("%s", strings.Join(res.Errors, "; ")))
}
