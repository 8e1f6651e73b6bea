package entitlement

import (
	"context"
	"fmt"
	"net/http"
	"slices"
	"time"

	"github.com/finshield-project/finshield/internal/core"
)

const VersionStageName = "version"

// VersionHeader selects the API version; absent means the default.
const VersionHeader = "X-API-Version"

// VersionInfo describes one accepted version.
type VersionInfo struct {
	Version    string    `json:"version"`
	Deprecated bool      `json:"deprecated"`
	Sunset     time.Time `json:"sunset,omitzero"`
}

// VersionManager accepts supported versions and warns about deprecated ones
// until their sunset date.
type VersionManager struct {
	def        string
	supported  []string
	deprecated map[string]time.Time
	now        func() time.Time
}

// NewVersionManager parses cfg. Sunset dates are YYYY-MM-DD in UTC.
func NewVersionManager(cfg core.VersionConfig) (*VersionManager, error) {
	vm := &VersionManager{
		def:        cfg.Default,
		supported:  slices.Clone(cfg.Supported),
		deprecated: make(map[string]time.Time, len(cfg.Deprecated)),
		now:        time.Now,
	}
	for v, date := range cfg.Deprecated {
		sunset, err := time.Parse(time.DateOnly, date)
		if err != nil {
			return nil, fmt.Errorf("sunset date for %s: %w", v, err)
		}
		vm.deprecated[v] = sunset
	}
	return vm, nil
}

// WithClock replaces the time source.
func (vm *VersionManager) WithClock(now func() time.Time) *VersionManager {
	vm.now = now
	return vm
}

// Validate reports whether version is currently accepted.
func (vm *VersionManager) Validate(version string) (bool, VersionInfo) {
	if version == "" {
		version = vm.def
	}
	info := VersionInfo{Version: version}
	if sunset, ok := vm.deprecated[version]; ok {
		info.Deprecated = true
		info.Sunset = sunset
		return vm.now().Before(sunset), info
	}
	return slices.Contains(vm.supported, version), info
}

func (vm *VersionManager) Name() string { return VersionStageName }

func (vm *VersionManager) Evaluate(_ context.Context, req *core.Request) core.Outcome {
	requested := req.Header.Get(VersionHeader)
	ok, info := vm.Validate(requested)
	if !ok {
		if info.Deprecated {
			return core.Deny(core.VersionError("API version %s was sunset on %s", info.Version, info.Sunset.Format(time.DateOnly)))
		}
		return core.Deny(core.VersionError("unsupported API version %q", info.Version))
	}

	h := http.Header{}
	h.Set(VersionHeader, info.Version)
	if info.Deprecated {
		h.Set("Deprecation", "true")
		h.Set("Sunset", info.Sunset.UTC().Format(http.TimeFormat))
	}
	return core.Outcome{Headers: h}
}
