package core

import (
	"fmt"
	"reflect"
	"slices"
)

// ReloadConfig re-reads engine.ConfigPath and swaps in every setting that can
// change without a restart, then runs the registered reload hooks. Returns a
// list of what changed.
//
// Hot-reloadable: the whole admission section (IP lists, premium keys,
// versions, class limits, scoring, thresholds), admin API keys and CORS
// origins, alert cooldown, logging level.
//
// Restart required: server listener and upstream, admin listener, store
// backend, bus.
func ReloadConfig(engine *Engine) ([]string, error) {
	if engine.ConfigPath == "" {
		return nil, fmt.Errorf("no config path set, cannot reload")
	}

	loaded, err := LoadConfig(engine.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if err := loaded.Validate(); err != nil {
		return nil, err
	}

	old := engine.Config()
	next := *old
	var changes []string

	if loaded.LogLevel() != old.LogLevel() {
		next.Logging.Level = loaded.Logging.Level
		changes = append(changes, "logging.level → "+loaded.LogLevel())
	}
	if loaded.Alerts.Cooldown != old.Alerts.Cooldown {
		next.Alerts.Cooldown = loaded.Alerts.Cooldown
		changes = append(changes, fmt.Sprintf("alerts.cooldown → %s", loaded.Alerts.Cooldown))
	}
	if !slices.Equal(loaded.Admin.APIKeys, old.Admin.APIKeys) {
		next.Admin.APIKeys = loaded.Admin.APIKeys
		changes = append(changes, fmt.Sprintf("admin.api_keys → %d keys", len(loaded.Admin.APIKeys)))
	}
	next.Admin.CORSOrigins = loaded.Admin.CORSOrigins

	changes = append(changes, diffAdmission(old.Admission, loaded.Admission)...)
	next.Admission = loaded.Admission

	for _, section := range []struct {
		name     string
		old, new any
	}{
		{"server", old.Server, loaded.Server},
		{"store", old.Store, loaded.Store},
		{"bus", old.Bus, loaded.Bus},
	} {
		if !reflect.DeepEqual(section.old, section.new) {
			engine.Logger.Warn().Str("section", section.name).Msg("config section changed but requires a restart")
		}
	}

	if len(changes) == 0 {
		changes = append(changes, "no changes detected")
	}

	engine.applyConfig(&next)
	engine.Logger.Info().Strs("changes", changes).Msg("configuration reloaded")
	return changes, nil
}

func diffAdmission(old, cur AdmissionConfig) []string {
	var changes []string
	fields := []struct {
		name     string
		old, new any
	}{
		{"validation", old.Validation, cur.Validation},
		{"injection", old.Injection, cur.Injection},
		{"signature", old.Signature, cur.Signature},
		{"entitlements", old.Entitlements, cur.Entitlements},
		{"versions", old.Versions, cur.Versions},
		{"rate_limits", old.RateLimits, cur.RateLimits},
		{"behavior", old.Behavior, cur.Behavior},
		{"abuse", old.Abuse, cur.Abuse},
		{"scoring", old.Scoring, cur.Scoring},
		{"monitor", old.Monitor, cur.Monitor},
		{"redaction", old.Redaction, cur.Redaction},
	}
	for _, f := range fields {
		if !reflect.DeepEqual(f.old, f.new) {
			changes = append(changes, "admission."+f.name+" reloaded")
		}
	}
	return changes
}
