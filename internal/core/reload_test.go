package core

import (
	"strings"
	"testing"
)

func containsChange(changes []string, substr string) bool {
	for _, c := range changes {
		if strings.Contains(c, substr) {
			return true
		}
	}
	return false
}

func TestReloadConfig_EmptyPath_Error(t *testing.T) {
	e := testEngine(t)
	if _, err := ReloadConfig(e); err == nil {
		t.Error("expected error for empty config path")
	}
}

func TestReloadConfig_NoChanges(t *testing.T) {
	e := testEngine(t)
	e.ConfigPath = writeConfigFile(t, "alerts:\n  enable_console: false\n")
	changes, err := ReloadConfig(e)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !containsChange(changes, "no changes") {
		t.Errorf("changes = %v", changes)
	}
}

func TestReloadConfig_AdmissionAndHooks(t *testing.T) {
	e := testEngine(t)
	var seen *Config
	e.OnReload(func(cfg *Config) { seen = cfg })

	e.ConfigPath = writeConfigFile(t, `
logging:
  level: debug
admission:
  validation:
    deny_list: ["198.51.100.0/24"]
  entitlements:
    keys:
      - key: premium-123
        features: [advanced_reports]
`)
	changes, err := ReloadConfig(e)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, want := range []string{"logging.level", "admission.validation", "admission.entitlements"} {
		if !containsChange(changes, want) {
			t.Errorf("expected %q in %v", want, changes)
		}
	}
	if seen == nil || len(seen.Admission.Validation.DenyList) != 1 {
		t.Fatal("reload hook did not receive the new config")
	}
	if e.Config() != seen {
		t.Error("engine config should be the reloaded snapshot")
	}
}

func TestReloadConfig_InvalidConfigRejected(t *testing.T) {
	e := testEngine(t)
	before := e.Config()
	e.ConfigPath = writeConfigFile(t, `
admission:
  validation:
    deny_list: ["nope"]
`)
	if _, err := ReloadConfig(e); err == nil {
		t.Fatal("expected validation error")
	}
	if e.Config() != before {
		t.Error("invalid config must not replace the running one")
	}
}

func TestReloadConfig_EmptyRateLimitsKeepsDefaults(t *testing.T) {
	e := testEngine(t)
	e.ConfigPath = writeConfigFile(t, "admission:\n  rate_limits:\n")
	if _, err := ReloadConfig(e); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := e.Config().Admission.RateLimits[ClassGeneral]; got.MaxRequests != 100 {
		t.Errorf("general limit = %+v, want default", got)
	}
}

func TestReloadConfig_StoreChangeNeedsRestart(t *testing.T) {
	e := testEngine(t)
	e.ConfigPath = writeConfigFile(t, "store:\n  backend: redis\n")
	if _, err := ReloadConfig(e); err != nil {
		t.Fatal(err)
	}
	if e.Config().Store.Backend != "memory" {
		t.Error("store backend must not change without a restart")
	}
}
