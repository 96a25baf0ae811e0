package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadCreatesDefault(t *testing.T) {
	dir := t.TempDir()

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.IsFirstRun() {
		t.Error("fresh config should report first run")
	}
	if cfg.Format() != FormatJSON || cfg.Path() != filepath.Join(dir, DefaultConfigFile) {
		t.Errorf("format=%s path=%s", cfg.Format(), cfg.Path())
	}
	if _, err := os.Stat(cfg.Path()); err != nil {
		t.Errorf("default config not written: %v", err)
	}

	bd := cfg.GetBridgeData()
	if bd.ListenAddress != DefaultListenAddress || bd.TargetAddress != DefaultTargetAddress || bd.MaxSessions != DefaultMaxSessions {
		t.Errorf("defaults not applied: %+v", bd)
	}

	again, err := Load(dir)
	if err != nil {
		t.Fatalf("second Load: %v", err)
	}
	if again.IsFirstRun() {
		t.Error("existing config must not report first run")
	}
}

func TestLoadJSONOverlaysDefaults(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, DefaultConfigFile),
		[]byte(`{"bridge_data": {"target_address": "tw-0.7+udp://10.0.0.1:8304", "max_sessions": 8}}`), 0644)

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	bd := cfg.GetBridgeData()
	if bd.TargetAddress != "tw-0.7+udp://10.0.0.1:8304" || bd.MaxSessions != 8 {
		t.Errorf("file values not applied: %+v", bd)
	}
	if bd.ListenAddress != DefaultListenAddress || bd.InboundPerTick != 1 {
		t.Errorf("missing fields must keep defaults: %+v", bd)
	}

	data, _ := os.ReadFile(cfg.Path())
	if !strings.Contains(string(data), "keepalive_interval_ms") {
		t.Error("re-save should persist new default fields")
	}
}

func TestLoadPrefersYAML(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, DefaultConfigFile), []byte(`{"bridge_data": {"max_sessions": 1}}`), 0644)
	os.WriteFile(filepath.Join(dir, DefaultYAMLConfigFile), []byte(`
bridge_data:
  listen_address: 127.0.0.1:9303
  max_sessions: 12
  bans:
    - 10.0.0.0/8
application_data:
  mqtt:
    enabled: true
    broker_url: broker.local
`), 0644)

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Format() != FormatYAML {
		t.Fatalf("format = %s", cfg.Format())
	}
	bd := cfg.GetBridgeData()
	if bd.ListenAddress != "127.0.0.1:9303" || bd.MaxSessions != 12 || len(bd.Bans) != 1 {
		t.Errorf("yaml values not applied: %+v", bd)
	}
	ad := cfg.GetApplicationData()
	if !ad.MQTT.Enabled || ad.MQTT.BrokerURL != "broker.local" || ad.MQTT.Port != 1883 {
		t.Errorf("mqtt = %+v", ad.MQTT)
	}

	data, _ := os.ReadFile(cfg.Path())
	if !strings.Contains(string(data), "listen_address:") || !strings.Contains(string(data), "127.0.0.1:9303") {
		t.Errorf("yaml config should be re-saved as yaml:\n%s", data)
	}
}

func TestLoadRejectsMalformed(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, DefaultConfigFile), []byte(`{not json`), 0644)
	if _, err := Load(dir); err == nil {
		t.Error("expected parse error")
	}
}

func TestUpdateBridgeField(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.UpdateBridgeField("max_sessions", 5); err != nil {
		t.Fatalf("UpdateBridgeField: %v", err)
	}
	if cfg.GetBridgeData().MaxSessions != 5 {
		t.Error("field not updated")
	}
	if err := cfg.UpdateBridgeField("no_such_field", 1); err == nil {
		t.Error("unknown field must fail")
	}
	if err := cfg.UpdateBridgeField("max_sessions", "many"); err == nil {
		t.Error("wrong type must fail")
	}
}

func TestRedactedMasksToken(t *testing.T) {
	cfg := DefaultConfig()
	ad := cfg.GetApplicationData()
	ad.Security.APIToken = "s3cret"
	cfg.SetApplicationData(ad)

	if v := cfg.Redacted(); v.ApplicationData.Security.APIToken == "s3cret" {
		t.Error("token leaked")
	}
	if cfg.GetApplicationData().Security.APIToken != "s3cret" {
		t.Error("Redacted must not modify the config")
	}
}

func TestValidateDefaults(t *testing.T) {
	result := Validate(DefaultConfig())
	if !result.IsValid() {
		t.Errorf("default config invalid: %v", result.Errors)
	}
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"bad listen", func(c *Config) { c.BridgeData.ListenAddress = "nope" }, "bridge_data.listen_address"},
		{"bad target", func(c *Config) { c.BridgeData.TargetAddress = "http://x:1" }, "bridge_data.target_address"},
		{"loop to self", func(c *Config) { c.BridgeData.TargetAddress = "127.0.0.1:8303" }, "bridge_data.target_address"},
		{"no sessions", func(c *Config) { c.BridgeData.MaxSessions = 0 }, "bridge_data.max_sessions"},
		{"zero budget", func(c *Config) { c.BridgeData.InboundPerTick = 0 }, "bridge_data.inbound_per_tick"},
		{"keepalive too slow", func(c *Config) { c.BridgeData.KeepaliveIntervalMs = 20000 }, "bridge_data.keepalive_interval_ms"},
		{"bad ban", func(c *Config) { c.BridgeData.Bans = []string{"x"} }, "bridge_data.bans"},
		{"mqtt without broker", func(c *Config) { c.ApplicationData.MQTT.Enabled = true }, "application_data.mqtt.broker_url"},
		{"auth without token", func(c *Config) { c.ApplicationData.Security.AuthDisabled = false }, "application_data.security.api_token"},
		{"tls without cert", func(c *Config) { c.ApplicationData.Security.TLSEnabled = true }, "application_data.security.tls_cert_file"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			result := Validate(cfg)
			found := false
			for _, e := range result.Errors {
				if e.Field == tt.field {
					found = true
				}
			}
			if !found {
				t.Errorf("expected error on %s, got %v", tt.field, result.Errors)
			}
		})
	}
}

func TestFlagsApply(t *testing.T) {
	f, err := ParseFlags("teebridge", []string{"--target", "tw-0.7+udp://1.2.3.4:8304", "--max-sessions=3", "--no-cli"})
	if err != nil {
		t.Fatalf("ParseFlags: %v", err)
	}
	if !f.NoCLI || f.ConfigDir != DefaultConfigDir {
		t.Errorf("flags = %+v", f)
	}

	cfg := DefaultConfig()
	if !f.Apply(cfg) {
		t.Error("Apply should report changes")
	}
	bd := cfg.GetBridgeData()
	if bd.TargetAddress != "tw-0.7+udp://1.2.3.4:8304" || bd.MaxSessions != 3 {
		t.Errorf("overrides not applied: %+v", bd)
	}
	if bd.ListenAddress != DefaultListenAddress {
		t.Error("unset flags must not override file values")
	}

	f, _ = ParseFlags("teebridge", nil)
	if f.Apply(DefaultConfig()) {
		t.Error("no flags, no changes")
	}
	if !strings.Contains(f.Usage(), "--config-dir") {
		t.Error("usage missing --config-dir")
	}
}

func TestSetupWizard(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	input := strings.Join([]string{
		"",                            // listen: keep default
		"tw-0.7+udp://10.1.1.1:8304", // target
		"16",                          // max sessions
		"no",                          // api
		"",                            // mqtt: keep disabled
		"yes",                         // journal
	}, "\n") + "\n"
	var out bytes.Buffer

	if err := RunSetupWizard(cfg, strings.NewReader(input), &out); err != nil {
		t.Fatalf("RunSetupWizard: %v\n%s", err, out.String())
	}

	reloaded, err := Load(dir)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	bd := reloaded.GetBridgeData()
	ad := reloaded.GetApplicationData()
	if bd.TargetAddress != "tw-0.7+udp://10.1.1.1:8304" || bd.MaxSessions != 16 {
		t.Errorf("bridge data = %+v", bd)
	}
	if ad.API.Enabled || !ad.Journal.Enabled {
		t.Errorf("application data = %+v", ad)
	}
}

func TestSetupWizardGivesUp(t *testing.T) {
	cfg := DefaultConfig()
	cfg.path = filepath.Join(t.TempDir(), DefaultConfigFile)

	// seven prompts, then decline the retry
	input := "bad-address\n\n\n\n\n\n\nno\n"
	if err := RunSetupWizard(cfg, strings.NewReader(input), &bytes.Buffer{}); err == nil {
		t.Error("invalid answers must fail")
	}
}
