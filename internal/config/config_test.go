package config

import (
	"os"
	"testing"
	"time"
)

func TestLoadConfigDefaults(t *testing.T) {
	os.Clearenv()

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.Port != "8080" {
		t.Errorf("expected default port 8080, got %s", cfg.Port)
	}
	if cfg.DatabasePath != "civiq.db" {
		t.Errorf("expected default database path civiq.db, got %s", cfg.DatabasePath)
	}
	if cfg.ClusterRadiusM != 500 {
		t.Errorf("expected default cluster radius 500, got %d", cfg.ClusterRadiusM)
	}
	if cfg.ClusterWindow != 72*time.Hour {
		t.Errorf("expected default cluster window 72h, got %s", cfg.ClusterWindow)
	}
	if cfg.ClusterThreshold != 3 {
		t.Errorf("expected default cluster threshold 3, got %d", cfg.ClusterThreshold)
	}
	if cfg.PredictionThreshold != 60 {
		t.Errorf("expected default prediction threshold 60, got %f", cfg.PredictionThreshold)
	}
	if cfg.P1Threshold != 80 {
		t.Errorf("expected default P1 threshold 80, got %f", cfg.P1Threshold)
	}
	if cfg.PipelineWorkers != 4 {
		t.Errorf("expected default worker count 4, got %d", cfg.PipelineWorkers)
	}
}

func TestLoadConfigFromEnv(t *testing.T) {
	os.Clearenv()
	os.Setenv("PORT", "9090")
	os.Setenv("CLUSTER_RADIUS_M", "250")
	os.Setenv("CLUSTER_WINDOW", "24h")
	os.Setenv("DEBUG_MODE", "true")
	defer os.Clearenv()

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.Port != "9090" {
		t.Errorf("expected port 9090, got %s", cfg.Port)
	}
	if cfg.ClusterRadiusM != 250 {
		t.Errorf("expected cluster radius 250, got %d", cfg.ClusterRadiusM)
	}
	if cfg.ClusterWindow != 24*time.Hour {
		t.Errorf("expected cluster window 24h, got %s", cfg.ClusterWindow)
	}
	if !cfg.DebugMode {
		t.Error("expected debug mode enabled")
	}
}

func TestDebugModeDisablesOutbound(t *testing.T) {
	cfg := &Config{
		DebugMode:         true,
		GeminiAPIKey:      "key",
		GmailClientID:     "id",
		GmailClientSecret: "secret",
		GmailRefreshToken: "token",
		GmailUserEmail:    "svc@example.org",
	}

	if cfg.InferenceKey() != "" {
		t.Error("debug mode must blank the inference key")
	}
	id, secret, token, from := cfg.MailCredentials()
	if id != "" || secret != "" || token != "" || from != "" {
		t.Error("debug mode must blank the mail credentials")
	}

	cfg.DebugMode = false
	if cfg.InferenceKey() != "key" {
		t.Errorf("expected the configured key, got %q", cfg.InferenceKey())
	}
	if id, _, _, _ := cfg.MailCredentials(); id != "id" {
		t.Errorf("expected the configured credentials, got %q", id)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty port", func(c *Config) { c.Port = "" }},
		{"empty database path", func(c *Config) { c.DatabasePath = "" }},
		{"zero radius", func(c *Config) { c.ClusterRadiusM = 0 }},
		{"zero threshold", func(c *Config) { c.ClusterThreshold = 0 }},
		{"negative window", func(c *Config) { c.ClusterWindow = -time.Hour }},
		{"zero queue size", func(c *Config) { c.EventQueueSize = 0 }},
		{"zero workers", func(c *Config) { c.PipelineWorkers = 0 }},
	}

	for _, tc := range cases {
		cfg := &Config{
			Port:             "8080",
			DatabasePath:     "test.db",
			ClusterRadiusM:   500,
			ClusterWindow:    72 * time.Hour,
			ClusterThreshold: 3,
			EventQueueSize:   64,
			PipelineWorkers:  4,
		}
		tc.mutate(cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: expected validation error, got nil", tc.name)
		}
	}
}

func TestGetEnvInt(t *testing.T) {
	os.Setenv("TEST_INT", "42")
	defer os.Unsetenv("TEST_INT")

	if v := getEnvInt("TEST_INT", 7); v != 42 {
		t.Errorf("expected 42, got %d", v)
	}
	if v := getEnvInt("TEST_INT_MISSING", 7); v != 7 {
		t.Errorf("expected default 7, got %d", v)
	}

	os.Setenv("TEST_INT", "not-a-number")
	if v := getEnvInt("TEST_INT", 7); v != 7 {
		t.Errorf("expected default 7 for invalid value, got %d", v)
	}
}

func TestGetEnvDuration(t *testing.T) {
	os.Setenv("TEST_DUR", "90m")
	defer os.Unsetenv("TEST_DUR")

	if v := getEnvDuration("TEST_DUR", time.Second); v != 90*time.Minute {
		t.Errorf("expected 90m, got %s", v)
	}
	if v := getEnvDuration("TEST_DUR_MISSING", time.Second); v != time.Second {
		t.Errorf("expected default 1s, got %s", v)
	}
}
