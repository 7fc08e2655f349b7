package config

import (
	"strings"
	"testing"
	"time"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("MASTER_KEY", "QUFBQUFBQUFBQUFBQUFBQUFBQUFBQUFBQUFBQUFBQUE=")
	t.Setenv("CLIENT_API_KEYS", "key-1,key-2")
	t.Setenv("CB_STORE", "memory")
}

func TestLoad_Defaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 8080 {
		t.Errorf("Port = %d", cfg.Port)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q", cfg.LogLevel)
	}
	if cfg.RequestTimeout != 60*time.Second {
		t.Errorf("RequestTimeout = %v", cfg.RequestTimeout)
	}
	if cfg.RouterCacheTTL != 5*time.Second {
		t.Errorf("RouterCacheTTL = %v", cfg.RouterCacheTTL)
	}
	if cfg.Circuit.FailureThreshold != 5 || cfg.Circuit.OpenFor != 30*time.Second {
		t.Errorf("Circuit = %+v", cfg.Circuit)
	}
	if cfg.Selector.Strategy != "priority" || cfg.Selector.FailThreshold != 3 {
		t.Errorf("Selector = %+v", cfg.Selector)
	}
	if len(cfg.ClientAPIKeys) != 2 {
		t.Errorf("ClientAPIKeys = %v", cfg.ClientAPIKeys)
	}
	if cfg.RateLimit.Enabled() {
		t.Error("rate limiting should default off")
	}
}

func TestLoad_MissingMasterKey(t *testing.T) {
	t.Setenv("MASTER_KEY", "")
	t.Setenv("CLIENT_API_KEYS", "k")
	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "MASTER_KEY") {
		t.Errorf("err = %v", err)
	}
}

func TestLoad_MissingClientKeys(t *testing.T) {
	t.Setenv("MASTER_KEY", "QUFBQUFBQUFBQUFBQUFBQUFBQUFBQUFBQUFBQUFBQUE=")
	t.Setenv("CLIENT_API_KEYS", "")
	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "CLIENT_API_KEYS") {
		t.Errorf("err = %v", err)
	}
}

func TestLoad_RedisRequiredForSharedCircuit(t *testing.T) {
	setRequired(t)
	t.Setenv("CB_STORE", "redis")
	t.Setenv("REDIS_URL", "")
	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "REDIS_URL") {
		t.Errorf("err = %v", err)
	}
}

func TestLoad_RedisRequiredForRateLimits(t *testing.T) {
	setRequired(t)
	t.Setenv("RATE_LIMIT_GLOBAL_RPM", "100")
	t.Setenv("REDIS_URL", "")
	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "REDIS_URL") {
		t.Errorf("err = %v", err)
	}
}

func TestLoad_InvalidEnumerations(t *testing.T) {
	cases := map[string]string{
		"LOG_LEVEL":    "verbose",
		"CB_STORE":     "etcd",
		"KEY_STRATEGY": "random",
	}
	for envVar, bad := range cases {
		t.Run(envVar, func(t *testing.T) {
			setRequired(t)
			t.Setenv(envVar, bad)
			if _, err := Load(); err == nil {
				t.Errorf("%s=%q should be rejected", envVar, bad)
			}
		})
	}
}

func TestLoad_RateLimitsParsed(t *testing.T) {
	setRequired(t)
	t.Setenv("RATE_LIMIT_GLOBAL_RPM", "1000")
	t.Setenv("RATE_LIMIT_KEY_RPM", "60")
	t.Setenv("RATE_LIMIT_IP_RPM", "120")
	t.Setenv("REDIS_URL", "redis://localhost:6379")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.RateLimit.Enabled() {
		t.Fatal("rate limiting should be enabled")
	}
	if cfg.RateLimit.GlobalRPM != 1000 || cfg.RateLimit.PerKeyRPM != 60 || cfg.RateLimit.PerIPRPM != 120 {
		t.Errorf("RateLimit = %+v", cfg.RateLimit)
	}
}

func TestSplitNonEmpty(t *testing.T) {
	got := splitNonEmpty(" a, ,b ,, c ")
	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("got %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}
