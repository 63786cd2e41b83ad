package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadAppliesDefaults(testContext *testing.T) {
	configViper := NewViper()
	configViper.Set("auth.signing_secret", "secret")

	cfg, err := Load(configViper)
	if err != nil {
		testContext.Fatalf("unexpected load error: %v", err)
	}
	if cfg.DatabaseDriver != DatabaseDriverSQLite {
		testContext.Fatalf("expected sqlite driver, got %s", cfg.DatabaseDriver)
	}
	if cfg.Gateway.BatchWindow != 40*time.Millisecond {
		testContext.Fatalf("unexpected batch window %s", cfg.Gateway.BatchWindow)
	}
	if cfg.Gateway.RoomCapacity != 100 {
		testContext.Fatalf("unexpected room capacity %d", cfg.Gateway.RoomCapacity)
	}
	if cfg.Lock.TTL != 5*time.Second || cfg.Lock.Wait != 2*time.Second {
		testContext.Fatalf("unexpected lock timings %+v", cfg.Lock)
	}
	if cfg.Maintenance.RetentionMaxAge != 90*24*time.Hour {
		testContext.Fatalf("unexpected retention age %s", cfg.Maintenance.RetentionMaxAge)
	}
	if cfg.Gateway.OfflineQueueCap != 1000 || cfg.Gateway.OfflineQueueTTL != 24*time.Hour {
		testContext.Fatalf("unexpected offline queue bounds %+v", cfg.Gateway)
	}
}

func TestLoadReadsEnvironment(testContext *testing.T) {
	testContext.Setenv("COLLAB_AUTH_SIGNING_SECRET", "env-secret")
	testContext.Setenv("COLLAB_GATEWAY_ROOM_CAPACITY", "7")
	configViper := NewViper()

	cfg, err := Load(configViper)
	if err != nil {
		testContext.Fatalf("unexpected load error: %v", err)
	}
	if cfg.SigningSecret != "env-secret" {
		testContext.Fatalf("expected env secret, got %q", cfg.SigningSecret)
	}
	if cfg.Gateway.RoomCapacity != 7 {
		testContext.Fatalf("expected env capacity, got %d", cfg.Gateway.RoomCapacity)
	}
}

func TestLoadValidation(testContext *testing.T) {
	cases := []struct {
		name    string
		mutate  func(values map[string]any)
		message string
	}{
		{name: "missing secret", mutate: func(values map[string]any) { delete(values, "auth.signing_secret") }, message: "auth.signing_secret"},
		{name: "unknown driver", mutate: func(values map[string]any) { values["database.driver"] = "mysql" }, message: "database.driver"},
		{name: "postgres without dsn", mutate: func(values map[string]any) { values["database.driver"] = "postgres" }, message: "database.dsn"},
		{name: "retention zero", mutate: func(values map[string]any) { values["retention.keep_last"] = 0 }, message: "retention.keep_last"},
	}
	for _, testCase := range cases {
		values := map[string]any{"auth.signing_secret": "secret"}
		testCase.mutate(values)
		configViper := NewViper()
		for key, value := range values {
			configViper.Set(key, value)
		}
		_, err := Load(configViper)
		if err == nil || !strings.Contains(err.Error(), testCase.message) {
			testContext.Fatalf("%s: expected error mentioning %q, got %v", testCase.name, testCase.message, err)
		}
	}
}
