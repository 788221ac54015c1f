package config

import (
	"errors"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("LIFELINK_JWT_SECRET", "test-secret")
	t.Setenv("LIFELINK_SWEEP_INTERVAL", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.HTTP.Addr != ":8080" {
		t.Errorf("HTTP.Addr = %q, want :8080", cfg.HTTP.Addr)
	}
	if cfg.Dispatch.SweepInterval != 5*time.Second {
		t.Errorf("SweepInterval = %s, want 5s", cfg.Dispatch.SweepInterval)
	}
	if cfg.Mongo.Database != "lifelink" {
		t.Errorf("Mongo.Database = %q, want lifelink", cfg.Mongo.Database)
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("LIFELINK_JWT_SECRET", "test-secret")
	t.Setenv("LIFELINK_SWEEP_INTERVAL", "2s")
	t.Setenv("LIFELINK_REDIS_DB", "3")
	t.Setenv("LIFELINK_NEARBY_RADIUS_KM", "7.5")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Dispatch.SweepInterval != 2*time.Second {
		t.Errorf("SweepInterval = %s, want 2s", cfg.Dispatch.SweepInterval)
	}
	if cfg.Redis.DB != 3 {
		t.Errorf("Redis.DB = %d, want 3", cfg.Redis.DB)
	}
	if cfg.Dispatch.NearbyRadiusKm != 7.5 {
		t.Errorf("NearbyRadiusKm = %f, want 7.5", cfg.Dispatch.NearbyRadiusKm)
	}
}

func TestLoad_BadValuesFallBack(t *testing.T) {
	t.Setenv("LIFELINK_JWT_SECRET", "test-secret")
	t.Setenv("LIFELINK_SWEEP_INTERVAL", "soon")
	t.Setenv("LIFELINK_REDIS_DB", "x")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Dispatch.SweepInterval != 5*time.Second {
		t.Errorf("SweepInterval = %s, want default 5s", cfg.Dispatch.SweepInterval)
	}
	if cfg.Redis.DB != 0 {
		t.Errorf("Redis.DB = %d, want default 0", cfg.Redis.DB)
	}
}

func TestLoad_MissingSecret(t *testing.T) {
	t.Setenv("LIFELINK_JWT_SECRET", "")
	_, err := Load()
	if !errors.Is(err, ErrMissingSecret) {
		t.Fatalf("expected ErrMissingSecret, got %v", err)
	}
}
