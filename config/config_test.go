package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_DefaultsAndEnv(t *testing.T) {
	testChdir(t, t.TempDir())
	t.Setenv("COOP_DATABASE_URL", "postgres://coop@localhost/coop")
	t.Setenv("COOP_AUTH_JWT_SECRET", "dev-secret")
	t.Setenv("COOP_KAFKA_BROKERS", "k1:9092, k2:9092")
	t.Setenv("COOP_REVIEW_DEFAULT_REVIEWER", "lead_reviewer")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTP.Addr != ":8080" || cfg.Auth.TokenTTL != 24*time.Hour {
		t.Errorf("defaults not applied: %+v", cfg.HTTP)
	}
	if cfg.Database.URL != "postgres://coop@localhost/coop" {
		t.Errorf("env not applied: %q", cfg.Database.URL)
	}
	if cfg.Review.DefaultReviewer != "lead_reviewer" {
		t.Errorf("unexpected default reviewer %q", cfg.Review.DefaultReviewer)
	}
	if len(cfg.Kafka.Brokers) != 2 || cfg.Kafka.Brokers[1] != "k2:9092" {
		t.Errorf("unexpected brokers %v", cfg.Kafka.Brokers)
	}
}

func TestLoad_FileAndDotEnv(t *testing.T) {
	dir := t.TempDir()
	testChdir(t, dir)
	if err := os.WriteFile(".env", []byte("COOP_AUTH_JWT_SECRET=from-dotenv\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, "coop.yaml")
	body := "database:\n  url: postgres://file/coop\nreview:\n  overdue_after: 12h\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Unsetenv("COOP_AUTH_JWT_SECRET") })

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Database.URL != "postgres://file/coop" || cfg.Review.OverdueAfter != 12*time.Hour {
		t.Errorf("file values not applied: %+v %+v", cfg.Database, cfg.Review)
	}
	if cfg.Auth.JWTSecret != "from-dotenv" {
		t.Errorf(".env not applied: %q", cfg.Auth.JWTSecret)
	}
	if cfg.Review.DefaultReviewer != "admin_001" {
		t.Errorf("unexpected default reviewer %q", cfg.Review.DefaultReviewer)
	}
}

func TestValidate(t *testing.T) {
	cfg := Config{Database: DatabaseConfig{URL: "x"}, Auth: AuthConfig{JWTSecret: "short"}, Review: ReviewConfig{DefaultReviewer: "a"}}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("development config should pass: %v", err)
	}
	cfg.Env = "production"
	if err := cfg.Validate(); err == nil {
		t.Error("short secret must fail in production")
	}
	cfg.Env = ""
	cfg.IDs.Node = 2048
	if err := cfg.Validate(); err == nil {
		t.Error("node out of range must fail")
	}
	cfg.IDs.Node = 0
	cfg.Database.URL = ""
	if err := cfg.Validate(); err == nil {
		t.Error("missing database url must fail")
	}
}

// testChdir mirrors testing.T.Chdir (Go 1.24+) for older toolchains.
func testChdir(t *testing.T, dir string) {
	t.Helper()
	old, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Chdir(old) })
}
