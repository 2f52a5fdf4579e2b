package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadConfigDefaults(t *testing.T) {
	for _, key := range []string{"PORT", "SESSION_TTL", "CLEANUP_INTERVAL", "ALLOWED_DOMAINS", "UPSTREAM_URL"} {
		t.Setenv(key, "")
	}
	LoadConfig()

	if AppConfig.Port != "8080" {
		t.Fatalf("port = %q", AppConfig.Port)
	}
	if AppConfig.SessionTTL != 2*time.Hour {
		t.Fatalf("session ttl = %v", AppConfig.SessionTTL)
	}
	if AppConfig.CleanupInterval != 5*time.Minute {
		t.Fatalf("cleanup interval = %v", AppConfig.CleanupInterval)
	}
	if AppConfig.AllowedDomains != "*" {
		t.Fatalf("allowed domains = %q", AppConfig.AllowedDomains)
	}
	if AppConfig.UpstreamURL == "" {
		t.Fatal("no default upstream URL")
	}
}

func TestDurationsAreMilliseconds(t *testing.T) {
	t.Setenv("SESSION_TTL", "60000")
	t.Setenv("CLEANUP_INTERVAL", "1000")
	LoadConfig()

	if AppConfig.SessionTTL != time.Minute {
		t.Fatalf("session ttl = %v", AppConfig.SessionTTL)
	}
	if AppConfig.CleanupInterval != time.Second {
		t.Fatalf("cleanup interval = %v", AppConfig.CleanupInterval)
	}
}

func TestUnsetJWTSecretIsGenerated(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	LoadConfig()

	if AppConfig.JWTSecret == "" {
		t.Fatal("no secret generated")
	}
	if !AppConfig.JWTSecretGenerated {
		t.Fatal("generated flag not set")
	}

	first := AppConfig.JWTSecret
	LoadConfig()
	if AppConfig.JWTSecret == first {
		t.Fatal("generated secret repeated")
	}
}

func TestExplicitJWTSecretKept(t *testing.T) {
	t.Setenv("JWT_SECRET", "pinned")
	LoadConfig()

	if AppConfig.JWTSecret != "pinned" || AppConfig.JWTSecretGenerated {
		t.Fatalf("secret = %q generated = %v", AppConfig.JWTSecret, AppConfig.JWTSecretGenerated)
	}
}

func TestYAMLOverlay(t *testing.T) {
	LoadConfig()

	yml := `
contact:
  name: Ops Team
  email: ops@example.com
`
	if err := LoadConfigFile(strings.NewReader(yml), AppConfig); err != nil {
		t.Fatalf("LoadConfigFile: %v", err)
	}

	if AppConfig.Contact.Name != "Ops Team" || AppConfig.Contact.Email != "ops@example.com" {
		t.Fatalf("contact = %+v", AppConfig.Contact)
	}
	if AppConfig.Contact.IsZero() {
		t.Fatal("contact reported zero")
	}
}

func TestAllowedDomainList(t *testing.T) {
	c := &Config{AllowedDomains: " https://a.example , b.example ,, "}
	got := c.AllowedDomainList()
	if len(got) != 2 || got[0] != "https://a.example" || got[1] != "b.example" {
		t.Fatalf("list = %v", got)
	}
}
