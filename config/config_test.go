package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func baseEnv() map[string]string {
	return map[string]string{
		"STORE_BACKEND":     "memory",
		"PLATFORM_BASE_URL": "https://www.example-social.com",
	}
}

func TestDefaults(t *testing.T) {
	cfg, err := FromMap(baseEnv())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Writer.BatchSize != 20 || cfg.Writer.MaxRetries != 3 {
		t.Fatalf("unexpected writer defaults %+v", cfg.Writer)
	}
	want := []time.Duration{10 * time.Second, 60 * time.Second, 180 * time.Second}
	if len(cfg.Writer.BackoffTiers) != 3 || cfg.Writer.BackoffTiers[2] != want[2] {
		t.Fatalf("expected tiers %v, got %v", want, cfg.Writer.BackoffTiers)
	}
	if cfg.SheetName(RoleRecords) != "Profiles" || !cfg.TopOrdered(RoleRuns) {
		t.Fatalf("unexpected sheet defaults")
	}
	if cfg.SheetName(RoleSightings) != "" {
		t.Fatalf("expected sighting log off by default")
	}
}

func TestValidate(t *testing.T) {
	cases := map[string]map[string]string{
		"sheets without id": {"STORE_BACKEND": "sheets"},
		"unknown backend":   {"STORE_BACKEND": "excel"},
		"bad strategy":      {"IDENTITY_STRATEGY": "email"},
		"no tiers":          {"BACKOFF_TIERS": "0s"},
		"cron and interval": {"SYNC_CRON": "*/5 * * * *", "SYNC_INTERVAL": "5m"},
		"relative base":     {"PLATFORM_BASE_URL": "/profiles"},
	}
	for name, overrides := range cases {
		environ := baseEnv()
		for k, v := range overrides {
			environ[k] = v
		}
		if _, err := FromMap(environ); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestLayoutOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "layout.yaml")
	layout := strings.Join([]string{
		"sheets:",
		"  records:",
		"    name: Leads",
		"    top_ordered: false",
		"  sightings:",
		"    name: Seen",
		"upper_fields: [country]",
	}, "\n")
	if err := os.WriteFile(path, []byte(layout), 0644); err != nil {
		t.Fatalf("write layout: %v", err)
	}

	environ := baseEnv()
	environ["SYNC_LAYOUT"] = path
	cfg, err := FromMap(environ)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.SheetName(RoleRecords) != "Leads" || cfg.TopOrdered(RoleRecords) {
		t.Fatalf("expected records sheet Leads, unordered")
	}
	if cfg.SheetName(RoleSightings) != "Seen" || !cfg.TopOrdered(RoleSightings) {
		t.Fatalf("expected sightings sheet Seen, top ordered")
	}
	if got := cfg.UpperFields(); len(got) != 1 || got[0] != "country" {
		t.Fatalf("expected [country], got %v", got)
	}
}
