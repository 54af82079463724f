package main

import (
	"bytes"
	"strings"
	"testing"
)

func TestVersionCommand(t *testing.T) {
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.HasPrefix(out.String(), "license-server "+Version) {
		t.Fatalf("unexpected output %q", out.String())
	}
}

func TestCheckConfigCommand(t *testing.T) {
	t.Setenv("ADMIN_DASHBOARD_TOKEN", "admin-token")
	t.Setenv("STRIPE_SECRET_KEY", "sk_test_123")
	t.Setenv("LICENSE_BASE_URL", "https://licenses.example.com")

	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"check-config"})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("check-config: %v", err)
	}
	got := out.String()
	if !strings.Contains(got, "ADMIN_DASHBOARD_TOKEN=(set)\n") {
		t.Fatalf("expected redacted admin token, got:\n%s", got)
	}
	if strings.Contains(got, "sk_test_123") || strings.Contains(got, "admin-token") {
		t.Fatalf("secret leaked:\n%s", got)
	}
}

func TestCheckConfigCommandFailsOnMissingConfig(t *testing.T) {
	t.Setenv("ADMIN_DASHBOARD_TOKEN", "")
	t.Setenv("STRIPE_SECRET_KEY", "")
	t.Setenv("LICENSE_BASE_URL", "")

	cmd := newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"check-config"})

	err := cmd.Execute()
	if err == nil || !strings.Contains(err.Error(), "ADMIN_DASHBOARD_TOKEN") {
		t.Fatalf("expected missing-config error, got %v", err)
	}
}

func TestMigrateCommandSQLite(t *testing.T) {
	t.Setenv("ADMIN_DASHBOARD_TOKEN", "admin-token")
	t.Setenv("STRIPE_SECRET_KEY", "sk_test_123")
	t.Setenv("LICENSE_BASE_URL", "https://licenses.example.com")
	t.Setenv("LICENSE_DATA_DIR", t.TempDir())
	t.Setenv("LICENSE_STORE_DRIVER", "sqlite")

	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"migrate"})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if !strings.Contains(out.String(), "schema up to date (sqlite)") {
		t.Fatalf("unexpected output %q", out.String())
	}
}
