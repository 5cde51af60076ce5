package doctor

import (
	"context"
	"testing"

	"github.com/basket/charlesd/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	home := t.TempDir()
	t.Setenv("CHARLESD_HOME", home)
	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	return &cfg
}

func TestCheckConfig(t *testing.T) {
	cfg := testConfig(t)
	result := checkConfig(context.Background(), cfg)
	if result.Status != "PASS" {
		t.Fatalf("expected PASS, got %s: %s", result.Status, result.Message)
	}

	result = checkConfig(context.Background(), nil)
	if result.Status != "FAIL" {
		t.Fatalf("expected FAIL for nil config, got %s", result.Status)
	}
}

func TestCheckAPIKey(t *testing.T) {
	cfg := testConfig(t)
	t.Setenv("OPENROUTER_API_KEY", "")
	cfg.Completion.APIKey = ""

	result := checkAPIKey(context.Background(), cfg)
	if result.Status != "WARN" {
		t.Fatalf("expected WARN without key, got %s", result.Status)
	}

	cfg.Completion.APIKey = "sk-or-test"
	result = checkAPIKey(context.Background(), cfg)
	if result.Status != "PASS" {
		t.Fatalf("expected PASS with config key, got %s", result.Status)
	}

	cfg.Completion.APIKey = ""
	t.Setenv("OPENROUTER_API_KEY", "sk-or-env")
	result = checkAPIKey(context.Background(), cfg)
	if result.Status != "PASS" {
		t.Fatalf("expected PASS with env key, got %s", result.Status)
	}
}

func TestCheckDatabase(t *testing.T) {
	cfg := testConfig(t)
	result := checkDatabase(context.Background(), cfg)
	if result.Status != "PASS" {
		t.Fatalf("expected PASS, got %s: %s", result.Status, result.Message)
	}
	if result.Status == "SKIP" {
		t.Fatal("database check should not be skipped with config present")
	}
}

func TestCheckPersona(t *testing.T) {
	cfg := testConfig(t)
	result := checkPersona(context.Background(), cfg)
	if result.Status != "WARN" {
		t.Fatalf("expected WARN without PERSONA.md, got %s", result.Status)
	}
}

func TestCheckNetwork_InvalidBaseURL(t *testing.T) {
	cfg := testConfig(t)
	cfg.Completion.BaseURL = "://not-a-url"

	result := checkNetwork(context.Background(), cfg)
	if result.Status != "FAIL" {
		t.Fatalf("expected FAIL for invalid base URL, got %s", result.Status)
	}
}

func TestCheckNetwork_NilConfig(t *testing.T) {
	result := checkNetwork(context.Background(), nil)
	if result.Status != "SKIP" {
		t.Fatalf("expected SKIP for nil config, got %s", result.Status)
	}
}

func TestCheckNetwork_CanceledContext(t *testing.T) {
	cfg := testConfig(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := checkNetwork(ctx, cfg)
	if result.Status != "FAIL" {
		t.Fatalf("expected FAIL for canceled context, got %s", result.Status)
	}
}

func TestRunReportsAllChecks(t *testing.T) {
	cfg := testConfig(t)
	diag := Run(context.Background(), cfg, "v-test")

	if diag.System.Version != "v-test" {
		t.Fatalf("version = %q, want v-test", diag.System.Version)
	}
	want := []string{"Config", "API Key", "Permissions", "Database", "Persona", "Network"}
	if len(diag.Results) != len(want) {
		t.Fatalf("got %d results, want %d", len(diag.Results), len(want))
	}
	for i, name := range want {
		if diag.Results[i].Name != name {
			t.Errorf("result %d name = %q, want %q", i, diag.Results[i].Name, name)
		}
	}
}
