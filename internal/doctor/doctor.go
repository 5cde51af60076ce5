// Package doctor runs environment diagnostics for the charlesd daemon:
// config, data directory, state database, completion backend reachability.
package doctor

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/basket/charlesd/internal/config"
	"github.com/basket/charlesd/internal/records"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkAPIKey,
		checkPermissions,
		checkDatabase,
		checkPersona,
		checkNetwork,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}

	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Configuration not loaded"}
	}
	return CheckResult{
		Name:    "Config",
		Status:  "PASS",
		Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir),
		Detail:  fmt.Sprintf("fingerprint=%s", cfg.Fingerprint()),
	}
}

func checkAPIKey(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "API Key", Status: "SKIP", Message: "Config missing"}
	}
	if cfg.Completion.APIKey != "" {
		return CheckResult{Name: "API Key", Status: "PASS", Message: "api_key set in config"}
	}
	if os.Getenv("OPENROUTER_API_KEY") != "" {
		return CheckResult{Name: "API Key", Status: "PASS", Message: "OPENROUTER_API_KEY is set"}
	}
	return CheckResult{
		Name:    "API Key",
		Status:  "WARN",
		Message: "No completion API key configured",
		Detail:  "Set OPENROUTER_API_KEY or completion.api_key in config.yaml",
	}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: "SKIP", Message: "Config missing"}
	}

	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: "FAIL", Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	os.Remove(testFile)

	return CheckResult{Name: "Permissions", Status: "PASS", Message: "Home directory writable"}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: "SKIP", Message: "Config missing"}
	}

	store, err := records.Open(filepath.Join(cfg.HomeDir, "charlesd.db"))
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Open failed: %v", err)}
	}
	defer store.Close()

	if err := store.Ping(ctx); err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Ping failed: %v", err)}
	}

	return CheckResult{Name: "Database", Status: "PASS", Message: "Connection and schema valid"}
}

func checkPersona(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Persona", Status: "SKIP", Message: "Config missing"}
	}
	path := filepath.Join(cfg.HomeDir, "PERSONA.md")
	if _, err := os.Stat(path); err != nil {
		return CheckResult{
			Name:    "Persona",
			Status:  "WARN",
			Message: "PERSONA.md not found, using built-in rules",
			Detail:  fmt.Sprintf("Create %s to customize the persona", path),
		}
	}
	return CheckResult{Name: "Persona", Status: "PASS", Message: fmt.Sprintf("Loaded from %s", path)}
}

func checkNetwork(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Network", Status: "SKIP", Message: "Config missing"}
	}

	u, err := url.Parse(cfg.Completion.BaseURL)
	if err != nil || u.Hostname() == "" {
		return CheckResult{Name: "Network", Status: "FAIL", Message: fmt.Sprintf("Invalid completion base URL %q", cfg.Completion.BaseURL)}
	}
	host := u.Hostname()

	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := time.Now()
	addrs, err := net.DefaultResolver.LookupHost(lookupCtx, host)
	latency := time.Since(start)

	if err != nil {
		return CheckResult{
			Name:    "Network",
			Status:  "FAIL",
			Message: fmt.Sprintf("DNS lookup failed for %s: %v", host, err),
			Detail:  fmt.Sprintf("latency=%dms", latency.Milliseconds()),
		}
	}

	return CheckResult{
		Name:    "Network",
		Status:  "PASS",
		Message: fmt.Sprintf("DNS resolved %s (%d addresses, %dms)", host, len(addrs), latency.Milliseconds()),
	}
}
