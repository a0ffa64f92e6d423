package dashboard

import (
	"testing"

	"marketrouter/config"
	"marketrouter/logger"
)

func TestNormalizeAddress(t *testing.T) {
	cases := map[string]string{
		"":                               "0.0.0.0:8090",
		"  :9090  ":                      "0.0.0.0:9090",
		"localhost":                      "localhost:8090",
		"0.0.0.0:80":                     "0.0.0.0:80",
		"[::1]:443":                      "[::1]:443",
		"::1":                            "[::1]:8090",
		"*:8090":                         "0.0.0.0:8090",
		"http://13.200.112.203:8090":     "13.200.112.203:8090",
		"https://13.200.112.203":         "13.200.112.203:8090",
		"http://:7070":                   "0.0.0.0:7070",
		"tcp://localhost:5050":           "localhost:5050",
		"https://dashboard.example.com/": "dashboard.example.com:8090",
	}

	for input, want := range cases {
		if got := normalizeAddress(input); got != want {
			t.Fatalf("normalizeAddress(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestNewServerNormalizesConfiguredAddress(t *testing.T) {
	cfg := config.DashboardConfig{Enabled: true, Addr: ":9000"}
	log := logger.Logger()

	srv, err := NewServer(cfg, StatusProviders{}, log)
	if err != nil {
		t.Fatalf("NewServer returned error: %v", err)
	}
	if srv == nil {
		t.Fatal("expected dashboard server, got nil")
	}
	if got := srv.Address(); got != "0.0.0.0:9000" {
		t.Fatalf("server address = %q, want %q", got, "0.0.0.0:9000")
	}
	srv.cleanup()
}

func TestNewServerDisabled(t *testing.T) {
	srv, err := NewServer(config.DashboardConfig{Enabled: false}, StatusProviders{}, logger.Logger())
	if err != nil {
		t.Fatalf("NewServer returned error: %v", err)
	}
	if srv != nil {
		t.Fatal("disabled dashboard must yield a nil server")
	}
	if srv.Address() != "" {
		t.Fatal("nil server address must be empty")
	}
}
