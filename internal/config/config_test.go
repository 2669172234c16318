package config

import (
	"path/filepath"
	"testing"
)

func TestEnsureCreatesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "roomcall.json")

	cfg, created, err := Ensure(path)
	if err != nil {
		t.Fatal(err)
	}
	if !created {
		t.Fatal("expected a fresh config file")
	}
	if cfg.Signaling.Mode != SignalingPubsub {
		t.Fatalf("default mode = %q", cfg.Signaling.Mode)
	}

	// Second call loads the existing file.
	again, created, err := Ensure(path)
	if err != nil {
		t.Fatal(err)
	}
	if created {
		t.Fatal("second Ensure recreated the file")
	}
	if again.P2P.MdnsTag != cfg.P2P.MdnsTag {
		t.Fatal("reloaded config differs from saved one")
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"defaults", func(*Config) {}, true},
		{"bad port", func(c *Config) { c.P2P.ListenPort = 70000 }, false},
		{"bad mode", func(c *Config) { c.Signaling.Mode = "carrier-pigeon" }, false},
		{"websocket without url", func(c *Config) { c.Signaling.Mode = SignalingWebsocket }, false},
		{"websocket with url", func(c *Config) {
			c.Signaling.Mode = SignalingWebsocket
			c.Signaling.RelayURL = "wss://relay.example.org/ws"
		}, true},
		{"http relay url", func(c *Config) {
			c.Signaling.Mode = SignalingWebsocket
			c.Signaling.RelayURL = "https://relay.example.org"
		}, false},
		{"empty display name", func(c *Config) { c.Call.DisplayName = "  " }, false},
		{"bad ice url", func(c *Config) { c.Call.ICEServers = []string{"http://stun.example.org"} }, false},
		{"turn server", func(c *Config) { c.Call.ICEServers = []string{"turn:turn.example.org:3478"} }, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if tc.ok && err != nil {
				t.Fatalf("Validate = %v, want nil", err)
			}
			if !tc.ok && err == nil {
				t.Fatal("Validate = nil, want error")
			}
		})
	}
}
