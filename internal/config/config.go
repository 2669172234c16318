package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/openmentor/roomcall/internal/util"
)

const (
	SignalingPubsub    = "pubsub"
	SignalingWebsocket = "websocket"
)

type Config struct {
	Identity  Identity  `json:"identity"`
	P2P       P2P       `json:"p2p"`
	Signaling Signaling `json:"signaling"`
	Call      Call      `json:"call"`
}

type Identity struct {
	KeyFile string `json:"key_file"`
}

type P2P struct {
	ListenPort int    `json:"listen_port"`
	MdnsTag    string `json:"mdns_tag"`
}

type Signaling struct {
	// Mode selects the relay: "pubsub" runs a libp2p node and gossips
	// room topics; "websocket" talks to a central relay at RelayURL.
	Mode     string `json:"mode"`
	RelayURL string `json:"relay_url"`
}

type Call struct {
	// SessionID scopes the room. Empty means the shared lobby.
	SessionID   string `json:"session_id"`
	DisplayName string `json:"display_name"`
	Role        string `json:"role"`

	// EagerVideo requests the camera at join instead of waiting for the
	// first video toggle.
	EagerVideo bool `json:"eager_video"`

	// ICEServers overrides the built-in STUN default.
	ICEServers []string `json:"ice_servers"`
}

func Default() Config {
	return Config{
		Identity: Identity{
			KeyFile: "data/identity.key",
		},
		P2P: P2P{
			ListenPort: 0,
			MdnsTag:    "roomcall-mdns",
		},
		Signaling: Signaling{
			Mode: SignalingPubsub,
		},
		Call: Call{
			DisplayName: "anonymous",
			Role:        "member",
		},
	}
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Identity.KeyFile) == "" {
		return errors.New("identity.key_file is required")
	}

	if c.P2P.ListenPort < 0 || c.P2P.ListenPort > 65535 {
		return errors.New("p2p.listen_port must be 0..65535")
	}

	switch c.Signaling.Mode {
	case SignalingPubsub:
		if strings.TrimSpace(c.P2P.MdnsTag) == "" {
			return errors.New("p2p.mdns_tag is required in pubsub mode")
		}
	case SignalingWebsocket:
		if err := validateRelayURL(c.Signaling.RelayURL); err != nil {
			return fmt.Errorf("signaling.relay_url: %w", err)
		}
	default:
		return fmt.Errorf("signaling.mode must be %q or %q", SignalingPubsub, SignalingWebsocket)
	}

	name, err := util.ValidateDisplayName(c.Call.DisplayName)
	if err != nil {
		return fmt.Errorf("call.display_name: %w", err)
	}
	c.Call.DisplayName = name
	for _, s := range c.Call.ICEServers {
		if !strings.HasPrefix(s, "stun:") && !strings.HasPrefix(s, "turn:") && !strings.HasPrefix(s, "turns:") {
			return fmt.Errorf("call.ice_servers entry %q must be a stun:/turn: URL", s)
		}
	}

	return nil
}

func validateRelayURL(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return errors.New("required in websocket mode")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %v", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return errors.New("scheme must be ws or wss")
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	return nil
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
