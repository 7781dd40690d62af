package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// Redemption tunes the redemption engine.
type Redemption struct {
	ReserveFeeBps       uint64   `toml:"ReserveFeeBps"`
	FeeFloorBps         uint64   `toml:"FeeFloorBps"`
	FeeCeilingBps       uint64   `toml:"FeeCeilingBps"`
	VolumeWindowMinutes uint64   `toml:"VolumeWindowMinutes"`
	PreferredReserves   []string `toml:"PreferredReserves"`
}

// Treasury configures the controller-gated treasury surface.
type Treasury struct {
	Controller        string `toml:"Controller"`
	MintCap           string `toml:"MintCap"`
	MintCooldownHours uint64 `toml:"MintCooldownHours"`
}

// Monitor configures the stuck-transfer health monitor.
type Monitor struct {
	IntervalSeconds uint64 `toml:"IntervalSeconds"`
	MaxAttempts     uint32 `toml:"MaxAttempts"`
}

type Config struct {
	RPCAddress          string  `toml:"RPCAddress"`
	DataDir             string  `toml:"DataDir"`
	GenesisFile         string  `toml:"GenesisFile"`
	NetworkName         string  `toml:"NetworkName"`
	StableSymbol        string  `toml:"StableSymbol"`
	DepegToleranceBps   uint64  `toml:"DepegToleranceBps"`
	AltStableFeeBps     uint64  `toml:"AltStableFeeBps"`
	GuardStaleSeconds   uint64  `toml:"GuardStaleSeconds"`
	OracleMaxAgeSeconds uint64  `toml:"OracleMaxAgeSeconds"`
	PriceRefreshSeconds uint64  `toml:"PriceRefreshSeconds"`
	RPCAuthSecret       string  `toml:"RPCAuthSecret"`
	RPCAuthSecretEnv    string  `toml:"RPCAuthSecretEnv"`
	RPCAuthIssuer       string  `toml:"RPCAuthIssuer"`
	RPCAuthAudience     string  `toml:"RPCAuthAudience"`
	RPCRateLimitPerSec  float64 `toml:"RPCRateLimitPerSec"`
	RPCRateLimitBurst   int     `toml:"RPCRateLimitBurst"`
	LogDir              string  `toml:"LogDir"`
	LogMaxSizeMB        int     `toml:"LogMaxSizeMB"`
	LogMaxBackups       int     `toml:"LogMaxBackups"`
	Environment         string  `toml:"Environment"`
	Monitor             Monitor `toml:"monitor"`
	Treasury            Treasury
	Redemption          Redemption `toml:"redemption"`
}

// Load loads the configuration from the given path.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}

	for _, undecoded := range meta.Undecoded() {
		if len(undecoded) == 1 && undecoded[0] == "Controller" {
			return nil, fmt.Errorf("config file %s uses deprecated top-level Controller field; move it to [Treasury]", path)
		}
	}

	applyDefaults(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.NetworkName) == "" {
		cfg.NetworkName = "rumi-local"
	}
	if strings.TrimSpace(cfg.StableSymbol) == "" {
		cfg.StableSymbol = "RUSD"
	}
	cfg.StableSymbol = strings.ToUpper(strings.TrimSpace(cfg.StableSymbol))
	if cfg.DepegToleranceBps == 0 {
		cfg.DepegToleranceBps = 500
	}
	if cfg.AltStableFeeBps == 0 {
		cfg.AltStableFeeBps = 50
	}
	if cfg.GuardStaleSeconds == 0 {
		cfg.GuardStaleSeconds = 900
	}
	if cfg.OracleMaxAgeSeconds == 0 {
		cfg.OracleMaxAgeSeconds = 300
	}
	if cfg.PriceRefreshSeconds == 0 {
		cfg.PriceRefreshSeconds = 30
	}
	if cfg.Monitor.IntervalSeconds == 0 {
		cfg.Monitor.IntervalSeconds = 60
	}
	if cfg.Monitor.MaxAttempts == 0 {
		cfg.Monitor.MaxAttempts = 5
	}
	if cfg.RPCRateLimitPerSec == 0 {
		cfg.RPCRateLimitPerSec = 20
	}
	if cfg.RPCRateLimitBurst == 0 {
		cfg.RPCRateLimitBurst = 40
	}
	if cfg.Treasury.MintCooldownHours == 0 {
		cfg.Treasury.MintCooldownHours = 24
	}
	if cfg.Redemption.ReserveFeeBps == 0 {
		cfg.Redemption.ReserveFeeBps = 25
	}
	if cfg.Redemption.FeeFloorBps == 0 {
		cfg.Redemption.FeeFloorBps = 50
	}
	if cfg.Redemption.FeeCeilingBps == 0 {
		cfg.Redemption.FeeCeilingBps = 500
	}
	if cfg.Redemption.VolumeWindowMinutes == 0 {
		cfg.Redemption.VolumeWindowMinutes = 360
	}
	if cfg.Redemption.PreferredReserves == nil {
		cfg.Redemption.PreferredReserves = []string{}
	}
	if strings.TrimSpace(cfg.Environment) == "" {
		cfg.Environment = "dev"
	}
}

// AuthSecret resolves the RPC bearer secret, preferring the environment
// variable indirection so the literal never has to live in the file.
func (c *Config) AuthSecret() string {
	if env := strings.TrimSpace(c.RPCAuthSecretEnv); env != "" {
		if v := strings.TrimSpace(os.Getenv(env)); v != "" {
			return v
		}
	}
	return strings.TrimSpace(c.RPCAuthSecret)
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := &Config{
		RPCAddress:  ":8080",
		DataDir:     "./rumi-data",
		GenesisFile: "",
		NetworkName: "rumi-local",
	}
	applyDefaults(cfg)

	if err := persist(path, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}
