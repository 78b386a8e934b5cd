// Package config loads server settings.
//
// Three layers, later ones winning:
//
//  1. Default()
//  2. an optional TOML file; only keys present in the file apply
//  3. environment variables
//
// Load validates the merged result, so a Config it returns is ready to wire.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/ethcentivize/issue-registry/internal/registry"
	"github.com/ethereum/go-ethereum/common"
)

const (
	PayoutBook    = "book"
	PayoutOnchain = "onchain"
)

type Config struct {
	Port          int
	DBPath        string // empty selects the in-process memory store
	JWTSecret     string
	SecureCookies bool

	AdminKeyHash    string // bcrypt; empty disables /admin routes
	Admins          []common.Address
	CertifierPolicy registry.CertifierPolicy

	Payout PayoutConfig
	GitHub GitHubConfig
	Log    LogConfig

	MetricsEnabled bool
}

type PayoutConfig struct {
	Mode       string // PayoutBook or PayoutOnchain
	RPCURL     string
	PrivateKey string // hex, without 0x
	ChainID    int64
}

type GitHubConfig struct {
	ClientID     string
	ClientSecret string
	CallbackURL  string
}

// Enabled reports whether GitHub account linking is configured.
func (g GitHubConfig) Enabled() bool {
	return g.ClientID != "" && g.ClientSecret != ""
}

type LogConfig struct {
	Level slog.Level
	JSON  bool
	UID   bool // tag every line with a per-process uuid
}

func Default() Config {
	return Config{
		Port:            8080,
		DBPath:          "data/registry.db",
		CertifierPolicy: registry.CertifyCreator,
		Payout:          PayoutConfig{Mode: PayoutBook},
		Log:             LogConfig{Level: slog.LevelInfo},
		MetricsEnabled:  true,
	}
}

// fileConfig is the TOML key mapping.
type fileConfig struct {
	Port            int      `toml:"port"`
	DBPath          string   `toml:"db_path"`
	JWTSecret       string   `toml:"jwt_secret"`
	SecureCookies   bool     `toml:"secure_cookies"`
	AdminKeyHash    string   `toml:"admin_key_hash"`
	Admins          []string `toml:"admins"`
	CertifierPolicy string   `toml:"certifier_policy"`
	MetricsEnabled  bool     `toml:"metrics_enabled"`

	Payout struct {
		Mode       string `toml:"mode"`
		RPCURL     string `toml:"rpc_url"`
		PrivateKey string `toml:"private_key"`
		ChainID    int64  `toml:"chain_id"`
	} `toml:"payout"`

	GitHub struct {
		ClientID     string `toml:"client_id"`
		ClientSecret string `toml:"client_secret"`
		CallbackURL  string `toml:"callback_url"`
	} `toml:"github"`

	Log struct {
		Level string `toml:"level"`
		JSON  bool   `toml:"json"`
		UID   bool   `toml:"uid"`
	} `toml:"log"`
}

// Load builds the configuration. path may be empty to skip the file layer;
// lookupEnv is normally os.LookupEnv.
func Load(path string, lookupEnv func(string) (string, bool)) (Config, error) {
	cfg := Default()

	if path != "" {
		if err := applyFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}
	if err := applyEnv(&cfg, lookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	cfg.CertifierPolicy, _ = registry.ParseCertifierPolicy(string(cfg.CertifierPolicy))
	return cfg, nil
}

func applyFile(cfg *Config, path string) error {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return fmt.Errorf("config: load %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("config: load %s: unknown key %q", path, undecoded[0].String())
	}

	if meta.IsDefined("port") {
		cfg.Port = raw.Port
	}
	if meta.IsDefined("db_path") {
		cfg.DBPath = strings.TrimSpace(raw.DBPath)
	}
	if meta.IsDefined("jwt_secret") {
		cfg.JWTSecret = raw.JWTSecret
	}
	if meta.IsDefined("secure_cookies") {
		cfg.SecureCookies = raw.SecureCookies
	}
	if meta.IsDefined("admin_key_hash") {
		cfg.AdminKeyHash = strings.TrimSpace(raw.AdminKeyHash)
	}
	if meta.IsDefined("admins") {
		admins, err := parseAdmins(raw.Admins)
		if err != nil {
			return fmt.Errorf("config: load %s: %w", path, err)
		}
		cfg.Admins = admins
	}
	if meta.IsDefined("certifier_policy") {
		cfg.CertifierPolicy = registry.CertifierPolicy(strings.TrimSpace(raw.CertifierPolicy))
	}
	if meta.IsDefined("metrics_enabled") {
		cfg.MetricsEnabled = raw.MetricsEnabled
	}

	if meta.IsDefined("payout", "mode") {
		cfg.Payout.Mode = strings.TrimSpace(raw.Payout.Mode)
	}
	if meta.IsDefined("payout", "rpc_url") {
		cfg.Payout.RPCURL = strings.TrimSpace(raw.Payout.RPCURL)
	}
	if meta.IsDefined("payout", "private_key") {
		cfg.Payout.PrivateKey = strings.TrimSpace(raw.Payout.PrivateKey)
	}
	if meta.IsDefined("payout", "chain_id") {
		cfg.Payout.ChainID = raw.Payout.ChainID
	}

	if meta.IsDefined("github", "client_id") {
		cfg.GitHub.ClientID = strings.TrimSpace(raw.GitHub.ClientID)
	}
	if meta.IsDefined("github", "client_secret") {
		cfg.GitHub.ClientSecret = strings.TrimSpace(raw.GitHub.ClientSecret)
	}
	if meta.IsDefined("github", "callback_url") {
		cfg.GitHub.CallbackURL = strings.TrimSpace(raw.GitHub.CallbackURL)
	}

	if meta.IsDefined("log", "level") {
		if err := cfg.Log.Level.UnmarshalText([]byte(raw.Log.Level)); err != nil {
			return fmt.Errorf("config: load %s: log.level: %w", path, err)
		}
	}
	if meta.IsDefined("log", "json") {
		cfg.Log.JSON = raw.Log.JSON
	}
	if meta.IsDefined("log", "uid") {
		cfg.Log.UID = raw.Log.UID
	}
	return nil
}

// applyEnv keeps the names the deployment scripts already use (PORT,
// DB_PATH, JWT_SECRET, GITHUB_*) and prefixes everything else REGISTRY_.
func applyEnv(cfg *Config, lookupEnv func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookupEnv(key); ok {
			*dst = strings.TrimSpace(v)
		}
	}
	boolean := func(key string, dst *bool) error {
		v, ok := lookupEnv(key)
		if !ok {
			return nil
		}
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("config: %s: %w", key, err)
		}
		*dst = b
		return nil
	}

	if v, ok := lookupEnv("PORT"); ok {
		port, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("config: PORT: %w", err)
		}
		cfg.Port = port
	}
	str("DB_PATH", &cfg.DBPath)
	if v, ok := lookupEnv("JWT_SECRET"); ok {
		cfg.JWTSecret = v
	}
	str("GITHUB_CLIENT_ID", &cfg.GitHub.ClientID)
	str("GITHUB_CLIENT_SECRET", &cfg.GitHub.ClientSecret)
	str("GITHUB_CALLBACK_URL", &cfg.GitHub.CallbackURL)

	str("REGISTRY_ADMIN_KEY_HASH", &cfg.AdminKeyHash)
	if v, ok := lookupEnv("REGISTRY_ADMINS"); ok {
		admins, err := parseAdmins(splitList(v))
		if err != nil {
			return fmt.Errorf("config: REGISTRY_ADMINS: %w", err)
		}
		cfg.Admins = admins
	}
	if v, ok := lookupEnv("REGISTRY_CERTIFIER_POLICY"); ok {
		cfg.CertifierPolicy = registry.CertifierPolicy(strings.TrimSpace(v))
	}

	str("REGISTRY_PAYOUT_MODE", &cfg.Payout.Mode)
	str("REGISTRY_PAYOUT_RPC_URL", &cfg.Payout.RPCURL)
	str("REGISTRY_PAYOUT_PRIVATE_KEY", &cfg.Payout.PrivateKey)
	if v, ok := lookupEnv("REGISTRY_PAYOUT_CHAIN_ID"); ok {
		id, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return fmt.Errorf("config: REGISTRY_PAYOUT_CHAIN_ID: %w", err)
		}
		cfg.Payout.ChainID = id
	}

	if v, ok := lookupEnv("REGISTRY_LOG_LEVEL"); ok {
		if err := cfg.Log.Level.UnmarshalText([]byte(strings.TrimSpace(v))); err != nil {
			return fmt.Errorf("config: REGISTRY_LOG_LEVEL: %w", err)
		}
	}

	for key, dst := range map[string]*bool{
		"REGISTRY_LOG_JSON":        &cfg.Log.JSON,
		"REGISTRY_LOG_UID":         &cfg.Log.UID,
		"REGISTRY_METRICS_ENABLED": &cfg.MetricsEnabled,
		"REGISTRY_SECURE_COOKIES":  &cfg.SecureCookies,
	} {
		if err := boolean(key, dst); err != nil {
			return err
		}
	}
	return nil
}

// Validate rejects settings the server cannot start with.
func (c Config) Validate() error {
	var errs []error

	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if len(c.JWTSecret) < 16 {
		errs = append(errs, errors.New("jwt_secret must be at least 16 characters"))
	}

	policy, err := registry.ParseCertifierPolicy(string(c.CertifierPolicy))
	if err != nil {
		errs = append(errs, err)
	} else if policy == registry.CertifyAdmin && len(c.Admins) == 0 {
		errs = append(errs, errors.New(`certifier_policy "admin" needs at least one address in admins`))
	}
	if policy == registry.CertifyRepoOwner && !c.GitHub.Enabled() {
		errs = append(errs, errors.New(`certifier_policy "repo-owner" needs github.client_id and github.client_secret`))
	}

	switch c.Payout.Mode {
	case PayoutBook:
	case PayoutOnchain:
		if c.Payout.RPCURL == "" {
			errs = append(errs, errors.New("payout.rpc_url is required for onchain payouts"))
		}
		if c.Payout.PrivateKey == "" {
			errs = append(errs, errors.New("payout.private_key is required for onchain payouts"))
		}
		if c.Payout.ChainID <= 0 {
			errs = append(errs, errors.New("payout.chain_id must be positive for onchain payouts"))
		}
	default:
		errs = append(errs, fmt.Errorf("payout.mode %q: want %q or %q", c.Payout.Mode, PayoutBook, PayoutOnchain))
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

func parseAdmins(values []string) ([]common.Address, error) {
	admins := make([]common.Address, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if !common.IsHexAddress(v) {
			return nil, fmt.Errorf("admin %q is not an address", v)
		}
		admins = append(admins, common.HexToAddress(v))
	}
	return admins, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
