// Package config loads the lethe CLI's configuration, following a
// flag > project file > global file > default precedence chain like the
// teacher's internal/ticket package, but for the parameters a
// secure-deletion object store needs instead of a ticket tracker's. The
// environment is only used to locate the global config file; no setting
// is read from an environment variable.
package config

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/natefinch/atomic"
	"github.com/tailscale/hujson"
)

var (
	ErrConfigFileNotFound = errors.New("config file not found")
	ErrConfigFileRead     = errors.New("cannot read config file")
	ErrConfigInvalid      = errors.New("invalid config file")
	ErrDiskPathEmpty      = errors.New("disk path cannot be empty")
	ErrRootKeyInvalid     = errors.New("root key must be 64 hex characters (32 bytes)")
)

// ConfigFileName is the default project config file name, checked in the
// working directory when no explicit --config flag is given.
const ConfigFileName = ".letherc"

// Config holds every setting the lethe CLI and letheshell REPL need to
// open a store.
type Config struct {
	// DiskPath is the path to the backing block device file.
	DiskPath string `json:"disk_path"`

	// RootKeyHex is the 32-byte root key, hex-encoded. Mutually exclusive
	// with RootKeyFile; RootKeyFile wins if both are set.
	RootKeyHex string `json:"root_key,omitempty"` //nolint:tagliatelle

	// RootKeyFile is a path to a file holding the 32-byte root key, either
	// raw binary or hex-encoded text.
	RootKeyFile string `json:"root_key_file,omitempty"` //nolint:tagliatelle

	// CatalogPath is the host path of the SQLite enumeration catalog. A
	// blank value uses an in-memory catalog (see objectstore.Options).
	CatalogPath string `json:"catalog_path,omitempty"` //nolint:tagliatelle

	// ConfigIDSeed is an optional config_id value (32 lowercase hex
	// digits, 16 bytes). It is loaded and merged like the other fields,
	// but nothing in this module writes it to a store's config_id.
	ConfigIDSeed string `json:"config_id_seed,omitempty"` //nolint:tagliatelle

	// Sources records which config files contributed to the final value,
	// for diagnostics (printed by "lethe print-config").
	Sources ConfigSources `json:"-"`
}

// ConfigSources tracks which config files were loaded.
type ConfigSources struct {
	Global  string
	Project string
}

// DefaultConfig returns the configuration used when no file or flag
// supplies a value.
func DefaultConfig() Config {
	return Config{
		CatalogPath: "",
	}
}

// Overrides carries CLI flag values that take precedence over every file.
// A field is only applied when its companion Has* flag is true, mirroring
// ticket.LoadConfigInput's hasTicketDirOverride pattern (pflag.Changed,
// not just a non-zero value, since "" is sometimes a legitimate override).
type Overrides struct {
	DiskPath       string
	HasDiskPath    bool
	RootKeyHex     string
	HasRootKeyHex  bool
	RootKeyFile    string
	HasRootKeyFile bool
	CatalogPath    string
	HasCatalogPath bool
}

// LoadInput holds the inputs for Load.
type LoadInput struct {
	// WorkDir is the effective working directory (the --cwd flag value,
	// or os.Getwd() if unset).
	WorkDir string

	// ConfigPath is an explicit --config flag value; if empty, the
	// default project file (ConfigFileName) is used when present.
	ConfigPath string

	Overrides Overrides

	// Env is consulted for XDG_CONFIG_HOME / HOME to locate the global
	// config file. Tests pass a fake slice; production passes os.Environ().
	Env []string
}

// Load resolves configuration with the following precedence (highest
// wins): CLI overrides, explicit/project config file, global config file,
// defaults.
func Load(input LoadInput) (Config, error) {
	cfg := DefaultConfig()

	globalCfg, globalPath, err := loadGlobalConfig(input.Env)
	if err != nil {
		return Config{}, err
	}

	cfg.Sources.Global = globalPath
	cfg = mergeConfig(cfg, globalCfg)

	projectCfg, projectPath, err := loadProjectConfig(input.WorkDir, input.ConfigPath)
	if err != nil {
		return Config{}, err
	}

	cfg.Sources.Project = projectPath
	cfg = mergeConfig(cfg, projectCfg)

	applyOverrides(&cfg, input.Overrides)

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func applyOverrides(cfg *Config, ov Overrides) {
	if ov.HasDiskPath {
		cfg.DiskPath = ov.DiskPath
	}

	if ov.HasRootKeyHex {
		cfg.RootKeyHex = ov.RootKeyHex
	}

	if ov.HasRootKeyFile {
		cfg.RootKeyFile = ov.RootKeyFile
	}

	if ov.HasCatalogPath {
		cfg.CatalogPath = ov.CatalogPath
	}
}

func getGlobalConfigPath(env []string) string {
	lookup := envMap(env)

	if xdg := lookup["XDG_CONFIG_HOME"]; xdg != "" {
		return filepath.Join(xdg, "lethe", "config.json")
	}

	if home := lookup["HOME"]; home != "" {
		return filepath.Join(home, ".config", "lethe", "config.json")
	}

	return ""
}

func envMap(env []string) map[string]string {
	out := make(map[string]string, len(env))

	for _, kv := range env {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				out[kv[:i]] = kv[i+1:]
				break
			}
		}
	}

	return out
}

func loadGlobalConfig(env []string) (Config, string, error) {
	path := getGlobalConfigPath(env)
	if path == "" {
		return Config{}, "", nil
	}

	cfg, loaded, err := loadConfigFile(path, false)
	if err != nil {
		return Config{}, "", err
	}

	if !loaded {
		return Config{}, "", nil
	}

	return cfg, path, nil
}

func loadProjectConfig(workDir, configPath string) (Config, string, error) {
	var cfgFile string

	var mustExist bool

	if configPath != "" {
		cfgFile = configPath
		if !filepath.IsAbs(cfgFile) {
			cfgFile = filepath.Join(workDir, cfgFile)
		}

		mustExist = true

		if _, err := os.Stat(cfgFile); err != nil {
			return Config{}, "", fmt.Errorf("%w: %s", ErrConfigFileNotFound, configPath)
		}
	} else {
		cfgFile = filepath.Join(workDir, ConfigFileName)
		mustExist = false
	}

	cfg, loaded, err := loadConfigFile(cfgFile, mustExist)
	if err != nil {
		return Config{}, "", err
	}

	if !loaded {
		return Config{}, "", nil
	}

	return cfg, cfgFile, nil
}

func loadConfigFile(path string, mustExist bool) (Config, bool, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is intentionally user-controlled
	if err != nil {
		if os.IsNotExist(err) && !mustExist {
			return Config{}, false, nil
		}

		if mustExist {
			return Config{}, false, fmt.Errorf("%w: %s", ErrConfigFileRead, path)
		}

		return Config{}, false, nil
	}

	cfg, err := parseConfig(data)
	if err != nil {
		return Config{}, false, fmt.Errorf("%w %s: %w", ErrConfigInvalid, path, err)
	}

	return cfg, true, nil
}

func parseConfig(data []byte) (Config, error) {
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Config{}, fmt.Errorf("invalid JWCC: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(standardized, &cfg); err != nil {
		return Config{}, fmt.Errorf("invalid JSON: %w", err)
	}

	return cfg, nil
}

func mergeConfig(base, overlay Config) Config {
	if overlay.DiskPath != "" {
		base.DiskPath = overlay.DiskPath
	}

	if overlay.RootKeyHex != "" {
		base.RootKeyHex = overlay.RootKeyHex
	}

	if overlay.RootKeyFile != "" {
		base.RootKeyFile = overlay.RootKeyFile
	}

	if overlay.CatalogPath != "" {
		base.CatalogPath = overlay.CatalogPath
	}

	if overlay.ConfigIDSeed != "" {
		base.ConfigIDSeed = overlay.ConfigIDSeed
	}

	return base
}

func validateConfig(cfg Config) error {
	if cfg.DiskPath == "" {
		return ErrDiskPathEmpty
	}

	return nil
}

// ResolveRootKey returns the 32-byte root key cfg names, reading
// RootKeyFile if set (raw 32 bytes, or hex text) and otherwise decoding
// RootKeyHex.
func ResolveRootKey(cfg Config) ([32]byte, error) {
	var key [32]byte

	if cfg.RootKeyFile != "" {
		data, err := os.ReadFile(cfg.RootKeyFile) //nolint:gosec // user-controlled by design
		if err != nil {
			return key, fmt.Errorf("config: read root key file %q: %w", cfg.RootKeyFile, err)
		}

		trimmed := bytes.TrimSpace(data)

		if len(trimmed) == 32 {
			copy(key[:], trimmed)
			return key, nil
		}

		decoded, err := hex.DecodeString(string(trimmed))
		if err != nil || len(decoded) != 32 {
			return key, fmt.Errorf("config: root key file %q: %w", cfg.RootKeyFile, ErrRootKeyInvalid)
		}

		copy(key[:], decoded)

		return key, nil
	}

	decoded, err := hex.DecodeString(cfg.RootKeyHex)
	if err != nil || len(decoded) != 32 {
		return key, ErrRootKeyInvalid
	}

	copy(key[:], decoded)

	return key, nil
}

// WriteDefaultProjectConfig atomically writes a fresh project config file
// at workDir/ConfigFileName if one doesn't already exist, seeded with
// diskPath. Mirrors the teacher's atomic.WriteFile usage in
// internal/ticket/cache.go for crash-safe config generation.
func WriteDefaultProjectConfig(workDir, diskPath string) error {
	path := filepath.Join(workDir, ConfigFileName)

	if _, err := os.Stat(path); err == nil {
		return nil
	}

	cfg := DefaultConfig()
	cfg.DiskPath = diskPath

	buf, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("config: marshal default: %w", err)
	}

	if err := atomic.WriteFile(path, bytes.NewReader(buf)); err != nil {
		return fmt.Errorf("config: write default %q: %w", path, err)
	}

	return nil
}
