// Package config loads docstore configuration from JSONC files and CLI
// overrides.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/tailscale/hujson"

	"github.com/calvinalkan/docstore/internal/auth"
	"github.com/calvinalkan/docstore/pkg/blob"
	"github.com/calvinalkan/docstore/pkg/docstore"
)

// Error variables for configuration loading.
var (
	ErrConfigFileNotFound = errors.New("config file not found")
	ErrConfigFileRead     = errors.New("cannot read config file")
	ErrConfigInvalid      = errors.New("invalid config file")
	ErrDataFileEmpty      = errors.New("data_file cannot be empty")
	ErrInvalidDuration    = errors.New("invalid duration")
	ErrUnknownCodec       = errors.New("unknown codec")
	ErrUnknownLogLevel    = errors.New("unknown log level")
	ErrUnknownRole        = errors.New("unknown role")
)

// FileName is the project config file name.
const FileName = ".docstore.json"

// User is one entry of the credential table.
type User struct {
	Password string `json:"password"`
	Role     string `json:"role"`
}

// Config holds all configuration options.
type Config struct {
	// From config files
	DataFile       string
	Compress       bool
	Codec          string
	AttachmentDir  string
	LockTimeout    time.Duration
	IOTimeout      time.Duration
	RebuildTimeout time.Duration
	LogLevel       string
	Users          map[string]User

	// Resolved paths (computed, not serialized)
	EffectiveCwd     string
	DataFileAbs      string
	AttachmentDirAbs string

	// Sources tracks which config files were loaded (for diagnostics)
	Sources Sources
}

// Sources tracks which config files were loaded.
type Sources struct {
	Global  string // Path to global config if loaded, empty otherwise
	Project string // Path to project or explicit config if loaded, empty otherwise
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		DataFile:       "database.json",
		Codec:          string(docstore.CodecJSON),
		AttachmentDir:  "attachments",
		LockTimeout:    docstore.DefaultLockTimeout,
		IOTimeout:      docstore.DefaultIOTimeout,
		RebuildTimeout: docstore.DefaultRebuildTimeout,
		LogLevel:       "warn",
		Users: map[string]User{
			"admin": {Password: "admin123", Role: string(auth.RoleAdmin)},
			"user":  {Password: "user123", Role: string(auth.RoleUser)},
		},
	}
}

// layer is one config file (or the CLI) as parsed. Nil fields are unset and
// leave lower layers alone.
type layer struct {
	DataFile       *string         `json:"data_file"`
	Compress       *bool           `json:"compress"`
	Codec          *string         `json:"codec"`
	AttachmentDir  *string         `json:"attachment_dir"`
	LockTimeout    *string         `json:"lock_timeout"`
	IOTimeout      *string         `json:"io_timeout"`
	RebuildTimeout *string         `json:"rebuild_timeout"`
	LogLevel       *string         `json:"log_level"`
	Users          map[string]User `json:"users"`
}

// Input holds the inputs for Load.
type Input struct {
	WorkDirOverride string            // -C/--cwd flag value; if empty, os.Getwd() is used
	ConfigPath      string            // -c/--config flag value
	DataFile        string            // --data flag value; empty means no override
	Compress        *bool             // --compress flag value; nil means no override
	Codec           string            // --codec flag value; empty means no override
	LogLevel        string            // --log-level or --verbose; empty means no override
	Env             map[string]string // environment variables
}

// Load loads configuration with the following precedence (highest wins):
// 1. Defaults
// 2. Global user config ($XDG_CONFIG_HOME/docstore/config.json or ~/.config/docstore/config.json)
// 3. Project config file .docstore.json in the working directory (if exists)
// 4. Explicit config file via ConfigPath, replacing 3 (must exist)
// 5. CLI overrides.
//
// All paths in the returned Config are resolved to absolute paths. With
// compress on, the data file gains a ".gz" suffix unless it already has one.
func Load(input Input) (Config, error) {
	workDir := input.WorkDirOverride
	if workDir == "" {
		var err error

		workDir, err = os.Getwd()
		if err != nil {
			return Config{}, fmt.Errorf("cannot get working directory: %w", err)
		}
	}

	cfg := Default()

	globalLayer, globalPath, err := loadGlobal(input.Env)
	if err != nil {
		return Config{}, err
	}

	cfg, err = merge(cfg, globalLayer)
	if err != nil {
		return Config{}, fmt.Errorf("%w %s: %w", ErrConfigInvalid, globalPath, err)
	}

	cfg.Sources.Global = globalPath

	projectLayer, projectPath, err := loadProject(workDir, input.ConfigPath)
	if err != nil {
		return Config{}, err
	}

	cfg, err = merge(cfg, projectLayer)
	if err != nil {
		return Config{}, fmt.Errorf("%w %s: %w", ErrConfigInvalid, projectPath, err)
	}

	cfg.Sources.Project = projectPath

	cfg, err = merge(cfg, cliLayer(input))
	if err != nil {
		return Config{}, err
	}

	err = validate(cfg)
	if err != nil {
		return Config{}, err
	}

	cfg.EffectiveCwd = workDir
	cfg.DataFileAbs = absPath(workDir, cfg.DataFile)
	cfg.AttachmentDirAbs = absPath(workDir, cfg.AttachmentDir)

	if cfg.Compress && !strings.HasSuffix(cfg.DataFileAbs, ".gz") {
		cfg.DataFileAbs += ".gz"
	}

	return cfg, nil
}

// StoreOptions converts the configuration to [docstore.Options] with a blob
// attachment store under AttachmentDirAbs.
func (c Config) StoreOptions(logger *slog.Logger) docstore.Options {
	return docstore.Options{
		Path:           c.DataFileAbs,
		Compress:       c.Compress,
		Codec:          docstore.Codec(c.Codec),
		LockTimeout:    c.LockTimeout,
		IOTimeout:      c.IOTimeout,
		RebuildTimeout: c.RebuildTimeout,
		Attachments:    blob.NewStore(c.AttachmentDirAbs, nil),
		Logger:         logger,
	}
}

// Credentials converts the user table for [auth.NewSession].
func (c Config) Credentials() map[string]auth.Credential {
	out := make(map[string]auth.Credential, len(c.Users))
	for name, u := range c.Users {
		out[name] = auth.Credential{Password: u.Password, Role: auth.Role(u.Role)}
	}

	return out
}

// SlogLevel returns LogLevel as a [slog.Level]. LogLevel is validated by
// Load, so unknown names fall back to warn.
func (c Config) SlogLevel() slog.Level {
	var lvl slog.Level

	err := lvl.UnmarshalText([]byte(c.LogLevel))
	if err != nil {
		return slog.LevelWarn
	}

	return lvl
}

// Format renders the effective configuration as key=value lines. Passwords
// are never printed.
func Format(cfg Config) []string {
	lines := []string{
		"effective_cwd=" + cfg.EffectiveCwd,
		"data_file=" + cfg.DataFileAbs,
		fmt.Sprintf("compress=%t", cfg.Compress),
		"codec=" + cfg.Codec,
		"attachment_dir=" + cfg.AttachmentDirAbs,
		"lock_timeout=" + cfg.LockTimeout.String(),
		"io_timeout=" + cfg.IOTimeout.String(),
		"rebuild_timeout=" + cfg.RebuildTimeout.String(),
		"log_level=" + cfg.LogLevel,
	}

	names := make([]string, 0, len(cfg.Users))
	for name := range cfg.Users {
		names = append(names, name)
	}

	slices.Sort(names)

	users := make([]string, len(names))
	for i, name := range names {
		users[i] = name + "(" + cfg.Users[name].Role + ")"
	}

	return append(lines, "users="+strings.Join(users, ","))
}

// globalPath returns the path to the global config file.
// Uses $XDG_CONFIG_HOME/docstore/config.json if set, otherwise
// ~/.config/docstore/config.json. Returns empty string if home directory
// cannot be determined.
func globalPath(env map[string]string) string {
	if xdgConfig := env["XDG_CONFIG_HOME"]; xdgConfig != "" {
		return filepath.Join(xdgConfig, "docstore", "config.json")
	}

	if home := env["HOME"]; home != "" {
		return filepath.Join(home, ".config", "docstore", "config.json")
	}

	return ""
}

func loadGlobal(env map[string]string) (layer, string, error) {
	path := globalPath(env)
	if path == "" {
		return layer{}, "", nil
	}

	l, loaded, err := loadFile(path, false)
	if err != nil || !loaded {
		return layer{}, "", err
	}

	return l, path, nil
}

// loadProject loads the project config file (.docstore.json) or an explicit
// config file.
func loadProject(workDir, configPath string) (layer, string, error) {
	path := filepath.Join(workDir, FileName)
	mustExist := false

	if configPath != "" {
		path = absPath(workDir, configPath)
		mustExist = true

		_, statErr := os.Stat(path)
		if statErr != nil {
			return layer{}, "", fmt.Errorf("%w: %s", ErrConfigFileNotFound, configPath)
		}
	}

	l, loaded, err := loadFile(path, mustExist)
	if err != nil || !loaded {
		return layer{}, "", err
	}

	return l, path, nil
}

// loadFile loads a config file. If mustExist is false, missing files return
// an empty layer.
func loadFile(path string, mustExist bool) (layer, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !mustExist {
			return layer{}, false, nil
		}

		return layer{}, false, fmt.Errorf("%w: %s: %w", ErrConfigFileRead, path, err)
	}

	l, err := parse(data)
	if err != nil {
		return layer{}, false, fmt.Errorf("%w %s: %w", ErrConfigInvalid, path, err)
	}

	return l, true, nil
}

func parse(data []byte) (layer, error) {
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return layer{}, fmt.Errorf("invalid JSONC: %w", err)
	}

	var l layer

	err = json.Unmarshal(standardized, &l)
	if err != nil {
		return layer{}, fmt.Errorf("invalid JSON: %w", err)
	}

	return l, nil
}

func cliLayer(input Input) layer {
	var l layer

	if input.DataFile != "" {
		l.DataFile = &input.DataFile
	}

	l.Compress = input.Compress

	if input.Codec != "" {
		l.Codec = &input.Codec
	}

	if input.LogLevel != "" {
		l.LogLevel = &input.LogLevel
	}

	return l
}

// merge applies the set fields of l over base. Users merge by name.
func merge(base Config, l layer) (Config, error) {
	if l.DataFile != nil {
		if *l.DataFile == "" {
			return Config{}, ErrDataFileEmpty
		}

		base.DataFile = *l.DataFile
	}

	if l.Compress != nil {
		base.Compress = *l.Compress
	}

	if l.Codec != nil {
		base.Codec = *l.Codec
	}

	if l.AttachmentDir != nil && *l.AttachmentDir != "" {
		base.AttachmentDir = *l.AttachmentDir
	}

	if l.LogLevel != nil {
		base.LogLevel = *l.LogLevel
	}

	for _, d := range []struct {
		name string
		raw  *string
		dst  *time.Duration
	}{
		{"lock_timeout", l.LockTimeout, &base.LockTimeout},
		{"io_timeout", l.IOTimeout, &base.IOTimeout},
		{"rebuild_timeout", l.RebuildTimeout, &base.RebuildTimeout},
	} {
		if d.raw == nil {
			continue
		}

		v, err := time.ParseDuration(*d.raw)
		if err != nil || v <= 0 {
			return Config{}, fmt.Errorf("%w for %s: %q", ErrInvalidDuration, d.name, *d.raw)
		}

		*d.dst = v
	}

	if len(l.Users) > 0 {
		users := make(map[string]User, len(base.Users)+len(l.Users))

		for name, u := range base.Users {
			users[name] = u
		}

		for name, u := range l.Users {
			users[name] = u
		}

		base.Users = users
	}

	return base, nil
}

func validate(cfg Config) error {
	if cfg.DataFile == "" {
		return ErrDataFileEmpty
	}

	switch docstore.Codec(cfg.Codec) {
	case docstore.CodecJSON, docstore.CodecMsgpack:
	default:
		return fmt.Errorf("%w: %q (want %q or %q)", ErrUnknownCodec, cfg.Codec, docstore.CodecJSON, docstore.CodecMsgpack)
	}

	var lvl slog.Level

	err := lvl.UnmarshalText([]byte(cfg.LogLevel))
	if err != nil {
		return fmt.Errorf("%w: %q", ErrUnknownLogLevel, cfg.LogLevel)
	}

	for name, u := range cfg.Users {
		if !auth.Role(u.Role).Valid() {
			return fmt.Errorf("%w %q for user %q", ErrUnknownRole, u.Role, name)
		}
	}

	return nil
}

func absPath(workDir, p string) string {
	if filepath.IsAbs(p) {
		return p
	}

	return filepath.Join(workDir, p)
}
