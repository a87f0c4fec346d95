package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration for chatgate.
type Config struct {
	General    GeneralConfig    `json:"general" yaml:"general"`
	Engines    EnginesConfig    `json:"engines" yaml:"engines"`
	Channels   ChannelsConfig   `json:"channels" yaml:"channels"`
	Dedup      DedupConfig      `json:"dedup" yaml:"dedup"`
	Staging    StagingConfig    `json:"staging" yaml:"staging"`
	Supervisor SupervisorConfig `json:"supervisor" yaml:"supervisor"`
	Messages   MessagesConfig   `json:"messages" yaml:"messages"`
}

type GeneralConfig struct {
	LogLevel               string `json:"logLevel" yaml:"logLevel"`
	LogFormat              string `json:"logFormat" yaml:"logFormat"` // "text" | "json"
	TempRoot               string `json:"tempRoot,omitempty" yaml:"tempRoot,omitempty"`
	KeepStagedFiles        bool   `json:"keepStagedFiles" yaml:"keepStagedFiles"`
	MaxConcurrentMessages  int    `json:"maxConcurrentMessages" yaml:"maxConcurrentMessages"`
	MaxDocumentBytes       int64  `json:"maxDocumentBytes" yaml:"maxDocumentBytes"`
	FetchTimeoutSeconds    int    `json:"fetchTimeoutSeconds" yaml:"fetchTimeoutSeconds"`
	QueryTimeoutSeconds    int    `json:"queryTimeoutSeconds" yaml:"queryTimeoutSeconds"`
	IngestTimeoutSeconds   int    `json:"ingestTimeoutSeconds" yaml:"ingestTimeoutSeconds"`
	ShutdownTimeoutSeconds int    `json:"shutdownTimeoutSeconds" yaml:"shutdownTimeoutSeconds"`
}

// EnginesConfig points at the external question-answering and content engines.
type EnginesConfig struct {
	Query   EngineEndpoint `json:"query" yaml:"query"`
	Content EngineEndpoint `json:"content" yaml:"content"`
}

type EngineEndpoint struct {
	BaseURL string `json:"baseURL" yaml:"baseURL" validate:"required,url"`
	APIKey  string `json:"apiKey,omitempty" yaml:"apiKey,omitempty"`
}

type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram" yaml:"telegram"`
	WhatsApp WhatsAppConfig `json:"whatsapp" yaml:"whatsapp"`
}

type TelegramConfig struct {
	Enabled     bool     `json:"enabled" yaml:"enabled"`
	Token       string   `json:"token" yaml:"token" validate:"required"`
	ParseMode   string   `json:"parseMode" yaml:"parseMode"`
	PollTimeout int      `json:"pollTimeout" yaml:"pollTimeout" validate:"gte=0"`
	Greetings   []string `json:"greetings" yaml:"greetings" validate:"min=1"`
	Welcome     string   `json:"welcome" yaml:"welcome" validate:"required"`
}

type WhatsAppConfig struct {
	Enabled        bool     `json:"enabled" yaml:"enabled"`
	AccessToken    string   `json:"accessToken" yaml:"accessToken" validate:"required"`
	PhoneNumberID  string   `json:"phoneNumberId" yaml:"phoneNumberId" validate:"required"`
	VerifyToken    string   `json:"verifyToken" yaml:"verifyToken" validate:"required"`
	AppSecret      string   `json:"appSecret,omitempty" yaml:"appSecret,omitempty"`
	APIBase        string   `json:"apiBase" yaml:"apiBase" validate:"required,url"`
	Host           string   `json:"host" yaml:"host"`
	Port           int      `json:"port" yaml:"port" validate:"gt=0,lte=65535"`
	WebhookPath    string   `json:"webhookPath" yaml:"webhookPath" validate:"required,startswith=/"`
	MediaUserAgent string   `json:"mediaUserAgent" yaml:"mediaUserAgent"`
	SendEndpoint   bool     `json:"sendEndpoint" yaml:"sendEndpoint"`
	Greetings      []string `json:"greetings" yaml:"greetings" validate:"min=1"`
	Welcome        string   `json:"welcome" yaml:"welcome" validate:"required"`
}

// DedupConfig bounds the recent-event set used to drop redelivered webhooks.
type DedupConfig struct {
	Backend  string `json:"backend" yaml:"backend"` // "memory" | "sqlite"
	DBPath   string `json:"dbPath,omitempty" yaml:"dbPath,omitempty"`
	Capacity int    `json:"capacity" yaml:"capacity"`
	TTLHours int    `json:"ttlHours" yaml:"ttlHours"`
}

// StagingConfig controls the janitor that sweeps files kept by keepStagedFiles.
type StagingConfig struct {
	SweepCron   string `json:"sweepCron,omitempty" yaml:"sweepCron,omitempty"`
	MaxAgeHours int    `json:"maxAgeHours" yaml:"maxAgeHours"`
}

type SupervisorConfig struct {
	StartTimeoutSeconds int `json:"startTimeoutSeconds" yaml:"startTimeoutSeconds"` // 0 = wait forever
}

// MessagesConfig holds every canned user-facing reply.
type MessagesConfig struct {
	QueryError        string `json:"queryError" yaml:"queryError"`
	ProcessingError   string `json:"processingError" yaml:"processingError"`
	VoiceUnsupported  string `json:"voiceUnsupported" yaml:"voiceUnsupported"`
	PhotoUnsupported  string `json:"photoUnsupported" yaml:"photoUnsupported"`
	Unsupported       string `json:"unsupported" yaml:"unsupported"`
	WrongFormat       string `json:"wrongFormat" yaml:"wrongFormat"`
	IngestStarted     string `json:"ingestStarted" yaml:"ingestStarted"`
	IngestSucceeded   string `json:"ingestSucceeded" yaml:"ingestSucceeded"` // %s = engine message
	IngestFailed      string `json:"ingestFailed" yaml:"ingestFailed"`       // %s = diagnostic
	IngestEngineError string `json:"ingestEngineError" yaml:"ingestEngineError"`
	PDFCommandUsage   string `json:"pdfCommandUsage" yaml:"pdfCommandUsage"`
}

// ConfigurationError reports credentials or settings a channel cannot start without.
type ConfigurationError struct {
	Channel string
	Fields  []string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("%s: missing or invalid configuration: %s", e.Channel, strings.Join(e.Fields, ", "))
}

// DefaultConfigDir returns the default config directory (~/.chatgate).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".chatgate"
	}
	return filepath.Join(home, ".chatgate")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

// Load reads a JSON or YAML config file (chosen by extension), expands
// ${VAR} references, applies environment fallbacks and validates the result.
// A missing file at the default path is not an error: defaults plus
// environment are used instead.
func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	cfg := Defaults()
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		data = []byte(ExpandEnvVars(string(data)))
		if err := decode(path, data, cfg); err != nil {
			return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && path == DefaultConfigPath():
	default:
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	ApplyEnv(cfg)
	cfg.General.TempRoot = ExpandPath(cfg.General.TempRoot)
	cfg.Dedup.DBPath = ExpandPath(cfg.Dedup.DBPath)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, cfg)
	default:
		return json.Unmarshal(data, cfg)
	}
}

// ApplyEnv fills credentials from the environment variables the bots were
// historically deployed with, when the file leaves them empty.
func ApplyEnv(cfg *Config) {
	setIfEmpty(&cfg.Channels.Telegram.Token, "TELEGRAM_BOT_TOKEN")
	setIfEmpty(&cfg.Channels.WhatsApp.AccessToken, "WHATSAPP_API_TOKEN")
	setIfEmpty(&cfg.Channels.WhatsApp.PhoneNumberID, "WHATSAPP_CLOUD_NUMBER_ID")
	setIfEmpty(&cfg.Channels.WhatsApp.VerifyToken, "WEBHOOK_VERIFY_TOKEN")
	setIfEmpty(&cfg.Channels.WhatsApp.AppSecret, "WHATSAPP_APP_SECRET")
	setIfEmpty(&cfg.Engines.Query.BaseURL, "QUERY_ENGINE_URL")
	setIfEmpty(&cfg.Engines.Content.BaseURL, "CONTENT_ENGINE_URL")
	if v := os.Getenv("WHATSAPP_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Channels.WhatsApp.Port = port
		}
	}
	if v := os.Getenv("CHATGATE_LOG_LEVEL"); v != "" {
		cfg.General.LogLevel = v
	}
}

func setIfEmpty(dst *string, env string) {
	if *dst != "" {
		return
	}
	if v, ok := os.LookupEnv(env); ok {
		*dst = strings.TrimSpace(v)
	}
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		hasDefault := len(groups) >= 3 && groups[2] != ""

		val, exists := os.LookupEnv(groups[1])
		if !exists || val == "" {
			if hasDefault {
				return groups[2]
			}
			return match
		}
		return val
	})
}

func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(cfg)
	default:
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

// Validate checks value ranges that apply regardless of which channel runs.
// Credential presence is checked per channel by RequireChannel.
func Validate(cfg *Config) error {
	var errs []string

	switch strings.ToLower(cfg.General.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}
	switch cfg.General.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, "general.logFormat must be one of: text, json")
	}
	if cfg.General.MaxConcurrentMessages < 1 || cfg.General.MaxConcurrentMessages > 100 {
		errs = append(errs, "general.maxConcurrentMessages must be between 1 and 100")
	}
	if cfg.General.MaxDocumentBytes < 1 {
		errs = append(errs, "general.maxDocumentBytes must be >= 1")
	}
	for name, v := range map[string]int{
		"general.fetchTimeoutSeconds":    cfg.General.FetchTimeoutSeconds,
		"general.queryTimeoutSeconds":    cfg.General.QueryTimeoutSeconds,
		"general.ingestTimeoutSeconds":   cfg.General.IngestTimeoutSeconds,
		"general.shutdownTimeoutSeconds": cfg.General.ShutdownTimeoutSeconds,
	} {
		if v < 1 {
			errs = append(errs, name+" must be >= 1")
		}
	}
	if cfg.Supervisor.StartTimeoutSeconds < 0 {
		errs = append(errs, "supervisor.startTimeoutSeconds must be >= 0")
	}
	if cfg.Channels.WhatsApp.Port < 0 || cfg.Channels.WhatsApp.Port > 65535 {
		errs = append(errs, "channels.whatsapp.port must be between 0 and 65535")
	}

	switch cfg.Dedup.Backend {
	case "memory":
	case "sqlite":
		if cfg.Dedup.DBPath == "" {
			errs = append(errs, "dedup.dbPath is required for the sqlite backend")
		}
	default:
		errs = append(errs, "dedup.backend must be one of: memory, sqlite")
	}
	if cfg.Dedup.Capacity < 1 {
		errs = append(errs, "dedup.capacity must be >= 1")
	}
	if cfg.Staging.MaxAgeHours < 1 {
		errs = append(errs, "staging.maxAgeHours must be >= 1")
	}
	for name, v := range map[string]string{
		"messages.ingestSucceeded": cfg.Messages.IngestSucceeded,
		"messages.ingestFailed":    cfg.Messages.IngestFailed,
	} {
		if !oneStringVerb(v) {
			errs = append(errs, name+" must contain exactly one %s and no other verbs")
		}
	}
	sort.Strings(errs)

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// oneStringVerb reports whether format has a single %s and otherwise only
// %% escapes.
func oneStringVerb(format string) bool {
	n := 0
	for i := 0; i < len(format); i++ {
		if format[i] != '%' {
			continue
		}
		i++
		if i == len(format) {
			return false
		}
		switch format[i] {
		case '%':
		case 's':
			n++
		default:
			return false
		}
	}
	return n == 1
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// RequireChannel verifies that everything the named channel's worker needs
// at startup is present. The result is a *ConfigurationError; callers treat
// it as fatal.
func RequireChannel(cfg *Config, name string) error {
	var target any
	switch name {
	case "telegram":
		target = cfg.Channels.Telegram
	case "whatsapp":
		target = cfg.Channels.WhatsApp
	default:
		return &ConfigurationError{Channel: name, Fields: []string{"unknown channel"}}
	}

	var fields []string
	collect := func(prefix string, err error) {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				fields = append(fields, prefix+lowerFirst(fe.Field()))
			}
		} else if err != nil {
			fields = append(fields, prefix+err.Error())
		}
	}
	collect("channels."+name+".", validate.Struct(target))
	collect("engines.query.", validate.Struct(cfg.Engines.Query))
	collect("engines.content.", validate.Struct(cfg.Engines.Content))

	if len(fields) > 0 {
		return &ConfigurationError{Channel: name, Fields: fields}
	}
	return nil
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	return strings.ToLower(s[:1]) + s[1:]
}

// EnabledChannels lists the channels a supervisor should spawn, in a fixed order.
func EnabledChannels(cfg *Config) []string {
	var names []string
	if cfg.Channels.Telegram.Enabled {
		names = append(names, "telegram")
	}
	if cfg.Channels.WhatsApp.Enabled {
		names = append(names, "whatsapp")
	}
	return names
}

// Secrets returns every credential value, for scrubbing user-facing text.
func Secrets(cfg *Config) []string {
	var out []string
	for _, s := range []string{
		cfg.Channels.Telegram.Token,
		cfg.Channels.WhatsApp.AccessToken,
		cfg.Channels.WhatsApp.VerifyToken,
		cfg.Channels.WhatsApp.AppSecret,
		cfg.Engines.Query.APIKey,
		cfg.Engines.Content.APIKey,
	} {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

func (g GeneralConfig) FetchTimeout() time.Duration    { return seconds(g.FetchTimeoutSeconds) }
func (g GeneralConfig) QueryTimeout() time.Duration    { return seconds(g.QueryTimeoutSeconds) }
func (g GeneralConfig) IngestTimeout() time.Duration   { return seconds(g.IngestTimeoutSeconds) }
func (g GeneralConfig) ShutdownTimeout() time.Duration { return seconds(g.ShutdownTimeoutSeconds) }

func (s SupervisorConfig) StartTimeout() time.Duration { return seconds(s.StartTimeoutSeconds) }

// TempDir is the per-platform staging directory, <tempRoot>/<platform>_downloads.
func (g GeneralConfig) TempDir(platform string) string {
	root := g.TempRoot
	if root == "" {
		root = os.TempDir()
	}
	return filepath.Join(root, platform+"_downloads")
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
