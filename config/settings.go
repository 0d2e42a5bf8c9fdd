// Package config provides application settings.
//
// Settings are created via Load() which handles:
// - Default value application
// - An optional YAML settings file
// - Environment variable overrides with validation
// - Provider-specific model and API key lookup

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/Imro-iitr6394/E-commerce-Customer-Support/llm"
	"github.com/Imro-iitr6394/E-commerce-Customer-Support/storage"
)

// Settings holds all application configuration.
type Settings struct {
	LLM      LLMConfig     `yaml:"llm"`
	API      APIConfig     `yaml:"api"`
	Tools    ToolsConfig   `yaml:"tools"`
	Storage  StorageConfig `yaml:"storage"`
	Catalog  CatalogConfig `yaml:"catalog"`
	Agent    AgentConfig   `yaml:"agent"`
	Metrics  bool          `yaml:"metrics"`
	LogLevel string        `yaml:"log_level"`
}

// LLMConfig holds LLM provider configuration.
type LLMConfig struct {
	Provider    string  `yaml:"provider"`
	Model       string  `yaml:"model"`
	MaxTokens   uint32  `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
}

// APIConfig holds HTTP API settings.
type APIConfig struct {
	Addr string `yaml:"addr"`
}

// ToolsConfig holds tool server and gateway settings.
type ToolsConfig struct {
	ServerURL   string `yaml:"server_url"`
	ServerAddr  string `yaml:"server_addr"`
	Retries     uint32 `yaml:"retries"`
	TimeoutSecs uint64 `yaml:"timeout_secs"`
}

// StorageConfig holds checkpoint and memory persistence settings. Relative
// file names are resolved against DataDir.
type StorageConfig struct {
	DataDir        string `yaml:"data_dir"`
	CheckpointFile string `yaml:"checkpoint_file"`
	MemoryBackend  string `yaml:"memory_backend"`
	MemoryFile     string `yaml:"memory_file"`
}

// CatalogConfig holds the backend database location.
type CatalogConfig struct {
	Path string `yaml:"path"`
}

// AgentConfig holds conversation settings.
type AgentConfig struct {
	HistoryLimit        int  `yaml:"history_limit"`
	ReconcileTranscript bool `yaml:"reconcile_transcript"`
}

// Defaults returns the built-in settings.
func Defaults() Settings {
	return Settings{
		LLM: LLMConfig{
			Provider:    llm.ProviderGemini.String(),
			MaxTokens:   1024,
			Temperature: 0.2,
		},
		API: APIConfig{Addr: "127.0.0.1:8001"},
		Tools: ToolsConfig{
			ServerURL:   "http://127.0.0.1:8000/sse",
			ServerAddr:  "127.0.0.1:8000",
			Retries:     3,
			TimeoutSecs: 30,
		},
		Storage: StorageConfig{
			DataDir:        ".",
			CheckpointFile: "checkpoints.bin",
			MemoryBackend:  storage.BackendFile,
			MemoryFile:     "memory.json",
		},
		Catalog:  CatalogConfig{Path: "ecommerce.db"},
		Agent:    AgentConfig{HistoryLimit: storage.DefaultHistoryLimit},
		LogLevel: "info",
	}
}

// Load builds settings from defaults, then the YAML file at path (if not
// empty), then environment variables. A non-empty provider overrides all of
// them.
func Load(path, provider string) (Settings, error) {
	s := Defaults()
	yamlModel := ""
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Settings{}, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &s); err != nil {
			return Settings{}, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
		yamlModel = s.LLM.Model
	}

	if err := s.applyEnv(); err != nil {
		return Settings{}, err
	}
	if provider != "" {
		s.LLM.Provider = provider
	}

	pt, err := llm.ParseProviderType(s.LLM.Provider)
	if err != nil {
		return Settings{}, err
	}
	s.LLM.Provider = pt.String()
	s.LLM.Model = yamlModel
	if m := os.Getenv(modelEnv(pt)); m != "" {
		s.LLM.Model = m
	}
	if s.LLM.Model == "" {
		s.LLM.Model = pt.DefaultModel()
	}

	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// New returns settings for provider from defaults and the environment.
func New(provider string) (Settings, error) {
	return Load("", provider)
}

// MustNew creates settings for the specified provider.
// Panics if the provider is unknown or environment variables are invalid.
// Use this only when configuration errors should be fatal.
func MustNew(provider string) Settings {
	settings, err := New(provider)
	if err != nil {
		panic(fmt.Sprintf("config: %v", err))
	}
	return settings
}

func (s *Settings) applyEnv() error {
	var errs []error
	setString(&s.LLM.Provider, "LLM_PROVIDER")
	errs = append(errs,
		setUint32(&s.LLM.MaxTokens, "LLM_MAX_TOKENS"),
		setFloat64(&s.LLM.Temperature, "LLM_TEMPERATURE"),
		setUint32(&s.Tools.Retries, "SHOPDESK_TOOL_RETRIES"),
		setUint64(&s.Tools.TimeoutSecs, "SHOPDESK_TOOL_TIMEOUT_SECS"),
		setInt(&s.Agent.HistoryLimit, "SHOPDESK_HISTORY_LIMIT"),
		setBool(&s.Metrics, "SHOPDESK_METRICS"),
	)
	setString(&s.API.Addr, "SHOPDESK_API_ADDR")
	setString(&s.Tools.ServerURL, "SHOPDESK_TOOL_SERVER_URL")
	setString(&s.Tools.ServerAddr, "SHOPDESK_TOOL_SERVER_ADDR")
	setString(&s.Storage.DataDir, "SHOPDESK_DATA_DIR")
	setString(&s.Storage.CheckpointFile, "SHOPDESK_CHECKPOINT_FILE")
	setString(&s.Storage.MemoryBackend, "SHOPDESK_MEMORY_BACKEND")
	setString(&s.Storage.MemoryFile, "SHOPDESK_MEMORY_FILE")
	setString(&s.Catalog.Path, "SHOPDESK_CATALOG_DB")
	setString(&s.LogLevel, "LOG_LEVEL")
	return errors.Join(errs...)
}

// Validate checks value ranges.
func (s Settings) Validate() error {
	var errs []error
	if s.LLM.Temperature < 0 || s.LLM.Temperature > 2 {
		errs = append(errs, fmt.Errorf("temperature %v out of range [0, 2]", s.LLM.Temperature))
	}
	if s.Tools.Retries == 0 {
		errs = append(errs, errors.New("tool retries must be at least 1"))
	}
	switch s.Storage.MemoryBackend {
	case "", storage.BackendFile, storage.BackendSqlite, storage.BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown memory backend %q", s.Storage.MemoryBackend))
	}
	if s.API.Addr == "" {
		errs = append(errs, errors.New("api address is required"))
	}
	return errors.Join(errs...)
}

// ProviderType returns the configured provider.
func (s Settings) ProviderType() llm.ProviderType {
	pt, _ := llm.ParseProviderType(s.LLM.Provider)
	return pt
}

// CheckpointPath returns the checkpoint snapshot location.
func (s Settings) CheckpointPath() string {
	return s.resolve(s.Storage.CheckpointFile)
}

// MemoryPath returns the memory log location.
func (s Settings) MemoryPath() string {
	return s.resolve(s.Storage.MemoryFile)
}

// CatalogPath returns the catalog database location.
func (s Settings) CatalogPath() string {
	return s.resolve(s.Catalog.Path)
}

func (s Settings) resolve(name string) string {
	if name == "" || filepath.IsAbs(name) || s.Storage.DataDir == "" {
		return name
	}
	return filepath.Join(s.Storage.DataDir, name)
}

// APIKeyFor returns the API key for a provider from environment variables.
func APIKeyFor(provider string) (string, error) {
	pt, err := llm.ParseProviderType(provider)
	if err != nil {
		return "", err
	}
	key := os.Getenv(pt.EnvVar())
	if key == "" {
		return "", fmt.Errorf("%s environment variable not set", pt.EnvVar())
	}
	return key, nil
}

// ModelFor returns the model for a provider, checking environment first.
func ModelFor(provider string) (string, error) {
	pt, err := llm.ParseProviderType(provider)
	if err != nil {
		return "", err
	}
	if val := os.Getenv(modelEnv(pt)); val != "" {
		return val, nil
	}
	return pt.DefaultModel(), nil
}

// SupportedProviders returns the supported provider names.
func SupportedProviders() []string {
	return []string{
		llm.ProviderGemini.String(),
		llm.ProviderOpenAI.String(),
		llm.ProviderAnthropic.String(),
		llm.ProviderDeepSeek.String(),
	}
}

func modelEnv(pt llm.ProviderType) string {
	return strings.ToUpper(pt.String()) + "_MODEL"
}

// Environment variable helpers with proper error handling

func setString(dst *string, key string) {
	if val := os.Getenv(key); val != "" {
		*dst = val
	}
}

func setInt(dst *int, key string) error {
	val := os.Getenv(key)
	if val == "" {
		return nil
	}
	i, err := strconv.Atoi(val)
	if err != nil {
		return fmt.Errorf("invalid value for %s: %q: %w", key, val, err)
	}
	*dst = i
	return nil
}

func setUint32(dst *uint32, key string) error {
	val := os.Getenv(key)
	if val == "" {
		return nil
	}
	i, err := strconv.ParseUint(val, 10, 32)
	if err != nil {
		return fmt.Errorf("invalid value for %s: %q: %w", key, val, err)
	}
	*dst = uint32(i)
	return nil
}

func setUint64(dst *uint64, key string) error {
	val := os.Getenv(key)
	if val == "" {
		return nil
	}
	i, err := strconv.ParseUint(val, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid value for %s: %q: %w", key, val, err)
	}
	*dst = i
	return nil
}

func setFloat64(dst *float64, key string) error {
	val := os.Getenv(key)
	if val == "" {
		return nil
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return fmt.Errorf("invalid value for %s: %q: %w", key, val, err)
	}
	*dst = f
	return nil
}

func setBool(dst *bool, key string) error {
	val := os.Getenv(key)
	if val == "" {
		return nil
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return fmt.Errorf("invalid value for %s: %q: %w", key, val, err)
	}
	*dst = b
	return nil
}
