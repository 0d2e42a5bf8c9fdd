package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// clearEnv blanks every variable Load reads so the host environment cannot
// leak into a test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"LLM_PROVIDER", "LLM_MAX_TOKENS", "LLM_TEMPERATURE",
		"GEMINI_MODEL", "OPENAI_MODEL", "ANTHROPIC_MODEL", "DEEPSEEK_MODEL",
		"SHOPDESK_API_ADDR", "SHOPDESK_TOOL_SERVER_URL", "SHOPDESK_TOOL_SERVER_ADDR",
		"SHOPDESK_TOOL_RETRIES", "SHOPDESK_TOOL_TIMEOUT_SECS", "SHOPDESK_DATA_DIR",
		"SHOPDESK_CHECKPOINT_FILE", "SHOPDESK_MEMORY_BACKEND", "SHOPDESK_MEMORY_FILE",
		"SHOPDESK_CATALOG_DB", "SHOPDESK_HISTORY_LIMIT", "SHOPDESK_METRICS", "LOG_LEVEL",
	} {
		t.Setenv(key, "")
	}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "shopdesk.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	s, err := Load("", "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s.LLM.Provider != "gemini" || s.LLM.Model != "gemini-flash-latest" {
		t.Errorf("llm = %+v", s.LLM)
	}
	if s.API.Addr != "127.0.0.1:8001" || s.Tools.ServerURL != "http://127.0.0.1:8000/sse" {
		t.Errorf("addresses = %+v / %+v", s.API, s.Tools)
	}
	if s.Tools.Retries != 3 || s.Agent.HistoryLimit != 20 {
		t.Errorf("tools = %+v, agent = %+v", s.Tools, s.Agent)
	}
	if s.CheckpointPath() != "checkpoints.bin" {
		t.Errorf("CheckpointPath = %s", s.CheckpointPath())
	}
}

func TestNewWithAlias(t *testing.T) {
	clearEnv(t)
	settings, err := New("claude")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if settings.LLM.Provider != "anthropic" {
		t.Errorf("expected provider 'anthropic' (normalized from 'claude'), got %q", settings.LLM.Provider)
	}
	if settings.LLM.Model == "" {
		t.Error("expected provider default model")
	}
}

func TestNewUnknownProvider(t *testing.T) {
	clearEnv(t)
	if _, err := New("unknown_provider"); err == nil {
		t.Error("expected error for unknown provider")
	}
}

func TestLoadPrecedence(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
llm:
  provider: openai
  model: gpt-4o
  temperature: 0.5
api:
  addr: 0.0.0.0:9000
storage:
  data_dir: /var/lib/shopdesk
  memory_backend: sqlite
agent:
  history_limit: 8
`)
	t.Setenv("SHOPDESK_API_ADDR", "127.0.0.1:9100")
	t.Setenv("SHOPDESK_HISTORY_LIMIT", "12")

	s, err := Load(path, "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s.LLM.Provider != "openai" || s.LLM.Model != "gpt-4o" || s.LLM.Temperature != 0.5 {
		t.Errorf("yaml llm not applied: %+v", s.LLM)
	}
	if s.API.Addr != "127.0.0.1:9100" {
		t.Errorf("env should override yaml, addr = %s", s.API.Addr)
	}
	if s.Agent.HistoryLimit != 12 {
		t.Errorf("history limit = %d", s.Agent.HistoryLimit)
	}
	if s.Storage.MemoryBackend != "sqlite" {
		t.Errorf("memory backend = %s", s.Storage.MemoryBackend)
	}
	if s.MemoryPath() != filepath.Join("/var/lib/shopdesk", "memory.json") {
		t.Errorf("MemoryPath = %s", s.MemoryPath())
	}
	if s.Tools.Retries != 3 {
		t.Errorf("unset yaml field lost its default: retries = %d", s.Tools.Retries)
	}
}

func TestLoadProviderFlagWins(t *testing.T) {
	clearEnv(t)
	t.Setenv("LLM_PROVIDER", "openai")
	t.Setenv("DEEPSEEK_MODEL", "deepseek-reasoner")

	s, err := Load("", "deepseek")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s.LLM.Provider != "deepseek" || s.LLM.Model != "deepseek-reasoner" {
		t.Errorf("llm = %+v", s.LLM)
	}
}

func TestLoadInvalidValues(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
		want string
	}{
		{name: "bad int", key: "SHOPDESK_HISTORY_LIMIT", val: "many", want: "SHOPDESK_HISTORY_LIMIT"},
		{name: "bad float", key: "LLM_TEMPERATURE", val: "warm", want: "LLM_TEMPERATURE"},
		{name: "temperature range", key: "LLM_TEMPERATURE", val: "3", want: "out of range"},
		{name: "zero retries", key: "SHOPDESK_TOOL_RETRIES", val: "0", want: "retries"},
		{name: "unknown backend", key: "SHOPDESK_MEMORY_BACKEND", val: "redis", want: "redis"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(tt.key, tt.val)
			_, err := Load("", "")
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Load error = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	clearEnv(t)
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml"), ""); err == nil {
		t.Error("expected error for missing config file")
	}
	if _, err := Load(writeConfig(t, "llm: [not a map"), ""); err == nil {
		t.Error("expected error for malformed yaml")
	}
}

func TestAPIKeyFor(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "test-key")
	key, err := APIKeyFor("gpt")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if key != "test-key" {
		t.Errorf("expected 'test-key', got %q", key)
	}

	t.Setenv("OPENAI_API_KEY", "")
	if _, err := APIKeyFor("openai"); err == nil {
		t.Error("expected error for missing API key")
	}
	if _, err := APIKeyFor("unknown"); err == nil {
		t.Error("expected error for unknown provider")
	}
}

func TestModelFor(t *testing.T) {
	t.Setenv("GEMINI_MODEL", "")
	model, err := ModelFor("gemini")
	if err != nil || model != "gemini-flash-latest" {
		t.Errorf("ModelFor default = %q, %v", model, err)
	}
	t.Setenv("GEMINI_MODEL", "gemini-2.5-pro")
	if model, _ := ModelFor("google"); model != "gemini-2.5-pro" {
		t.Errorf("ModelFor env = %q", model)
	}
}

func TestMustNewPanicsOnUnknown(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("expected panic")
		}
	}()
	MustNew("llama")
}
