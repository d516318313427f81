package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadValidConfig(t *testing.T) {
	path := writeConfig(t, "taskloop.yaml", `
version: 1
database:
  driver: memory
llm:
  default_provider: anthropic
  providers:
    anthropic:
      api_key: test-key
      default_model: claude-sonnet-4-5
queue:
  lease: 1m
engine:
  max_steps: 10
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Engine.MaxSteps != 10 {
		t.Errorf("Engine.MaxSteps = %d, want 10", cfg.Engine.MaxSteps)
	}
	if cfg.Queue.Lease != time.Minute {
		t.Errorf("Queue.Lease = %v, want 1m", cfg.Queue.Lease)
	}
	if got := cfg.LLM.Providers["anthropic"].APIKey; got != "test-key" {
		t.Errorf("anthropic api key = %q", got)
	}
	// Defaults fill the rest.
	if cfg.Queue.MaxAttempts != 5 || cfg.Dispatcher.MaxOpenTasks != 20 {
		t.Errorf("defaults not applied: queue=%+v dispatcher=%+v", cfg.Queue, cfg.Dispatcher)
	}
	if cfg.Memory.Threshold != 0.7 {
		t.Errorf("Memory.Threshold = %v, want 0.7", cfg.Memory.Threshold)
	}
	if cfg.Queue.Backoff.Jitter == nil || !*cfg.Queue.Backoff.Jitter {
		t.Errorf("backoff jitter should default to true")
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, "taskloop.yaml", `
version: 1
server:
  host: 0.0.0.0
`)

	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for unknown field")
	}
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{
			name: "default provider not configured",
			body: `
version: 1
llm:
  default_provider: openai
  providers:
    anthropic: {}
`,
			wantErr: "default_provider",
		},
		{
			name: "unsupported provider",
			body: `
version: 1
llm:
  default_provider: mistral
  providers:
    mistral: {}
`,
			wantErr: "llm.providers.mistral",
		},
		{
			name: "fallback names unknown provider",
			body: `
version: 1
llm:
  providers:
    anthropic: {}
  fallback_chain: [openai]
`,
			wantErr: "fallback_chain",
		},
		{
			name: "cockroach without url",
			body: `
version: 1
database:
  driver: cockroach
`,
			wantErr: "database.url",
		},
		{
			name: "unknown driver",
			body: `
version: 1
database:
  driver: mysql
`,
			wantErr: "database.driver",
		},
		{
			name: "bad sweep schedule",
			body: `
version: 1
memory:
  sweep_schedule: every tuesday
`,
			wantErr: "sweep_schedule",
		},
		{
			name: "bad step bound",
			body: `
version: 1
engine:
  max_steps: -5
`,
			wantErr: "engine.max_steps",
		},
		{
			name: "bad recover schedule",
			body: `
version: 1
engine:
  recover_schedule: sometimes
`,
			wantErr: "engine.recover_schedule",
		},
		{
			name: "bad log format",
			body: `
version: 1
logging:
  format: xml
`,
			wantErr: "logging.format",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, "taskloop.yaml", tt.body))
			if err == nil {
				t.Fatalf("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("error = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestRecoverSchedule(t *testing.T) {
	cfg := Default()
	if !cfg.Engine.RecoverEnabled() || cfg.Engine.RecoverSchedule != "@every 1m" || cfg.Engine.RecoverAfter != 2*time.Minute {
		t.Errorf("default recovery = %q after %s", cfg.Engine.RecoverSchedule, cfg.Engine.RecoverAfter)
	}

	cfg, err := Load(writeConfig(t, "taskloop.yaml", `
version: 1
engine:
  recover_schedule: "off"
`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Engine.RecoverEnabled() {
		t.Error("recover_schedule off must disable recovery")
	}
}

func TestLoadReportsAllProblems(t *testing.T) {
	_, err := Load(writeConfig(t, "taskloop.yaml", `
version: 1
database:
  driver: cockroach
logging:
  format: xml
`))
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"database.url", "logging.format"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %q", err, want)
		}
	}
}

func TestLoadInfersCockroachFromURL(t *testing.T) {
	cfg, err := Load(writeConfig(t, "taskloop.yaml", `
version: 1
database:
  url: postgresql://root@localhost:26257/taskloop?sslmode=disable
`))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Database.Driver != "cockroach" {
		t.Errorf("Database.Driver = %q, want cockroach", cfg.Database.Driver)
	}
}

func TestLoadVersion(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantMsg string
	}{
		{name: "missing", body: "engine:\n  max_steps: 3\n", wantMsg: "missing"},
		{name: "newer", body: "version: 2\n", wantMsg: "newer than this build"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, "taskloop.yaml", tt.body))
			var ve *VersionError
			if !errors.As(err, &ve) {
				t.Fatalf("expected *VersionError, got %v", err)
			}
			if !strings.Contains(ve.Error(), tt.wantMsg) {
				t.Errorf("message %q does not mention %q", ve.Error(), tt.wantMsg)
			}
		})
	}

	var nilErr *VersionError
	if nilErr.Error() != "" {
		t.Error("nil VersionError should print empty")
	}
}

func TestLoadExpandsEnv(t *testing.T) {
	t.Setenv("TASKLOOP_TEST_ANTHROPIC_KEY", "sk-from-env")
	t.Setenv("TASKLOOP_TEST_EMPTY", "")

	cfg, err := Load(writeConfig(t, "taskloop.yaml", `
version: 1
database:
  driver: ${TASKLOOP_TEST_EMPTY:-memory}
llm:
  providers:
    anthropic:
      api_key: ${TASKLOOP_TEST_ANTHROPIC_KEY}
`))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Database.Driver != "memory" {
		t.Errorf("Database.Driver = %q, want fallback memory", cfg.Database.Driver)
	}
	if got := cfg.LLM.Providers["anthropic"].APIKey; got != "sk-from-env" {
		t.Errorf("api key = %q, want sk-from-env", got)
	}
}

func TestLoadIncludes(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "base.yaml"), `
database:
  driver: memory
engine:
  max_steps: 7
  max_context_steps: 9
`)
	path := filepath.Join(dir, "taskloop.yaml")
	writeFile(t, path, `
$include: base.yaml
version: 1
engine:
  max_context_steps: 3
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Engine.MaxSteps != 7 {
		t.Errorf("MaxSteps = %d, want 7 from include", cfg.Engine.MaxSteps)
	}
	if cfg.Engine.MaxContextSteps != 3 {
		t.Errorf("MaxContextSteps = %d, want 3 from including file", cfg.Engine.MaxContextSteps)
	}
}

func TestLoadIncludeCycle(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.yaml"), "include: b.yaml\nversion: 1\n")
	writeFile(t, filepath.Join(dir, "b.yaml"), "include: a.yaml\n")

	_, err := Load(filepath.Join(dir, "a.yaml"))
	if err == nil || !strings.Contains(err.Error(), "cycle") {
		t.Fatalf("expected include cycle error, got %v", err)
	}
}

func TestLoadJSON5(t *testing.T) {
	cfg, err := Load(writeConfig(t, "taskloop.json5", `{
  // comments are allowed
  version: 1,
  engine: { max_steps: -1 },
  prompts: { path: "prompts.yaml", watch: true, },
}`))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Engine.MaxSteps != -1 {
		t.Errorf("MaxSteps = %d, want -1", cfg.Engine.MaxSteps)
	}
	if !cfg.Prompts.Watch || cfg.Prompts.Path != "prompts.yaml" {
		t.Errorf("Prompts = %+v", cfg.Prompts)
	}
}

func TestLoadRejectsMultipleDocuments(t *testing.T) {
	_, err := Load(writeConfig(t, "taskloop.yaml", "version: 1\n---\nversion: 1\n"))
	if err == nil || !strings.Contains(err.Error(), "single document") {
		t.Fatalf("expected single document error, got %v", err)
	}
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default().Validate() = %v", err)
	}
	if cfg.Database.Driver != "memory" {
		t.Errorf("default driver = %q", cfg.Database.Driver)
	}
	if !cfg.EmbeddingsEnabled() {
		t.Error("embeddings should be enabled by default")
	}
	cfg.Memory.Embeddings.Provider = "none"
	if cfg.EmbeddingsEnabled() {
		t.Error("provider none should disable embeddings")
	}
}

func TestJSONSchema(t *testing.T) {
	data, err := JSONSchema()
	if err != nil {
		t.Fatalf("JSONSchema() error = %v", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("schema is not JSON: %v", err)
	}
	for _, key := range []string{"max_steps", "fallback_chain", "sweep_schedule"} {
		if !strings.Contains(string(data), `"`+key+`"`) {
			t.Errorf("schema is missing %q", key)
		}
	}
}

func TestMergeMaps(t *testing.T) {
	dst := map[string]any{
		"engine":   map[string]any{"max_steps": 5, "model": "a"},
		"database": map[string]any{"driver": "memory"},
	}
	src := map[string]any{
		"engine":   map[string]any{"model": "b"},
		"database": "replaced",
	}
	got := mergeMaps(dst, src)

	engine := got["engine"].(map[string]any)
	if engine["max_steps"] != 5 || engine["model"] != "b" {
		t.Errorf("engine = %v", engine)
	}
	if got["database"] != "replaced" {
		t.Errorf("database = %v", got["database"])
	}
}

func TestExpandFallback(t *testing.T) {
	r := &rawReader{getenv: func(name string) string {
		if name == "SET" {
			return "value"
		}
		return ""
	}}
	tests := map[string]string{
		"${SET}":              "value",
		"${SET:-other}":       "value",
		"${UNSET:-fallback}":  "fallback",
		"$UNSET":              "",
		"$include: base.yaml": "$include: base.yaml",
	}
	for in, want := range tests {
		if got := r.expand(in); got != want {
			t.Errorf("expand(%q) = %q, want %q", in, got, want)
		}
	}
}

func writeConfig(t *testing.T, name, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	writeFile(t, path, contents)
	return path
}

func writeFile(t *testing.T, path, contents string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(strings.TrimSpace(contents)), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
}
