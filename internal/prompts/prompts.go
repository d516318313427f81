// Package prompts holds the versioned prompt set that drives the dispatcher
// and the continuation engine. The built-in set is embedded; a file on disk
// can replace it and is reloaded when it changes.
package prompts

import (
	"bytes"
	"crypto/sha256"
	_ "embed"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/template"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/haasonsaas/taskloop/pkg/models"
)

//go:embed default.yaml
var defaultYAML []byte

// Set is one version of every prompt.
type Set struct {
	Version string

	// Fingerprint is a short digest of the source, so two sets with the same
	// version label but different text can be told apart in logs.
	Fingerprint string

	DispatcherSystem   string
	ContinuationSystem string
	Corrective         string

	dispatcherUser   *template.Template
	continuationUser *template.Template
}

type fileFormat struct {
	Version    string     `yaml:"version"`
	Dispatcher promptPair `yaml:"dispatcher"`
	Continue   promptPair `yaml:"continuation"`
	Corrective string     `yaml:"corrective"`
}

type promptPair struct {
	System string `yaml:"system"`
	User   string `yaml:"user"`
}

// Default returns the embedded prompt set.
func Default() *Set {
	set, err := Parse(defaultYAML)
	if err != nil {
		panic(fmt.Sprintf("prompts: embedded set is invalid: %v", err))
	}
	return set
}

// Load reads a prompt set from a YAML file.
func Load(path string) (*Set, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read prompts: %w", err)
	}
	set, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return set, nil
}

// Parse decodes and compiles a prompt set. Unknown keys are rejected.
func Parse(data []byte) (*Set, error) {
	var raw fileFormat
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode prompts: %w", err)
	}

	if strings.TrimSpace(raw.Version) == "" {
		return nil, fmt.Errorf("prompts: version is required")
	}
	for name, body := range map[string]string{
		"dispatcher.system":   raw.Dispatcher.System,
		"dispatcher.user":     raw.Dispatcher.User,
		"continuation.system": raw.Continue.System,
		"continuation.user":   raw.Continue.User,
		"corrective":          raw.Corrective,
	} {
		if strings.TrimSpace(body) == "" {
			return nil, fmt.Errorf("prompts: %s is required", name)
		}
	}

	dispatcherUser, err := compile("dispatcher.user", raw.Dispatcher.User)
	if err != nil {
		return nil, err
	}
	continuationUser, err := compile("continuation.user", raw.Continue.User)
	if err != nil {
		return nil, err
	}

	sum := sha256.Sum256(data)
	return &Set{
		Version:            strings.TrimSpace(raw.Version),
		Fingerprint:        hex.EncodeToString(sum[:6]),
		DispatcherSystem:   strings.TrimSpace(raw.Dispatcher.System),
		ContinuationSystem: strings.TrimSpace(raw.Continue.System),
		Corrective:         strings.TrimSpace(raw.Corrective),
		dispatcherUser:     dispatcherUser,
		continuationUser:   continuationUser,
	}, nil
}

// Stamp identifies the set in logs and traces.
func (s *Set) Stamp() string {
	return s.Version + "+" + s.Fingerprint
}

// WithVersion returns a copy labelled with version.
func (s *Set) WithVersion(version string) *Set {
	if version == "" {
		return s
	}
	clone := *s
	clone.Version = version
	return &clone
}

// DispatchData feeds the dispatcher user prompt.
type DispatchData struct {
	Now          time.Time
	Text         string
	Source       string
	SessionID    string
	Metadata     map[string]any
	Instructions []*models.Instruction
	Tasks        []*models.Task
}

// ContinuationData feeds the continuation user prompt.
type ContinuationData struct {
	Now       time.Time
	Task      *models.Task
	LastStep  []models.StepRecord
	StepIndex int
	MaxSteps  int
}

// RenderDispatch renders the dispatcher user prompt.
func (s *Set) RenderDispatch(data DispatchData) (string, error) {
	return render(s.dispatcherUser, data)
}

// RenderContinuation renders the continuation user prompt.
func (s *Set) RenderContinuation(data ContinuationData) (string, error) {
	if data.Task == nil {
		return "", fmt.Errorf("render continuation: task is required")
	}
	return render(s.continuationUser, data)
}

func render(t *template.Template, data any) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render %s: %w", t.Name(), err)
	}
	return strings.TrimSpace(buf.String()), nil
}

func compile(name, body string) (*template.Template, error) {
	t, err := template.New(name).Funcs(funcs).Option("missingkey=zero").Parse(body)
	if err != nil {
		return nil, fmt.Errorf("prompts: parse %s: %w", name, err)
	}
	return t, nil
}

var funcs = template.FuncMap{
	"json": func(v any) (string, error) {
		data, err := json.Marshal(v)
		if err != nil {
			return "", err
		}
		return string(data), nil
	},
	"ts": func(t time.Time) string {
		if t.IsZero() {
			return "unknown"
		}
		return t.UTC().Format(time.RFC3339)
	},
	"truncate": func(n int, s string) string {
		r := []rune(s)
		if len(r) <= n {
			return s
		}
		return string(r[:n]) + "…"
	},
}
