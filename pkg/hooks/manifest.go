package hooks

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"

	"github.com/goccy/go-yaml"
)

// Manifest describes a subprocess hook, loaded from a hook.yaml file in the
// hook's directory. Environment references ($VAR / ${VAR}) are expanded
// before parsing.
type Manifest struct {
	Name        string             `yaml:"name"`
	Description string             `yaml:"description"`
	Events      []string           `yaml:"events"`
	Command     ManifestCommand    `yaml:"command"`
	Tools       []ToolManifest     `yaml:"tools"`
	Commands    []CommandManifest  `yaml:"commands"`
	Renderers   []RendererManifest `yaml:"renderers"`
	Requires    Requirements       `yaml:"requires"`
	Enabled     *bool              `yaml:"enabled"`

	// Dir is where the manifest was loaded from; relative command paths
	// resolve against it.
	Dir string `yaml:"-"`
}

// ManifestCommand is the executable that hosts the hook.
type ManifestCommand struct {
	Path string   `yaml:"path"`
	Args []string `yaml:"args"`
}

// ToolManifest declares a tool the subprocess serves over the call channel.
// Parameters hold a JSON-schema object in YAML form.
type ToolManifest struct {
	Name        string         `yaml:"name"`
	Description string         `yaml:"description"`
	Parameters  map[string]any `yaml:"parameters"`
}

// CommandManifest declares a slash command forwarded to the subprocess.
type CommandManifest struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

// RendererManifest claims a hookMessage customType for subprocess rendering.
type RendererManifest struct {
	CustomType string `yaml:"customType"`
}

// Requirements gate a hook on the host environment. Empty lists pass.
type Requirements struct {
	Bins []string `yaml:"bins"`
	Env  []string `yaml:"env"`
	OS   []string `yaml:"os"`
}

// ParseManifest expands environment references and unmarshals a manifest.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &m); err != nil {
		return nil, fmt.Errorf("hooks: parse manifest: %w", err)
	}
	return &m, nil
}

// LoadManifest reads and parses path, recording its directory.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("hooks: read manifest: %w", err)
	}
	m, err := ParseManifest(data)
	if err != nil {
		return nil, err
	}
	m.Dir = filepath.Dir(path)
	return m, nil
}

var nameRe = regexp.MustCompile(`^[a-z][a-z0-9-]*$`)

// Validate checks the manifest for structural problems. An empty slice
// means the manifest is usable.
func (m *Manifest) Validate() []Issue {
	var issues []Issue
	add := func(field, msg string) {
		issues = append(issues, Issue{Hook: m.Name, Field: field, Msg: msg})
	}

	if m.Name == "" {
		add("name", "missing")
	} else if !nameRe.MatchString(m.Name) {
		add("name", "must be lowercase alphanumeric with hyphens")
	}
	if len(m.Events) == 0 && len(m.Tools) == 0 && len(m.Commands) == 0 {
		add("events", "hook subscribes to nothing")
	}
	for _, ev := range m.Events {
		if !ValidKind(ev) {
			add("events", fmt.Sprintf("unknown event %q", ev))
		}
	}
	if m.Command.Path == "" {
		add("command.path", "missing")
	}
	for i, t := range m.Tools {
		if t.Name == "" {
			add(fmt.Sprintf("tools[%d].name", i), "missing")
		}
	}
	for i, c := range m.Commands {
		if c.Name == "" {
			add(fmt.Sprintf("commands[%d].name", i), "missing")
		}
	}
	return issues
}

// IsEnabled reports the enabled flag; absent means enabled.
func (m *Manifest) IsEnabled() bool {
	return m.Enabled == nil || *m.Enabled
}

// Eligible checks Requires against this machine. The returned reason is
// empty when eligible.
func (m *Manifest) Eligible() (bool, string) {
	if len(m.Requires.OS) > 0 {
		ok := false
		for _, osName := range m.Requires.OS {
			if strings.EqualFold(osName, runtime.GOOS) {
				ok = true
				break
			}
		}
		if !ok {
			return false, fmt.Sprintf("requires os %v", m.Requires.OS)
		}
	}
	for _, bin := range m.Requires.Bins {
		if _, err := exec.LookPath(bin); err != nil {
			return false, fmt.Sprintf("missing binary %q", bin)
		}
	}
	for _, name := range m.Requires.Env {
		if os.Getenv(name) == "" {
			return false, fmt.Sprintf("missing env %q", name)
		}
	}
	return true, ""
}

// CommandPath resolves the executable path against the manifest directory.
func (m *Manifest) CommandPath() string {
	if m.Command.Path == "" || filepath.IsAbs(m.Command.Path) {
		return m.Command.Path
	}
	if m.Dir == "" {
		return m.Command.Path
	}
	return filepath.Join(m.Dir, m.Command.Path)
}

// ---------------------------------------------------------------------------
// Issues
// ---------------------------------------------------------------------------

// Issue is one problem found while loading or validating a manifest.
type Issue struct {
	Hook  string
	Field string
	Msg   string
}

func (i Issue) String() string {
	hook := i.Hook
	if hook == "" {
		hook = "(unnamed)"
	}
	if i.Field == "" {
		return fmt.Sprintf("%s: %s", hook, i.Msg)
	}
	return fmt.Sprintf("%s: %s: %s", hook, i.Field, i.Msg)
}

// ConfigError aggregates the issues from a discovery pass where at least
// one manifest was rejected.
type ConfigError struct {
	Issues []Issue
}

func (e *ConfigError) Error() string {
	if len(e.Issues) == 1 {
		return "hooks: " + e.Issues[0].String()
	}
	parts := make([]string, len(e.Issues))
	for i, is := range e.Issues {
		parts[i] = is.String()
	}
	return fmt.Sprintf("hooks: %d manifest issues: %s", len(e.Issues), strings.Join(parts, "; "))
}
