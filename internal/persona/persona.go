// ABOUTME: Agent persona definitions loaded from TOML files
// ABOUTME: Resolves persona names to system prompts and tool permissions

package persona

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
)

// ErrUnknownPersona is returned when no persona file matches the name.
var ErrUnknownPersona = errors.New("unknown persona")

// Persona describes one agent configuration the engine can run as.
type Persona struct {
	Name         string   `toml:"name"`
	Description  string   `toml:"description"`
	SystemPrompt string   `toml:"system_prompt"`
	AllowedTools []string `toml:"allowed_tools"`
	Model        string   `toml:"model"`
}

// Resolver maps persona names to definitions.
type Resolver interface {
	Resolve(name string) (*Persona, error)
	List() ([]*Persona, error)
}

// Default is the persona used when a session specifies none and no persona
// directory is configured.
func Default() *Persona {
	return &Persona{
		Name:        "default",
		Description: "General-purpose assistant with no tool restrictions",
	}
}

// DirResolver loads personas from <dir>/<name>.toml. Files are read on
// every resolve so edits take effect without a restart.
type DirResolver struct {
	dir         string
	defaultName string
}

// NewDirResolver creates a resolver over the given directory. dir may be
// empty, in which case only the built-in default persona resolves.
// defaultName is the persona used when a session specifies none.
func NewDirResolver(dir, defaultName string) *DirResolver {
	if defaultName == "" {
		defaultName = "default"
	}
	return &DirResolver{dir: dir, defaultName: defaultName}
}

// Resolve returns the persona for name, or the default persona when name
// is empty. Returns ErrUnknownPersona if no matching file exists.
func (r *DirResolver) Resolve(name string) (*Persona, error) {
	if name == "" {
		name = r.defaultName
	}
	// Persona names come from clients; never let them escape the directory.
	if name != filepath.Base(name) || strings.ContainsAny(name, "./\\") {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPersona, name)
	}

	if r.dir == "" {
		if name == r.defaultName {
			return Default(), nil
		}
		return nil, fmt.Errorf("%w: %s", ErrUnknownPersona, name)
	}

	path := filepath.Join(r.dir, name+".toml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			if name == r.defaultName {
				return Default(), nil
			}
			return nil, fmt.Errorf("%w: %s", ErrUnknownPersona, name)
		}
		return nil, fmt.Errorf("reading persona file: %w", err)
	}

	var p Persona
	if _, err := toml.Decode(string(data), &p); err != nil {
		return nil, fmt.Errorf("parsing persona %s: %w", name, err)
	}
	if p.Name == "" {
		p.Name = name
	}
	return &p, nil
}

// List returns all personas found in the directory, sorted by name.
func (r *DirResolver) List() ([]*Persona, error) {
	if r.dir == "" {
		return []*Persona{Default()}, nil
	}

	entries, err := os.ReadDir(r.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []*Persona{Default()}, nil
		}
		return nil, fmt.Errorf("reading persona directory: %w", err)
	}

	var personas []*Persona
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".toml") {
			continue
		}
		name := strings.TrimSuffix(entry.Name(), ".toml")
		p, err := r.Resolve(name)
		if err != nil {
			return nil, err
		}
		personas = append(personas, p)
	}
	if len(personas) == 0 {
		return []*Persona{Default()}, nil
	}

	sort.Slice(personas, func(i, j int) bool { return personas[i].Name < personas[j].Name })
	return personas, nil
}
