package media

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

//go:embed viewers.toml
var viewersTOML []byte

// Kind is the kind of bundle file being opened.
type Kind int

const (
	KindUnknown Kind = iota
	KindHTML
	KindImage
)

func (k Kind) String() string {
	switch k {
	case KindHTML:
		return "html"
	case KindImage:
		return "image"
	default:
		return "unknown"
	}
}

// ViewerDefinition defines how a viewer should be invoked
type ViewerDefinition struct {
	Description string      `toml:"description"`
	Platforms   []string    `toml:"platforms"`
	Program     string      `toml:"program,omitempty"`
	HTML        *KindConfig `toml:"html,omitempty"`
	Image       *KindConfig `toml:"image,omitempty"`
}

// KindConfig holds the arguments placed before the file path.
type KindConfig struct {
	Args []string `toml:"args"`
}

type kindDef struct {
	Extensions []string `toml:"extensions"`
}

type platformDef struct {
	DefaultOpener string `toml:"default_opener"`
}

// ViewersConfig is the layout of viewers.toml.
type ViewersConfig struct {
	Kinds     map[string]kindDef          `toml:"kinds"`
	Platforms map[string]platformDef      `toml:"platforms"`
	Viewers   map[string]ViewerDefinition `toml:"viewers"`
}

// Registry resolves viewer names into commands for one platform.
type Registry struct {
	goos   string
	config ViewersConfig
}

// NewRegistry loads the built-in definitions and merges the optional user
// file on top; user viewers override built-ins of the same name.
func NewRegistry(goos, userFile string) (*Registry, error) {
	var cfg ViewersConfig
	if err := toml.Unmarshal(viewersTOML, &cfg); err != nil {
		return nil, fmt.Errorf("parsing viewers.toml: %w", err)
	}
	r := &Registry{goos: goos, config: cfg}

	if userFile != "" {
		if err := r.merge(userFile); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) merge(path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	var user ViewersConfig
	if err := toml.Unmarshal(data, &user); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	for name, def := range user.Viewers {
		if r.config.Viewers == nil {
			r.config.Viewers = map[string]ViewerDefinition{}
		}
		r.config.Viewers[name] = def
	}
	return nil
}

// DefaultOpener is the platform's generic "open this file" program.
func (r *Registry) DefaultOpener() string {
	return r.config.Platforms[r.goos].DefaultOpener
}

// Detect classifies a file by its extension.
func (r *Registry) Detect(path string) Kind {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	if ext == "" {
		return KindUnknown
	}
	if slices.Contains(r.config.Kinds["html"].Extensions, ext) {
		return KindHTML
	}
	if slices.Contains(r.config.Kinds["image"].Extensions, ext) {
		return KindImage
	}
	return KindUnknown
}

// Supports reports whether name can open kind on this platform. Unknown
// viewers are assumed to handle anything.
func (r *Registry) Supports(name string, kind Kind) bool {
	def, ok := r.config.Viewers[name]
	if !ok {
		return true
	}
	if !slices.Contains(def.Platforms, r.goos) {
		return false
	}
	return def.kind(kind) != nil || kind == KindUnknown
}

// Argv builds the program and arguments that open path with the named viewer.
func (r *Registry) Argv(name string, kind Kind, path string) (string, []string, error) {
	def, ok := r.config.Viewers[name]
	if !ok {
		return name, []string{path}, nil
	}
	if !slices.Contains(def.Platforms, r.goos) {
		return "", nil, fmt.Errorf("%s not supported on %s", name, r.goos)
	}

	program := name
	if def.Program != "" {
		program = def.Program
	}

	kc := def.kind(kind)
	if kc == nil {
		if kind != KindUnknown {
			return "", nil, fmt.Errorf("%s cannot open %s files", name, kind)
		}
		return program, []string{path}, nil
	}
	args := append(slices.Clone(kc.Args), path)
	return program, args, nil
}

func (d ViewerDefinition) kind(k Kind) *KindConfig {
	switch k {
	case KindHTML:
		return d.HTML
	case KindImage:
		return d.Image
	}
	return nil
}
