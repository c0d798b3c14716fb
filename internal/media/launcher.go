// Package media opens offline bundles in external viewers.
package media

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"

	"github.com/pders01/shelf/internal/config"
	"github.com/pders01/shelf/internal/debuglog"
)

// UserViewersFile is where custom viewer definitions are read from, next to
// the config file.
func UserViewersFile() string {
	return filepath.Join(filepath.Dir(config.DefaultPath()), "viewers.toml")
}

type Launcher struct {
	registry      *Registry
	openers       config.Openers
	defaultOpener string
	lookPath      func(string) (string, error)
}

func NewLauncher(cfg *config.Config) *Launcher {
	return newLauncher(cfg, runtime.GOOS, UserViewersFile(), exec.LookPath)
}

func newLauncher(cfg *config.Config, goos, userFile string, lookPath func(string) (string, error)) *Launcher {
	registry, err := NewRegistry(goos, userFile)
	if err != nil {
		debuglog.Warnf("loading viewer definitions: %v", err)
		registry = &Registry{goos: goos}
	}

	var openers config.Openers
	switch goos {
	case "darwin":
		openers = cfg.Media.Darwin
	case "windows":
		openers = cfg.Media.Windows
	default:
		openers = cfg.Media.Linux
	}

	defaultOpener := cfg.Media.DefaultOpener
	if defaultOpener == "" {
		defaultOpener = registry.DefaultOpener()
	}

	return &Launcher{
		registry:      registry,
		openers:       openers,
		defaultOpener: defaultOpener,
		lookPath:      lookPath,
	}
}

// Command resolves the viewer for path without starting it. Configured
// openers for the file's kind are tried in order; the first one installed
// wins, otherwise the default opener is used.
func (l *Launcher) Command(path string) (*exec.Cmd, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("cannot open %s: %w", path, err)
	}
	kind := l.registry.Detect(path)

	var candidates []string
	switch kind {
	case KindHTML:
		candidates = l.openers.HTML
	case KindImage:
		candidates = l.openers.Image
	}

	for _, name := range append(candidates, l.defaultOpener) {
		if name == "" || !l.registry.Supports(name, kind) {
			continue
		}
		program, args, err := l.registry.Argv(name, kind, path)
		if err != nil {
			continue
		}
		if _, err := l.lookPath(program); err != nil {
			continue
		}
		return exec.Command(program, args...), nil
	}
	return nil, fmt.Errorf("no application found to open %s files", kind)
}

// Open starts the viewer detached and returns immediately.
func (l *Launcher) Open(path string) error {
	cmd, err := l.Command(path)
	if err != nil {
		return err
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start %s: %w", cmd.Path, err)
	}
	debuglog.Debugf("opened %s with %s", path, cmd.Path)

	go func() {
		_ = cmd.Wait()
	}()

	return nil
}
