package generator

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/obot-platform/scriptsmith/server/internal/logger"
)

//go:embed prompts.yaml
var defaultBundleYAML []byte

// Example is a worked example appended to the system prompt.
type Example struct {
	Topic string `yaml:"topic"`
	Code  string `yaml:"code"`
}

// Bundle is the set of prompts the generator uses.
type Bundle struct {
	Instructions string    `yaml:"instructions"`
	LessonHeader string    `yaml:"lesson_header"`
	Examples     []Example `yaml:"examples"`
	ScenePrompt  string    `yaml:"scene_prompt"`
	LessonPrompt string    `yaml:"lesson_prompt"`
}

// ParseBundle decodes a YAML prompt bundle.
func ParseBundle(data []byte) (*Bundle, error) {
	var b Bundle
	if err := yaml.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("parse prompt bundle: %w", err)
	}
	if strings.TrimSpace(b.Instructions) == "" {
		return nil, errors.New("parse prompt bundle: instructions are required")
	}
	return &b, nil
}

// DefaultBundle returns the embedded bundle.
func DefaultBundle() *Bundle {
	b, err := ParseBundle(defaultBundleYAML)
	if err != nil {
		panic("embedded prompt bundle is invalid: " + err.Error())
	}
	return b
}

// LoadBundle reads a bundle from path.
func LoadBundle(path string) (*Bundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read prompt bundle: %w", err)
	}
	return ParseBundle(data)
}

// Prompts holds the active bundle and allows it to be swapped at runtime.
type Prompts struct {
	current atomic.Pointer[Bundle]
}

// NewPrompts returns a holder for b.
func NewPrompts(b *Bundle) *Prompts {
	p := &Prompts{}
	p.current.Store(b)
	return p
}

// Get returns the active bundle. Callers must not modify it.
func (p *Prompts) Get() *Bundle {
	return p.current.Load()
}

// Set replaces the active bundle.
func (p *Prompts) Set(b *Bundle) {
	p.current.Store(b)
}

// Watch reloads path into p whenever it changes, until ctx is done. The
// parent directory is watched so editors that replace the file are seen.
// A bundle that fails to parse is logged and the previous one is kept.
func (p *Prompts) Watch(ctx context.Context, path string, log *logger.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create prompt watcher: %w", err)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		_ = watcher.Close()
		return err
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	go func() {
		defer watcher.Close()

		// Editors often emit several events per save.
		const debounce = 100 * time.Millisecond
		var pending <-chan time.Time

		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != abs {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
					pending = time.After(debounce)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn("prompt watcher error", "error", err)
			case <-pending:
				pending = nil
				b, err := LoadBundle(abs)
				if err != nil {
					log.Warn("prompt bundle reload failed, keeping previous", "path", abs, "error", err)
					continue
				}
				p.Set(b)
				log.Info("prompt bundle reloaded", "path", abs, "examples", len(b.Examples))
			}
		}
	}()

	return nil
}
