package plugins

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
	"go.uber.org/zap"

	"unicorn/internal/backend"
	"unicorn/internal/logging"
)

// Loader turns one plugin file into a Module. Every load runs in a fresh
// interpreter, so nothing evaluated by an earlier load of the same file is
// visible to the next one.
type Loader struct {
	allowed map[string]bool
	timeout time.Duration
	gen     atomic.Uint64
	log     *zap.SugaredLogger
}

// NewLoader creates a loader that accepts only the given imports and bounds
// each instantiation by timeout (0 means no bound).
func NewLoader(allowedImports []string, timeout time.Duration) *Loader {
	allowed := make(map[string]bool, len(allowedImports))
	for _, p := range allowedImports {
		allowed[p] = true
	}
	return &Loader{
		allowed: allowed,
		timeout: timeout,
		log:     logging.Get(logging.CategoryPlugins),
	}
}

// Generation returns the number of loads attempted so far.
func (l *Loader) Generation() uint64 { return l.gen.Load() }

// Load reads, checks and instantiates the plugin at path. Errors are
// *LoadError.
func (l *Loader) Load(ctx context.Context, path string) (*Module, error) {
	id := filepath.Base(path)
	gen := l.gen.Add(1)

	src, err := os.ReadFile(path)
	if err != nil {
		return nil, &LoadError{ID: id, Kind: KindRead, Err: err}
	}

	info, err := inspect(id, src)
	if err != nil {
		return nil, &LoadError{ID: id, Kind: KindSyntax, Err: err}
	}
	if err := checkImports(info.imports, l.allowed); err != nil {
		return nil, &LoadError{ID: id, Kind: KindPolicy, Err: err}
	}

	if l.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}

	m, err := l.instantiate(ctx, path, src, info)
	if err != nil {
		return nil, &LoadError{ID: id, Kind: KindRuntime, Err: err}
	}
	m.Path = path
	m.Generation = gen
	if m.Name == "" {
		m.Name = strings.TrimSuffix(id, filepath.Ext(id))
	}

	l.log.Debugw("plugin instantiated", "id", id, "generation", gen, "events", m.Events())
	return m, nil
}

func (l *Loader) instantiate(ctx context.Context, path string, src []byte, info *source) (m *Module, err error) {
	defer func() {
		if r := recover(); r != nil {
			m = nil
			err = fmt.Errorf("panic during instantiation: %v", r)
		}
	}()

	i := interp.New(interp.Options{})
	if err := i.Use(stdlib.Symbols); err != nil {
		return nil, fmt.Errorf("failed to load stdlib: %w", err)
	}

	if _, err := i.EvalWithContext(ctx, string(src)); err != nil {
		return nil, fmt.Errorf("evaluate %s: %w", filepath.Base(path), err)
	}

	lookup := func(name string) (reflect.Value, error) {
		return i.EvalWithContext(ctx, info.pkg+"."+name)
	}

	m = &Module{hooks: make(map[backend.EventName]Hook)}

	if info.funcs["Default"] {
		v, err := lookup("Default")
		if err != nil {
			return nil, err
		}
		fn, ok := v.Interface().(func(string, map[string]interface{}) (string, error))
		if !ok {
			return nil, fmt.Errorf("Default has signature %s, want func(string, map[string]interface{}) (string, error)", v.Type())
		}
		m.def = fn
	} else {
		names := make([]string, 0, len(hookNames))
		for name := range hookNames {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			if !info.funcs[name] {
				continue
			}
			v, err := lookup(name)
			if err != nil {
				return nil, err
			}
			fn, ok := v.Interface().(func(map[string]interface{}) (string, error))
			if !ok {
				return nil, fmt.Errorf("%s has signature %s, want func(map[string]interface{}) (string, error)", name, v.Type())
			}
			m.hooks[hookNames[name]] = fn
		}
		if len(m.hooks) == 0 {
			return nil, errors.New("no exported handlers")
		}
	}

	if info.vars["Name"] {
		v, err := lookup("Name")
		if err != nil {
			return nil, err
		}
		if s, ok := v.Interface().(string); ok {
			m.Name = s
		}
	}
	if info.vars["Commands"] {
		v, err := lookup("Commands")
		if err != nil {
			return nil, err
		}
		if cmds, ok := v.Interface().([]string); ok {
			m.Commands = append([]string(nil), cmds...)
		}
	}
	return m, nil
}

// IsPluginFile reports whether name is a plugin source with extension ext.
func IsPluginFile(name, ext string) bool {
	base := filepath.Base(name)
	if strings.HasPrefix(base, ".") || !strings.HasSuffix(base, ext) {
		return false
	}
	return !(ext == ".go" && strings.HasSuffix(base, "_test.go"))
}

// ListFiles returns the plugin files in dir, sorted. A missing dir is
// empty.
func ListFiles(dir, ext string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || !IsPluginFile(e.Name(), ext) {
			continue
		}
		out = append(out, filepath.Join(dir, e.Name()))
	}
	sort.Strings(out)
	return out, nil
}
