// Package debuglog selects which diagnostic namespaces log at debug level, from the DEBUG environment variable.
//
// DEBUG holds comma or space separated patterns such as "enginewire:*" or "enginewire:protocol".
// A pattern starting with "-" excludes the namespaces it matches, and exclusions win.
package debuglog

import (
	"os"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/zap"
)

const (
	EnvVar    = "DEBUG"
	Namespace = "enginewire"
)

type Filter struct {
	include []string
	exclude []string
}

func Parse(s string) Filter {
	var f Filter
	fields := strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ' ' || r == '\t' })
	for _, p := range fields {
		if strings.HasPrefix(p, "-") {
			f.exclude = append(f.exclude, p[1:])
			continue
		}
		f.include = append(f.include, p)
	}
	return f
}

func FromEnv() Filter {
	return Parse(os.Getenv(EnvVar))
}

func (f Filter) Enabled(ns string) bool {
	for _, p := range f.exclude {
		if match(p, ns) {
			return false
		}
	}
	for _, p := range f.include {
		if match(p, ns) {
			return true
		}
	}
	return false
}

// Empty reports whether the filter enables nothing.
func (f Filter) Empty() bool {
	return len(f.include) == 0
}

func match(pattern, ns string) bool {
	ok, err := doublestar.Match(pattern, ns)
	return err == nil && ok
}

var (
	envOnce   sync.Once
	envFilter Filter
)

func env() Filter {
	envOnce.Do(func() { envFilter = FromEnv() })
	return envFilter
}

// New returns a development logger that logs at debug level when DEBUG is set, and at info otherwise.
func New() *zap.Logger {
	cfg := zap.NewDevelopmentConfig()
	if env().Empty() {
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	l, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return l
}

// Named returns base named after component, with debug output only if DEBUG enables "enginewire:<component>".
func Named(base *zap.Logger, component string) *zap.SugaredLogger {
	return NamedWith(env(), base, component)
}

func NamedWith(f Filter, base *zap.Logger, component string) *zap.SugaredLogger {
	l := base.Named(component)
	if !f.Enabled(Namespace+":"+component) && l.Core().Enabled(zap.DebugLevel) {
		l = l.WithOptions(zap.IncreaseLevel(zap.InfoLevel))
	}
	return l.Sugar()
}
