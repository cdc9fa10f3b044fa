package mcpmgr

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// proxyEnvNames are copied from the caller's environment into subprocess
// environments unless the descriptor already sets them.
var proxyEnvNames = []string{
	"HTTP_PROXY",
	"HTTPS_PROXY",
	"NO_PROXY",
	"http_proxy",
	"https_proxy",
	"no_proxy",
}

var placeholderPattern = regexp.MustCompile(`\$\{([^}]*)\}`)

// Environment is the variable set placeholders are resolved against.
type Environment map[string]string

// EnvironmentFromOS snapshots the process environment.
func EnvironmentFromOS() Environment {
	env := make(Environment)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env[k] = v
		}
	}
	return env
}

// ResolvedDescriptor is a descriptor with every placeholder substituted. It is
// immutable once returned by Resolve; maps and slices are private copies.
type ResolvedDescriptor struct {
	ID        string
	Kind      TransportKind
	Command   string
	Args      []string
	Env       map[string]string
	URL       string
	Header    map[string]string
	Transport StreamTransport
}

// Resolve substitutes ${NAME} placeholders in every string field of d using
// env. Any unresolved name fails the whole descriptor with a
// *MissingVariableError; no partially substituted descriptor is returned.
// For subprocess descriptors the proxy variables present in env are merged
// into the child environment without overriding descriptor values.
func Resolve(d ServerDescriptor, env Environment) (ResolvedDescriptor, error) {
	if err := d.Validate(); err != nil {
		return ResolvedDescriptor{}, fmt.Errorf("%w: %s: %v", ErrInvalidDescriptor, d.ID, err)
	}
	r := ResolvedDescriptor{
		ID:        d.ID,
		Kind:      d.Kind(),
		Transport: d.Transport,
	}
	var err error
	if r.Command, err = expand(d.Command, env, "command"); err != nil {
		return ResolvedDescriptor{}, err
	}
	if len(d.Args) > 0 {
		r.Args = make([]string, len(d.Args))
		for i, arg := range d.Args {
			if r.Args[i], err = expand(arg, env, fmt.Sprintf("args[%d]", i)); err != nil {
				return ResolvedDescriptor{}, err
			}
		}
	}
	if r.Env, err = expandMap(d.Env, env, "env"); err != nil {
		return ResolvedDescriptor{}, err
	}
	if r.URL, err = expand(d.URL, env, "url"); err != nil {
		return ResolvedDescriptor{}, err
	}
	if r.Header, err = expandMap(d.Header, env, "header"); err != nil {
		return ResolvedDescriptor{}, err
	}

	if r.Kind == TransportSubprocess {
		for _, name := range proxyEnvNames {
			value, ok := env[name]
			if !ok {
				continue
			}
			if r.Env == nil {
				r.Env = make(map[string]string)
			}
			if _, set := r.Env[name]; !set {
				r.Env[name] = value
			}
		}
	}
	if r.Kind == TransportStream {
		if err := validation.Validate(r.URL, validation.By(validStreamURL)); err != nil {
			return ResolvedDescriptor{}, fmt.Errorf("%w: %s: %v", ErrInvalidDescriptor, d.ID, err)
		}
	}
	return r, nil
}

func expand(value string, env Environment, field string) (string, error) {
	if !strings.Contains(value, "${") {
		return value, nil
	}
	var missing *MissingVariableError
	out := placeholderPattern.ReplaceAllStringFunc(value, func(match string) string {
		name := match[2 : len(match)-1]
		v, ok := env[name]
		if !ok && missing == nil {
			missing = &MissingVariableError{Name: name, Field: field}
		}
		return v
	})
	if missing != nil {
		return "", missing
	}
	return out, nil
}

func expandMap(in map[string]string, env Environment, field string) (map[string]string, error) {
	if len(in) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(in))
	for _, k := range sortedKeys(in) {
		expanded, err := expand(in[k], env, field+"."+k)
		if err != nil {
			return nil, err
		}
		out[k] = expanded
	}
	return out, nil
}
