// Package vars resolves the compile-time ${...} namespaces left in string
// values by the kdl parser: env, which reads the process environment, and
// var, which reads a config-supplied table of user variables (plus the
// num_cpus builtin). Every other ${...} placeholder — ${ip}, ${path},
// ${header.x}, ${cookie.x} — belongs to the key-template grammar, is not
// this package's to resolve, and passes through untouched.
package vars

import (
	"fmt"
	"os"
	"runtime"
	"strings"
)

// Registry holds the "var" namespace values a config tree was compiled
// with, plus any builtins. It is built once per compiler run and never
// mutated afterward, so it is safe to share across goroutines.
type Registry struct {
	vars    map[string]string
	numCPUs int
	envFunc func(string) (string, bool)
}

// New builds a Registry seeded with the var.* table in userVars. env.*
// lookups use os.LookupEnv; WithEnvFunc substitutes a fake environment.
func New(userVars map[string]string) *Registry {
	return &Registry{
		vars:    userVars,
		numCPUs: runtime.NumCPU(),
		envFunc: os.LookupEnv,
	}
}

// WithEnvFunc overrides the environment lookup function, used by tests that
// need deterministic env.* resolution.
func (r *Registry) WithEnvFunc(f func(string) (string, bool)) *Registry {
	r.envFunc = f
	return r
}

// UnresolvedPlaceholderError reports an env.* or var.* reference whose key
// could not be resolved.
type UnresolvedPlaceholderError struct {
	Placeholder string
	Reason      string
}

func (e *UnresolvedPlaceholderError) Error() string {
	return fmt.Sprintf("cannot resolve %q: %s", e.Placeholder, e.Reason)
}

// Interpolate scans s for ${...} placeholders and substitutes each env.*,
// var.* and num_cpus reference with its resolved value. Placeholders in any
// other namespace are not interpolation references (they are key-template
// sources resolved per request) and are left verbatim without an error; a
// recognized reference with a missing key is left verbatim and reported.
// Every unresolved reference is returned rather than stopping at the first,
// mirroring the accumulating-diagnostic style used throughout the config
// compiler.
func (r *Registry) Interpolate(s string) (string, []*UnresolvedPlaceholderError) {
	var sb strings.Builder
	var errs []*UnresolvedPlaceholderError

	i := 0
	for i < len(s) {
		start := strings.Index(s[i:], "${")
		if start < 0 {
			sb.WriteString(s[i:])
			break
		}
		start += i
		sb.WriteString(s[i:start])

		end := strings.IndexByte(s[start+2:], '}')
		if end < 0 {
			// unterminated placeholder: emit verbatim and stop scanning
			sb.WriteString(s[start:])
			break
		}
		end += start + 2

		ref := s[start+2 : end]
		value, recognized, err := r.resolve(ref)
		switch {
		case err != nil:
			errs = append(errs, err)
			sb.WriteString(s[start : end+1]) // leave the placeholder intact
		case recognized:
			sb.WriteString(value)
		default:
			sb.WriteString(s[start : end+1]) // someone else's placeholder
		}
		i = end + 1
	}

	return sb.String(), errs
}

// resolve maps one placeholder reference. recognized=false means the
// reference is outside this registry's namespaces entirely and the caller
// should pass it through unchanged.
func (r *Registry) resolve(ref string) (value string, recognized bool, err *UnresolvedPlaceholderError) {
	if ref == "num_cpus" {
		return fmt.Sprintf("%d", r.numCPUs), true, nil
	}

	ns, key, ok := strings.Cut(ref, ".")
	if !ok {
		return "", false, nil
	}

	switch ns {
	case "env":
		if v, ok := r.envFunc(key); ok {
			return v, true, nil
		}
		return "", true, &UnresolvedPlaceholderError{Placeholder: ref, Reason: "environment variable not set"}
	case "var":
		if v, ok := r.vars[key]; ok {
			return v, true, nil
		}
		if key == "num_cpus" {
			return fmt.Sprintf("%d", r.numCPUs), true, nil
		}
		return "", true, &UnresolvedPlaceholderError{Placeholder: ref, Reason: "no such var"}
	default:
		return "", false, nil
	}
}
