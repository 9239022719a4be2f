package pipeline

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// EnvVar is one environment variable passed to a worker.
type EnvVar struct {
	Key   string
	Value string
}

// Env is an ordered set of environment variables. Order is preserved from the
// template so rendered containers are reproducible.
type Env []EnvVar

// Get returns the value of key.
func (e Env) Get(key string) (string, bool) {
	for _, v := range e {
		if v.Key == key {
			return v.Value, true
		}
	}
	return "", false
}

// With returns a copy of e with key set to value, replacing an existing entry in place.
func (e Env) With(key, value string) Env {
	out := make(Env, 0, len(e)+1)
	replaced := false
	for _, v := range e {
		if v.Key == key {
			v.Value = value
			replaced = true
		}
		out = append(out, v)
	}
	if !replaced {
		out = append(out, EnvVar{Key: key, Value: value})
	}
	return out
}

// Pairs renders e as KEY=VALUE strings in template order.
func (e Env) Pairs() []string {
	pairs := make([]string, 0, len(e))
	for _, v := range e {
		pairs = append(pairs, v.Key+"="+v.Value)
	}
	return pairs
}

// Expand substitutes ${NAME} placeholders in every value using vars.
// Unknown placeholders expand to the empty string.
func (e Env) Expand(vars map[string]string) Env {
	out := make(Env, len(e))
	for i, v := range e {
		out[i] = EnvVar{Key: v.Key, Value: os.Expand(v.Value, func(name string) string {
			return vars[name]
		})}
	}
	return out
}

// Validate checks that keys are well formed and unique and that every required key
// has a non-empty value.
func (e Env) Validate(required []string) error {
	seen := make(map[string]bool, len(e))
	for _, v := range e {
		if v.Key == "" || strings.ContainsAny(v.Key, "= \t\n") {
			return fmt.Errorf("invalid env key %q", v.Key)
		}
		if seen[v.Key] {
			return fmt.Errorf("duplicate env key %q", v.Key)
		}
		seen[v.Key] = true
	}
	for _, key := range required {
		if val, ok := e.Get(key); !ok || strings.TrimSpace(val) == "" {
			return fmt.Errorf("required env %s is missing or empty", key)
		}
	}
	return nil
}

// UnmarshalYAML reads a mapping while keeping the key order of the document.
func (e *Env) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: env must be a mapping", node.Line)
	}
	out := make(Env, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		var key, value string
		if err := node.Content[i].Decode(&key); err != nil {
			return err
		}
		if err := node.Content[i+1].Decode(&value); err != nil {
			return fmt.Errorf("env %s: %w", key, err)
		}
		out = append(out, EnvVar{Key: key, Value: value})
	}
	*e = out
	return nil
}
