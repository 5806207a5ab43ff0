package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	yaml "go.yaml.in/yaml/v3"
)

// Decode parses data by the extension of name into cfg and rejects unknown
// fields. Fields absent from data keep their value in cfg. YAML and TOML are
// converted to JSON first so all formats share one strict decoder.
func Decode(name string, data []byte, cfg *Config) error {
	jb, err := toJSON(name, data)
	if err != nil {
		return err
	}
	if len(bytes.TrimSpace(jb)) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return fmt.Errorf("decode %s: %w", filepath.Base(name), err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return fmt.Errorf("decode %s: trailing data", filepath.Base(name))
		}
		return err
	}
	return nil
}

func toJSON(name string, data []byte) ([]byte, error) {
	var v any
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("yaml unmarshal: %w", err)
		}
	case ".toml":
		m := map[string]any{}
		if _, err := toml.Decode(string(data), &m); err != nil {
			return nil, fmt.Errorf("toml decode: %w", err)
		}
		v = m
	default:
		return data, nil
	}
	if v == nil {
		return nil, nil
	}
	j, err := json.Marshal(normalize(v))
	if err != nil {
		return nil, fmt.Errorf("convert %s to json: %w", filepath.Base(name), err)
	}
	return j, nil
}

// normalize turns map keys into strings so the tree can be JSON-marshaled.
func normalize(in any) any {
	switch x := in.(type) {
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			m[fmt.Sprint(k)] = normalize(v)
		}
		return m
	case map[string]any:
		for k, v := range x {
			x[k] = normalize(v)
		}
		return x
	case []map[string]any:
		out := make([]any, len(x))
		for i := range x {
			out[i] = normalize(x[i])
		}
		return out
	case []any:
		for i := range x {
			x[i] = normalize(x[i])
		}
		return x
	default:
		return in
	}
}

// ParseDuration reads an optional non-negative duration field. Empty means def.
func ParseDuration(field, raw string, def time.Duration) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q", field, raw)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: must be >= 0", field)
	}
	if d == 0 {
		return def, nil
	}
	return d, nil
}
