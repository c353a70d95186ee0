package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"unicode"

	"gopkg.in/yaml.v3"
)

// Source resolves configuration keys. Environment variables win over values
// read from the phase file.
type Source struct {
	Phase  string
	Path   string
	Loaded bool

	values    map[string]string
	lookupEnv func(string) (string, bool)
}

var (
	defaultSourceOnce sync.Once
	defaultSource     *Source
	defaultSourceErr  error
)

// Default returns the process wide source, reading config/config-<phase>.yaml
// (or CONFIG_FILE) once.
func Default() (*Source, error) {
	defaultSourceOnce.Do(func() {
		defaultSource, defaultSourceErr = NewSource(os.LookupEnv)
	})
	return defaultSource, defaultSourceErr
}

func NewSource(lookupEnv func(string) (string, bool)) (*Source, error) {
	src := &Source{values: make(map[string]string), lookupEnv: lookupEnv}

	phase := src.env("CONFIG_PHASE")
	if phase == "" {
		phase = "local"
	}
	src.Phase = phase

	configPath := src.env("CONFIG_FILE")
	explicitPath := configPath != ""
	if configPath == "" {
		configPath = filepath.Join("config", "config-"+phase+".yaml")
	}

	body, err := os.ReadFile(configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && !explicitPath {
			return src, nil
		}
		return nil, fmt.Errorf("read config file %q: %w", configPath, err)
	}
	if err := src.loadYAML(body); err != nil {
		return nil, fmt.Errorf("parse config file %q: %w", configPath, err)
	}

	src.Loaded = true
	if absPath, err := filepath.Abs(configPath); err == nil {
		src.Path = absPath
	} else {
		src.Path = configPath
	}
	return src, nil
}

func (s *Source) loadYAML(body []byte) error {
	raw := make(map[string]any)
	if err := yaml.Unmarshal(body, &raw); err != nil {
		return err
	}
	flattened, err := flattenConfig(raw)
	if err != nil {
		return err
	}
	s.values = flattened
	return nil
}

func (s *Source) env(key string) string {
	if s.lookupEnv == nil {
		return ""
	}
	value, _ := s.lookupEnv(key)
	return strings.TrimSpace(value)
}

// Value returns the environment value for key, falling back to the file.
func (s *Source) Value(key string) string {
	if value := s.env(key); value != "" {
		return value
	}
	return strings.TrimSpace(s.values[key])
}

func flattenConfig(raw map[string]any) (map[string]string, error) {
	out := make(map[string]string)
	for key, value := range raw {
		segment := normalizeKeySegment(key)
		if segment == "" {
			continue
		}
		if err := flattenConfigValue(segment, value, out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func flattenConfigValue(prefix string, value any, out map[string]string) error {
	switch typed := value.(type) {
	case map[string]any:
		for key, child := range typed {
			segment := normalizeKeySegment(key)
			if segment == "" {
				continue
			}
			if err := flattenConfigValue(prefix+"_"+segment, child, out); err != nil {
				return err
			}
		}
		return nil
	case []any:
		parts := make([]string, 0, len(typed))
		for _, item := range typed {
			switch scalar := item.(type) {
			case string:
				if strings.TrimSpace(scalar) == "" {
					continue
				}
				parts = append(parts, strings.TrimSpace(scalar))
			case bool, int, int64, uint64, float64:
				parts = append(parts, fmt.Sprint(scalar))
			default:
				return fmt.Errorf("unsupported list item type %T under %q", item, prefix)
			}
		}
		out[prefix] = strings.Join(parts, ",")
		return nil
	case nil:
		return nil
	default:
		out[prefix] = fmt.Sprint(typed)
		return nil
	}
}

func normalizeKeySegment(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}

	var b strings.Builder
	b.Grow(len(raw))
	lastUnderscore := false

	for _, r := range raw {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToUpper(r))
			lastUnderscore = false
			continue
		}
		if !lastUnderscore && b.Len() > 0 {
			b.WriteByte('_')
			lastUnderscore = true
		}
	}

	return strings.Trim(b.String(), "_")
}
