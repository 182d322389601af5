package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "notebook-data"
		}
	}
	return filepath.Join(dir, "notebook")
}

// FilePath returns the location of the YAML config file.
func FilePath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".config")
		} else {
			dir = "."
		}
	}
	return filepath.Join(dir, "notebook", "config.yaml")
}

// yamlBackend stores config as a flat YAML mapping of dotted keys. Values
// may reference environment variables as $VAR or ${VAR}; they are expanded
// on read and written back unexpanded.
type yamlBackend struct {
	path string
	data map[string]any
}

func newYAMLBackend(path string) (*yamlBackend, error) {
	b := &yamlBackend{path: path, data: make(map[string]any)}
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return b, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &b.data); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}
	if b.data == nil {
		b.data = make(map[string]any)
	}
	return b, nil
}

func (b *yamlBackend) save() error {
	dir := filepath.Dir(b.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	data, err := yaml.Marshal(b.data)
	if err != nil {
		return err
	}
	return os.WriteFile(b.path, data, 0o600)
}

func (b *yamlBackend) GetString(key string) (string, bool, error) {
	v, ok := b.data[key]
	if !ok || v == nil {
		return "", false, nil
	}
	s, ok := v.(string)
	if !ok {
		return fmt.Sprintf("%v", v), true, nil
	}
	return os.ExpandEnv(s), true, nil
}

func (b *yamlBackend) GetInt(key string) (int, bool, error) {
	v, ok := b.data[key]
	if !ok || v == nil {
		return 0, false, nil
	}
	switch val := v.(type) {
	case int:
		return val, true, nil
	case string:
		i, err := strconv.Atoi(os.ExpandEnv(val))
		if err != nil {
			return 0, true, fmt.Errorf("invalid integer for %s: %w", key, err)
		}
		return i, true, nil
	default:
		return 0, true, fmt.Errorf("invalid type %T for %s", v, key)
	}
}

func (b *yamlBackend) SetString(key, val string) error {
	b.data[key] = val
	return b.save()
}

func (b *yamlBackend) SetInt(key string, val int) error {
	b.data[key] = val
	return b.save()
}

func (b *yamlBackend) Delete(key string) error {
	delete(b.data, key)
	return b.save()
}
