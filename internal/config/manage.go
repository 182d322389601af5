package config

import (
	"fmt"
)

// KeyInfo describes a config key for display purposes.
type KeyInfo struct {
	Key    string
	EnvVar string
	Value  string
}

// ShowAll returns all config key/value pairs from the current config.
func ShowAll(cfg Config) []KeyInfo {
	var result []KeyInfo
	for _, s := range specs {
		if s.secret {
			continue
		}
		result = append(result, KeyInfo{
			Key:    s.key,
			EnvVar: s.env,
			Value:  fmt.Sprintf("%v", s.extract(cfg)),
		})
	}
	return result
}

// SetKey validates value against the key's type and writes it to the config
// file.
func SetKey(key, value string) error {
	b, err := newYAMLBackend(FilePath())
	if err != nil {
		return err
	}
	return setKey(b, key, value)
}

func setKey(b ConfigBackend, key, value string) error {
	for _, s := range specs {
		if s.key != key {
			continue
		}
		if s.secret {
			return fmt.Errorf("cannot set secret %q via config; use environment variable %s", key, s.env)
		}
		v, err := s.parse(value)
		if err != nil {
			return fmt.Errorf("invalid value for %s: %w", key, err)
		}

		// Validate against the stored config with the new value applied.
		cfg := defaults()
		if err := applyBackend(&cfg, b); err != nil {
			return err
		}
		s.apply(&cfg, v)
		if err := cfg.Validate(); err != nil && !isSecretError(cfg) {
			return fmt.Errorf("invalid value for %s: %w", key, err)
		}

		if i, ok := v.(int); ok {
			return b.SetInt(key, i)
		}
		return b.SetString(key, value)
	}

	return fmt.Errorf("unknown config key: %q", key)
}

// isSecretError reports whether validation can only fail for the missing
// API key, which is never stored in the file.
func isSecretError(cfg Config) bool {
	cfg.OpenAI.APIKey = "set"
	return cfg.Validate() == nil
}

// ValidKeys returns the list of valid non-secret config key names.
func ValidKeys() []string {
	var keys []string
	for _, s := range specs {
		if !s.secret {
			keys = append(keys, s.key)
		}
	}
	return keys
}
