package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// ConfigBackend abstracts config storage so tests can use an in-memory map.
type ConfigBackend interface {
	GetString(key string) (val string, ok bool, err error)
	GetInt(key string) (val int, ok bool, err error)
	SetString(key, val string) error
	SetInt(key string, val int) error
	Delete(key string) error
}

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "inboxrank-data"
		}
	}
	return filepath.Join(dir, "inboxrank")
}

func configDir() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".config")
		} else {
			dir = "."
		}
	}
	return filepath.Join(dir, "inboxrank")
}

func configFilePath() string {
	return filepath.Join(configDir(), "config.yaml")
}

func defaultRulesPath() string {
	return filepath.Join(configDir(), "rules.yaml")
}

// FilePath returns the location of the config file.
func FilePath() string { return configFilePath() }

// fileBackend keeps dotted keys (e.g. "search.body_weight") as nested YAML
// through viper.
type fileBackend struct {
	path string
	v    *viper.Viper
}

func newFileBackend(path string) (*fileBackend, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
	}
	return &fileBackend{path: path, v: v}, nil
}

func (b *fileBackend) save() error {
	if err := os.MkdirAll(filepath.Dir(b.path), 0o700); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	if err := b.v.WriteConfigAs(b.path); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return os.Chmod(b.path, 0o600)
}

func (b *fileBackend) GetString(key string) (string, bool, error) {
	if !b.v.IsSet(key) {
		return "", false, nil
	}
	return b.v.GetString(key), true, nil
}

func (b *fileBackend) GetInt(key string) (int, bool, error) {
	if !b.v.IsSet(key) {
		return 0, false, nil
	}
	i, err := castInt(b.v.Get(key))
	if err != nil {
		return 0, true, fmt.Errorf("invalid integer for %s: %w", key, err)
	}
	return i, true, nil
}

func (b *fileBackend) SetString(key, val string) error {
	b.v.Set(key, val)
	return b.save()
}

func (b *fileBackend) SetInt(key string, val int) error {
	b.v.Set(key, val)
	return b.save()
}

// Delete resets key. Viper cannot unset a key, so the file is rewritten
// from the remaining settings.
func (b *fileBackend) Delete(key string) error {
	settings := b.v.AllSettings()
	deleteDotted(settings, key)
	fresh := viper.New()
	fresh.SetConfigType("yaml")
	if err := fresh.MergeConfigMap(settings); err != nil {
		return err
	}
	b.v = fresh
	return b.save()
}

func deleteDotted(m map[string]any, key string) {
	for i := 0; i < len(key); i++ {
		if key[i] != '.' {
			continue
		}
		if sub, ok := m[key[:i]].(map[string]any); ok {
			deleteDotted(sub, key[i+1:])
		}
		return
	}
	delete(m, key)
}
