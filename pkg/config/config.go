package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/viper"
)

var (
	envFilePath string
	parseOnce   sync.Once
)

// MustNew loads a config struct via envconfig or panics. Startup use only.
func MustNew[T any](prefix string) *T {
	conf, err := New[T](prefix)
	if err != nil {
		panic(err)
	}
	return conf
}

// New loads a config struct via envconfig, first exporting an optional
// .env file (the -env flag, or ./.env when present) into the process
// environment.
func New[T any](prefix string) (*T, error) {
	path := resolveEnvPath()
	if path != "" {
		if err := exportEnvFile(path); err != nil {
			return nil, fmt.Errorf("load env file %q: %w", path, err)
		}
	} else if err := exportEnvFileIfExists(".env"); err != nil {
		return nil, fmt.Errorf("load default env file: %w", err)
	}

	var conf T
	if err := envconfig.Process(prefix, &conf); err != nil {
		return nil, err
	}
	return &conf, nil
}

func resolveEnvPath() string {
	parseOnce.Do(func() {
		if flag.Lookup("env") == nil {
			flag.StringVar(&envFilePath, "env", "", "path to .env file")
		}
		if !flag.Parsed() {
			flag.Parse()
		}
	})
	return strings.TrimSpace(envFilePath)
}

func exportEnvFileIfExists(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if info.IsDir() {
		return nil
	}
	return exportEnvFile(path)
}

func exportEnvFile(path string) error {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return err
	}
	for key, val := range v.AllSettings() {
		if err := os.Setenv(strings.ToUpper(key), fmt.Sprint(val)); err != nil {
			return err
		}
	}
	return nil
}
