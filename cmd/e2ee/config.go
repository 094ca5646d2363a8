package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

type config struct {
	UserID  string
	DataDir string
	Scope   string
	Relay   relayConfig
}

type relayConfig struct {
	URL   string
	WSURL string
	Token string
}

// loadConfig reads e2ee.yaml from dir (or the default config locations).
// A missing file is fine; flags and defaults cover everything.
func loadConfig(dir string) *config {
	v := viper.New()
	v.SetConfigName("e2ee")
	v.SetConfigType("yaml")
	if dir != "" {
		v.AddConfigPath(dir)
	} else {
		if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
			v.AddConfigPath(filepath.Join(xdg, "e2ee-go"))
		}
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "e2ee-go"))
		}
		v.AddConfigPath(".")
	}
	v.SetEnvPrefix("E2EE")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			fmt.Fprintf(os.Stderr, "Warning: cannot read config: %v\n", err)
		}
		return &config{}
	}

	var c config
	if err := v.Unmarshal(&c); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: cannot parse config: %v\n", err)
		return &config{}
	}
	return &c
}
