package main

import (
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// config is the on-disk YAML shape, overridable by flags the same way
// lxd-migrate's cmdMigrateData merges CLI input over file-sourced
// defaults.
type config struct {
	PersistRoot        string   `yaml:"persist_root"`
	Listen             string   `yaml:"listen"`
	NBDHandoffListen   string   `yaml:"nbd_handoff_listen"`
	InsecureSkipVerify bool     `yaml:"insecure_skip_verify"`
	RemoteTimeout      duration `yaml:"remote_timeout"`
}

// duration lets remote_timeout be written as a human string ("30s") the way
// an operator would expect, since yaml.v2 has no built-in support for
// decoding a string into a time.Duration.
type duration time.Duration

func (d *duration) UnmarshalYAML(unmarshal func(any) error) error {
	var ns int64
	if err := unmarshal(&ns); err == nil {
		*d = duration(ns)

		return nil
	}

	var raw string
	if err := unmarshal(&raw); err != nil {
		return err
	}

	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return err
	}

	*d = duration(parsed)

	return nil
}

func defaultConfig() config {
	return config{
		PersistRoot:      "/var/run/nonpersistent",
		Listen:           ":8443",
		NBDHandoffListen: ":8444",
		RemoteTimeout:    duration(30 * time.Second),
	}
}

func loadConfig(path string) (config, error) {
	cfg := defaultConfig()

	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}

		return config{}, err
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return config{}, err
	}

	return cfg, nil
}
