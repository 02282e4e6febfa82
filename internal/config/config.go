package config

import (
	"errors"
	"net"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Listen          string   `toml:"listen"`
	Root            string   `toml:"root"`
	AllowRepoDelete bool     `toml:"allow_repo_delete"`
	AllowRemote     bool     `toml:"allow_remote"`
	Htpasswd        string   `toml:"htpasswd"`
	S3              S3Config `toml:"s3"`
}

type S3Config struct {
	Endpoint string `toml:"endpoint"`
	Region   string `toml:"region"`
	Bucket   string `toml:"bucket"`
	Prefix   string `toml:"prefix"`
}

func DefaultConfig() *Config {
	return &Config{
		Listen:          "127.0.0.1:8000",
		Root:            "",
		AllowRepoDelete: false,
		AllowRemote:     false,
		Htpasswd:        "",
		S3: S3Config{
			Endpoint: "",
			Region:   "",
			Bucket:   "",
			Prefix:   "",
		},
	}
}

func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}

	cfg.ApplyDefaults()
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) ApplyDefaults() {
	if c.Listen == "" {
		c.Listen = "127.0.0.1:8000"
	}
}

func (c *Config) Normalize() {
	c.Listen = strings.TrimSpace(c.Listen)
	c.Root = strings.TrimSpace(c.Root)
	c.Htpasswd = strings.TrimSpace(c.Htpasswd)
	c.S3.Prefix = strings.Trim(strings.TrimSpace(c.S3.Prefix), "/")
}

func (c *Config) Validate() error {
	if _, _, err := net.SplitHostPort(c.Listen); err != nil {
		return errors.New("listen must be a host:port address")
	}
	if c.S3.Bucket != "" && c.S3.Region == "" {
		return errors.New("s3 region is required when a bucket is set")
	}
	return nil
}
