package util

import (
	_ "embed"
	"fmt"
	"os"
	"strconv"

	"github.com/charmbracelet/log"
	"gopkg.in/yaml.v3"
)

const Name = "anancus"
const ConfigFileName = "config.yaml"

//go:embed config_default.yaml
var embeddedConfig []byte

type AppConfig struct {
	Conf struct {
		Host      string
		HttpPort  int    `yaml:"httpPort"`
		SslDomain string `yaml:"sslDomain"`
		WithAp    bool   `yaml:"withAp"`

		// Federation engine tuning.
		ReplayRetentionDays int `yaml:"replayRetentionDays"`
		FetchTimeoutSecs    int `yaml:"fetchTimeoutSecs"`
		DeliveryConcurrency int `yaml:"deliveryConcurrency"`
	}
}

// BaseURL returns the https origin of this instance.
func (c *AppConfig) BaseURL() string {
	return fmt.Sprintf("https://%s", c.Conf.SslDomain)
}

// IsLocalURI reports whether uri belongs to this instance.
func (c *AppConfig) IsLocalURI(uri string) bool {
	return len(uri) >= len(c.BaseURL()) && uri[:len(c.BaseURL())] == c.BaseURL()
}

func ReadConf() (*AppConfig, error) {

	c := &AppConfig{}

	// Try to resolve config file path (local first, then user dir)
	configPath := ResolveFilePath(ConfigFileName)

	var buf []byte
	var err error

	buf, err = os.ReadFile(configPath)
	if err != nil {
		// If file doesn't exist, use embedded config and create user config file
		log.Infof("Config file not found at %s, using embedded defaults", configPath)
		buf = embeddedConfig

		configDir, dirErr := GetConfigDir()
		if dirErr == nil {
			userConfigPath := configDir + "/" + ConfigFileName
			writeErr := os.WriteFile(userConfigPath, embeddedConfig, 0644)
			if writeErr != nil {
				log.Warnf("could not write default config to %s: %v", userConfigPath, writeErr)
			} else {
				log.Infof("Created default config file at %s", userConfigPath)
			}
		}
	}

	err = yaml.Unmarshal(buf, c)
	if err != nil {
		return nil, fmt.Errorf("in config file: %w", err)
	}

	applyEnvOverrides(c)
	applyDefaults(c)

	return c, nil
}

func applyEnvOverrides(c *AppConfig) {
	if v := os.Getenv("ANANCUS_HOST"); v != "" {
		c.Conf.Host = v
	}
	if v := os.Getenv("ANANCUS_HTTPPORT"); v != "" {
		c.Conf.HttpPort = atoiOrKeep(v, c.Conf.HttpPort)
	}
	if v := os.Getenv("ANANCUS_SSLDOMAIN"); v != "" {
		c.Conf.SslDomain = v
	}
	if os.Getenv("ANANCUS_WITH_AP") == "true" {
		c.Conf.WithAp = true
	}
	if v := os.Getenv("ANANCUS_REPLAY_RETENTION_DAYS"); v != "" {
		c.Conf.ReplayRetentionDays = atoiOrKeep(v, c.Conf.ReplayRetentionDays)
	}
	if v := os.Getenv("ANANCUS_FETCH_TIMEOUT_SECS"); v != "" {
		c.Conf.FetchTimeoutSecs = atoiOrKeep(v, c.Conf.FetchTimeoutSecs)
	}
	if v := os.Getenv("ANANCUS_DELIVERY_CONCURRENCY"); v != "" {
		c.Conf.DeliveryConcurrency = atoiOrKeep(v, c.Conf.DeliveryConcurrency)
	}
}

func applyDefaults(c *AppConfig) {
	if c.Conf.ReplayRetentionDays <= 0 {
		c.Conf.ReplayRetentionDays = 7
	}
	if c.Conf.FetchTimeoutSecs <= 0 {
		c.Conf.FetchTimeoutSecs = 10
	}
	if c.Conf.DeliveryConcurrency <= 0 {
		c.Conf.DeliveryConcurrency = 5
	}
}

func atoiOrKeep(s string, fallback int) int {
	v, err := strconv.Atoi(s)
	if err != nil {
		log.Warnf("invalid numeric value %q: %v", s, err)
		return fallback
	}
	return v
}
