package main

import (
	"fmt"
	"net/url"
	"time"
)

type config struct {
	Port     string `yaml:"port" env:"SCOUT_PORT"`
	AgentURL string `yaml:"agentURL" env:"SCOUT_AGENT_URL"`
	LogLevel string `yaml:"logLevel" env:"SCOUT_LOG_LEVEL"`
	// SessionIdleTimeout is how long an idle browser session keeps its conversation.
	SessionIdleTimeout time.Duration `yaml:"sessionIdleTimeout" env:"SCOUT_SESSION_IDLE_TIMEOUT"`
}

func defaultConfig() config {
	return config{
		Port:               "3000",
		AgentURL:           "http://localhost:8000",
		SessionIdleTimeout: 30 * time.Minute,
	}
}

func (c config) validate() error {
	if c.Port == "" {
		return fmt.Errorf("port is required")
	}
	u, err := url.Parse(c.AgentURL)
	if err != nil {
		return fmt.Errorf("invalid agent url %q: %w", c.AgentURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("agent url %q must be http or https", c.AgentURL)
	}
	return nil
}
