package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/lzyats/core-offline-go/pkg/offline"
)

type Events struct {
	Buffer       int           `yaml:"buffer"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

type Store struct {
	Backend      string        `yaml:"backend" env:"OFFLINE_STORE_BACKEND"` // memory | bolt | redis | mysql | sqlite
	Path         string        `yaml:"path" env:"OFFLINE_STORE_PATH"`       // bolt file
	DSN          string        `yaml:"dsn" env:"OFFLINE_STORE_DSN"`         // mysql / sqlite
	MaxOpenConns int           `yaml:"max_open_conns"`
	MaxIdleConns int           `yaml:"max_idle_conns"`
	ConnMaxLife  time.Duration `yaml:"conn_max_life"`
}

// Proxy configures cmd/sw-proxy.
type Proxy struct {
	Env string `yaml:"env" env:"OFFLINE_ENV"`

	HTTP struct {
		Addr       string `yaml:"addr" env:"OFFLINE_HTTP_ADDR"` // ":8088"
		PublicHost string `yaml:"public_host" env:"OFFLINE_PUBLIC_HOST"`
	} `yaml:"http"`

	Upstream struct {
		URL     string        `yaml:"url" env:"OFFLINE_UPSTREAM_URL"`
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"upstream"`

	Store   Store            `yaml:"store"`
	Offline offline.Settings `yaml:"offline"`

	Install struct {
		RetryMin time.Duration `yaml:"retry_min"`
		RetryMax time.Duration `yaml:"retry_max"`
	} `yaml:"install"`

	Events Events `yaml:"events"`
}

// Agent configures cmd/sync-agent.
type Agent struct {
	Env string `yaml:"env" env:"OFFLINE_ENV"`

	HTTP struct {
		Addr string `yaml:"addr" env:"OFFLINE_HTTP_ADDR"` // ":8089"
	} `yaml:"http"`

	Store   Store            `yaml:"store"`
	Offline offline.Settings `yaml:"offline"`

	Sender struct {
		Kind    string        `yaml:"kind" env:"OFFLINE_SENDER_KIND"` // http | rocketmq (offline.rocketmq)
		BaseURL string        `yaml:"base_url" env:"OFFLINE_API_BASE_URL"`
		Path    string        `yaml:"path"`
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"sender"`

	Breaker struct {
		Enabled   bool          `yaml:"enabled"`
		Threshold int           `yaml:"threshold"`
		Window    time.Duration `yaml:"window"`
		OpenFor   time.Duration `yaml:"open_for"`
	} `yaml:"breaker"`

	Install struct {
		PromptURL string        `yaml:"prompt_url" env:"OFFLINE_INSTALL_PROMPT_URL"`
		Timeout   time.Duration `yaml:"timeout"`
	} `yaml:"install"`

	Events Events `yaml:"events"`
}

// LoadProxy supports comma-separated config files: "-c common.yml,sw-proxy.yml".
func LoadProxy(pathList string) (*Proxy, error) {
	var c Proxy
	if err := load(pathList, &c); err != nil {
		return nil, err
	}

	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":8088"
	}
	if c.Upstream.URL == "" {
		return nil, errors.New("upstream.url is required")
	}
	if c.Upstream.Timeout == 0 {
		c.Upstream.Timeout = 30 * time.Second
	}
	c.Store = c.Store.withDefaults("offline-cache.db")
	if c.Store.Backend == "mysql" || c.Store.Backend == "sqlite" {
		return nil, fmt.Errorf("store.backend %q cannot hold cache namespaces (use memory, bolt or redis)", c.Store.Backend)
	}
	c.Offline = c.Offline.WithDefaults()
	if c.Install.RetryMin == 0 {
		c.Install.RetryMin = 2 * time.Second
	}
	if c.Install.RetryMax == 0 {
		c.Install.RetryMax = 60 * time.Second
	}
	c.Events = c.Events.withDefaults()
	return &c, nil
}

// LoadAgent supports comma-separated config files: "-c common.yml,sync-agent.yml".
func LoadAgent(pathList string) (*Agent, error) {
	var c Agent
	if err := load(pathList, &c); err != nil {
		return nil, err
	}

	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":8089"
	}
	c.Store = c.Store.withDefaults("offline-queue.db")
	c.Offline = c.Offline.WithDefaults()
	if c.Sender.Kind == "" {
		c.Sender.Kind = "http"
	}
	if c.Sender.Path == "" {
		c.Sender.Path = "/api/offline/actions"
	}
	if c.Sender.Timeout == 0 {
		c.Sender.Timeout = 10 * time.Second
	}
	if c.Breaker.Threshold <= 0 {
		c.Breaker.Threshold = 5
	}
	if c.Breaker.Window == 0 {
		c.Breaker.Window = 10 * time.Second
	}
	if c.Breaker.OpenFor == 0 {
		c.Breaker.OpenFor = 5 * time.Second
	}
	if c.Install.Timeout == 0 {
		c.Install.Timeout = 2 * time.Minute
	}
	c.Events = c.Events.withDefaults()
	return &c, nil
}

// load unmarshals every file in order (later files override earlier ones),
// then applies OFFLINE_* environment overrides.
func load(pathList string, target any) error {
	if strings.TrimSpace(pathList) == "" {
		return errors.New("config path required (e.g. -c ./config.yml or -c common.yml,service.yml)")
	}
	for _, p := range strings.Split(pathList, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		b, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		if err := yaml.Unmarshal(b, target); err != nil {
			return fmt.Errorf("parse %s: %w", p, err)
		}
	}
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

func (s Store) withDefaults(boltFile string) Store {
	if s.Backend == "" {
		s.Backend = "bolt"
	}
	if s.Backend == "bolt" && s.Path == "" {
		s.Path = boltFile
	}
	return s
}

func (e Events) withDefaults() Events {
	if e.Buffer <= 0 {
		e.Buffer = 64
	}
	if e.WriteTimeout == 0 {
		e.WriteTimeout = 5 * time.Second
	}
	return e
}
