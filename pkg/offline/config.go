package offline

import (
	"strings"
	"time"
)

// Settings holds the library-level knobs shared by the binaries.
type Settings struct {
	Cache CacheSettings `yaml:"cache" json:"cache"`
	Queue QueueSettings `yaml:"queue" json:"queue"`
	Redis RedisSettings `yaml:"redis" json:"redis"`

	RocketMQ RocketMQSettings `yaml:"rocketmq" json:"rocketmq"`
}

type CacheSettings struct {
	Version   string   `yaml:"version" json:"version"`
	Manifest  []string `yaml:"manifest" json:"manifest"`
	ShellPath string   `yaml:"shell-path" json:"shellPath"`
	APIPrefix string   `yaml:"api-prefix" json:"apiPrefix"`
}

type QueueSettings struct {
	Key        string        `yaml:"key" json:"key"`
	SyncKey    string        `yaml:"sync-key" json:"syncKey"`
	Optimistic string        `yaml:"optimistic" json:"optimistic"`
	AutoSync   string        `yaml:"auto-sync" json:"autoSync"`
	FlushEvery time.Duration `yaml:"flush-every" json:"flushEvery"`
}

type RedisSettings struct {
	Enabled  string        `yaml:"enabled" json:"enabled"`
	Host     string        `yaml:"host" json:"host"`
	Port     int           `yaml:"port" json:"port"`
	Database int           `yaml:"database" json:"database"`
	Password string        `yaml:"password" json:"password"`
	Timeout  time.Duration `yaml:"timeout" json:"timeout"`
	Prefix   string        `yaml:"prefix" json:"prefix"`
	Pool     RedisPool     `yaml:"pool" json:"pool"`
}

// RocketMQSettings configures the broker sender. Tag, when set, replaces
// the per-action tag (the action type).
type RocketMQSettings struct {
	NameServer string           `yaml:"name-server" json:"nameServer" env:"OFFLINE_ROCKETMQ_NAME_SERVER"`
	Topic      string           `yaml:"topic" json:"topic"`
	Tag        string           `yaml:"tag" json:"tag"`
	Producer   RocketMQProducer `yaml:"producer" json:"producer"`
}

type RocketMQProducer struct {
	Group     string `yaml:"group" json:"group"`
	AccessKey string `yaml:"access-key" json:"accessKey" env:"OFFLINE_ROCKETMQ_ACCESS_KEY"`
	SecretKey string `yaml:"secret-key" json:"secretKey" env:"OFFLINE_ROCKETMQ_SECRET_KEY"`
}

type RedisPool struct {
	MaxIdle   int `yaml:"max-idle" json:"maxIdle"`
	MaxActive int `yaml:"max-active" json:"maxActive"`
}

const (
	DefaultQueueKey  = "offline_queue"
	DefaultSyncKey   = "offline_last_sync"
	DefaultShellPath = "/index.html"
	DefaultAPIPrefix = "/api/"
)

func (s Settings) WithDefaults() Settings {
	o := s
	o.Queue.Optimistic = NormalizeYN(o.Queue.Optimistic)
	if strings.TrimSpace(o.Queue.AutoSync) == "" {
		o.Queue.AutoSync = "Y"
	}
	o.Queue.AutoSync = NormalizeYN(o.Queue.AutoSync)

	if o.Cache.Version == "" {
		o.Cache.Version = "app-cache-v1"
	}
	if len(o.Cache.Manifest) == 0 {
		o.Cache.Manifest = []string{"/", "/index.html", "/manifest.json", "/icons/icon-192.png", "/icons/icon-512.png"}
	}
	if o.Cache.ShellPath == "" {
		o.Cache.ShellPath = DefaultShellPath
	}
	if o.Cache.APIPrefix == "" {
		o.Cache.APIPrefix = DefaultAPIPrefix
	}
	if o.Queue.Key == "" {
		o.Queue.Key = DefaultQueueKey
	}
	if o.Queue.SyncKey == "" {
		o.Queue.SyncKey = DefaultSyncKey
	}
	o.Redis.Enabled = NormalizeYN(o.Redis.Enabled)
	if o.Redis.Port == 0 {
		o.Redis.Port = 6379
	}
	if o.Redis.Timeout == 0 {
		o.Redis.Timeout = 5 * time.Second
	}
	if o.Redis.Prefix == "" {
		o.Redis.Prefix = "offline:"
	}
	if o.Queue.FlushEvery == 0 {
		o.Queue.FlushEvery = 5 * time.Second
	}
	return o
}

// NormalizeYN folds the usual truthy spellings into "Y" and everything else into "N".
func NormalizeYN(v string) string {
	switch strings.TrimSpace(strings.ToUpper(v)) {
	case "Y", "YES", "TRUE", "1":
		return "Y"
	default:
		return "N"
	}
}

func Enabled(v string) bool { return NormalizeYN(v) == "Y" }
