// Package config loads process configuration from the environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/sirupsen/logrus"
)

// Prefix is the environment variable prefix, e.g. BROWSERCTL_ADDR.
const Prefix = "browserctl"

// Config holds every tunable of the server
type Config struct {
	Addr   string `envconfig:"ADDR" default:":8080"`
	Domain string `envconfig:"DOMAIN" default:"localhost:8080"`
	// UseSSL switches derived endpoint URLs to wss/https.
	UseSSL bool `envconfig:"USE_SSL" default:"false"`

	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"text"`

	ChromeBin      string `envconfig:"CHROME_BIN"`
	ChromeHeadless bool   `envconfig:"CHROME_HEADLESS" default:"true"`
	DefaultWidth   int    `envconfig:"DEFAULT_WIDTH" default:"1920"`
	DefaultHeight  int    `envconfig:"DEFAULT_HEIGHT" default:"1080"`

	SeleniumImage string `envconfig:"SELENIUM_IMAGE" default:"selenium/standalone-chrome:latest"`
	// SeleniumProxyHost is how the Selenium container reaches session tunnels.
	SeleniumProxyHost string `envconfig:"SELENIUM_PROXY_HOST" default:"host.docker.internal"`
	ProxyBindHost     string `envconfig:"PROXY_BIND_HOST" default:"127.0.0.1"`

	FilesDir        string `envconfig:"FILES_DIR" default:"./storage/sessions"`
	ArchiveSessions bool   `envconfig:"ARCHIVE_SESSIONS" default:"false"`

	GeoLookupURL     string        `envconfig:"GEO_LOOKUP_URL" default:"http://ip-api.com/json/?fields=status,message,timezone"`
	GeoLookupTimeout time.Duration `envconfig:"GEO_LOOKUP_TIMEOUT" default:"5s"`

	CaptchaSolveTimeout time.Duration `envconfig:"CAPTCHA_SOLVE_TIMEOUT" default:"60s"`

	RateLimitPerHour int `envconfig:"RATE_LIMIT_PER_HOUR" default:"600"`
	RateLimitBurst   int `envconfig:"RATE_LIMIT_BURST" default:"20"`
}

// Load reads an optional dotenv file and then the environment.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			logrus.WithError(err).Debugf("No %s file found, using system environment variables", envFile)
		}
	}

	var cfg Config
	if err := envconfig.Process(Prefix, &cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment: %w", err)
	}
	return &cfg, nil
}

// WSScheme returns the websocket scheme for derived endpoint URLs.
func (c *Config) WSScheme() string {
	if c.UseSSL {
		return "wss"
	}
	return "ws"
}

// HTTPScheme returns the http scheme for derived endpoint URLs.
func (c *Config) HTTPScheme() string {
	if c.UseSSL {
		return "https"
	}
	return "http"
}

// Logger builds the root logger described by the config.
func (c *Config) Logger() (*logrus.Logger, error) {
	logger := logrus.New()
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", c.LogLevel, err)
	}
	logger.SetLevel(level)

	switch strings.ToLower(c.LogFormat) {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	case "text", "":
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return nil, fmt.Errorf("unsupported log format %q", c.LogFormat)
	}
	return logger, nil
}
