package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/ghodss/yaml"
	"github.com/sirupsen/logrus"

	sqlstorage "github.com/ssoforge/idcore/storage/sql"
	"github.com/ssoforge/idcore/tokenflow"
)

// Config is the top-level ssod config file shape: which storage driver to
// use, how to send mail, which OAuth2 brokers are configured, and where to
// listen. Every string field may be given as "$ENV_VAR" to pull the real
// value from the environment at load time, the same convention the
// teacher's cmd/dex config uses.
type Config struct {
	Storage   storageConfig                `json:"storage"`
	Web       webConfig                    `json:"web"`
	Notifier  notifierConfig               `json:"notifier"`
	Logger    loggerConfig                 `json:"logger"`
	Providers map[string]oauth2ProviderCfg `json:"providers"`

	AccessTokenExpiry  time.Duration `json:"accessTokenExpiry"`
	RefreshTokenExpiry time.Duration `json:"refreshTokenExpiry"`

	// AuditRetention bounds how long audit entries are kept; zero means
	// forever (the default) and disables the sweeper.
	AuditRetention time.Duration `json:"auditRetention"`

	// PasswordPwned enables the best-effort haveibeenpwned range query on
	// password create/update paths (the PASSWORD_PWNED switch).
	PasswordPwned bool `json:"passwordPwned"`
}

// oauth2ProviderCfg is the config-file shape for one entry of
// tokenflow.OAuth2Provider. Kind selects which UserInfoEmail extractor the
// provider's userinfo response needs ("github" or "microsoft" are built in;
// anything else is rejected at load time), since the JSON shape of that
// response is provider-specific and isn't itself expressible in config.
type oauth2ProviderCfg struct {
	Kind         string   `json:"kind"`
	ClientID     string   `json:"clientID"`
	ClientSecret string   `json:"clientSecret"`
	AuthorizeURL string   `json:"authorizeURL"`
	TokenURL     string   `json:"tokenURL"`
	UserInfoURL  string   `json:"userInfoURL"`
	Scopes       []string `json:"scopes"`
	RedirectURL  string   `json:"redirectURL"`
}

func (c oauth2ProviderCfg) toProvider() (tokenflow.OAuth2Provider, error) {
	extract, err := userInfoEmailExtractor(c.Kind)
	if err != nil {
		return tokenflow.OAuth2Provider{}, err
	}
	return tokenflow.OAuth2Provider{
		ClientID:      c.ClientID,
		ClientSecret:  c.ClientSecret,
		AuthorizeURL:  c.AuthorizeURL,
		TokenURL:      c.TokenURL,
		UserInfoURL:   c.UserInfoURL,
		Scopes:        c.Scopes,
		RedirectURL:   c.RedirectURL,
		UserInfoEmail: extract,
	}, nil
}

func userInfoEmailExtractor(kind string) (func([]byte) (string, error), error) {
	switch kind {
	case "github":
		return func(body []byte) (string, error) {
			var v struct {
				Email string `json:"email"`
			}
			if err := json.Unmarshal(body, &v); err != nil {
				return "", err
			}
			if v.Email == "" {
				return "", fmt.Errorf("github userinfo: no email")
			}
			return v.Email, nil
		}, nil
	case "microsoft":
		return func(body []byte) (string, error) {
			var v struct {
				Mail              string `json:"mail"`
				UserPrincipalName string `json:"userPrincipalName"`
			}
			if err := json.Unmarshal(body, &v); err != nil {
				return "", err
			}
			if v.Mail != "" {
				return v.Mail, nil
			}
			if v.UserPrincipalName != "" {
				return v.UserPrincipalName, nil
			}
			return "", fmt.Errorf("microsoft userinfo: no email")
		}, nil
	default:
		return nil, fmt.Errorf("ssod: unknown oauth2 provider kind %q", kind)
	}
}

// loadProviders resolves every configured provider up front so a typo in
// "kind" is reported at startup, not on the first callback.
func loadProviders(cfg map[string]oauth2ProviderCfg) (map[string]tokenflow.OAuth2Provider, error) {
	out := make(map[string]tokenflow.OAuth2Provider, len(cfg))
	for name, p := range cfg {
		provider, err := p.toProvider()
		if err != nil {
			return nil, fmt.Errorf("provider %q: %w", name, err)
		}
		out[name] = provider
	}
	return out, nil
}

type storageConfig struct {
	Type     string              `json:"type"` // "memory" or "postgres"
	Postgres sqlstorage.Postgres `json:"postgres"`
}

type webConfig struct {
	HTTPAddr      string `json:"httpAddr"`
	TelemetryAddr string `json:"telemetryAddr"`
}

type notifierConfig struct {
	From     string       `json:"from"`
	TextGlob string       `json:"textGlob"`
	HTMLGlob string       `json:"htmlGlob"`
	SMTP     *smtpConfig  `json:"smtp"`
	FileDir  string       `json:"fileDir"`
}

type smtpConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
}

type loggerConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

// loadConfig reads path, substitutes "$ENV_VAR" leaves from the process
// environment, and unmarshals the result as YAML (or JSON, which is valid
// YAML) via ghodss/yaml, matching the teacher's config loader.
func loadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file %s: %v", path, err)
	}

	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Config{}, fmt.Errorf("parse config file %s: %v", path, err)
	}
	if err := replaceEnvKeys(&c, os.Getenv); err != nil {
		return Config{}, fmt.Errorf("substitute env vars in %s: %v", path, err)
	}
	return c, nil
}

func newLogger(cfg loggerConfig) (*logrus.Logger, error) {
	logger := logrus.New()
	if cfg.Format == "json" {
		logger.Formatter = &logrus.JSONFormatter{}
	}
	if cfg.Level == "" {
		logger.SetLevel(logrus.InfoLevel)
		return logger, nil
	}
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("parse log level %q: %v", cfg.Level, err)
	}
	logger.SetLevel(level)
	return logger, nil
}
