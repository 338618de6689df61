// Package config defines the necessary types to configure the application.
// An example config file config.yaml is provided in the repository.
package config

import (
	"time"

	"github.com/openkcm/common-sdk/pkg/commoncfg"
)

type Config struct {
	commoncfg.BaseConfig `mapstructure:",squash" yaml:",inline"`

	HTTP HTTPServer `yaml:"http"`

	Database    Database    `yaml:"database"`
	ValKey      ValKey      `yaml:"valkey"`
	Migrate     Migrate     `yaml:"migrate"`
	Identity    Identity    `yaml:"identity"`
	Session     Session     `yaml:"session"`
	AvatarProxy AvatarProxy `yaml:"avatarProxy"`
}

type HTTPServer struct {
	Address         string        `yaml:"address" default:":8080"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout" default:"5s"`
}

type Database struct {
	Name     string              `yaml:"name"`
	Port     string              `yaml:"port"`
	Host     commoncfg.SourceRef `yaml:"host"`
	User     commoncfg.SourceRef `yaml:"user"`
	Password commoncfg.SourceRef `yaml:"password"`
	// SSLMode is passed as is to libpq, e.g. disable, require or verify-full.
	SSLMode string `yaml:"sslMode" default:"prefer"`
}

type ValKey struct {
	Host     commoncfg.SourceRef `yaml:"host"`
	User     commoncfg.SourceRef `yaml:"user"`
	Password commoncfg.SourceRef `yaml:"password"`
	Prefix   string              `yaml:"prefix" default:"portfolio"`
}

type Migrate struct {
	// Source is a file:// directory of migrations. The migrations built into
	// the binary are used when empty.
	Source string `yaml:"source"`
}

// Identity configures the OpenID Connect provider the site signs in with.
type Identity struct {
	IssuerURL    string              `yaml:"issuerURL"`
	ClientID     commoncfg.SourceRef `yaml:"clientID"`
	ClientSecret commoncfg.SourceRef `yaml:"clientSecret"`
	MagicLinkURL string              `yaml:"magicLinkURL"`
	Scopes       []string            `yaml:"scopes"`
	// StorageKey must match the credential pattern of the session.
	StorageKey    string        `yaml:"storageKey" default:"sb-portfolio-auth-token"`
	RefreshMargin time.Duration `yaml:"refreshMargin" default:"5m"`
	CacheTTL      time.Duration `yaml:"cacheTTL" default:"1h"`
	JWSSigAlgs    []string      `yaml:"jwsSigAlgs"`
}

type Session struct {
	RedirectURL       string        `yaml:"redirectURL" default:"http://localhost:3000/auth/callback"`
	SiteURL           string        `yaml:"siteURL" default:"http://localhost:3000/"`
	CredentialPattern string        `yaml:"credentialPattern" default:"sb-*-auth-token"`
	SignOutTimeout    time.Duration `yaml:"signOutTimeout" default:"3s"`
	MagicLinkCooldown time.Duration `yaml:"magicLinkCooldown" default:"60s"`
	// ResyncInterval is how often the session command behaves as if the
	// page became visible again.
	ResyncInterval time.Duration `yaml:"resyncInterval" default:"1m"`
}

type AvatarProxy struct {
	AllowedHosts []string      `yaml:"allowedHosts"`
	MaxAgeCap    time.Duration `yaml:"maxAgeCap" default:"24h"`
	Timeout      time.Duration `yaml:"timeout" default:"10s"`
}
