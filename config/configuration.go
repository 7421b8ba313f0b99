package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	yaml "gopkg.in/yaml.v3"
)

var (
	// DefaultConfigFiles is the file names from which we attempt to read configuration.
	DefaultConfigFiles = []string{"config.yml", "config.yaml"}

	// Default locations to find a config file, in lookup order.
	defaultConfigDirs = []string{"~/.openhab-cloud", "/etc/openhab-cloud", "/usr/local/etc/openhab-cloud"}

	ErrNoConfigFile = fmt.Errorf("cannot determine default configuration path. No file %v in %v", DefaultConfigFiles, defaultConfigDirs)
)

const (
	// Flag names shared between the CLI and the config file.
	ListenAddressFlag    = "listen-address"
	NodeAddressFlag      = "node-address"
	MetricsAddressFlag   = "metrics-address"
	StoreConnectionFlag  = "store-connection"
	DirectoryConnFlag    = "directory-connection"
	TrustProxyFlag       = "trust-proxy"
	SessionSecretFlag    = "session-secret"
	FCMServerKeyFlag     = "fcm-server-key"
	ConnectionLockTTLTag = "connection-lock-ttl"
	PingIntervalFlag     = "ping-interval"
	PingTimeoutFlag      = "ping-timeout"
	RequestMaxAgeFlag    = "request-max-age"
	BlockTTLFlag         = "block-ttl"
	MaxNotificationFlag  = "max-notification-payload-bytes"
	ShutdownGraceFlag    = "shutdown-grace"
)

// Configuration is the runtime configuration of one cloud node.
type Configuration struct {
	// ListenAddress is the address the public HTTP server binds to.
	ListenAddress string
	// NodeAddress is the address under which peer nodes can reach this node.
	// It is stored inside connection locks and never sent to clients.
	NodeAddress string
	// MetricsAddress is the bind address of the Prometheus endpoint.
	MetricsAddress string

	// StoreConnection is the redis URL of the shared state store.
	StoreConnection string
	// DirectoryConnection is the mongodb URI of the directory datastore.
	DirectoryConnection string

	// TrustProxy governs whether X-Forwarded-* headers are honored for
	// client IP and scheme.
	TrustProxy bool

	// SessionSecret signs the session cookie. Must be identical on all nodes.
	SessionSecret string

	// FCMServerKey authorizes push sends. Empty disables push.
	FCMServerKey string

	ConnectionLockTTL time.Duration
	PingInterval      time.Duration
	PingTimeout       time.Duration
	RequestMaxAge     time.Duration
	BlockTTL          time.Duration
	ShutdownGrace     time.Duration

	MaxNotificationPayloadBytes int
}

// Default returns the configuration with every tunable at its default value.
func Default() *Configuration {
	return &Configuration{
		ListenAddress:               ":3000",
		NodeAddress:                 "http://127.0.0.1:3000",
		MetricsAddress:              "127.0.0.1:9090",
		StoreConnection:             "redis://127.0.0.1:6379",
		DirectoryConnection:         "mongodb://127.0.0.1:27017/openhab",
		ConnectionLockTTL:           45 * time.Second,
		PingInterval:                10 * time.Second,
		PingTimeout:                 20 * time.Second,
		RequestMaxAge:               120 * time.Second,
		BlockTTL:                    60 * time.Second,
		ShutdownGrace:               10 * time.Second,
		MaxNotificationPayloadBytes: 1 << 20,
	}
}

// Validate rejects configurations that would violate protocol invariants,
// most importantly the lock TTL vs heartbeat interval ratio.
func (c *Configuration) Validate() error {
	if c.ListenAddress == "" {
		return errors.New("listenAddress must be set")
	}
	if c.NodeAddress == "" {
		return errors.New("nodeAddress must be set")
	}
	if c.ConnectionLockTTL < 3*c.PingInterval {
		return errors.Errorf("connectionLockTTL (%s) must be at least 3x pingInterval (%s)", c.ConnectionLockTTL, c.PingInterval)
	}
	if c.PingTimeout < c.PingInterval {
		return errors.Errorf("pingTimeout (%s) must not be shorter than pingInterval (%s)", c.PingTimeout, c.PingInterval)
	}
	if c.MaxNotificationPayloadBytes <= 0 {
		return errors.New("maxNotificationPayloadBytes must be positive")
	}
	return nil
}

// FileExists checks to see if a file exist at the provided path.
func FileExists(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	_ = f.Close()
	return true, nil
}

// FindDefaultConfigPath returns the first path that contains a config file.
// If none of the combination of default directories and DefaultConfigFiles
// contains a config file, return empty string.
func FindDefaultConfigPath() string {
	for _, configDir := range defaultConfigDirs {
		for _, configFile := range DefaultConfigFiles {
			dirPath, err := homedir.Expand(configDir)
			if err != nil {
				continue
			}
			path := filepath.Join(dirPath, configFile)
			if ok, _ := FileExists(path); ok {
				return path
			}
		}
	}
	return ""
}

// rawConfiguration is the YAML shape of Configuration. Durations are
// strings ("45s") so that config files stay readable.
type rawConfiguration struct {
	ListenAddress               *string `yaml:"listenAddress"`
	NodeAddress                 *string `yaml:"nodeAddress"`
	MetricsAddress              *string `yaml:"metricsAddress"`
	StoreConnection             *string `yaml:"storeConnection"`
	DirectoryConnection         *string `yaml:"directoryConnection"`
	TrustProxy                  *bool   `yaml:"trustProxy"`
	SessionSecret               *string `yaml:"sessionSecret"`
	FCMServerKey                *string `yaml:"fcmServerKey"`
	ConnectionLockTTL           *string `yaml:"connectionLockTTL"`
	PingInterval                *string `yaml:"pingInterval"`
	PingTimeout                 *string `yaml:"pingTimeout"`
	RequestMaxAge               *string `yaml:"requestMaxAge"`
	BlockTTL                    *string `yaml:"blockTTL"`
	ShutdownGrace               *string `yaml:"shutdownGrace"`
	MaxNotificationPayloadBytes *int    `yaml:"maxNotificationPayloadBytes"`
}

// ReadFile loads a configuration file, laying it over the defaults.
func ReadFile(path string) (*Configuration, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "error reading configuration file")
	}
	var fileCfg rawConfiguration
	if err := yaml.Unmarshal(raw, &fileCfg); err != nil {
		return nil, errors.Wrap(err, "error parsing YAML in config file at "+path)
	}
	if err := fileCfg.applyTo(cfg); err != nil {
		return nil, errors.Wrap(err, "invalid value in config file at "+path)
	}
	return cfg, nil
}

func (r *rawConfiguration) applyTo(cfg *Configuration) error {
	setString := func(dst *string, src *string) {
		if src != nil {
			*dst = *src
		}
	}
	setString(&cfg.ListenAddress, r.ListenAddress)
	setString(&cfg.NodeAddress, r.NodeAddress)
	setString(&cfg.MetricsAddress, r.MetricsAddress)
	setString(&cfg.StoreConnection, r.StoreConnection)
	setString(&cfg.DirectoryConnection, r.DirectoryConnection)
	setString(&cfg.SessionSecret, r.SessionSecret)
	setString(&cfg.FCMServerKey, r.FCMServerKey)
	if r.TrustProxy != nil {
		cfg.TrustProxy = *r.TrustProxy
	}
	if r.MaxNotificationPayloadBytes != nil {
		cfg.MaxNotificationPayloadBytes = *r.MaxNotificationPayloadBytes
	}

	durations := []struct {
		dst  *time.Duration
		src  *string
		name string
	}{
		{&cfg.ConnectionLockTTL, r.ConnectionLockTTL, "connectionLockTTL"},
		{&cfg.PingInterval, r.PingInterval, "pingInterval"},
		{&cfg.PingTimeout, r.PingTimeout, "pingTimeout"},
		{&cfg.RequestMaxAge, r.RequestMaxAge, "requestMaxAge"},
		{&cfg.BlockTTL, r.BlockTTL, "blockTTL"},
		{&cfg.ShutdownGrace, r.ShutdownGrace, "shutdownGrace"},
	}
	for _, d := range durations {
		if d.src == nil {
			continue
		}
		parsed, err := time.ParseDuration(*d.src)
		if err != nil {
			return errors.Wrapf(err, "cannot parse %s", d.name)
		}
		*d.dst = parsed
	}
	return nil
}

// FromContext builds the effective configuration: defaults, then the config
// file (explicit --config flag or the first default path found), then any
// CLI flags the caller set.
func FromContext(c *cli.Context) (*Configuration, error) {
	cfg := Default()

	path := c.String("config")
	if path == "" {
		path = FindDefaultConfigPath()
	}
	if path != "" {
		fileCfg, err := ReadFile(path)
		if err != nil {
			return nil, err
		}
		cfg = fileCfg
	}

	applyFlags(c, cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyFlags(c *cli.Context, cfg *Configuration) {
	if c.IsSet(ListenAddressFlag) {
		cfg.ListenAddress = c.String(ListenAddressFlag)
	}
	if c.IsSet(NodeAddressFlag) {
		cfg.NodeAddress = c.String(NodeAddressFlag)
	}
	if c.IsSet(MetricsAddressFlag) {
		cfg.MetricsAddress = c.String(MetricsAddressFlag)
	}
	if c.IsSet(StoreConnectionFlag) {
		cfg.StoreConnection = c.String(StoreConnectionFlag)
	}
	if c.IsSet(DirectoryConnFlag) {
		cfg.DirectoryConnection = c.String(DirectoryConnFlag)
	}
	if c.IsSet(TrustProxyFlag) {
		cfg.TrustProxy = c.Bool(TrustProxyFlag)
	}
	if c.IsSet(SessionSecretFlag) {
		cfg.SessionSecret = c.String(SessionSecretFlag)
	}
	if c.IsSet(FCMServerKeyFlag) {
		cfg.FCMServerKey = c.String(FCMServerKeyFlag)
	}
	if c.IsSet(ConnectionLockTTLTag) {
		cfg.ConnectionLockTTL = c.Duration(ConnectionLockTTLTag)
	}
	if c.IsSet(PingIntervalFlag) {
		cfg.PingInterval = c.Duration(PingIntervalFlag)
	}
	if c.IsSet(PingTimeoutFlag) {
		cfg.PingTimeout = c.Duration(PingTimeoutFlag)
	}
	if c.IsSet(RequestMaxAgeFlag) {
		cfg.RequestMaxAge = c.Duration(RequestMaxAgeFlag)
	}
	if c.IsSet(BlockTTLFlag) {
		cfg.BlockTTL = c.Duration(BlockTTLFlag)
	}
	if c.IsSet(MaxNotificationFlag) {
		cfg.MaxNotificationPayloadBytes = c.Int(MaxNotificationFlag)
	}
	if c.IsSet(ShutdownGraceFlag) {
		cfg.ShutdownGrace = c.Duration(ShutdownGraceFlag)
	}
}
