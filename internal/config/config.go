package config

import (
	"fmt"
	"log"
	"os"
	"regexp"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/dbbouncer/pgpooler/internal/pool"
)

// Config is the top-level configuration for pgpooler, shaped directly on
// pgbouncer's own ini-file sections (here as YAML): a listen block, a
// pool_mode/pool_size default block, a databases block, and a users block.
type Config struct {
	Listen    ListenConfig              `yaml:"listen"`
	Defaults  PoolDefaults              `yaml:"defaults"`
	Databases map[string]DatabaseConfig `yaml:"databases"`
	Users     map[string]UserConfig     `yaml:"users"`
}

// ListenConfig defines the ports and bind addresses pgpooler listens on.
type ListenConfig struct {
	PostgresPort int    `yaml:"postgres_port"`
	APIPort      int    `yaml:"api_port"`
	APIBind      string `yaml:"api_bind"`
	APIKey       string `yaml:"api_key"`
	TLSCert      string `yaml:"tls_cert"`
	TLSKey       string `yaml:"tls_key"`
}

// PoolDefaults are applied to a DatabaseConfig wherever it leaves a knob
// unset, mirroring pgbouncer.ini's [pgbouncer] defaults section.
type PoolDefaults struct {
	PoolMode              string        `yaml:"pool_mode"`
	PoolSize              int           `yaml:"pool_size"`
	MinPoolSize           int           `yaml:"min_pool_size"`
	ReservePoolSize       int           `yaml:"reserve_pool_size"`
	ReservePoolTimeout    time.Duration `yaml:"reserve_pool_timeout"`
	ServerLifetime        time.Duration `yaml:"server_lifetime"`
	ServerIdleTimeout     time.Duration `yaml:"server_idle_timeout"`
	ServerConnectTimeout  time.Duration `yaml:"server_connect_timeout"`
	QueryWaitTimeout      time.Duration `yaml:"query_wait_timeout"`
	ClientIdleTimeout     time.Duration `yaml:"client_idle_timeout"`
	ClientLoginTimeout    time.Duration `yaml:"client_login_timeout"`
	IdleTransactionTimeout time.Duration `yaml:"idle_in_transaction_session_timeout"`
	MaxPreparedStatements int           `yaml:"max_prepared_statements"`
}

// DatabaseConfig holds the configuration for a single routable database
// entry, the YAML analogue of one line of pgbouncer.ini's [databases]
// section plus its per-database override knobs.
type DatabaseConfig struct {
	Host   string   `yaml:"host"`
	Hosts  []string `yaml:"hosts"`
	Port   int      `yaml:"port"`
	DBName string   `yaml:"dbname"`

	PoolMode    string `yaml:"pool_mode"`
	PoolSize    *int   `yaml:"pool_size,omitempty"`
	MinPoolSize *int   `yaml:"min_pool_size,omitempty"`

	ReservePoolSize    *int           `yaml:"reserve_pool_size,omitempty"`
	ReservePoolTimeout *time.Duration `yaml:"reserve_pool_timeout,omitempty"`

	MaxDBConnections       int `yaml:"max_db_connections"`
	MaxDBClientConnections int `yaml:"max_db_client_connections"`

	ConnectQuery           string        `yaml:"connect_query"`
	ServerResetQuery       string        `yaml:"server_reset_query"`
	ServerResetQueryAlways bool          `yaml:"server_reset_query_always"`
	ServerCheckQuery       string        `yaml:"server_check_query"`
	ServerCheckDelay       time.Duration `yaml:"server_check_delay"`

	ServerLifetime       *time.Duration `yaml:"server_lifetime,omitempty"`
	ServerIdleTimeout    *time.Duration `yaml:"server_idle_timeout,omitempty"`
	ServerConnectTimeout *time.Duration `yaml:"server_connect_timeout,omitempty"`

	QueryWaitTimeout       *time.Duration `yaml:"query_wait_timeout,omitempty"`
	ClientIdleTimeout      *time.Duration `yaml:"client_idle_timeout,omitempty"`
	ClientLoginTimeout     *time.Duration `yaml:"client_login_timeout,omitempty"`
	IdleTransactionTimeout *time.Duration `yaml:"idle_in_transaction_session_timeout,omitempty"`

	MaxPreparedStatements *int `yaml:"max_prepared_statements,omitempty"`

	AuthUser   string `yaml:"auth_user"`
	AuthQuery  string `yaml:"auth_query"`
	AuthDBName string `yaml:"auth_dbname"`
	ForcedUser string `yaml:"forced_user"`

	LoadBalanceHosts bool `yaml:"load_balance_hosts"`

	Users map[string]UserConfig `yaml:"users"`
}

// UserConfig holds one user's stored credential, either a precomputed
// md5 hash (the recommended, non-reversible form) or a plaintext
// password substituted in from the environment at load time.
type UserConfig struct {
	AuthMethod string `yaml:"auth_method"` // "md5", "scram-sha-256", "cleartext", "trust"
	Password   string `yaml:"password"`
	MD5Hash    string `yaml:"md5_hash"`

	PoolMode                 string `yaml:"pool_mode"`
	MaxUserConnections       int    `yaml:"max_user_connections"`
	MaxUserClientConnections int    `yaml:"max_user_client_connections"`
}

// TLSEnabled returns true if both TLS cert and key paths are configured.
func (lc ListenConfig) TLSEnabled() bool {
	return lc.TLSCert != "" && lc.TLSKey != ""
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// substituteEnvVars replaces ${VAR_NAME} patterns with environment variable values.
func substituteEnvVars(data []byte) []byte {
	return envVarPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := envVarPattern.FindSubmatch(match)[1]
		if val, ok := os.LookupEnv(string(varName)); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a YAML config file with env var substitution.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	data = substituteEnvVars(data)

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	applyDefaults(cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Listen.PostgresPort == 0 {
		cfg.Listen.PostgresPort = 6432
	}
	if cfg.Listen.APIPort == 0 {
		cfg.Listen.APIPort = 8080
	}
	if cfg.Listen.APIBind == "" {
		cfg.Listen.APIBind = "127.0.0.1"
	}
	if cfg.Defaults.PoolMode == "" {
		cfg.Defaults.PoolMode = "session"
	}
	if cfg.Defaults.PoolSize == 0 {
		cfg.Defaults.PoolSize = 20
	}
	if cfg.Defaults.ReservePoolTimeout == 0 {
		cfg.Defaults.ReservePoolTimeout = 5 * time.Second
	}
	if cfg.Defaults.ServerLifetime == 0 {
		cfg.Defaults.ServerLifetime = time.Hour
	}
	if cfg.Defaults.ServerIdleTimeout == 0 {
		cfg.Defaults.ServerIdleTimeout = 10 * time.Minute
	}
	if cfg.Defaults.ServerConnectTimeout == 0 {
		cfg.Defaults.ServerConnectTimeout = 15 * time.Second
	}
	if cfg.Defaults.QueryWaitTimeout == 0 {
		cfg.Defaults.QueryWaitTimeout = 2 * time.Minute
	}
	if cfg.Defaults.ClientIdleTimeout == 0 {
		cfg.Defaults.ClientIdleTimeout = 0 // disabled by default, matching pgbouncer
	}
	if cfg.Defaults.ClientLoginTimeout == 0 {
		cfg.Defaults.ClientLoginTimeout = 60 * time.Second
	}
	if cfg.Defaults.MaxPreparedStatements == 0 {
		cfg.Defaults.MaxPreparedStatements = 200
	}
}

func validate(cfg *Config) error {
	for name, db := range cfg.Databases {
		if db.Host == "" && len(db.Hosts) == 0 {
			return fmt.Errorf("database %q: host is required", name)
		}
		if db.Port == 0 {
			return fmt.Errorf("database %q: port is required", name)
		}
		if db.DBName == "" {
			return fmt.Errorf("database %q: dbname is required", name)
		}
	}
	return nil
}

// Resolve builds the pool.Database and pool.GlobalUser maps the engine
// needs from the parsed config, applying PoolDefaults wherever a database
// leaves a knob unset; credentials are copied as configured, with no hash
// derived here. This is the
// seam between the on-disk config shape and internal/pool's runtime model.
func Resolve(cfg *Config) (map[string]*pool.Database, map[string]*pool.GlobalUser, error) {
	databases := make(map[string]*pool.Database, len(cfg.Databases))
	users := make(map[string]*pool.GlobalUser)

	for name, dc := range cfg.Databases {
		db := &pool.Database{
			Name:                   name,
			Hosts:                  effectiveHosts(dc),
			Port:                   dc.Port,
			DBName:                 dc.DBName,
			PoolMode:               effectivePoolModeString(dc.PoolMode, cfg.Defaults.PoolMode),
			PoolSize:               intOr(dc.PoolSize, cfg.Defaults.PoolSize),
			MinPoolSize:            intOr(dc.MinPoolSize, cfg.Defaults.MinPoolSize),
			ReservePoolSize:        intOr(dc.ReservePoolSize, cfg.Defaults.ReservePoolSize),
			ReservePoolTimeout:     durOr(dc.ReservePoolTimeout, cfg.Defaults.ReservePoolTimeout),
			MaxDBConnections:       dc.MaxDBConnections,
			MaxDBClientConnections: dc.MaxDBClientConnections,
			ConnectQuery:           dc.ConnectQuery,
			ServerResetQuery:       dc.ServerResetQuery,
			ServerResetQueryAlways: dc.ServerResetQueryAlways,
			ServerCheckQuery:       dc.ServerCheckQuery,
			ServerCheckDelay:       dc.ServerCheckDelay,
			ServerLifetime:         durOr(dc.ServerLifetime, cfg.Defaults.ServerLifetime),
			ServerIdleTimeout:      durOr(dc.ServerIdleTimeout, cfg.Defaults.ServerIdleTimeout),
			ServerConnectTimeout:   durOr(dc.ServerConnectTimeout, cfg.Defaults.ServerConnectTimeout),
			QueryWaitTimeout:       durOr(dc.QueryWaitTimeout, cfg.Defaults.QueryWaitTimeout),
			ClientIdleTimeout:      durOr(dc.ClientIdleTimeout, cfg.Defaults.ClientIdleTimeout),
			ClientLoginTimeout:     durOr(dc.ClientLoginTimeout, cfg.Defaults.ClientLoginTimeout),
			IdleTransactionTimeout: durOr(dc.IdleTransactionTimeout, cfg.Defaults.IdleTransactionTimeout),
			MaxPreparedStatements:  intOr(dc.MaxPreparedStatements, cfg.Defaults.MaxPreparedStatements),
			AuthUser:               dc.AuthUser,
			AuthQuery:              dc.AuthQuery,
			AuthDBName:             dc.AuthDBName,
			ForcedUser:             dc.ForcedUser,
			LoadBalanceHosts:       dc.LoadBalanceHosts,
			Users:                  make(map[string]*pool.Credential, len(dc.Users)),
		}

		for uname, uc := range dc.Users {
			cred, err := resolveCredential(uname, uc)
			if err != nil {
				return nil, nil, fmt.Errorf("database %q user %q: %w", name, uname, err)
			}
			db.Users[uname] = cred
			registerGlobalUser(users, uname, uc)
			if users[uname].Cred.Name == "" {
				users[uname].Cred = *cred
			}
		}

		databases[name] = db
	}

	for uname, uc := range cfg.Users {
		registerGlobalUser(users, uname, uc)
	}

	return databases, users, nil
}

func registerGlobalUser(users map[string]*pool.GlobalUser, name string, uc UserConfig) {
	if _, ok := users[name]; ok {
		return
	}
	users[name] = &pool.GlobalUser{
		Name:                     name,
		PoolMode:                 pool.PoolMode(uc.PoolMode),
		MaxUserConnections:       uc.MaxUserConnections,
		MaxUserClientConnections: uc.MaxUserClientConnections,
	}
}

func resolveCredential(name string, uc UserConfig) (*pool.Credential, error) {
	cred := &pool.Credential{Name: name, Password: uc.Password, MD5Hash: uc.MD5Hash}
	switch uc.AuthMethod {
	case "", "md5":
		cred.Method = pool.AuthMethodMD5
	case "scram-sha-256":
		cred.Method = pool.AuthMethodSCRAMSHA256
	case "cleartext":
		cred.Method = pool.AuthMethodCleartext
	case "trust":
		cred.Method = pool.AuthMethodTrust
	default:
		return nil, fmt.Errorf("unsupported auth_method %q", uc.AuthMethod)
	}
	return cred, nil
}

func effectiveHosts(dc DatabaseConfig) []string {
	if len(dc.Hosts) > 0 {
		return dc.Hosts
	}
	if dc.Host != "" {
		return []string{dc.Host}
	}
	return nil
}

func effectivePoolModeString(override, fallback string) pool.PoolMode {
	if override != "" {
		return pool.PoolMode(override)
	}
	return pool.PoolMode(fallback)
}

func intOr(override *int, fallback int) int {
	if override != nil {
		return *override
	}
	return fallback
}

func durOr(override *time.Duration, fallback time.Duration) time.Duration {
	if override != nil {
		return *override
	}
	return fallback
}

// Watcher watches a config file for changes and calls the callback with the new config.
type Watcher struct {
	path     string
	callback func(*Config)
	watcher  *fsnotify.Watcher
	mu       sync.Mutex
	stopCh   chan struct{}
}

// NewWatcher creates a new config file watcher.
func NewWatcher(path string, callback func(*Config)) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}

	if err := w.Add(path); err != nil {
		w.Close()
		return nil, fmt.Errorf("watching config file: %w", err)
	}

	cw := &Watcher{
		path:     path,
		callback: callback,
		watcher:  w,
		stopCh:   make(chan struct{}),
	}

	go cw.run()
	return cw, nil
}

func (cw *Watcher) run() {
	// Debounce timer to avoid rapid reloads
	var debounce *time.Timer
	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(500*time.Millisecond, func() {
					cw.reload()
				})
			}
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("[config] watcher error: %v", err)
		case <-cw.stopCh:
			return
		}
	}
}

func (cw *Watcher) reload() {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	cfg, err := Load(cw.path)
	if err != nil {
		log.Printf("[config] hot-reload failed: %v", err)
		return
	}

	log.Printf("[config] configuration reloaded from %s", cw.path)
	cw.callback(cfg)
}

// Stop stops the config watcher.
func (cw *Watcher) Stop() error {
	close(cw.stopCh)
	return cw.watcher.Close()
}
