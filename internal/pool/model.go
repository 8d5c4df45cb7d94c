package pool

import "time"

// AuthMethod names how a Credential's password is stored/verified.
type AuthMethod int

const (
	AuthMethodMD5 AuthMethod = iota
	AuthMethodSCRAMSHA256
	AuthMethodCleartext
	AuthMethodTrust
)

// Credential holds one user's stored authentication material, grounded on
// the teacher's authenticatePG MD5/SCRAM branches (internal/pool/pool.go,
// internal/pool/scram.go), generalized from "per-tenant single password"
// to "per-user stored verifier" keyed independently of any one database.
type Credential struct {
	Name          string
	Method        AuthMethod
	Password      string // plaintext; used for server auth, and for the client MD5 check when MD5Hash is empty
	MD5Hash       string // "md5" + hex(md5(password+username)), as given in config
	SCRAMVerifier string // mechanism-specific stored key; not set or read by this package
}

// GlobalUser is a user identity shared across every Database it is
// authorized against, carrying connection-limit and pool-mode overrides
// that apply regardless of which database it connects through.
type GlobalUser struct {
	Name     string
	Cred     Credential
	PoolMode PoolMode // "" = inherit from Database

	MaxUserConnections       int // 0 = unlimited
	MaxUserClientConnections int

	ConnectedServers int
	ConnectedClients int
}

// PoolMode is the pooling discipline spec.md §1 defines.
type PoolMode string

const (
	PoolModeSession     PoolMode = "session"
	PoolModeTransaction PoolMode = "transaction"
	PoolModeStatement   PoolMode = "statement"
)

// Database is one routable target, keyed by name as clients see it in
// their startup "database" parameter. Grounded on the teacher's
// TenantConfig (internal/config/config.go), generalized from
// tenant-with-defaults to the full pgbouncer-style per-database knob set
// spec.md §3/§9 calls for.
type Database struct {
	Name   string
	Hosts  []string
	Port   int
	DBName string // actual database name on the backend, if different from Name

	PoolMode   PoolMode
	PoolSize   int
	MinPoolSize int

	ReservePoolSize    int
	ReservePoolTimeout time.Duration

	MaxDBConnections       int
	MaxDBClientConnections int

	ConnectQuery          string
	ServerResetQuery      string
	ServerResetQueryAlways bool
	ServerCheckQuery      string
	ServerCheckDelay      time.Duration

	ServerLifetime       time.Duration
	ServerIdleTimeout    time.Duration
	ServerConnectTimeout time.Duration
	ServerLoginRetry     time.Duration

	QueryTimeout            time.Duration
	QueryWaitTimeout        time.Duration
	ClientIdleTimeout       time.Duration
	ClientLoginTimeout      time.Duration
	IdleTransactionTimeout  time.Duration

	MaxPreparedStatements int

	AuthUser   string
	AuthQuery  string
	AuthDBName string
	ForcedUser string

	PeerID           int
	LoadBalanceHosts bool

	Paused   bool
	WaitClose bool
	Dead     bool
	Auto     bool // created on the fly via "*" wildcard / auto-discovery
	Disabled bool

	Users map[string]*Credential
}

// Stats is one rotating bucket of cumulative counters, spec.md §4.I's
// stats-bucket rotation (older_stats/newer_stats/stats in SHOW STATS).
// Grounded on openwengo-pgbouncer_exporter's collector_types.go column
// vocabulary (total_xact_count, total_query_count, total_*_time, etc.),
// which named exactly this counter set for the admin console to expose.
type Stats struct {
	TotalXactCount    int64
	TotalQueryCount   int64
	TotalReceived     int64
	TotalSent         int64
	TotalXactTime     int64 // microseconds
	TotalQueryTime    int64
	TotalWaitTime     int64
}

func (s *Stats) Add(other Stats) {
	s.TotalXactCount += other.TotalXactCount
	s.TotalQueryCount += other.TotalQueryCount
	s.TotalReceived += other.TotalReceived
	s.TotalSent += other.TotalSent
	s.TotalXactTime += other.TotalXactTime
	s.TotalQueryTime += other.TotalQueryTime
	s.TotalWaitTime += other.TotalWaitTime
}
