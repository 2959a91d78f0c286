package config // package config loads application configuration from environment variables

import (
	"log"     // log is used to report configuration errors and halt execution
	"os"      // os provides access to environment variables
	"strconv" // strconv converts strings to other types
	"time"

	"github.com/iliyamo/account-guard/internal/integrity"
	"github.com/iliyamo/account-guard/internal/keyring"
	"github.com/iliyamo/account-guard/internal/lock"
)

// Config holds all runtime configuration values.  Each field corresponds to
// an environment variable; root keys are decoded into Keys once at boot and
// shared read-only afterwards.
type Config struct {
	Env        string // application environment (e.g. "dev", "prod")
	Port       string // HTTP port to listen on
	DBUser     string // database username
	DBPass     string // database password (optional)
	DBHost     string // database host address
	DBPort     string // database port number
	DBName     string // database name
	DBMaxConns int    // connection pool size
	BcryptCost int    // bcrypt cost for password hashing

	Keys   *keyring.Ring    // ROOT_KEY_* root secrets
	Bounds integrity.Bounds // checksum iteration bounds

	LockBackend string        // "redis" or "memory"
	LockPoll    time.Duration // poll interval while waiting for a lock
	LockTimeout time.Duration // maximum wait for a lock
	LockLease   time.Duration // lease after which a crashed holder loses the lock

	RabbitURL      string // broker for security events; empty disables publishing
	SecurityLogDir string // where the consumer writes security.log
	StartConsumer  bool   // run the security event consumer in-process

	SessionMaxAge  time.Duration // sessions older than this are archived
	RetentionEvery time.Duration // purge interval
	TOTPIssuer     string        // issuer shown by authenticator apps
}

// Load reads configuration values from environment variables and returns a
// Config.  Required variables are enforced by must() and missing or unsafe
// values cause the program to exit with a fatal log message.
func Load() Config {
	keys, err := keyring.FromEnv()
	if err != nil {
		log.Fatalf("root keys: %v", err)
	}
	bounds := integrity.Bounds{
		Base: envInt("CHECKSUM_ITERATIONS_BASE", integrity.DefaultBounds.Base),
		Min:  envInt("CHECKSUM_ITERATIONS_MIN", integrity.DefaultBounds.Min),
		Max:  envInt("CHECKSUM_ITERATIONS_MAX", integrity.DefaultBounds.Max),
	}
	if err := bounds.Validate(); err != nil {
		log.Fatalf("checksum bounds: %v", err)
	}

	return Config{
		Env:        must("APP_ENV"),                // environment (dev/test/prod)
		Port:       must("APP_PORT"),               // port to bind the HTTP server
		DBUser:     must("DB_USER"),                // database user
		DBPass:     os.Getenv("DB_PASS"),           // database password (empty allowed)
		DBHost:     must("DB_HOST"),                // database host
		DBPort:     must("DB_PORT"),                // database port
		DBName:     must("DB_NAME"),                // database name
		DBMaxConns: envInt("DB_MAX_CONNS", 25),     // pool size
		BcryptCost: mustInt("BCRYPT_COST"),         // bcrypt cost factor

		Keys:   keys,
		Bounds: bounds,

		LockBackend: envStr("LOCK_BACKEND", "redis"),
		LockPoll:    envDur("LOCK_POLL", lock.DefaultPoll),
		LockTimeout: envDur("LOCK_TIMEOUT", lock.DefaultTimeout),
		LockLease:   envDur("LOCK_LEASE", lock.DefaultLease),

		RabbitURL:      os.Getenv("RABBITMQ_URL"),
		SecurityLogDir: envStr("SECURITY_LOG_DIR", "logs"),
		StartConsumer:  envBool("SECURITY_CONSUMER_ENABLED", true),

		SessionMaxAge:  envDur("SESSION_MAX_AGE", 30*24*time.Hour),
		RetentionEvery: envDur("SESSION_PURGE_INTERVAL", time.Hour),
		TOTPIssuer:     envStr("TOTP_ISSUER", "account-guard"),
	}
}

// must retrieves the value of a required environment variable.  If the
// variable is unset or empty, the application logs a fatal error and exits.
func must(key string) string {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		log.Fatalf("missing required env var: %s", key)
	}
	return v
}

// mustInt is like must() but converts the retrieved string into an integer.
// If conversion fails, the application logs a fatal error and exits.
func mustInt(key string) int {
	s := must(key)
	n, err := strconv.Atoi(s)
	if err != nil {
		log.Fatalf("invalid int for %s: %q", key, s)
	}
	return n
}
