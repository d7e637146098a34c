// Package cfg holds the server configuration. Values come from flags, an
// optional YAML file, an optional .env file and BRANDPLOT_* environment
// variables. Precedence: cli flag > env var > config file > default.
package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/brandplot/brandplot-server/internal/log"
)

// EnvPrefix is prepended to upper-cased flag names to form env var names.
const EnvPrefix = "BRANDPLOT_"

// Cache backends.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendS3       = "s3"
	BackendDynamoDB = "dynamodb"
)

type App struct {
	ConfigFile string
	EnvFile    string

	LogJSON         bool
	LogLevel        string
	StacktraceLevel string
	MaxErrorLinks   int

	HTTPPort        int
	AdminPort       int
	MaxBodyBytes    int64
	ClientIPRemote  bool
	EnablePprof     bool
	EnablePyroscope bool
	EnableTracing   bool
	PyroServer      string
	PyroTenantID    string
	OTLPEndpoint    string
	TraceSample     float64

	BurstPerSecond   float64
	BurstSize        int
	BurstIdleTTL     time.Duration
	BurstMaxVisitors int

	RateLimitMaxRequests   int
	RateLimitWindow        time.Duration
	RateLimitSweepInterval time.Duration

	CacheBackend   string
	CacheTTLHours  int
	CacheKeyPrefix string
	CacheKMSKeyID  string

	RedisAddr             string
	RedisDB               int
	RedisPasswordSSMParam string

	S3Bucket string
	S3Prefix string

	DynamoDBTable string
}

// CacheTTL converts the hour-based setting to a duration.
func (c App) CacheTTL() time.Duration { return time.Duration(c.CacheTTLHours) * time.Hour }

// Register binds all config fields to the given FlagSet with defaults inline
func Register(fs *flag.FlagSet, c *App) {
	fs.StringVar(&c.ConfigFile, "config", "", "optional YAML config file (flag names as keys)")
	fs.StringVar(&c.EnvFile, "env-file", "", "optional .env file loaded before reading BRANDPLOT_* variables")

	fs.BoolVar(&c.LogJSON, "log-json", true, "JSON logs (true) or logfmt (false)")
	fs.StringVar(&c.LogLevel, "log-level", "info", "debug|info|warn|error")
	fs.StringVar(&c.StacktraceLevel, "stacktrace-level", "error", "debug|info|warn|error")
	fs.IntVar(&c.MaxErrorLinks, "max-error-links", 8, "max error chain depth rendered in logs (1..64)")

	fs.IntVar(&c.HTTPPort, "http-port", 8080, "listen TCP port (1..65535)")
	fs.IntVar(&c.AdminPort, "admin-port", 9000, "admin listen TCP port (1..65535)")
	fs.Int64Var(&c.MaxBodyBytes, "max-body-bytes", 64<<10, "max accepted request body in bytes")
	fs.BoolVar(&c.ClientIPRemote, "client-ip-remote-fallback", false, "use the connection peer address instead of \"unknown\" when no client ip header is present")
	fs.BoolVar(&c.EnablePprof, "enable-pprof", true, "Enable pprof profiling (on admin port only)")
	fs.BoolVar(&c.EnableTracing, "enable-tracing", false, "Enable OTLP tracing and push to otlp-endpoint")
	fs.BoolVar(&c.EnablePyroscope, "enable-pyroscope", false, "Enable pushing Pyroscope data to server set in -pyro-server")
	fs.StringVar(&c.PyroServer, "pyro-server", "", "pyroscope server url to push to")
	fs.StringVar(&c.PyroTenantID, "pyro-tenant", "", "tenant (x-scope-orgid) to use for pyro-server")
	fs.StringVar(&c.OTLPEndpoint, "otlp-endpoint", "", "OTLP endpoint to push to (gRPC) (host:port)")
	fs.Float64Var(&c.TraceSample, "trace-sample", 0.0, "trace sampling ratio (0..1)")

	fs.Float64Var(&c.BurstPerSecond, "burst-per-second", 10, "site-wide token refill rate per client")
	fs.IntVar(&c.BurstSize, "burst-size", 30, "site-wide token bucket size per client")
	fs.DurationVar(&c.BurstIdleTTL, "burst-idle-ttl", 5*time.Minute, "idle time before a client's bucket is evicted")
	fs.IntVar(&c.BurstMaxVisitors, "burst-max-visitors", 100000, "max tracked clients for the burst limiter (0 = unlimited)")

	fs.IntVar(&c.RateLimitMaxRequests, "ratelimit-max-requests", 3, "requests allowed per client per window on metered endpoints")
	fs.DurationVar(&c.RateLimitWindow, "ratelimit-window", 24*time.Hour, "metered endpoint window length")
	fs.DurationVar(&c.RateLimitSweepInterval, "ratelimit-sweep-interval", 30*time.Minute, "how often expired window records are swept")

	fs.StringVar(&c.CacheBackend, "cache-backend", BackendMemory, "memory|redis|s3|dynamodb")
	fs.IntVar(&c.CacheTTLHours, "cache-ttl-hours", 24, "hours a stored brand result stays valid after its last write")
	fs.StringVar(&c.CacheKeyPrefix, "cache-key-prefix", "brandplot:result:", "storage key prefix for brand results")
	fs.StringVar(&c.CacheKMSKeyID, "cache-kms-key-id", "", "KMS key id/arn used to seal stored results (empty disables)")

	fs.StringVar(&c.RedisAddr, "redis-addr", "localhost:6379", "redis host:port for the redis backend")
	fs.IntVar(&c.RedisDB, "redis-db", 0, "redis logical database")
	fs.StringVar(&c.RedisPasswordSSMParam, "redis-password-ssm-param", "", "SSM parameter holding the redis password")

	fs.StringVar(&c.S3Bucket, "s3-bucket", "", "bucket for the s3 backend")
	fs.StringVar(&c.S3Prefix, "s3-prefix", "brandplot/results", "object key prefix for the s3 backend")

	fs.StringVar(&c.DynamoDBTable, "dynamodb-table", "", "table for the dynamodb backend (partition key \"key\")")
}

// Explicit returns the names of flags that were set on the command line.
// Call it right after Parse, before any file or env filling.
func Explicit(fs *flag.FlagSet) map[string]bool {
	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })
	return explicit
}

// EnvKey maps flag "foo-bar" to PREFIX_FOO_BAR.
func EnvKey(prefix, flagName string) string {
	return prefix + strings.ReplaceAll(strings.ToUpper(flagName), "-", "_")
}

// FillFromEnv sets any flag not in explicit from environment variables.
func FillFromEnv(fs *flag.FlagSet, prefix string, explicit map[string]bool, logf func(string, ...any)) {
	fs.VisitAll(func(f *flag.Flag) {
		key := EnvKey(prefix, f.Name)
		envVal, envSet := os.LookupEnv(key)
		if !envSet {
			return
		}
		if explicit[f.Name] {
			if logf != nil {
				logf("flag -%s: cli value %q overrides env %s=%q", f.Name, f.Value.String(), key, envVal)
			}
			return
		}
		prev := f.Value.String()
		if err := fs.Set(f.Name, envVal); err != nil {
			_ = fs.Set(f.Name, prev)
			if logf != nil {
				logf("flag -%s: ignoring invalid env %s=%q: %v", f.Name, key, envVal, err)
			}
		}
	})
}

// Validate checks that config values are within expected ranges and formats.
// Returns an error describing all invalid fields, or nil if all valid.
func Validate(c App) error {
	var errs []error

	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.HTTPPort))
	}
	if c.AdminPort < 1 || c.AdminPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid ADMIN_PORT %d (must be 1..65535)", c.AdminPort))
	}
	if c.AdminPort == c.HTTPPort {
		errs = append(errs, fmt.Errorf("ADMIN_PORT and HTTP_PORT must differ (both %d)", c.HTTPPort))
	}
	if c.MaxBodyBytes < 1 {
		errs = append(errs, fmt.Errorf("MAX_BODY_BYTES must be positive (got %d)", c.MaxBodyBytes))
	}

	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("invalid LOG_LEVEL %q: %w", c.LogLevel, err))
	}
	if c.StacktraceLevel != "" {
		if _, err := log.ParseLevel(c.StacktraceLevel); err != nil {
			errs = append(errs, fmt.Errorf("invalid STACKTRACE_LEVEL %q: %w", c.StacktraceLevel, err))
		}
	}
	if c.MaxErrorLinks < 1 || c.MaxErrorLinks > 64 {
		errs = append(errs, fmt.Errorf("MAX_ERROR_LINKS must be 1..64 (got %d)", c.MaxErrorLinks))
	}

	if c.TraceSample < 0 || c.TraceSample > 1 {
		errs = append(errs, fmt.Errorf("invalid TRACE_SAMPLE %.3f (must be 0..1)", c.TraceSample))
	}
	if c.EnablePyroscope {
		if c.PyroServer == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER required when ENABLE_PYROSCOPE=true"))
		} else if u, err := url.Parse(c.PyroServer); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER must be a URL (got %q)", c.PyroServer))
		}
		if c.PyroTenantID == "" {
			errs = append(errs, fmt.Errorf("PYRO_TENANT required when ENABLE_PYROSCOPE=true"))
		}
	}
	// grpc exporter wants host:port, no scheme
	if c.EnableTracing {
		if c.OTLPEndpoint == "" {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT required when ENABLE_TRACING=true"))
		} else if _, _, err := net.SplitHostPort(c.OTLPEndpoint); err != nil {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT must be host:port (got %q): %v", c.OTLPEndpoint, err))
		}
	}

	if c.BurstPerSecond <= 0 {
		errs = append(errs, fmt.Errorf("BURST_PER_SECOND must be positive (got %v)", c.BurstPerSecond))
	}
	if c.BurstSize < 1 {
		errs = append(errs, fmt.Errorf("BURST_SIZE must be at least 1 (got %d)", c.BurstSize))
	}
	if c.BurstIdleTTL <= 0 {
		errs = append(errs, fmt.Errorf("BURST_IDLE_TTL must be positive (got %s)", c.BurstIdleTTL))
	}
	if c.BurstMaxVisitors < 0 {
		errs = append(errs, fmt.Errorf("BURST_MAX_VISITORS must not be negative (got %d)", c.BurstMaxVisitors))
	}

	if c.RateLimitMaxRequests < 1 {
		errs = append(errs, fmt.Errorf("RATELIMIT_MAX_REQUESTS must be at least 1 (got %d)", c.RateLimitMaxRequests))
	}
	if c.RateLimitWindow <= 0 {
		errs = append(errs, fmt.Errorf("RATELIMIT_WINDOW must be positive (got %s)", c.RateLimitWindow))
	}
	if c.RateLimitSweepInterval <= 0 {
		errs = append(errs, fmt.Errorf("RATELIMIT_SWEEP_INTERVAL must be positive (got %s)", c.RateLimitSweepInterval))
	}

	if c.CacheTTLHours < 1 {
		errs = append(errs, fmt.Errorf("CACHE_TTL_HOURS must be at least 1 (got %d)", c.CacheTTLHours))
	}
	if c.CacheKeyPrefix == "" {
		errs = append(errs, fmt.Errorf("CACHE_KEY_PREFIX is required"))
	}
	switch c.CacheBackend {
	case BackendMemory:
	case BackendRedis:
		if _, _, err := net.SplitHostPort(c.RedisAddr); err != nil {
			errs = append(errs, fmt.Errorf("REDIS_ADDR must be host:port (got %q): %v", c.RedisAddr, err))
		}
		if c.RedisDB < 0 {
			errs = append(errs, fmt.Errorf("REDIS_DB must not be negative (got %d)", c.RedisDB))
		}
	case BackendS3:
		if c.S3Bucket == "" {
			errs = append(errs, fmt.Errorf("S3_BUCKET required when CACHE_BACKEND=s3"))
		}
	case BackendDynamoDB:
		if c.DynamoDBTable == "" {
			errs = append(errs, fmt.Errorf("DYNAMODB_TABLE required when CACHE_BACKEND=dynamodb"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid CACHE_BACKEND %q (memory|redis|s3|dynamodb)", c.CacheBackend))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// NeedsAWS reports whether any configured component talks to AWS.
func (c App) NeedsAWS() bool {
	return c.CacheBackend == BackendS3 ||
		c.CacheBackend == BackendDynamoDB ||
		c.CacheKMSKeyID != "" ||
		c.RedisPasswordSSMParam != ""
}
