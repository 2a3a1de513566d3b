// Package config loads collector configuration from an optional YAML file,
// a .env file and environment variables (env always wins).
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Default configuration values.
const (
	defaultServiceName    = "conteo-collector"
	defaultServicePort    = 8080
	defaultVersion        = "0.1.0"
	defaultRequestTimeout = 15 * time.Second

	defaultPGHost    = "localhost"
	defaultPGPort    = 5432
	defaultPGUser    = "postgres"
	defaultPGName    = "conteo"
	defaultPGSSLMode = "disable"

	defaultCHHost = "localhost"
	defaultCHPort = 9000
	defaultCHName = "conteo"

	defaultSiteCacheTTL   = 5 * time.Minute
	defaultConvMode       = ConversionModeFull
	defaultCurrency       = "EUR"
	defaultRateLimitRPS   = 20
	defaultRateLimitBurst = 40
	defaultLateArrival    = 30 * time.Minute

	defaultGeoCountryHeader = "X-Vercel-IP-Country"
	defaultGeoCityHeader    = "X-Vercel-IP-City"
	defaultGeoRegionHeader  = "X-Vercel-IP-Country-Region"

	defaultLoggingLevel = "info"
	defaultLoggingFmt   = "json"
)

// Conversion modes. See IngestionConfig.ConversionMode.
const (
	ConversionModeFull         = "full"
	ConversionModePurchaseOnly = "purchase_only"
)

// Config holds the application configuration.
type Config struct {
	Service    ServiceConfig    `yaml:"service"`
	Postgres   PostgresConfig   `yaml:"postgres"`
	ClickHouse ClickHouseConfig `yaml:"clickhouse"`
	Redis      RedisConfig      `yaml:"redis"`
	Ingestion  IngestionConfig  `yaml:"ingestion"`
	Auth       AuthConfig       `yaml:"auth"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ServiceConfig holds service-level configuration.
type ServiceConfig struct {
	Name           string        `yaml:"name"`
	Version        string        `yaml:"version"`
	Port           int           `env:"PORT"            yaml:"port"`
	Debug          bool          `env:"APP_DEBUG"       yaml:"debug"`
	RequestTimeout time.Duration `env:"REQUEST_TIMEOUT" yaml:"request_timeout"`
}

// PostgresConfig holds the connection settings for the site registry and
// conversion store.
type PostgresConfig struct {
	URL      string `env:"DATABASE_URL"      yaml:"url"`
	Host     string `env:"POSTGRES_HOST"     yaml:"host"`
	Port     int    `env:"POSTGRES_PORT"     yaml:"port"`
	User     string `env:"POSTGRES_USER"     yaml:"user"`
	Password string `env:"POSTGRES_PASSWORD" yaml:"password"`
	Database string `env:"POSTGRES_DB"       yaml:"database"`
	SSLMode  string `env:"POSTGRES_SSLMODE"  yaml:"sslmode"`
}

// DSN returns the PostgreSQL connection string. An explicit URL wins.
func (p *PostgresConfig) DSN() string {
	if p.URL != "" {
		return p.URL
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

// MigrateURL returns the URL form golang-migrate expects.
func (p *PostgresConfig) MigrateURL() string {
	if p.URL != "" {
		return p.URL
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		p.User, p.Password, p.Host, p.Port, p.Database, p.SSLMode,
	)
}

// ClickHouseConfig holds the native-protocol settings for the event store.
type ClickHouseConfig struct {
	Host     string `env:"CLICKHOUSE_HOST"        yaml:"host"`
	Port     int    `env:"CLICKHOUSE_NATIVE_PORT" yaml:"port"`
	Database string `env:"CLICKHOUSE_DB_NAME"     yaml:"database"`
	Username string `env:"CLICKHOUSE_USERNAME"    yaml:"username"`
	Password string `env:"CLICKHOUSE_PASSWORD"    yaml:"password"`
}

// Addr returns host:port.
func (c *ClickHouseConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// RedisConfig configures the site registry cache. An empty address disables it.
type RedisConfig struct {
	Address      string        `env:"REDIS_ADDRESS"        yaml:"address"`
	Password     string        `env:"REDIS_PASSWORD"       yaml:"password"`
	DB           int           `env:"REDIS_DB"             yaml:"db"`
	SiteCacheTTL time.Duration `env:"REDIS_SITE_CACHE_TTL" yaml:"site_cache_ttl"`
}

// IngestionConfig holds ingestion behaviour switches.
type IngestionConfig struct {
	// ConversionMode is "full" (view, checkout, purchase) or "purchase_only".
	ConversionMode  string `env:"CONVERSION_MODE"  yaml:"conversion_mode"`
	DefaultCurrency string `env:"DEFAULT_CURRENCY" yaml:"default_currency"`
	RateLimitRPS    int    `env:"RATE_LIMIT_RPS"   yaml:"rate_limit_rps"`
	RateLimitBurst  int    `env:"RATE_LIMIT_BURST" yaml:"rate_limit_burst"`

	// LateArrivalWindow is how long after a purchase a view or checkout
	// signal the purchase had to infer is still attributed to that record.
	LateArrivalWindow time.Duration `env:"CONVERSION_LATE_ARRIVAL_WINDOW" yaml:"late_arrival_window"`

	GeoCountryHeader string `env:"GEO_COUNTRY_HEADER" yaml:"geo_country_header"`
	GeoCityHeader    string `env:"GEO_CITY_HEADER"    yaml:"geo_city_header"`
	GeoRegionHeader  string `env:"GEO_REGION_HEADER"  yaml:"geo_region_header"`

	// TrustedProxies is a comma-separated list of IPs or CIDRs whose
	// forwarding headers are honoured. Empty trusts none.
	TrustedProxies string `env:"TRUSTED_PROXIES" yaml:"trusted_proxies"`
}

// Proxies splits TrustedProxies into its entries.
func (in *IngestionConfig) Proxies() []string {
	var out []string
	for _, p := range strings.Split(in.TrustedProxies, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// AuthConfig holds the secret used to verify service tokens on internal routes.
type AuthConfig struct {
	JWTSecret string `env:"JWT_SECRET_KEY" yaml:"jwt_secret"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `env:"LOG_LEVEL"  yaml:"level"`
	Format string `env:"LOG_FORMAT" yaml:"format"`
}

// ValidationError describes one invalid configuration field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Load reads .env, then the YAML file at path (if it exists), applies
// defaults and finally environment overrides.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)
	setDefaults(cfg)
	return cfg, nil
}

// GetConfigPath returns CONFIG_PATH or the given default.
func GetConfigPath(defaultPath string) string {
	if path := os.Getenv("CONFIG_PATH"); path != "" {
		return path
	}
	return defaultPath
}

func setDefaults(cfg *Config) {
	setServiceDefaults(&cfg.Service)
	setPostgresDefaults(&cfg.Postgres)
	setClickHouseDefaults(&cfg.ClickHouse)
	setRedisDefaults(&cfg.Redis)
	setIngestionDefaults(&cfg.Ingestion)
	setLoggingDefaults(&cfg.Logging)
}

func setServiceDefaults(svc *ServiceConfig) {
	if svc.Name == "" {
		svc.Name = defaultServiceName
	}
	if svc.Version == "" {
		svc.Version = defaultVersion
	}
	if svc.Port == 0 {
		svc.Port = defaultServicePort
	}
	if svc.RequestTimeout == 0 {
		svc.RequestTimeout = defaultRequestTimeout
	}
}

func setPostgresDefaults(pg *PostgresConfig) {
	if pg.Host == "" {
		pg.Host = defaultPGHost
	}
	if pg.Port == 0 {
		pg.Port = defaultPGPort
	}
	if pg.User == "" {
		pg.User = defaultPGUser
	}
	if pg.Database == "" {
		pg.Database = defaultPGName
	}
	if pg.SSLMode == "" {
		pg.SSLMode = defaultPGSSLMode
	}
}

func setClickHouseDefaults(ch *ClickHouseConfig) {
	if ch.Host == "" {
		ch.Host = defaultCHHost
	}
	if ch.Port == 0 {
		ch.Port = defaultCHPort
	}
	if ch.Database == "" {
		ch.Database = defaultCHName
	}
}

func setRedisDefaults(r *RedisConfig) {
	if r.SiteCacheTTL == 0 {
		r.SiteCacheTTL = defaultSiteCacheTTL
	}
}

func setIngestionDefaults(in *IngestionConfig) {
	if in.ConversionMode == "" {
		in.ConversionMode = defaultConvMode
	}
	if in.DefaultCurrency == "" {
		in.DefaultCurrency = defaultCurrency
	}
	if in.RateLimitRPS == 0 {
		in.RateLimitRPS = defaultRateLimitRPS
	}
	if in.RateLimitBurst == 0 {
		in.RateLimitBurst = defaultRateLimitBurst
	}
	if in.LateArrivalWindow == 0 {
		in.LateArrivalWindow = defaultLateArrival
	}
	if in.GeoCountryHeader == "" {
		in.GeoCountryHeader = defaultGeoCountryHeader
	}
	if in.GeoCityHeader == "" {
		in.GeoCityHeader = defaultGeoCityHeader
	}
	if in.GeoRegionHeader == "" {
		in.GeoRegionHeader = defaultGeoRegionHeader
	}
}

func setLoggingDefaults(log *LoggingConfig) {
	if log.Level == "" {
		log.Level = defaultLoggingLevel
	}
	if log.Format == "" {
		log.Format = defaultLoggingFmt
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Service.Port < 1 || c.Service.Port > 65535 {
		return &ValidationError{Field: "service.port", Message: "must be between 1 and 65535"}
	}
	switch c.Ingestion.ConversionMode {
	case ConversionModeFull, ConversionModePurchaseOnly:
	default:
		return &ValidationError{
			Field:   "ingestion.conversion_mode",
			Message: "must be one of: full, purchase_only",
		}
	}
	if len(c.Ingestion.DefaultCurrency) != 3 {
		return &ValidationError{Field: "ingestion.default_currency", Message: "must be a 3-letter code"}
	}
	if c.Ingestion.RateLimitRPS < 0 {
		return &ValidationError{Field: "ingestion.rate_limit_rps", Message: "must not be negative"}
	}
	for _, p := range c.Ingestion.Proxies() {
		if net.ParseIP(p) == nil {
			if _, _, err := net.ParseCIDR(p); err != nil {
				return &ValidationError{Field: "ingestion.trusted_proxies", Message: fmt.Sprintf("invalid IP or CIDR %q", p)}
			}
		}
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "warning", "error", "fatal":
	default:
		return &ValidationError{Field: "logging.level", Message: "must be one of: debug, info, warn, error, fatal"}
	}
	return nil
}

// applyEnvOverrides walks the struct and sets every field carrying an `env`
// tag whose variable is non-empty.
func applyEnvOverrides(cfg any) {
	v := reflect.ValueOf(cfg)
	if v.Kind() == reflect.Ptr {
		v = v.Elem()
	}
	applyEnvToStruct(v)
}

func applyEnvToStruct(v reflect.Value) {
	if v.Kind() != reflect.Struct {
		return
	}

	t := v.Type()
	for i := range v.NumField() {
		field := v.Field(i)
		if !field.CanSet() {
			continue
		}
		if field.Kind() == reflect.Struct {
			applyEnvToStruct(field)
			continue
		}

		envTag := t.Field(i).Tag.Get("env")
		if envTag == "" {
			continue
		}
		if envVal := os.Getenv(envTag); envVal != "" {
			setFieldFromString(field, envVal)
		}
	}
}

func setFieldFromString(field reflect.Value, val string) {
	switch field.Kind() {
	case reflect.String:
		field.SetString(val)
	case reflect.Int, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			if d, err := time.ParseDuration(val); err == nil {
				field.SetInt(int64(d))
			}
			return
		}
		if i, err := strconv.ParseInt(val, 10, 64); err == nil {
			field.SetInt(i)
		}
	case reflect.Bool:
		s := strings.ToLower(strings.TrimSpace(val))
		field.SetBool(s == "true" || s == "1" || s == "yes")
	}
}
