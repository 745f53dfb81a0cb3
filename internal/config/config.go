package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/Zhima-Mochi/minishop-orders/internal/infrastructure/breaker"
)

const (
	ServiceName    = "order-management"
	ServiceVersion = "0.1.0"
)

const (
	ProductServiceName       = "product-management"
	ProductCatalogBreaker    = "productCatalog"
	DefaultFallbackProductID = "CACHED01111"
)

const (
	NewItemsTopic = "new_items"
	GroupID       = "inventory-reservation-group"
	BatchTimeout  = 10 * time.Millisecond
	BatchSize     = 100
)

const (
	StoreMemory = "memory"
	StoreSQLite = "sqlite"
	StoreMongo  = "mongo"

	BusMemory = "memory"
	BusKafka  = "kafka"
)

var ErrInvalid = errors.New("config: invalid value")

// BreakerNames lists the breakers whose settings are read from the environment.
var BreakerNames = []string{ProductCatalogBreaker}

type Order struct {
	LookupTimeout     time.Duration
	SaveTimeout       time.Duration
	PublishTimeout    time.Duration
	LookupConcurrency int
	// FallbackProductID is empty when fallback is disabled.
	FallbackProductID string
}

type Telemetry struct {
	Exporter string
	Endpoint string
	Insecure bool
}

type Config struct {
	Environment  string
	HTTPAddr     string
	SelfEndpoint string

	Order    Order
	Breakers map[string]breaker.Settings

	LoadBalancersFor         []string
	Discovery                map[string][]string
	DiscoveryRefreshInterval time.Duration

	OrderStore    string
	CatalogStore  string
	SQLitePath    string
	MongoURI      string
	MongoDatabase string

	// EventBus is "memory" or "kafka". Only kafka is durable; the memory bus loses
	// queued events on exit.
	EventBus    string
	KafkaBroker string

	Telemetry Telemetry
}

// BreakerSettings returns the settings for name, or the defaults when none were loaded.
func (c *Config) BreakerSettings(name string) breaker.Settings {
	if s, ok := c.Breakers[name]; ok {
		return s
	}
	return breaker.DefaultSettings()
}

// DurableEventBus reports whether published events survive a restart.
func (c *Config) DurableEventBus() bool {
	return c.EventBus == BusKafka
}

// Load reads the configuration from the process environment.
func Load() (*Config, error) {
	return LoadFrom(os.LookupEnv)
}

// LoadFrom reads the configuration through lookup, which has the signature of os.LookupEnv.
func LoadFrom(lookup func(string) (string, bool)) (*Config, error) {
	e := env{lookup: lookup}

	cfg := &Config{
		Environment:  e.str("ENV", "dev"),
		HTTPAddr:     e.str("HTTP_ADDR", ":8080"),
		SelfEndpoint: e.str("SELF_ENDPOINT", "http://localhost:8080"),
		Order: Order{
			LookupTimeout:     e.millis("ORDER_LOOKUP_TIMEOUT_MS", 2000),
			SaveTimeout:       e.millis("ORDER_SAVE_TIMEOUT_MS", 5000),
			PublishTimeout:    e.millis("ORDER_PUBLISH_TIMEOUT_MS", 3000),
			LookupConcurrency: e.integer("ORDER_LOOKUP_CONCURRENCY", 16),
		},
		Breakers:                 make(map[string]breaker.Settings, len(BreakerNames)),
		LoadBalancersFor:         e.list("LOAD_BALANCERS_FOR", []string{ProductServiceName}),
		Discovery:                map[string][]string{},
		DiscoveryRefreshInterval: e.duration("DISCOVERY_REFRESH_INTERVAL", 30*time.Second),
		OrderStore:               strings.ToLower(e.str("ORDER_STORE", StoreMemory)),
		CatalogStore:             strings.ToLower(e.str("CATALOG_STORE", StoreMemory)),
		SQLitePath:               e.str("SQLITE_PATH", "minishop.db"),
		MongoURI:                 e.str("MONGO_URI", "mongodb://localhost:27017"),
		MongoDatabase:            e.str("MONGO_DATABASE", "minishop"),
		EventBus:                 strings.ToLower(e.str("EVENT_BUS", BusMemory)),
		KafkaBroker:              e.str("KAFKA_BROKER", ""),
		Telemetry: Telemetry{
			Exporter: strings.ToLower(e.str("OTEL_EXPORTER", "none")),
			Endpoint: e.str("OTEL_ENDPOINT", ""),
			Insecure: e.boolean("OTEL_INSECURE", true),
		},
	}

	// an explicitly empty value disables the fallback
	if v, ok := lookup("ORDER_LOOKUP_FALLBACK_PRODUCT_ID"); ok {
		cfg.Order.FallbackProductID = strings.TrimSpace(v)
	} else {
		cfg.Order.FallbackProductID = DefaultFallbackProductID
	}

	for _, name := range BreakerNames {
		p := "BREAKER_" + EnvName(name) + "_"
		cfg.Breakers[name] = breaker.Settings{
			SlidingWindowSize:                     e.integer(p+"SLIDING_WINDOW_SIZE", 0),
			SlidingWindowType:                     breaker.WindowType(e.str(p+"SLIDING_WINDOW_TYPE", "")),
			FailureRateThreshold:                  e.float(p+"FAILURE_RATE_THRESHOLD", 0),
			WaitDurationInOpenState:               e.duration(p+"WAIT_DURATION_IN_OPEN_STATE", 0),
			PermittedNumberOfCallsInHalfOpenState: e.integer(p+"PERMITTED_NUMBER_OF_CALLS_IN_HALF_OPEN_STATE", 0),
			MinimumNumberOfCalls:                  e.integer(p+"MINIMUM_NUMBER_OF_CALLS", 0),
		}.WithDefaults()
	}

	for _, svc := range cfg.LoadBalancersFor {
		var def []string
		if svc == ProductServiceName {
			def = []string{"http://localhost:8080"}
		}
		cfg.Discovery[svc] = e.list("DISCOVERY_"+EnvName(svc)+"_INSTANCES", def)
	}

	if err := errors.Join(e.errs...); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	positive := map[string]time.Duration{
		"ORDER_LOOKUP_TIMEOUT_MS":    c.Order.LookupTimeout,
		"ORDER_SAVE_TIMEOUT_MS":      c.Order.SaveTimeout,
		"ORDER_PUBLISH_TIMEOUT_MS":   c.Order.PublishTimeout,
		"DISCOVERY_REFRESH_INTERVAL": c.DiscoveryRefreshInterval,
	}
	for key, d := range positive {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%w: %s must be positive", ErrInvalid, key))
		}
	}
	if c.Order.LookupConcurrency < 1 {
		errs = append(errs, fmt.Errorf("%w: ORDER_LOOKUP_CONCURRENCY must be >= 1", ErrInvalid))
	}
	for name, s := range c.Breakers {
		if err := s.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("%w: breaker %s: %w", ErrInvalid, name, err))
		}
	}
	switch c.OrderStore {
	case StoreMemory, StoreSQLite, StoreMongo:
	default:
		errs = append(errs, fmt.Errorf("%w: ORDER_STORE %q", ErrInvalid, c.OrderStore))
	}
	switch c.CatalogStore {
	case StoreMemory, StoreMongo:
	default:
		errs = append(errs, fmt.Errorf("%w: CATALOG_STORE %q", ErrInvalid, c.CatalogStore))
	}
	switch c.EventBus {
	case BusMemory:
	case BusKafka:
		if c.KafkaBroker == "" {
			errs = append(errs, fmt.Errorf("%w: KAFKA_BROKER is required when EVENT_BUS=kafka", ErrInvalid))
		}
	default:
		errs = append(errs, fmt.Errorf("%w: EVENT_BUS %q", ErrInvalid, c.EventBus))
	}
	return errors.Join(errs...)
}

// EnvName converts a camelCase or kebab-case name to UPPER_SNAKE_CASE.
func EnvName(name string) string {
	var b strings.Builder
	runes := []rune(name)
	for i, r := range runes {
		switch {
		case r == '-' || r == '.' || r == ' ':
			b.WriteByte('_')
			continue
		case unicode.IsUpper(r) && i > 0 && (unicode.IsLower(runes[i-1]) || unicode.IsDigit(runes[i-1])):
			b.WriteByte('_')
		}
		b.WriteRune(unicode.ToUpper(r))
	}
	return b.String()
}

type env struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (e *env) raw(key string) (string, bool) {
	v, ok := e.lookup(key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func (e *env) str(key, def string) string {
	if v, ok := e.raw(key); ok {
		return v
	}
	return def
}

func (e *env) integer(key string, def int) int {
	v, ok := e.raw(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%w: %s: %v", ErrInvalid, key, err))
		return def
	}
	return n
}

func (e *env) float(key string, def float64) float64 {
	v, ok := e.raw(key)
	if !ok {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%w: %s: %v", ErrInvalid, key, err))
		return def
	}
	return f
}

func (e *env) boolean(key string, def bool) bool {
	v, ok := e.raw(key)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%w: %s: %v", ErrInvalid, key, err))
		return def
	}
	return b
}

func (e *env) millis(key string, def int) time.Duration {
	return time.Duration(e.integer(key, def)) * time.Millisecond
}

// duration accepts Go durations ("60s") and bare integers as milliseconds.
func (e *env) duration(key string, def time.Duration) time.Duration {
	v, ok := e.raw(key)
	if !ok {
		return def
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Millisecond
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%w: %s: %v", ErrInvalid, key, err))
		return def
	}
	return d
}

func (e *env) list(key string, def []string) []string {
	v, ok := e.raw(key)
	if !ok {
		return def
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
