package config

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	defaultEnvFile          = ".env"
	defaultPort             = "8080"
	defaultReadTimeout      = 15 * time.Second
	defaultWriteTimeout     = 30 * time.Second
	defaultIdleTimeout      = 120 * time.Second
	defaultStoreBackend     = StoreFirestore
	defaultShiprocketURL    = "https://apiv2.shiprocket.in/v1/external"
	defaultShiprocketPickup = "Primary"
	defaultShiprocketTTL    = 20 * time.Second
	defaultFreeShipping     = "1000"
	defaultFlatShipping     = "100"
	defaultCommissionRate   = "0"
	defaultCurrency         = "INR"
	defaultOutboxAttempts   = 6
	defaultOutboxInitial    = 30 * time.Second
	defaultOutboxMax        = 30 * time.Minute
	defaultOutboxBatch      = 50
	defaultOutboxInterval   = time.Minute
	defaultOIDCJWKSURL      = "https://www.googleapis.com/oauth2/v3/certs"
	defaultOIDCIssuer       = "https://accounts.google.com"
	defaultEnvironment      = "local"
)

// Store backends.
const (
	StoreFirestore = "firestore"
	StoreMemory    = "memory"
)

// Config captures all runtime configuration organised by concern.
type Config struct {
	Server     ServerConfig
	Store      StoreConfig
	Firebase   FirebaseConfig
	Firestore  FirestoreConfig
	PubSub     PubSubConfig
	Storage    StorageConfig
	Shiprocket ShiprocketConfig
	PSP        PSPConfig
	Pricing    PricingConfig
	Outbox     OutboxConfig
	Security   SecurityConfig
}

// ServerConfig configures HTTP server parameters.
type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	Backend string
}

// FirebaseConfig stores Firebase project settings used to verify admin tokens.
type FirebaseConfig struct {
	ProjectID       string
	CredentialsFile string
}

// FirestoreConfig stores database parameters.
type FirestoreConfig struct {
	ProjectID    string
	EmulatorHost string
}

// PubSubConfig configures notification job publishing. An empty topic
// disables email notifications.
type PubSubConfig struct {
	ProjectID         string
	NotificationTopic string
}

// StorageConfig lists bucket names used by the service.
type StorageConfig struct {
	InvoiceBucket string
}

// ShiprocketConfig holds shipping provider credentials. An empty email
// disables shipment creation.
type ShiprocketConfig struct {
	BaseURL        string
	Email          string
	Password       string
	PickupLocation string
	Timeout        time.Duration
}

// PSPConfig collects payment provider secrets.
type PSPConfig struct {
	StripeAPIKey string
}

// PricingConfig holds the shipping heuristic and commission defaults.
type PricingConfig struct {
	FreeShippingThreshold decimal.Decimal
	FlatShippingFee       decimal.Decimal
	DefaultCommissionRate decimal.Decimal
	Currency              string
}

// OutboxConfig controls side-effect retries.
type OutboxConfig struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BatchSize      int
	DrainInterval  time.Duration
}

// SecurityConfig groups authentication settings.
type SecurityConfig struct {
	Environment string
	OIDC        OIDCConfig
}

// OIDCConfig controls verification of Google-signed scheduler tokens.
type OIDCConfig struct {
	JWKSURL  string
	Audience string
	Issuers  []string
}

// SecretResolver resolves references to external secrets (e.g. Secret Manager URIs).
type SecretResolver interface {
	ResolveSecret(ctx context.Context, ref string) (string, error)
}

// SecretResolverFunc adapts ordinary functions to SecretResolver.
type SecretResolverFunc func(context.Context, string) (string, error)

// ResolveSecret resolves the secret using the wrapped function.
func (f SecretResolverFunc) ResolveSecret(ctx context.Context, ref string) (string, error) {
	return f(ctx, ref)
}

// ValidationError is returned when required configuration fields are missing or invalid.
type ValidationError struct {
	fields []string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: missing or invalid fields [%s]", strings.Join(e.fields, ", "))
}

// Fields returns a copy of the missing/invalid field list.
func (e *ValidationError) Fields() []string {
	out := make([]string, len(e.fields))
	copy(out, e.fields)
	return out
}

// SecretError describes failures while resolving a secret reference.
type SecretError struct {
	Ref string
	Err error
}

// Error implements the error interface.
func (e *SecretError) Error() string {
	return fmt.Sprintf("secret resolution failed for ref %q: %v", e.Ref, e.Err)
}

// Unwrap exposes the underlying error.
func (e *SecretError) Unwrap() error { return e.Err }

var errSecretResolverNotConfigured = errors.New("secret resolver not configured")

// Option customises Load behaviour.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile      string
	envMap       map[string]string
	useSystemEnv bool
	secret       SecretResolver
}

// WithEnvFile overrides the .env file path used for local overrides.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) { o.envFile = path }
}

// WithEnvMap injects explicit values that take precedence over the environment.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) { o.envMap = values }
}

// WithoutSystemEnv disables reading from the process environment.
func WithoutSystemEnv() Option {
	return func(o *loaderOptions) { o.useSystemEnv = false }
}

// WithSecretResolver sets the resolver used for secret:// and sm:// references.
func WithSecretResolver(resolver SecretResolver) Option {
	return func(o *loaderOptions) { o.secret = resolver }
}

// Lookup returns the effective value of key with Load's precedence, before
// any secret resolution. The composition root uses it to find the project
// for the secret resolver itself.
func Lookup(key string, opts ...Option) (string, error) {
	options := newLoaderOptions(opts)
	lookup, err := options.lookup()
	if err != nil {
		return "", err
	}
	value, _ := lookup(key)
	return value, nil
}

func newLoaderOptions(opts []Option) loaderOptions {
	options := loaderOptions{envFile: defaultEnvFile, useSystemEnv: true}
	for _, opt := range opts {
		opt(&options)
	}
	return options
}

// lookup resolves keys with precedence explicit map > OS env > .env file.
func (o loaderOptions) lookup() (func(string) (string, bool), error) {
	dotEnv, err := loadDotEnv(o.envFile)
	if err != nil {
		return nil, err
	}
	return func(key string) (string, bool) {
		if value, ok := o.envMap[key]; ok {
			return value, true
		}
		if o.useSystemEnv {
			if value, ok := os.LookupEnv(key); ok {
				return value, true
			}
		}
		value, ok := dotEnv[key]
		return value, ok
	}, nil
}

// Load assembles the configuration from defaults, the .env file, the
// environment and Secret Manager references.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	options := newLoaderOptions(opts)
	lookup, err := options.lookup()
	if err != nil {
		return Config{}, err
	}

	var invalid []string
	decimalField := func(key, name, fallback string) decimal.Decimal {
		raw := stringWithDefault(lookup, key, fallback)
		value, err := decimal.NewFromString(strings.TrimSpace(raw))
		if err != nil || value.IsNegative() {
			invalid = append(invalid, name)
			return decimal.Zero
		}
		return value
	}

	cfg := Config{
		Server: ServerConfig{
			Port:         stringWithDefault(lookup, "SETTLEMENT_SERVER_PORT", stringWithDefault(lookup, "PORT", defaultPort)),
			ReadTimeout:  durationWithDefault(lookup, "SETTLEMENT_SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout: durationWithDefault(lookup, "SETTLEMENT_SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:  durationWithDefault(lookup, "SETTLEMENT_SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
		},
		Store: StoreConfig{
			Backend: strings.ToLower(stringWithDefault(lookup, "SETTLEMENT_STORE", defaultStoreBackend)),
		},
		Firebase: FirebaseConfig{
			ProjectID:       stringWithDefault(lookup, "SETTLEMENT_FIREBASE_PROJECT_ID", ""),
			CredentialsFile: stringWithDefault(lookup, "SETTLEMENT_FIREBASE_CREDENTIALS_FILE", ""),
		},
		Firestore: FirestoreConfig{
			ProjectID:    stringWithDefault(lookup, "SETTLEMENT_FIRESTORE_PROJECT_ID", ""),
			EmulatorHost: stringWithDefault(lookup, "SETTLEMENT_FIRESTORE_EMULATOR_HOST", ""),
		},
		PubSub: PubSubConfig{
			ProjectID:         stringWithDefault(lookup, "SETTLEMENT_PUBSUB_PROJECT_ID", ""),
			NotificationTopic: stringWithDefault(lookup, "SETTLEMENT_PUBSUB_NOTIFICATION_TOPIC", ""),
		},
		Storage: StorageConfig{
			InvoiceBucket: stringWithDefault(lookup, "SETTLEMENT_STORAGE_INVOICE_BUCKET", ""),
		},
		Shiprocket: ShiprocketConfig{
			BaseURL:        stringWithDefault(lookup, "SETTLEMENT_SHIPROCKET_BASE_URL", defaultShiprocketURL),
			Email:          stringWithDefault(lookup, "SETTLEMENT_SHIPROCKET_EMAIL", ""),
			Password:       stringWithDefault(lookup, "SETTLEMENT_SHIPROCKET_PASSWORD", ""),
			PickupLocation: stringWithDefault(lookup, "SETTLEMENT_SHIPROCKET_PICKUP_LOCATION", defaultShiprocketPickup),
			Timeout:        durationWithDefault(lookup, "SETTLEMENT_SHIPROCKET_TIMEOUT", defaultShiprocketTTL),
		},
		PSP: PSPConfig{
			StripeAPIKey: stringWithDefault(lookup, "SETTLEMENT_PSP_STRIPE_API_KEY", ""),
		},
		Pricing: PricingConfig{
			FreeShippingThreshold: decimalField("SETTLEMENT_FREE_SHIPPING_THRESHOLD", "Pricing.FreeShippingThreshold", defaultFreeShipping),
			FlatShippingFee:       decimalField("SETTLEMENT_FLAT_SHIPPING_FEE", "Pricing.FlatShippingFee", defaultFlatShipping),
			DefaultCommissionRate: decimalField("SETTLEMENT_DEFAULT_COMMISSION_RATE", "Pricing.DefaultCommissionRate", defaultCommissionRate),
			Currency:              strings.ToUpper(stringWithDefault(lookup, "SETTLEMENT_CURRENCY", defaultCurrency)),
		},
		Outbox: OutboxConfig{
			MaxAttempts:    intWithDefault(lookup, "SETTLEMENT_OUTBOX_MAX_ATTEMPTS", defaultOutboxAttempts),
			InitialBackoff: durationWithDefault(lookup, "SETTLEMENT_OUTBOX_INITIAL_BACKOFF", defaultOutboxInitial),
			MaxBackoff:     durationWithDefault(lookup, "SETTLEMENT_OUTBOX_MAX_BACKOFF", defaultOutboxMax),
			BatchSize:      intWithDefault(lookup, "SETTLEMENT_OUTBOX_BATCH_SIZE", defaultOutboxBatch),
			DrainInterval:  durationWithDefault(lookup, "SETTLEMENT_OUTBOX_DRAIN_INTERVAL", defaultOutboxInterval),
		},
		Security: SecurityConfig{
			Environment: strings.ToLower(stringWithDefault(lookup, "SETTLEMENT_SECURITY_ENVIRONMENT", defaultEnvironment)),
			OIDC: OIDCConfig{
				JWKSURL:  stringWithDefault(lookup, "SETTLEMENT_SECURITY_OIDC_JWKS_URL", defaultOIDCJWKSURL),
				Audience: stringWithDefault(lookup, "SETTLEMENT_SECURITY_OIDC_AUDIENCE", ""),
				Issuers:  csvWithDefault(lookup, "SETTLEMENT_SECURITY_OIDC_ISSUERS"),
			},
		},
	}

	if cfg.Firestore.ProjectID == "" {
		cfg.Firestore.ProjectID = cfg.Firebase.ProjectID
	}
	if cfg.PubSub.ProjectID == "" {
		cfg.PubSub.ProjectID = cfg.Firestore.ProjectID
	}
	if len(cfg.Security.OIDC.Issuers) == 0 {
		cfg.Security.OIDC.Issuers = []string{defaultOIDCIssuer}
	}

	secretFields := []*string{
		&cfg.Shiprocket.Password,
		&cfg.PSP.StripeAPIKey,
	}
	for _, field := range secretFields {
		resolved, err := resolveSecret(ctx, *field, options.secret)
		if err != nil {
			return Config{}, err
		}
		*field = resolved
	}

	if err := validateConfig(cfg, invalid); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func resolveSecret(ctx context.Context, value string, resolver SecretResolver) (string, error) {
	if !isSecretReference(value) {
		return value, nil
	}
	normalized := normalizeSecretReference(value)
	if resolver == nil {
		return "", &SecretError{Ref: normalized, Err: errSecretResolverNotConfigured}
	}
	secret, err := resolver.ResolveSecret(ctx, normalized)
	if err != nil {
		return "", &SecretError{Ref: normalized, Err: err}
	}
	return secret, nil
}

func validateConfig(cfg Config, invalid []string) error {
	missing := append([]string(nil), invalid...)

	if cfg.Server.Port == "" {
		missing = append(missing, "Server.Port")
	}
	switch cfg.Store.Backend {
	case StoreFirestore:
		if cfg.Firestore.ProjectID == "" {
			missing = append(missing, "Firestore.ProjectID")
		}
	case StoreMemory:
	default:
		missing = append(missing, "Store.Backend")
	}
	if cfg.Shiprocket.Email != "" && cfg.Shiprocket.Password == "" {
		missing = append(missing, "Shiprocket.Password")
	}
	if cfg.Pricing.Currency == "" {
		missing = append(missing, "Pricing.Currency")
	}
	if cfg.Outbox.MaxAttempts <= 0 {
		missing = append(missing, "Outbox.MaxAttempts")
	}
	if cfg.Outbox.InitialBackoff <= 0 {
		missing = append(missing, "Outbox.InitialBackoff")
	}
	if cfg.Outbox.MaxBackoff < cfg.Outbox.InitialBackoff {
		missing = append(missing, "Outbox.MaxBackoff")
	}
	if cfg.Outbox.BatchSize <= 0 {
		missing = append(missing, "Outbox.BatchSize")
	}
	if cfg.Outbox.DrainInterval <= 0 {
		missing = append(missing, "Outbox.DrainInterval")
	}

	if len(missing) > 0 {
		return &ValidationError{fields: missing}
	}
	return nil
}

func isSecretReference(value string) bool {
	trimmed := strings.TrimSpace(value)
	return strings.HasPrefix(trimmed, "secret://") || strings.HasPrefix(trimmed, "sm://")
}

func normalizeSecretReference(value string) string {
	trimmed := strings.TrimSpace(value)
	if strings.HasPrefix(trimmed, "sm://") {
		return "secret://" + strings.TrimPrefix(trimmed, "sm://")
	}
	return trimmed
}

func loadDotEnv(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		absPath = path
	}
	file, err := os.Open(absPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: unable to read %s: %w", absPath, err)
	}
	defer file.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		key, value, ok := strings.Cut(line, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			continue
		}
		values[key] = strings.Trim(strings.TrimSpace(value), "\"'")
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("config: failed parsing %s: %w", absPath, err)
	}
	return values, nil
}

func stringWithDefault(lookup func(string) (string, bool), key, fallback string) string {
	if value, ok := lookup(key); ok && strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return fallback
}

func durationWithDefault(lookup func(string) (string, bool), key string, fallback time.Duration) time.Duration {
	if value, ok := lookup(key); ok && value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}

func intWithDefault(lookup func(string) (string, bool), key string, fallback int) int {
	if value, ok := lookup(key); ok && value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func csvWithDefault(lookup func(string) (string, bool), key string) []string {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
