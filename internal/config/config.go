package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config captures every setting required to boot the remediator.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	HTTP      HTTPConfig      `yaml:"http"`
	Clients   ClientsConfig   `yaml:"clients"`
	Storage   StorageConfig   `yaml:"storage"`
	Policy    PolicyConfig    `yaml:"policy"`
	Rules     RulesConfig     `yaml:"rules"`
	Executor  ExecutorConfig  `yaml:"executor"`
	Backend   BackendConfig   `yaml:"backend"`
	Cache     CacheConfig     `yaml:"cache"`
	Lifecycle LifecycleConfig `yaml:"lifecycle"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig controls gRPC listener behaviour.
type ServerConfig struct {
	Address         string        `yaml:"address"`
	MetricsAddress  string        `yaml:"metricsAddress"`
	GracefulTimeout time.Duration `yaml:"gracefulTimeout"`
	// MaxRecvMsgBytes caps inbound gRPC messages; ingest batches are the largest.
	MaxRecvMsgBytes int `yaml:"maxRecvMsgBytes"`
	// KeepaliveTime pings idle clients, which keeps audit streams alive through proxies.
	KeepaliveTime time.Duration `yaml:"keepaliveTime"`
}

// HTTPConfig controls the REST and websocket listener.
type HTTPConfig struct {
	Address        string   `yaml:"address"`
	AllowedOrigins []string `yaml:"allowedOrigins"`
}

// ClientsConfig groups integrations with upstream services.
type ClientsConfig struct {
	Core CoreClientConfig `yaml:"core"`
	RCA  RCAClientConfig  `yaml:"rca"`
}

// CoreClientConfig configures access to the mirador-core telemetry APIs.
type CoreClientConfig struct {
	BaseURL     string        `yaml:"baseURL"`
	SignalsPath string        `yaml:"signalsPath"`
	VerifyPath  string        `yaml:"verifyPath"`
	Timeout     time.Duration `yaml:"timeout"`
}

// RCAClientConfig configures the root cause analysis service.
type RCAClientConfig struct {
	Endpoint string        `yaml:"endpoint"`
	APIKey   string        `yaml:"apiKey"`
	Timeout  time.Duration `yaml:"timeout"`
}

// StorageConfig selects the durable persister.
type StorageConfig struct {
	// Driver is one of sqlite, bolt or memory.
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
	// AuditMemoryEntries bounds the audit entries held in memory. Older
	// entries are read back from the sqlite or bolt store. Zero keeps all,
	// as does the memory driver, which has nowhere to read them back from.
	AuditMemoryEntries int `yaml:"auditMemoryEntries"`
}

// PolicyConfig locates the policy document.
type PolicyConfig struct {
	Path  string `yaml:"path"`
	Watch bool   `yaml:"watch"`
}

// RulesConfig controls rule-pack loading for the remediation proposer.
type RulesConfig struct {
	Path string `yaml:"path"`
}

// ExecutorConfig tunes remediation retries and throttling.
type ExecutorConfig struct {
	MaxRetries       int           `yaml:"maxRetries"`
	BackoffInitial   time.Duration `yaml:"backoffInitial"`
	BackoffMax       time.Duration `yaml:"backoffMax"`
	Jitter           float64       `yaml:"jitter"`
	RatePerSecond    float64       `yaml:"ratePerSecond"`
	Burst            int           `yaml:"burst"`
	LedgerTTL        time.Duration `yaml:"ledgerTTL"`
	HistoryRetention time.Duration `yaml:"historyRetention"`
}

// BackendConfig selects how actions reach the cluster.
type BackendConfig struct {
	// Kind is kube or gateway.
	Kind       string        `yaml:"kind"`
	Kubeconfig string        `yaml:"kubeconfig"`
	Namespace  string        `yaml:"namespace"`
	Gateway    GatewayConfig `yaml:"gateway"`
}

// GatewayConfig configures the HTTP action gateway backend.
type GatewayConfig struct {
	Endpoint string        `yaml:"endpoint"`
	APIKey   string        `yaml:"apiKey"`
	Timeout  time.Duration `yaml:"timeout"`
}

// CacheConfig controls the Valkey-backed idempotency ledger.
type CacheConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Addr         string        `yaml:"addr"`
	Username     string        `yaml:"username"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	DialTimeout  time.Duration `yaml:"dialTimeout"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	MaxRetries   int           `yaml:"maxRetries"`
	PoolSize     int           `yaml:"poolSize"`
	TLS          bool          `yaml:"tls"`
}

// LifecycleConfig holds correlation settings, loop intervals and timeouts.
type LifecycleConfig struct {
	CorrelationWindow   time.Duration `yaml:"correlationWindow"`
	MinSignals          int           `yaml:"minSignals"`
	ScanInterval        time.Duration `yaml:"scanInterval"`
	AnalysisInterval    time.Duration `yaml:"analysisInterval"`
	TimeoutInterval     time.Duration `yaml:"timeoutInterval"`
	VerifyInterval      time.Duration `yaml:"verifyInterval"`
	ApprovalTimeout     time.Duration `yaml:"approvalTimeout"`
	AnalysisTimeout     time.Duration `yaml:"analysisTimeout"`
	VerifyTimeout       time.Duration `yaml:"verifyTimeout"`
	ConfidenceThreshold float64       `yaml:"confidenceThreshold"`
	Lookback            time.Duration `yaml:"lookback"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Load initialises Config from a YAML file and optional environment overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("MIRADOR_REMEDIATOR_CONFIG")
	}

	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file %s not found: %w", path, err)
			}
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the service cannot start with.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "sqlite", "bolt":
		if c.Storage.Path == "" {
			return fmt.Errorf("storage.path is required for driver %s", c.Storage.Driver)
		}
	case "memory":
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	if c.Storage.AuditMemoryEntries < 0 {
		return errors.New("storage.auditMemoryEntries must not be negative")
	}
	switch c.Backend.Kind {
	case "kube":
	case "gateway":
		if c.Backend.Gateway.Endpoint == "" {
			return errors.New("backend.gateway.endpoint is required for the gateway backend")
		}
	default:
		return fmt.Errorf("unknown backend kind %q", c.Backend.Kind)
	}
	if c.Policy.Path == "" {
		return errors.New("policy.path is required")
	}
	if c.Cache.Enabled && c.Cache.Addr == "" {
		return errors.New("cache.addr is required when the cache is enabled")
	}
	if t := c.Lifecycle.ConfidenceThreshold; t < 0 || t > 1 {
		return fmt.Errorf("lifecycle.confidenceThreshold %.2f outside [0,1]", t)
	}
	return nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Address:         ":50051",
			MetricsAddress:  ":2112",
			GracefulTimeout: 10 * time.Second,
			MaxRecvMsgBytes: 8 << 20,
			KeepaliveTime:   2 * time.Minute,
		},
		HTTP: HTTPConfig{
			Address:        ":8080",
			AllowedOrigins: []string{"*"},
		},
		Clients: ClientsConfig{
			Core: CoreClientConfig{
				SignalsPath: "/api/v1/remediation/signals",
				VerifyPath:  "/api/v1/remediation/verify",
				Timeout:     5 * time.Second,
			},
			RCA: RCAClientConfig{Timeout: 30 * time.Second},
		},
		Storage:  StorageConfig{Driver: "sqlite", Path: "data/remediator.db", AuditMemoryEntries: 50000},
		Policy:   PolicyConfig{Path: "configs/policy.yaml", Watch: true},
		Rules:    RulesConfig{Path: "configs/rules/default.yaml"},
		Executor: ExecutorConfig{
			MaxRetries:       3,
			BackoffInitial:   time.Second,
			BackoffMax:       30 * time.Second,
			Jitter:           0.1,
			RatePerSecond:    5,
			Burst:            5,
			LedgerTTL:        24 * time.Hour,
			HistoryRetention: 24 * time.Hour,
		},
		Backend: BackendConfig{
			Kind:      "kube",
			Namespace: "default",
			Gateway:   GatewayConfig{Timeout: 30 * time.Second},
		},
		Cache: CacheConfig{
			Enabled:      false,
			DialTimeout:  2 * time.Second,
			ReadTimeout:  500 * time.Millisecond,
			WriteTimeout: 500 * time.Millisecond,
			MaxRetries:   2,
			PoolSize:     4,
		},
		Lifecycle: LifecycleConfig{
			CorrelationWindow:   5 * time.Minute,
			MinSignals:          2,
			ScanInterval:        30 * time.Second,
			AnalysisInterval:    15 * time.Second,
			TimeoutInterval:     30 * time.Second,
			VerifyInterval:      30 * time.Second,
			ApprovalTimeout:     time.Hour,
			AnalysisTimeout:     15 * time.Minute,
			VerifyTimeout:       10 * time.Minute,
			ConfidenceThreshold: 0.3,
			Lookback:            5 * time.Minute,
		},
		Logging: LoggingConfig{Level: "info", JSON: false},
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MIRADOR_REMEDIATOR_SERVER_ADDRESS"); v != "" {
		cfg.Server.Address = v
	}
	if v := os.Getenv("MIRADOR_REMEDIATOR_METRICS_ADDRESS"); v != "" {
		cfg.Server.MetricsAddress = v
	}
	if v := os.Getenv("MIRADOR_REMEDIATOR_HTTP_ADDRESS"); v != "" {
		cfg.HTTP.Address = v
	}
	if v := os.Getenv("MIRADOR_REMEDIATOR_HTTP_ALLOWED_ORIGINS"); v != "" {
		cfg.HTTP.AllowedOrigins = splitList(v)
	}
	if v := os.Getenv("MIRADOR_CORE_BASE_URL"); v != "" {
		cfg.Clients.Core.BaseURL = v
	}
	if v := os.Getenv("MIRADOR_CORE_SIGNALS_PATH"); v != "" {
		cfg.Clients.Core.SignalsPath = v
	}
	if v := os.Getenv("MIRADOR_CORE_VERIFY_PATH"); v != "" {
		cfg.Clients.Core.VerifyPath = v
	}
	if v := os.Getenv("MIRADOR_REMEDIATOR_RCA_URL"); v != "" {
		cfg.Clients.RCA.Endpoint = v
	}
	if v := os.Getenv("MIRADOR_REMEDIATOR_RCA_API_KEY"); v != "" {
		cfg.Clients.RCA.APIKey = v
	}
	if v := os.Getenv("MIRADOR_REMEDIATOR_STORAGE_DRIVER"); v != "" {
		cfg.Storage.Driver = v
	}
	if v := os.Getenv("MIRADOR_REMEDIATOR_STORAGE_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("MIRADOR_REMEDIATOR_POLICY_PATH"); v != "" {
		cfg.Policy.Path = v
	}
	if v := os.Getenv("MIRADOR_REMEDIATOR_RULES_PATH"); v != "" {
		cfg.Rules.Path = v
	}
	if v := os.Getenv("MIRADOR_REMEDIATOR_BACKEND"); v != "" {
		cfg.Backend.Kind = v
	}
	if v := os.Getenv("MIRADOR_REMEDIATOR_KUBECONFIG"); v != "" {
		cfg.Backend.Kubeconfig = v
	}
	if v := os.Getenv("MIRADOR_REMEDIATOR_NAMESPACE"); v != "" {
		cfg.Backend.Namespace = v
	}
	if v := os.Getenv("MIRADOR_REMEDIATOR_GATEWAY_URL"); v != "" {
		cfg.Backend.Gateway.Endpoint = v
	}
	if v := os.Getenv("MIRADOR_REMEDIATOR_GATEWAY_API_KEY"); v != "" {
		cfg.Backend.Gateway.APIKey = v
	}
	if v := os.Getenv("MIRADOR_REMEDIATOR_AUDIT_MEMORY_ENTRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Storage.AuditMemoryEntries = n
		}
	}
	if v := os.Getenv("MIRADOR_REMEDIATOR_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Executor.MaxRetries = n
		}
	}
	if v := os.Getenv("MIRADOR_REMEDIATOR_RATE_PER_SECOND"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Executor.RatePerSecond = f
		}
	}
	if v := os.Getenv("MIRADOR_REMEDIATOR_CONFIDENCE_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Lifecycle.ConfidenceThreshold = f
		}
	}
	overrideDuration("MIRADOR_REMEDIATOR_APPROVAL_TIMEOUT", &cfg.Lifecycle.ApprovalTimeout)
	overrideDuration("MIRADOR_REMEDIATOR_ANALYSIS_TIMEOUT", &cfg.Lifecycle.AnalysisTimeout)
	overrideDuration("MIRADOR_REMEDIATOR_VERIFY_TIMEOUT", &cfg.Lifecycle.VerifyTimeout)
	overrideDuration("MIRADOR_REMEDIATOR_SCAN_INTERVAL", &cfg.Lifecycle.ScanInterval)
	if v := os.Getenv("MIRADOR_REMEDIATOR_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("MIRADOR_REMEDIATOR_LOG_FORMAT"); v == "json" {
		cfg.Logging.JSON = true
	}
	if v := os.Getenv("MIRADOR_REMEDIATOR_CACHE_ADDR"); v != "" {
		cfg.Cache.Addr = v
	}
	if v := os.Getenv("MIRADOR_REMEDIATOR_CACHE_ENABLED"); v != "" {
		cfg.Cache.Enabled = strings.EqualFold(v, "true") || strings.EqualFold(v, "1")
	}
	if v := os.Getenv("MIRADOR_REMEDIATOR_CACHE_USERNAME"); v != "" {
		cfg.Cache.Username = v
	}
	if v := os.Getenv("MIRADOR_REMEDIATOR_CACHE_PASSWORD"); v != "" {
		cfg.Cache.Password = v
	}
	if v := os.Getenv("MIRADOR_REMEDIATOR_CACHE_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			cfg.Cache.DB = db
		}
	}
	if v := os.Getenv("MIRADOR_REMEDIATOR_CACHE_TLS"); strings.EqualFold(v, "true") || strings.EqualFold(v, "1") {
		cfg.Cache.TLS = true
	}
	overrideDuration("MIRADOR_REMEDIATOR_CACHE_DIAL_TIMEOUT", &cfg.Cache.DialTimeout)
	overrideDuration("MIRADOR_REMEDIATOR_CACHE_READ_TIMEOUT", &cfg.Cache.ReadTimeout)
	overrideDuration("MIRADOR_REMEDIATOR_CACHE_WRITE_TIMEOUT", &cfg.Cache.WriteTimeout)
	if v := os.Getenv("MIRADOR_REMEDIATOR_CACHE_MAX_RETRIES"); v != "" {
		if retry, err := strconv.Atoi(v); err == nil {
			cfg.Cache.MaxRetries = retry
		}
	}
}

func overrideDuration(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
