// Package config resolves producer and consumer settings from the
// environment. A .env file in the working directory is honored when present
// so local runs match the container deployment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// BlockMode selects how the producer reacts to an infected scan result.
type BlockMode string

const (
	// BlockModeBlocking withholds the final CONTINUE until the scan result
	// is known and replaces it with an immediate 403 on infection.
	BlockModeBlocking BlockMode = "blocking"
	// BlockModeAsync releases traffic immediately; infections are detected
	// in the background and never enter the clean-URL cache.
	BlockModeAsync BlockMode = "async"
)

// FeatureFlagEngine names the tenant-priority lookup backend.
type FeatureFlagEngine string

const (
	FlagEngineFlagsmith FeatureFlagEngine = "flagsmith"
	FlagEngineEnvVar    FeatureFlagEngine = "envvar"
)

// Producer holds the gateway (ext_proc + SDS) process configuration.
type Producer struct {
	RedisAddr string
	GRPCPort  int

	MetricsPort int

	TenantID            string
	ScanFileThresholdMB int

	BlockMode BlockMode

	// CongestionTATThreshold is the predictive-bypass ceiling: when the last
	// observed total TAT for the chosen priority exceeds it, the scan is
	// skipped before enqueue.
	CongestionTATThreshold time.Duration
	HandshakeTimeout       time.Duration
	ResultTimeout          time.Duration

	CACertPath      string
	CAKeyPath       string
	SDSCacheMaxSize int
	SDSCacheTTL     time.Duration

	FeatureFlagEngine FeatureFlagEngine
	FlagsmithAPIKey   string
	FlagsmithBaseURL  string
	ScanPriority      string
}

// Consumer holds the worker process configuration.
type Consumer struct {
	RedisAddr string
	ClamdURL  string

	Queues    []string
	ScanMount string

	Workers int

	EnableMemoryCheck bool
	MinFreeMemoryMB   int

	NodeName       string
	DeploymentName string

	ConsoleAPIURL string
	MetricsPort   int
}

// LoadProducer reads producer settings from the environment.
func LoadProducer() (*Producer, error) {
	_ = godotenv.Load()

	p := &Producer{
		RedisAddr:              redisAddr(),
		GRPCPort:               envInt("GRPC_PORT", 50051),
		MetricsPort:            envInt("METRICS_PORT", 8080),
		TenantID:               envStr("TENANT_ID", "default-tenant"),
		ScanFileThresholdMB:    envInt("SCAN_FILE_THRESHOLD_MB", 10),
		BlockMode:              BlockMode(envStr("SCAN_BLOCK_MODE", string(BlockModeBlocking))),
		CongestionTATThreshold: envDuration("CONGESTION_TAT_THRESHOLD_S", 300*time.Second),
		HandshakeTimeout:       envDuration("HANDSHAKE_TIMEOUT_S", 300*time.Second),
		ResultTimeout:          envDuration("RESULT_TIMEOUT_S", 30*time.Second),
		CACertPath:             envStr("CA_CERT_PATH", "/etc/certs/intermediate-ca.crt"),
		CAKeyPath:              envStr("CA_KEY_PATH", "/etc/certs/intermediate-ca.key"),
		SDSCacheMaxSize:        envInt("SDS_CACHE_MAX_SIZE", 1000),
		SDSCacheTTL:            envDuration("SDS_CACHE_TTL_SECONDS", 3600*time.Second),
		FeatureFlagEngine:      FeatureFlagEngine(envStr("FEATURE_FLAG_ENGINE", string(FlagEngineEnvVar))),
		FlagsmithAPIKey:        envStr("FLAGSMITH_API_KEY", ""),
		FlagsmithBaseURL:       envStr("FLAGSMITH_BASE_URL", ""),
		ScanPriority:           envStr("SCAN_PRIORITY", "normal"),
	}

	switch p.BlockMode {
	case BlockModeBlocking, BlockModeAsync:
	default:
		return nil, fmt.Errorf("invalid SCAN_BLOCK_MODE %q", p.BlockMode)
	}
	switch p.FeatureFlagEngine {
	case FlagEngineFlagsmith, FlagEngineEnvVar:
	default:
		return nil, fmt.Errorf("invalid FEATURE_FLAG_ENGINE %q", p.FeatureFlagEngine)
	}
	return p, nil
}

// LoadConsumer reads worker settings from the environment.
func LoadConsumer() (*Consumer, error) {
	_ = godotenv.Load()

	host, err := os.Hostname()
	if err != nil {
		host = "unknown-pod"
	}

	c := &Consumer{
		RedisAddr:         redisAddr(),
		ClamdURL:          envStr("CLAMD_URL", "tcp://127.0.0.1:3310"),
		Queues:            envList("QUEUES", []string{"scan_priority", "scan_normal"}),
		ScanMount:         envStr("SCAN_MOUNT", "/scan"),
		Workers:           envInt("SCAN_WORKERS", 5),
		EnableMemoryCheck: envBool("ENABLE_MEMORY_CHECK", false),
		MinFreeMemoryMB:   envInt("MIN_FREE_MEMORY_MB", 500),
		NodeName:          envStr("HOSTNAME", host),
		DeploymentName:    envStr("DEPLOYMENT_NAME", ""),
		ConsoleAPIURL:     envStr("CONSOLE_API_URL", "http://aether-console:3000"),
		MetricsPort:       envInt("METRICS_PORT", 9090),
	}
	if len(c.Queues) == 0 {
		return nil, fmt.Errorf("QUEUES must name at least one queue")
	}
	return c, nil
}

func redisAddr() string {
	return fmt.Sprintf("%s:%d", envStr("REDIS_HOST", "127.0.0.1"), envInt("REDIS_PORT", 6379))
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return strings.EqualFold(v, "true") || v == "1"
}

// envDuration reads an integer number of seconds.
func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return time.Duration(n) * time.Second
}

func envList(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
