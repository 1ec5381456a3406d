package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Addr        string
	DatabaseURL string

	GraphAdminURL    string
	ProductionGraph  string
	OntologyDocument string

	KafkaBrokers    []string
	AuditTopic      string
	ApprovalTopic   string
	ArchiveBucket   string
	ArchivePrefix   string
	AuditArchiveDir string

	JWTSecret       string
	AllowDebugToken bool
	DebugToken      string

	ProvisionTimeout   time.Duration
	SandboxTTL         time.Duration
	SampleSize         int
	ReplayWorkers      int
	ReplayOpTimeout    time.Duration
	ReplayWindow       time.Duration
	ReplayMaxOps       int
	SimulationTimeout  time.Duration
	ScheduleDelay      time.Duration
	HealthInterval     time.Duration
	SettleWindow       time.Duration
	GraceWindow        time.Duration
	ErrorRateThreshold float64
}

const (
	defaultAddr               = ":8071"
	defaultProvisionTimeout   = 60 * time.Second
	defaultSandboxTTL         = 30 * time.Minute
	defaultSampleSize         = 1000
	defaultReplayWorkers      = 4
	defaultReplayOpTimeout    = 5 * time.Second
	defaultReplayWindow       = 30 * 24 * time.Hour
	defaultReplayMaxOps       = 1000
	defaultSimulationTimeout  = 10 * time.Minute
	defaultScheduleDelay      = time.Hour
	defaultHealthInterval     = 30 * time.Second
	defaultSettleWindow       = 10 * time.Minute
	defaultGraceWindow        = 2 * time.Minute
	defaultErrorRateThreshold = 0.05
)

func Load() (Config, error) {
	cfg := Config{
		Addr:        getEnv("PIPELINE_ADDR", defaultAddr),
		DatabaseURL: firstNonEmpty(os.Getenv("PIPELINE_DATABASE_URL"), os.Getenv("DATABASE_URL")),

		GraphAdminURL:    os.Getenv("GRAPH_ADMIN_URL"),
		ProductionGraph:  os.Getenv("GRAPH_PRODUCTION_ADDR"),
		OntologyDocument: os.Getenv("ONTOLOGY_DOCUMENT_PATH"),

		KafkaBrokers:    splitList(os.Getenv("KAFKA_BROKERS")),
		AuditTopic:      getEnv("AUDIT_TOPIC", "ontology.audit"),
		ApprovalTopic:   getEnv("APPROVAL_TOPIC", "ontology.approvals"),
		ArchiveBucket:   os.Getenv("AUDIT_ARCHIVE_BUCKET"),
		ArchivePrefix:   os.Getenv("AUDIT_ARCHIVE_PREFIX"),
		AuditArchiveDir: getEnv("AUDIT_ARCHIVE_DIR", "./archive"),

		JWTSecret:       os.Getenv("PIPELINE_JWT_SECRET"),
		AllowDebugToken: getBool("PIPELINE_ALLOW_DEBUG_TOKEN", false),
		DebugToken:      os.Getenv("PIPELINE_DEBUG_TOKEN"),

		ProvisionTimeout:   getDuration("SANDBOX_PROVISION_TIMEOUT", defaultProvisionTimeout),
		SandboxTTL:         getDuration("SANDBOX_TTL", defaultSandboxTTL),
		SampleSize:         getInt("SANDBOX_SAMPLE_SIZE", defaultSampleSize),
		ReplayWorkers:      getInt("REPLAY_WORKERS", defaultReplayWorkers),
		ReplayOpTimeout:    getDuration("REPLAY_OP_TIMEOUT", defaultReplayOpTimeout),
		ReplayWindow:       getDuration("REPLAY_WINDOW", defaultReplayWindow),
		ReplayMaxOps:       getInt("REPLAY_MAX_OPS", defaultReplayMaxOps),
		SimulationTimeout:  getDuration("PIPELINE_SIMULATION_TIMEOUT", defaultSimulationTimeout),
		ScheduleDelay:      getDuration("PIPELINE_SCHEDULE_DELAY", defaultScheduleDelay),
		HealthInterval:     getDuration("DEPLOY_HEALTH_INTERVAL", defaultHealthInterval),
		SettleWindow:       getDuration("DEPLOY_SETTLE_WINDOW", defaultSettleWindow),
		GraceWindow:        getDuration("DEPLOY_GRACE_WINDOW", defaultGraceWindow),
		ErrorRateThreshold: getFloat("DEPLOY_ERROR_RATE_THRESHOLD", defaultErrorRateThreshold),
	}

	if cfg.GraphAdminURL == "" {
		return Config{}, fmt.Errorf("GRAPH_ADMIN_URL required")
	}
	if cfg.AllowDebugToken && cfg.DebugToken == "" {
		return Config{}, fmt.Errorf("PIPELINE_DEBUG_TOKEN required when PIPELINE_ALLOW_DEBUG_TOKEN=true")
	}
	if !cfg.AllowDebugToken && cfg.JWTSecret == "" {
		return Config{}, fmt.Errorf("PIPELINE_JWT_SECRET required (or enable PIPELINE_ALLOW_DEBUG_TOKEN for dev)")
	}
	if cfg.ErrorRateThreshold <= 0 || cfg.ErrorRateThreshold >= 1 {
		return Config{}, fmt.Errorf("DEPLOY_ERROR_RATE_THRESHOLD must be in (0,1)")
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func splitList(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	var out []string
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
