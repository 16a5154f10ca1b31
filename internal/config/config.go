// Package config loads controller and agent configuration from the
// environment. All keys have working defaults for local development except
// the authentication tokens, which Validate insists on.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ControllerConfig holds everything the controller services need: scheduling
// limits, auth tokens, intervals and job defaults. Per-backend values are
// looked up as {BACKEND}_KEY with KEY as the fallback.
type ControllerConfig struct {
	// DatabasePath is the SQLite file holding jobs, tasks, flags and
	// saved requests
	DatabasePath string

	// Host and Port for the RPC/API server
	Host string
	Port int

	// Backends this controller schedules for, e.g. ["tpp", "test"]
	Backends []string

	// MaintenanceEnabledBackends get scheduled DBSTATUS probe tasks
	MaintenanceEnabledBackends []string

	// MaxWorkers and MaxDBWorkers cap concurrent jobs per backend
	MaxWorkers   map[string]int
	MaxDBWorkers map[string]int

	// JobServerTokens maps backend -> the bearer token its agent presents
	JobServerTokens map[string]string

	// ClientTokens maps client bearer token -> backends it may operate on
	ClientTokens map[string][]string

	// JobLoopInterval is the pause between main loop iterations
	JobLoopInterval time.Duration

	// MaintenancePollInterval is the minimum gap between DBSTATUS probes
	MaintenancePollInterval time.Duration

	// Job execution defaults, overridable per backend
	DefaultJobCPUCount    float64
	DefaultJobMemoryLimit string

	// AllowedGithubOrgs restricts which repos jobs may be created from.
	// Empty disables the check (local/test use only).
	AllowedGithubOrgs []string

	// Level 4 output safety limits
	Level4MaxFilesize int64
	Level4MaxCSVRows  int

	// Level4FileTypes are the file extensions releasable at level 4
	Level4FileTypes []string

	// ResourceWeights assigns scheduling weights to actions matching a
	// regex, per backend and workspace. Unmatched actions weigh 1.
	ResourceWeights map[string]map[string][]WeightRule

	// OTelExporterEndpoint enables the OTLP trace exporter when set
	OTelExporterEndpoint string
}

// WeightRule gives actions matching Pattern a scheduling weight.
type WeightRule struct {
	Pattern string  `yaml:"pattern"`
	Weight  float64 `yaml:"weight"`
}

// AgentConfig holds the agent side: which backend it serves, where the
// controller lives, and local execution paths.
type AgentConfig struct {
	// Backend is this agent's backend slug
	Backend string

	// TaskAPIEndpoint is the controller base URL, TaskAPIToken the bearer
	// token for it
	TaskAPIEndpoint string
	TaskAPIToken    string

	// DatabaseURLs maps database name -> connection URL, injected into
	// database jobs at the PREPARED stage
	DatabaseURLs map[string]string

	// UsingDummyDataBackend disables database URL injection entirely
	UsingDummyDataBackend bool

	// TaskPollInterval is the pause between agent loop iterations
	TaskPollInterval time.Duration

	// StatsPollInterval is the pause between metrics samples
	StatsPollInterval time.Duration

	// MetricsPort exposes the Prometheus endpoint when non-zero
	MetricsPort int

	// Paths for job execution
	WorkDir          string
	HighPrivacyDir   string
	MediumPrivacyDir string

	// DockerRegistry prefixes unqualified job images
	DockerRegistry string

	// CancelledJobTimeout bounds how long a cancelled container may drain
	CancelledJobTimeout time.Duration
}

// envOverrides maps environment variables to controller config fields.
var envOverrides = []struct {
	envVar string
	apply  func(*ControllerConfig, string) error
}{
	{"DATABASE_PATH", func(c *ControllerConfig, v string) error {
		c.DatabasePath = v
		return nil
	}},
	{"HOST", func(c *ControllerConfig, v string) error {
		c.Host = v
		return nil
	}},
	{"PORT", func(c *ControllerConfig, v string) error {
		return setInt(&c.Port, v)
	}},
	{"BACKENDS", func(c *ControllerConfig, v string) error {
		c.Backends = splitCSV(v)
		return nil
	}},
	{"MAINTENANCE_ENABLED_BACKENDS", func(c *ControllerConfig, v string) error {
		c.MaintenanceEnabledBackends = splitCSV(v)
		return nil
	}},
	{"JOB_LOOP_INTERVAL", func(c *ControllerConfig, v string) error {
		return setSeconds(&c.JobLoopInterval, v)
	}},
	{"MAINTENANCE_POLL_INTERVAL", func(c *ControllerConfig, v string) error {
		return setSeconds(&c.MaintenancePollInterval, v)
	}},
	{"DEFAULT_JOB_CPU_COUNT", func(c *ControllerConfig, v string) error {
		return setFloat(&c.DefaultJobCPUCount, v)
	}},
	{"DEFAULT_JOB_MEMORY_LIMIT", func(c *ControllerConfig, v string) error {
		c.DefaultJobMemoryLimit = v
		return nil
	}},
	{"ALLOWED_GITHUB_ORGS", func(c *ControllerConfig, v string) error {
		c.AllowedGithubOrgs = splitCSV(v)
		return nil
	}},
	{"LEVEL4_MAX_FILESIZE", func(c *ControllerConfig, v string) error {
		return setInt64(&c.Level4MaxFilesize, v)
	}},
	{"LEVEL4_MAX_CSV_ROWS", func(c *ControllerConfig, v string) error {
		i := 0
		if err := setInt(&i, v); err != nil {
			return err
		}
		c.Level4MaxCSVRows = i
		return nil
	}},
	{"LEVEL4_FILE_TYPES", func(c *ControllerConfig, v string) error {
		c.Level4FileTypes = splitCSV(v)
		return nil
	}},
	{"OTEL_EXPORTER_OTLP_ENDPOINT", func(c *ControllerConfig, v string) error {
		c.OTelExporterEndpoint = v
		return nil
	}},
}

// LoadControllerConfig builds the controller config from defaults plus the
// environment.
func LoadControllerConfig() (*ControllerConfig, error) {
	cfg := defaultControllerConfig()

	for _, override := range envOverrides {
		if val := os.Getenv(override.envVar); val != "" {
			if err := override.apply(cfg, val); err != nil {
				return nil, fmt.Errorf("config %s: %w", override.envVar, err)
			}
		}
	}

	for _, backend := range cfg.Backends {
		workers, err := backendInt(backend, "MAX_WORKERS", defaultMaxWorkers(backend))
		if err != nil {
			return nil, err
		}
		cfg.MaxWorkers[backend] = workers

		dbWorkers, err := backendInt(backend, "MAX_DB_WORKERS", workers)
		if err != nil {
			return nil, err
		}
		cfg.MaxDBWorkers[backend] = dbWorkers

		if token := os.Getenv(backendKey(backend, "JOB_SERVER_TOKEN")); token != "" {
			cfg.JobServerTokens[backend] = token
		}
	}

	// CLIENT_TOKENS is "token1:backend1|backend2,token2:backend3"
	if raw := os.Getenv("CLIENT_TOKENS"); raw != "" {
		for _, entry := range splitCSV(raw) {
			token, backends, ok := strings.Cut(entry, ":")
			if !ok {
				return nil, fmt.Errorf("config CLIENT_TOKENS: entry %q is not token:backends", entry)
			}
			cfg.ClientTokens[token] = strings.Split(backends, "|")
		}
	}

	if err := cfg.LoadResourceWeights(); err != nil {
		return nil, err
	}

	return cfg, cfg.Validate()
}

func defaultControllerConfig() *ControllerConfig {
	return &ControllerConfig{
		DatabasePath:            "raprunner.db",
		Host:                    "0.0.0.0",
		Port:                    8000,
		Backends:                []string{"test"},
		MaxWorkers:              map[string]int{},
		MaxDBWorkers:            map[string]int{},
		JobServerTokens:         map[string]string{},
		ClientTokens:            map[string][]string{},
		JobLoopInterval:         time.Second,
		MaintenancePollInterval: 5 * time.Minute,
		DefaultJobCPUCount:      2,
		DefaultJobMemoryLimit:   "4G",
		Level4MaxFilesize:       16 * 1024 * 1024,
		Level4MaxCSVRows:        5000,
		Level4FileTypes:         []string{".csv", ".log", ".txt", ".json", ".html"},
		ResourceWeights:         map[string]map[string][]WeightRule{},
	}
}

// The test backend gets a tighter default so scheduling behaviour is
// observable with a handful of jobs.
func defaultMaxWorkers(backend string) int {
	if backend == "test" {
		return 2
	}
	return 10
}

// Validate checks the controller config is usable.
func (c *ControllerConfig) Validate() error {
	if len(c.Backends) == 0 {
		return fmt.Errorf("config: no backends configured")
	}
	seen := map[string]bool{}
	for _, b := range c.Backends {
		if seen[b] {
			return fmt.Errorf("config: backend %q listed twice", b)
		}
		seen[b] = true
	}
	for _, b := range c.MaintenanceEnabledBackends {
		if !seen[b] {
			return fmt.Errorf("config: maintenance backend %q is not in BACKENDS", b)
		}
	}
	for token, backends := range c.ClientTokens {
		for _, b := range backends {
			if !seen[b] {
				return fmt.Errorf("config: client token %q grants unknown backend %q",
					redactToken(token), b)
			}
		}
	}
	return nil
}

// BackendsForToken returns the backends a client token may operate on, or
// false for an unknown token.
func (c *ControllerConfig) BackendsForToken(token string) ([]string, bool) {
	if token == "" {
		return nil, false
	}
	backends, ok := c.ClientTokens[token]
	return backends, ok
}

// HasBackend reports whether the backend slug is configured.
func (c *ControllerConfig) HasBackend(backend string) bool {
	for _, b := range c.Backends {
		if b == backend {
			return true
		}
	}
	return false
}

// agentEnvOverrides maps environment variables to agent config fields.
var agentEnvOverrides = []struct {
	envVar string
	apply  func(*AgentConfig, string) error
}{
	{"BACKEND", func(c *AgentConfig, v string) error {
		c.Backend = v
		return nil
	}},
	{"TASK_API_ENDPOINT", func(c *AgentConfig, v string) error {
		c.TaskAPIEndpoint = strings.TrimSuffix(v, "/")
		return nil
	}},
	{"TASK_API_TOKEN", func(c *AgentConfig, v string) error {
		c.TaskAPIToken = v
		return nil
	}},
	{"USING_DUMMY_DATA_BACKEND", func(c *AgentConfig, v string) error {
		c.UsingDummyDataBackend = isTruthy(v)
		return nil
	}},
	{"TASK_POLL_INTERVAL", func(c *AgentConfig, v string) error {
		return setSeconds(&c.TaskPollInterval, v)
	}},
	{"STATS_POLL_INTERVAL", func(c *AgentConfig, v string) error {
		return setSeconds(&c.StatsPollInterval, v)
	}},
	{"METRICS_PORT", func(c *AgentConfig, v string) error {
		return setInt(&c.MetricsPort, v)
	}},
	{"WORK_DIR", func(c *AgentConfig, v string) error {
		c.WorkDir = v
		return nil
	}},
	{"HIGH_PRIVACY_STORAGE_BASE", func(c *AgentConfig, v string) error {
		c.HighPrivacyDir = v
		return nil
	}},
	{"MEDIUM_PRIVACY_STORAGE_BASE", func(c *AgentConfig, v string) error {
		c.MediumPrivacyDir = v
		return nil
	}},
	{"DOCKER_REGISTRY", func(c *AgentConfig, v string) error {
		c.DockerRegistry = v
		return nil
	}},
	{"CANCELLED_JOB_TIMEOUT", func(c *AgentConfig, v string) error {
		return setSeconds(&c.CancelledJobTimeout, v)
	}},
}

// databaseURLVars maps database names to the env vars carrying their URLs.
var databaseURLVars = map[string]string{
	"default":      "DEFAULT_DATABASE_URL",
	"include_t1oo": "INCLUDE_T1OO_DATABASE_URL",
}

// LoadAgentConfig builds the agent config from defaults plus the environment.
func LoadAgentConfig() (*AgentConfig, error) {
	cfg := &AgentConfig{
		Backend:             "test",
		TaskAPIEndpoint:     "http://localhost:8000",
		DatabaseURLs:        map[string]string{},
		TaskPollInterval:    time.Second,
		StatsPollInterval:   30 * time.Second,
		WorkDir:             "workdir",
		HighPrivacyDir:      "high_privacy",
		MediumPrivacyDir:    "medium_privacy",
		DockerRegistry:      "ghcr.io/raplab",
		CancelledJobTimeout: 10 * time.Minute,
	}

	for _, override := range agentEnvOverrides {
		if val := os.Getenv(override.envVar); val != "" {
			if err := override.apply(cfg, val); err != nil {
				return nil, fmt.Errorf("config %s: %w", override.envVar, err)
			}
		}
	}

	for name, envVar := range databaseURLVars {
		if url := os.Getenv(envVar); url != "" {
			cfg.DatabaseURLs[name] = url
		}
	}

	return cfg, cfg.Validate()
}

// Validate checks the agent config is usable.
func (c *AgentConfig) Validate() error {
	if c.Backend == "" {
		return fmt.Errorf("config: BACKEND is required")
	}
	if c.TaskAPIEndpoint == "" {
		return fmt.Errorf("config: TASK_API_ENDPOINT is required")
	}
	if c.TaskAPIToken == "" {
		return fmt.Errorf("config: TASK_API_TOKEN is required")
	}
	return nil
}

func backendKey(backend, key string) string {
	return strings.ToUpper(backend) + "_" + key
}

func backendInt(backend, key string, def int) (int, error) {
	raw := os.Getenv(backendKey(backend, key))
	if raw == "" {
		raw = os.Getenv(key)
	}
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("config %s: %w", backendKey(backend, key), err)
	}
	return n, nil
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func isTruthy(s string) bool {
	switch strings.ToLower(s) {
	case "1", "true", "yes", "t":
		return true
	}
	return false
}

func setInt(dst *int, v string) error {
	n, err := strconv.Atoi(v)
	if err != nil {
		return err
	}
	*dst = n
	return nil
}

func setInt64(dst *int64, v string) error {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return err
	}
	*dst = n
	return nil
}

func setFloat(dst *float64, v string) error {
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return err
	}
	*dst = f
	return nil
}

// setSeconds parses either a bare number of seconds or a Go duration string.
func setSeconds(dst *time.Duration, v string) error {
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		*dst = time.Duration(secs * float64(time.Second))
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return err
	}
	*dst = d
	return nil
}

func redactToken(token string) string {
	if len(token) <= 4 {
		return "****"
	}
	return token[:4] + "****"
}
