package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	NATS         NATSConfig                 `yaml:"nats"`
	Store        StoreConfig                `yaml:"store"`
	Web          WebConfig                  `yaml:"web"`
	Scheduler    SchedulerConfig            `yaml:"scheduler"`
	Coordination CoordinationConfig         `yaml:"coordination"`
	Roles        map[string]RoleDefinition  `yaml:"roles"`
	Agents       map[string]AgentDefinition `yaml:"agents"`
	Groups       map[string]GroupDefinition `yaml:"groups"`
}

type NATSConfig struct {
	Port    int    `yaml:"port"`
	DataDir string `yaml:"data_dir"`
	// URL is used by agents connecting to a running gateway.
	URL string `yaml:"url"`
}

type StoreConfig struct {
	Path      string        `yaml:"path"`
	Retention time.Duration `yaml:"retention"`
}

type WebConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Auth    string `yaml:"auth"`
}

// SchedulerConfig holds the poll interval and one schedule per maintenance
// job. A schedule is a cron expression or "@every <duration>"; empty
// disables the job.
type SchedulerConfig struct {
	PollInterval      time.Duration `yaml:"poll_interval"`
	ResourceSweep     string        `yaml:"resource_sweep"`
	CoherenceSnapshot string        `yaml:"coherence_snapshot"`
	IdleAgents        string        `yaml:"idle_agents"`
	JournalPrune      string        `yaml:"journal_prune"`
}

type CoordinationConfig struct {
	BarrierTimeout      time.Duration `yaml:"barrier_timeout"`
	AckTimeout          time.Duration `yaml:"ack_timeout"`
	HeartbeatRest       time.Duration `yaml:"heartbeat_rest"`
	FairnessHorizon     time.Duration `yaml:"fairness_horizon"`
	IdleTimeout         time.Duration `yaml:"idle_timeout"`
	DefaultStrategy     string        `yaml:"default_strategy"`
	DisruptiveThreshold float64       `yaml:"disruptive_threshold"`
	BeneficialThreshold float64       `yaml:"beneficial_threshold"`
	ConflictTypes       []string      `yaml:"conflict_types"`
	CooperationTypes    []string      `yaml:"cooperation_types"`
}

type RoleDefinition struct {
	Priority     float64  `yaml:"priority"`
	Capabilities []string `yaml:"capabilities"`
}

// AgentDefinition seeds one agent of the roster. An empty parent places the
// agent under the hierarchy root.
type AgentDefinition struct {
	Role         string   `yaml:"role"`
	Parent       string   `yaml:"parent"`
	Capabilities []string `yaml:"capabilities"`
}

type GroupDefinition struct {
	Members  []string          `yaml:"members"`
	Pattern  string            `yaml:"pattern"`
	Interval time.Duration     `yaml:"interval"`
	Action   string            `yaml:"action"`
	Rest     time.Duration     `yaml:"rest"`
	Phases   []PhaseDefinition `yaml:"phases"`
}

type PhaseDefinition struct {
	Name     string         `yaml:"name"`
	Action   string         `yaml:"action"`
	Agents   []string       `yaml:"agents"`
	Duration time.Duration  `yaml:"duration"`
	Params   map[string]any `yaml:"params"`
}

func defaults() Config {
	return Config{
		NATS: NATSConfig{
			Port:    4222,
			DataDir: "data/nats",
		},
		Store: StoreConfig{
			Path:      "data/concord.db",
			Retention: 30 * 24 * time.Hour,
		},
		Web: WebConfig{
			Enabled: true,
			Port:    8080,
		},
		Scheduler: SchedulerConfig{
			PollInterval:      time.Second,
			ResourceSweep:     "@every 5s",
			CoherenceSnapshot: "* * * * *",
			IdleAgents:        "@every 1m",
			JournalPrune:      "0 3 * * *",
		},
		Coordination: CoordinationConfig{
			BarrierTimeout:      30 * time.Second,
			AckTimeout:          10 * time.Second,
			HeartbeatRest:       100 * time.Millisecond,
			FairnessHorizon:     10 * time.Minute,
			IdleTimeout:         5 * time.Minute,
			DefaultStrategy:     "priority",
			DisruptiveThreshold: 0.8,
			BeneficialThreshold: 0.7,
			ConflictTypes:       []string{"conflict", "competition", "contention", "deadlock", "oscillation"},
			CooperationTypes:    []string{"cooperation", "collaboration", "consensus", "synergy"},
		},
	}
}

// Path returns the config file location.
func Path() string {
	if p := os.Getenv("CONCORD_CONFIG"); p != "" {
		return p
	}
	return "config/concord.yaml"
}

func Load() (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(Path())
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// Config file not found, use defaults + env
	} else {
		// Expand environment variables in YAML
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(&cfg)

	return &cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("CONCORD_WEB_PASSWORD"); v != "" {
		cfg.Web.Auth = v
	}
	if v := os.Getenv("CONCORD_WEB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Web.Port = port
		}
	}
	if v := os.Getenv("CONCORD_NATS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.NATS.Port = port
		}
	}
	if v := os.Getenv("CONCORD_NATS_URL"); v != "" {
		cfg.NATS.URL = v
	}
	if v := os.Getenv("CONCORD_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("CONCORD_BARRIER_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Coordination.BarrierTimeout = d
		}
	}
	if v := os.Getenv("CONCORD_ACK_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Coordination.AckTimeout = d
		}
	}
}

// AgentNames returns the roster ids in sorted order.
func (c *Config) AgentNames() []string {
	names := make([]string, 0, len(c.Agents))
	for name := range c.Agents {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate checks field-level consistency. It returns every problem found;
// hierarchy shape is checked by the registry.
func (c *Config) Validate() []string {
	var problems []string

	roleNames := make([]string, 0, len(c.Roles))
	for name := range c.Roles {
		roleNames = append(roleNames, name)
	}
	sort.Strings(roleNames)
	for _, name := range roleNames {
		if p := c.Roles[name].Priority; p < 0 || p > 1 {
			problems = append(problems, fmt.Sprintf("role %s: priority %.2f outside [0,1]", name, p))
		}
	}

	for _, name := range c.AgentNames() {
		def := c.Agents[name]
		if def.Role != "" {
			if _, ok := c.Roles[def.Role]; !ok {
				problems = append(problems, fmt.Sprintf("agent %s: unknown role %s", name, def.Role))
			}
		}
		if def.Parent != "" {
			if _, ok := c.Agents[def.Parent]; !ok {
				problems = append(problems, fmt.Sprintf("agent %s: unknown parent %s", name, def.Parent))
			}
		}
	}

	groupNames := make([]string, 0, len(c.Groups))
	for name := range c.Groups {
		groupNames = append(groupNames, name)
	}
	sort.Strings(groupNames)
	for _, name := range groupNames {
		for _, m := range c.Groups[name].Members {
			if _, ok := c.Agents[m]; !ok {
				problems = append(problems, fmt.Sprintf("group %s: unknown member %s", name, m))
			}
		}
	}

	co := c.Coordination
	if co.BarrierTimeout <= 0 {
		problems = append(problems, "coordination.barrier_timeout must be positive")
	}
	if co.AckTimeout <= 0 {
		problems = append(problems, "coordination.ack_timeout must be positive")
	}
	return problems
}
