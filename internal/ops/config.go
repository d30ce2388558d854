package ops

import (
	"fmt"
	"os"
	"strings"
	"time"

	"controlplane/internal/chaos"
	"controlplane/internal/errors"
	"controlplane/internal/og"
	"controlplane/internal/request"
	"controlplane/internal/schema"
	"controlplane/internal/throttle"
	"controlplane/internal/timer"
	"controlplane/internal/venue"
	"controlplane/pkg/exception"

	"gopkg.in/yaml.v3"
)

// FileConfig mirrors the YAML config layout.
type FileConfig struct {
	SystemID  uint32          `yaml:"system_id"`
	Timer     TimerConfig     `yaml:"timer"`
	Services  []ServiceConfig `yaml:"services"`
	Requests  []PolicyConfig  `yaml:"requests"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Profiling ProfilingConfig `yaml:"profiling"`
	Chaos     chaos.Config    `yaml:"chaos"`
}

// TimerConfig configures the hashed wheel.
type TimerConfig struct {
	Tick      time.Duration `yaml:"tick"`
	WheelSize int           `yaml:"wheel_size"`
	Location  string        `yaml:"location"`
}

// ServiceConfig describes one service.
type ServiceConfig struct {
	Name           string                     `yaml:"name"`
	Type           string                     `yaml:"type"`
	Role           string                     `yaml:"role"`
	MailboxSize    int                        `yaml:"mailbox_size"`
	Heartbeat      time.Duration              `yaml:"heartbeat"`
	CommandTimeout time.Duration              `yaml:"command_timeout"`
	DependsOn      []string                   `yaml:"depends_on"`
	DependsOnTypes []string                   `yaml:"depends_on_types"`
	GateActive     bool                       `yaml:"gate_active"`
	Throttles      map[string]throttle.Config `yaml:"throttles"`
	Venue          venue.Config               `yaml:"venue"`
	Gateway        GatewayConfig              `yaml:"gateway"`
}

// GatewayConfig configures an order gateway service.
type GatewayConfig struct {
	Venue         string `yaml:"venue"`
	ReplyToOrigin bool   `yaml:"reply_to_origin"`
}

// PolicyConfig is one row of the request policy table.
type PolicyConfig struct {
	Type       schema.RequestType `yaml:"type"`
	Timeout    time.Duration      `yaml:"timeout"`
	RetryDelay time.Duration      `yaml:"retry_delay"`
	Growth     string             `yaml:"growth"`
	MaxDelay   time.Duration      `yaml:"max_delay"`
	MaxRetries int                `yaml:"max_retries"`
	Actions    map[string]string  `yaml:"actions"`
	Default    string             `yaml:"default"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	Path    string `yaml:"path"`
}

// ProfilingConfig configures continuous profiling.
type ProfilingConfig struct {
	Enabled bool              `yaml:"enabled"`
	Server  string            `yaml:"server"`
	App     string            `yaml:"app"`
	Tags    map[string]string `yaml:"tags"`
}

// Role selects the handler of a service.
type Role uint8

const (
	RoleUnknown Role = iota
	RoleVenue
	RoleGateway
)

func parseRole(name string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "venue":
		return RoleVenue, nil
	case "og", "gateway":
		return RoleGateway, nil
	default:
		return RoleUnknown, fmt.Errorf("%w: role %q", exception.ErrConfigInvalid, name)
	}
}

// ServiceSpec is a resolved service definition.
type ServiceSpec struct {
	Sink           schema.Sink
	Role           Role
	MailboxSize    int
	Heartbeat      time.Duration
	CommandTimeout time.Duration
	DependsOn      []schema.Sink
	DependsOnTypes []schema.ServiceType
	GateActive     bool
	Throttles      map[schema.SinkID]throttle.Config
	Venue          venue.Config
	Gateway        og.GatewayConfig
}

// Loaded is the resolved configuration ready for use.
type Loaded struct {
	SystemID  uint32
	Registry  *schema.Registry
	Timer     timer.Config
	Services  []ServiceSpec
	Policies  request.PolicyTable
	Metrics   MetricsConfig
	Profiling ProfilingConfig
	Chaos     chaos.Config
}

// Load reads a YAML config file and resolves it.
func Load(path string) (Loaded, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Loaded{}, errors.Wrapf(err, "read config %s", path)
	}
	return Parse(data)
}

// Parse resolves YAML config bytes.
func Parse(data []byte) (Loaded, error) {
	var cfg FileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Loaded{}, fmt.Errorf("%w: %v", exception.ErrConfigInvalid, err)
	}
	return Resolve(cfg)
}

// Resolve validates cfg and builds the registry, service specs and policy table.
func Resolve(cfg FileConfig) (Loaded, error) {
	cfg = cfg.withDefaults()

	timerCfg, err := resolveTimer(cfg.Timer)
	if err != nil {
		return Loaded{}, err
	}
	registry, err := buildRegistry(cfg.Services)
	if err != nil {
		return Loaded{}, err
	}
	services := make([]ServiceSpec, 0, len(cfg.Services))
	started := make(map[schema.SinkID]bool, len(cfg.Services))
	for _, sc := range cfg.Services {
		spec, err := resolveService(sc, registry)
		if err != nil {
			return Loaded{}, errors.Wrapf(err, "service %s", sc.Name)
		}
		// services start in listed order
		for _, dep := range spec.DependsOn {
			if !started[dep.ID] {
				return Loaded{}, fmt.Errorf("%w: service %s depends on %s which is not listed before it",
					exception.ErrConfigInvalid, sc.Name, dep.Name)
			}
		}
		for _, typ := range spec.DependsOnTypes {
			for i := 0; i < registry.SinkCount(); i++ {
				sink, _ := registry.SinkAt(i)
				if sink.Type == typ && sink.ID != spec.Sink.ID && !started[sink.ID] {
					return Loaded{}, fmt.Errorf("%w: service %s depends on %s services but %s is not listed before it",
						exception.ErrConfigInvalid, sc.Name, typ, sink.Name)
				}
			}
		}
		started[spec.Sink.ID] = true
		services = append(services, spec)
	}
	policies, err := resolvePolicies(cfg.Requests)
	if err != nil {
		return Loaded{}, err
	}
	if err := cfg.Chaos.Validate(); err != nil {
		return Loaded{}, err
	}

	return Loaded{
		SystemID:  cfg.SystemID,
		Registry:  registry,
		Timer:     timerCfg,
		Services:  services,
		Policies:  policies,
		Metrics:   cfg.Metrics,
		Profiling: cfg.Profiling,
		Chaos:     cfg.Chaos,
	}, nil
}

func (c FileConfig) withDefaults() FileConfig {
	if c.SystemID == 0 {
		c.SystemID = 1
	}
	if c.Metrics.Listen == "" {
		c.Metrics.Listen = ":9090"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Profiling.App == "" {
		c.Profiling.App = "controlplane"
	}
	return c
}

func resolveTimer(cfg TimerConfig) (timer.Config, error) {
	out := timer.Config{Tick: cfg.Tick, WheelSize: cfg.WheelSize}
	if cfg.Location != "" {
		loc, err := time.LoadLocation(cfg.Location)
		if err != nil {
			return timer.Config{}, fmt.Errorf("%w: timer location %q: %v", exception.ErrConfigInvalid, cfg.Location, err)
		}
		out.Location = loc
	}
	if out.Tick < 0 || out.WheelSize < 0 {
		return timer.Config{}, fmt.Errorf("%w: timer tick and wheel_size must be >= 0", exception.ErrConfigInvalid)
	}
	return out, nil
}

func buildRegistry(services []ServiceConfig) (*schema.Registry, error) {
	if len(services) == 0 {
		return nil, fmt.Errorf("%w: no services", exception.ErrConfigInvalid)
	}
	reg := schema.NewRegistry()
	for _, sc := range services {
		typ, err := schema.ParseServiceType(sc.Type)
		if err != nil {
			return nil, fmt.Errorf("%w: service %s: %v", exception.ErrConfigInvalid, sc.Name, err)
		}
		if _, err := reg.AddSink(sc.Name, typ); err != nil {
			return nil, fmt.Errorf("%w: %v", exception.ErrConfigInvalid, err)
		}
	}
	return reg, nil
}

func lookup(reg *schema.Registry, name string) (schema.Sink, error) {
	sink, ok := reg.SinkByName(name)
	if !ok {
		return schema.Sink{}, fmt.Errorf("%w: %s", exception.ErrConfigUnknownSink, name)
	}
	return sink, nil
}

func resolveService(sc ServiceConfig, reg *schema.Registry) (ServiceSpec, error) {
	self, err := lookup(reg, sc.Name)
	if err != nil {
		return ServiceSpec{}, err
	}
	role, err := parseRole(sc.Role)
	if err != nil {
		return ServiceSpec{}, err
	}
	if sc.MailboxSize < 0 || sc.Heartbeat < 0 || sc.CommandTimeout < 0 {
		return ServiceSpec{}, fmt.Errorf("%w: mailbox_size, heartbeat and command_timeout must be >= 0", exception.ErrConfigInvalid)
	}

	spec := ServiceSpec{
		Sink:           self,
		Role:           role,
		MailboxSize:    sc.MailboxSize,
		Heartbeat:      sc.Heartbeat,
		CommandTimeout: sc.CommandTimeout,
		GateActive:     sc.GateActive,
		Throttles:      make(map[schema.SinkID]throttle.Config, len(sc.Throttles)),
		Venue:          sc.Venue,
	}
	for _, name := range sc.DependsOn {
		dep, err := lookup(reg, name)
		if err != nil {
			return ServiceSpec{}, err
		}
		if dep.ID == self.ID {
			return ServiceSpec{}, fmt.Errorf("%w: depends on itself", exception.ErrConfigInvalid)
		}
		spec.DependsOn = append(spec.DependsOn, dep)
	}
	for _, name := range sc.DependsOnTypes {
		typ, err := schema.ParseServiceType(name)
		if err != nil {
			return ServiceSpec{}, fmt.Errorf("%w: depends_on_types: %v", exception.ErrConfigInvalid, err)
		}
		spec.DependsOnTypes = append(spec.DependsOnTypes, typ)
	}
	for name, tc := range sc.Throttles {
		dst, err := lookup(reg, name)
		if err != nil {
			return ServiceSpec{}, err
		}
		if tc.Strategy == "" {
			tc.Strategy = throttle.StrategySliding
		}
		tc.Strategy = throttle.Strategy(strings.ToLower(string(tc.Strategy)))
		if err := tc.Validate(); err != nil {
			return ServiceSpec{}, errors.Wrapf(err, "throttle to %s", name)
		}
		spec.Throttles[dst.ID] = tc
	}
	if role == RoleGateway {
		dst, err := lookup(reg, sc.Gateway.Venue)
		if err != nil {
			return ServiceSpec{}, errors.Wrap(err, "gateway venue")
		}
		spec.Gateway = og.GatewayConfig{Venue: dst, ReplyToOrigin: sc.Gateway.ReplyToOrigin}
	}
	return spec, nil
}

var responseCodes = map[string]schema.ResponseCode{
	"ack":      schema.ResponseAck,
	"partial":  schema.ResponsePartial,
	"done":     schema.ResponseDone,
	"busy":     schema.ResponseBusy,
	"rejected": schema.ResponseRejected,
}

func resolvePolicies(rows []PolicyConfig) (request.PolicyTable, error) {
	table := make(request.PolicyTable, len(rows))
	for _, row := range rows {
		if _, ok := table[row.Type]; ok {
			return nil, fmt.Errorf("%w: request type %d listed twice", exception.ErrConfigInvalid, row.Type)
		}
		growth, err := request.ParseGrowth(row.Growth)
		if err != nil {
			return nil, fmt.Errorf("request type %d: %w", row.Type, err)
		}
		def := request.ActionDone
		if row.Default != "" {
			if def, err = request.ParseAction(row.Default); err != nil {
				return nil, fmt.Errorf("request type %d: %w", row.Type, err)
			}
		}
		actions := make(map[schema.ResponseCode]request.Action, len(row.Actions))
		for name, actionName := range row.Actions {
			code, ok := responseCodes[strings.ToLower(name)]
			if !ok {
				return nil, fmt.Errorf("%w: request type %d response %q", exception.ErrConfigUnknownOption, row.Type, name)
			}
			action, err := request.ParseAction(actionName)
			if err != nil {
				return nil, fmt.Errorf("request type %d: %w", row.Type, err)
			}
			actions[code] = action
		}
		table[row.Type] = request.Policy{
			Timeout:    row.Timeout,
			RetryDelay: row.RetryDelay,
			Growth:     growth,
			MaxDelay:   row.MaxDelay,
			MaxRetries: row.MaxRetries,
			Actions:    actions,
			Default:    def,
		}
	}
	if err := table.Validate(); err != nil {
		return nil, err
	}
	return table, nil
}
