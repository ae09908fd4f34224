// Package config provides the workload document model, loading and validation.
package config

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Kind identifies one of the workload variants.
type Kind string

const (
	KindProcess  Kind = "process"
	KindEndpoint Kind = "endpoint"
	KindSyscall  Kind = "syscall"
	KindNetwork  Kind = "network"
	KindBPF      Kind = "bpf"
)

// Kinds lists every supported workload variant.
var Kinds = []Kind{KindProcess, KindEndpoint, KindSyscall, KindNetwork, KindBPF}

// Defaults applied by ApplyDefaults.
const (
	DefaultGracePeriod    = 5 * time.Second
	DefaultLagThreshold   = time.Second
	DefaultMaxProcesses   = 256
	DefaultMaxRetries     = 8
	DefaultReportInterval = 10 * time.Second
	DefaultInterface      = "berserker0"
	DefaultConnsPerAddr   = 100
	DefaultSendInterval   = 10 * time.Millisecond
	DefaultTracepointGrp  = "syscalls"
)

// WorkloadConfig is the fully resolved workload document.
//
// Example YAML:
//
//	type: endpoint
//	workers: 1
//	duration: 10s
//	arrival_rate: 5
//	departure_rate: 5
//	distribution: uniform
//	port_range: [8000, 8010]
//
// Exactly one of the variant pointers is set, matching Type.
type WorkloadConfig struct {
	Type Kind `json:"type"`

	// Workers is an explicit worker count. Zero means unset.
	Workers int `json:"workers,omitempty"`

	// PerCore spawns one pinned worker per available core.
	PerCore *bool `json:"per_core,omitempty"`

	// Duration bounds the run. Zero runs until a signal arrives.
	Duration Duration `json:"duration,omitempty"`

	// GracePeriod is how long the supervisor waits for workers after cancellation.
	GracePeriod Duration `json:"grace_period,omitempty"`

	// Seed makes runs reproducible. Zero derives a seed from the clock.
	Seed int64 `json:"seed,omitempty"`

	// LagThreshold is how far a worker may fall behind its schedule before resyncing.
	LagThreshold Duration `json:"lag_threshold,omitempty"`

	Process  *ProcessConfig  `json:"-"`
	Endpoint *EndpointConfig `json:"-"`
	Syscall  *SyscallConfig  `json:"-"`
	Network  *NetworkConfig  `json:"-"`
	BPF      *BPFConfig      `json:"-"`
}

// SpawnMode selects how the process workload creates children.
type SpawnMode string

const (
	SpawnFork SpawnMode = "fork"
	SpawnExec SpawnMode = "exec"
)

// OverflowPolicy decides what happens to arrivals above the process ceiling.
type OverflowPolicy string

const (
	OverflowDrop  OverflowPolicy = "drop"
	OverflowBlock OverflowPolicy = "block"
)

// ProcessConfig configures process churn.
type ProcessConfig struct {
	ArrivalRate   float64        `json:"arrival_rate"`
	DepartureRate float64        `json:"departure_rate"`
	SpawnMode     SpawnMode      `json:"spawn_mode,omitempty"`
	Helper        string         `json:"helper,omitempty"`
	MaxProcesses  int            `json:"max_processes,omitempty"`
	Overflow      OverflowPolicy `json:"overflow,omitempty"`
}

// Distribution names a port selection policy.
type Distribution string

const (
	DistributionUniform Distribution = "uniform"
	DistributionZipf    Distribution = "zipf"
)

// PortRange is a half-open port interval [lo, hi).
type PortRange [2]int

// Lo returns the first port of the range.
func (r PortRange) Lo() int { return r[0] }

// Hi returns the first port past the range.
func (r PortRange) Hi() int { return r[1] }

// Len returns the number of ports in the range.
func (r PortRange) Len() int { return r[1] - r[0] }

func (r PortRange) String() string {
	return fmt.Sprintf("[%d,%d)", r[0], r[1])
}

// EndpointConfig configures listening socket churn.
type EndpointConfig struct {
	ArrivalRate   float64      `json:"arrival_rate"`
	DepartureRate float64      `json:"departure_rate"`
	Distribution  Distribution `json:"distribution"`
	Skew          float64      `json:"skew,omitempty"`
	PortRange     PortRange    `json:"port_range"`
	Protocol      string       `json:"protocol,omitempty"`
	BindAddress   string       `json:"bind_address,omitempty"`
	MaxRetries    int          `json:"max_retries,omitempty"`
}

// SyscallNames lists the syscalls the syscall workload may invoke.
var SyscallNames = []string{"getpid", "getppid", "gettid", "getuid", "geteuid", "getgid", "sched_yield"}

// SyscallConfig configures the syscall hot path.
type SyscallConfig struct {
	ArrivalRate    float64  `json:"arrival_rate"`
	Syscall        string   `json:"syscall,omitempty"`
	TightLoop      bool     `json:"tight_loop,omitempty"`
	ReportInterval Duration `json:"report_interval,omitempty"`
}

// Role selects the network workload side.
type Role string

const (
	RoleServer Role = "server"
	RoleClient Role = "client"
	// RolePair runs worker 0 as the server and every other worker as a client.
	RolePair Role = "pair"
)

// NetworkConfig configures the client/server connection workload.
type NetworkConfig struct {
	Role              Role     `json:"role"`
	TargetAddress     string   `json:"target_address"`
	Port              int      `json:"port"`
	Connections       int      `json:"connections,omitempty"`
	ConnectionsDynMax int      `json:"connections_dyn_max,omitempty"`
	ArrivalRate       float64  `json:"arrival_rate,omitempty"`
	DepartureRate     float64  `json:"departure_rate,omitempty"`
	Preempt           bool     `json:"preempt,omitempty"`
	Protocol          string   `json:"protocol,omitempty"`
	Interface         string   `json:"interface,omitempty"`
	AddressPool       string   `json:"address_pool,omitempty"`
	ConnsPerAddr      int      `json:"conns_per_addr,omitempty"`
	SendInterval      Duration `json:"send_interval,omitempty"`
}

// BPFConfig configures tracepoint attachment contention.
type BPFConfig struct {
	Tracepoint   string `json:"tracepoint"`
	ProgramCount int    `json:"program_count"`
}

// PerCoreEnabled reports the effective per_core setting.
func (c *WorkloadConfig) PerCoreEnabled() bool {
	if c.PerCore != nil {
		return *c.PerCore
	}
	switch c.Type {
	case KindNetwork, KindBPF:
		return false
	default:
		return true
	}
}

// ApplyDefaults fills unset optional fields.
func (c *WorkloadConfig) ApplyDefaults() {
	if c.GracePeriod == 0 {
		c.GracePeriod = Duration(DefaultGracePeriod)
	}
	if c.LagThreshold == 0 {
		c.LagThreshold = Duration(DefaultLagThreshold)
	}
	if c.Process != nil {
		p := c.Process
		if p.SpawnMode == "" {
			p.SpawnMode = SpawnExec
		}
		if p.MaxProcesses == 0 {
			p.MaxProcesses = DefaultMaxProcesses
		}
		if p.Overflow == "" {
			p.Overflow = OverflowDrop
		}
	}
	if c.Endpoint != nil {
		e := c.Endpoint
		if e.Protocol == "" {
			e.Protocol = "tcp"
		}
		if e.BindAddress == "" {
			e.BindAddress = "0.0.0.0"
		}
		if e.MaxRetries == 0 {
			e.MaxRetries = DefaultMaxRetries
		}
	}
	if c.Syscall != nil {
		s := c.Syscall
		if s.Syscall == "" {
			s.Syscall = "getpid"
		}
		if s.ReportInterval == 0 {
			s.ReportInterval = Duration(DefaultReportInterval)
		}
	}
	if c.Network != nil {
		n := c.Network
		if n.Protocol == "" {
			n.Protocol = "tcp"
		}
		if n.Interface == "" {
			n.Interface = DefaultInterface
		}
		if n.ConnsPerAddr == 0 {
			n.ConnsPerAddr = DefaultConnsPerAddr
		}
		if n.SendInterval == 0 {
			n.SendInterval = Duration(DefaultSendInterval)
		}
	}
}

// Clone returns a deep copy so each worker owns an immutable slice of the configuration.
func (c *WorkloadConfig) Clone() *WorkloadConfig {
	out := *c
	if c.PerCore != nil {
		v := *c.PerCore
		out.PerCore = &v
	}
	if c.Process != nil {
		v := *c.Process
		out.Process = &v
	}
	if c.Endpoint != nil {
		v := *c.Endpoint
		out.Endpoint = &v
	}
	if c.Syscall != nil {
		v := *c.Syscall
		out.Syscall = &v
	}
	if c.Network != nil {
		v := *c.Network
		out.Network = &v
	}
	if c.BPF != nil {
		v := *c.BPF
		out.BPF = &v
	}
	return &out
}

// Duration is a time.Duration that can be unmarshaled from strings or seconds.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + time.Duration(d).String() + `"`), nil
}

// UnmarshalJSON implements json.Unmarshaler.
//
// Accepts Go duration strings ("10s", "250ms"), numeric strings and bare
// numbers, the latter two interpreted as seconds.
func (d *Duration) UnmarshalJSON(b []byte) error {
	s := string(b)
	if s == "null" {
		*d = 0
		return nil
	}
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		var str string
		if err := json.Unmarshal(b, &str); err != nil {
			return err
		}
		dur, err := ParseDurationString(str)
		if err != nil {
			return err
		}
		*d = Duration(dur)
		return nil
	}

	secs, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("invalid duration %s", s)
	}
	*d = Duration(secs * float64(time.Second))
	return nil
}

// ParseDurationString parses a Go duration or a plain number of seconds.
func ParseDurationString(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}

	d, err := time.ParseDuration(s)
	if err == nil {
		return d, nil
	}

	secs, perr := strconv.ParseFloat(s, 64)
	if perr == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}

	return 0, fmt.Errorf("invalid duration format: %s", s)
}
