package config

import (
	"fmt"
	"net/netip"
	"slices"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation error: %s", e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors struct {
	Errors []*ValidationError
}

func (e *ValidationErrors) Error() string {
	if len(e.Errors) == 0 {
		return "no validation errors"
	}
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e.Errors)))
	for i, err := range e.Errors {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// Add adds an error to the collection.
func (e *ValidationErrors) Add(field, message string) {
	e.Errors = append(e.Errors, &ValidationError{Field: field, Message: message})
}

// HasErrors returns true if there are any errors.
func (e *ValidationErrors) HasErrors() bool {
	return len(e.Errors) > 0
}

// Fields returns the offending field names in order.
func (e *ValidationErrors) Fields() []string {
	fields := make([]string, 0, len(e.Errors))
	for _, err := range e.Errors {
		fields = append(fields, err.Field)
	}
	return fields
}

// Validate checks cross-field constraints the schema cannot express.
//
// Returns nil if valid, or a ValidationErrors containing all validation errors.
func (c *WorkloadConfig) Validate() error {
	errs := &ValidationErrors{}

	if !slices.Contains(Kinds, c.Type) {
		errs.Add("type", fmt.Sprintf("unknown workload type: %s", c.Type))
	}
	if c.Workers < 0 {
		errs.Add("workers", "workers cannot be negative")
	}
	if c.Duration < 0 {
		errs.Add("duration", "duration cannot be negative")
	}
	if c.GracePeriod <= 0 {
		errs.Add("grace_period", "grace_period must be greater than 0")
	}
	if c.LagThreshold <= 0 {
		errs.Add("lag_threshold", "lag_threshold must be greater than 0")
	}

	switch c.Type {
	case KindProcess:
		validateProcess(c.Process, errs)
	case KindEndpoint:
		validateEndpoint(c.Endpoint, errs)
	case KindSyscall:
		validateSyscall(c.Syscall, errs)
	case KindNetwork:
		validateNetwork(c.Network, errs)
	case KindBPF:
		validateBPF(c.BPF, errs)
	}

	if errs.HasErrors() {
		return errs
	}
	return nil
}

func validateProcess(p *ProcessConfig, errs *ValidationErrors) {
	if p == nil {
		errs.Add("type", "process workload block is missing")
		return
	}
	if p.ArrivalRate <= 0 {
		errs.Add("arrival_rate", "arrival_rate must be greater than 0")
	}
	switch p.SpawnMode {
	case SpawnExec:
		if p.DepartureRate <= 0 {
			errs.Add("departure_rate", "departure_rate must be greater than 0 in exec mode")
		}
	case SpawnFork:
	default:
		errs.Add("spawn_mode", fmt.Sprintf("unknown spawn mode: %s", p.SpawnMode))
	}
	if p.MaxProcesses <= 0 {
		errs.Add("max_processes", "max_processes must be greater than 0")
	}
	if p.Overflow != OverflowDrop && p.Overflow != OverflowBlock {
		errs.Add("overflow", fmt.Sprintf("unknown overflow policy: %s", p.Overflow))
	}
}

func validateEndpoint(e *EndpointConfig, errs *ValidationErrors) {
	if e == nil {
		errs.Add("type", "endpoint workload block is missing")
		return
	}
	if e.ArrivalRate <= 0 {
		errs.Add("arrival_rate", "arrival_rate must be greater than 0")
	}
	if e.DepartureRate <= 0 {
		errs.Add("departure_rate", "departure_rate must be greater than 0")
	}
	switch e.Distribution {
	case DistributionUniform, DistributionZipf:
	default:
		errs.Add("distribution", fmt.Sprintf("unknown distribution: %s", e.Distribution))
	}
	if e.Skew < 0 {
		errs.Add("skew", "skew cannot be negative")
	}
	if e.PortRange.Lo() < 1 || e.PortRange.Hi() > 65536 || e.PortRange.Len() <= 0 {
		errs.Add("port_range", fmt.Sprintf("port range %s must satisfy 1 <= lo < hi <= 65536", e.PortRange))
	}
	if e.Protocol != "tcp" && e.Protocol != "udp" {
		errs.Add("protocol", fmt.Sprintf("unknown protocol: %s", e.Protocol))
	}
	if _, err := netip.ParseAddr(e.BindAddress); err != nil {
		errs.Add("bind_address", fmt.Sprintf("invalid address: %v", err))
	}
	if e.MaxRetries <= 0 {
		errs.Add("max_retries", "max_retries must be greater than 0")
	}
}

func validateSyscall(s *SyscallConfig, errs *ValidationErrors) {
	if s == nil {
		errs.Add("type", "syscall workload block is missing")
		return
	}
	if !s.TightLoop && s.ArrivalRate <= 0 {
		errs.Add("arrival_rate", "arrival_rate must be greater than 0 unless tight_loop is set")
	}
	if !slices.Contains(SyscallNames, s.Syscall) {
		errs.Add("syscall", fmt.Sprintf("unsupported syscall %q, expected one of %s", s.Syscall, strings.Join(SyscallNames, ", ")))
	}
	if s.ReportInterval <= 0 {
		errs.Add("report_interval", "report_interval must be greater than 0")
	}
}

func validateNetwork(n *NetworkConfig, errs *ValidationErrors) {
	if n == nil {
		errs.Add("type", "network workload block is missing")
		return
	}
	switch n.Role {
	case RoleServer, RoleClient, RolePair:
	default:
		errs.Add("role", fmt.Sprintf("unknown role: %s", n.Role))
	}
	addr, err := netip.ParseAddr(n.TargetAddress)
	if err != nil {
		errs.Add("target_address", fmt.Sprintf("invalid address: %v", err))
	} else if !addr.Is4() {
		errs.Add("target_address", "only IPv4 addresses are supported")
	}
	if n.Port < 1 || n.Port > 65535 {
		errs.Add("port", "port must be between 1 and 65535")
	}
	if n.Protocol != "tcp" && n.Protocol != "udp" {
		errs.Add("protocol", fmt.Sprintf("unknown protocol: %s", n.Protocol))
	}
	if n.SendInterval <= 0 {
		errs.Add("send_interval", "send_interval must be greater than 0")
	}

	if n.Role == RoleServer {
		return
	}

	if n.Connections < 0 {
		errs.Add("connections", "connections cannot be negative")
	}
	if n.ConnectionsDynMax < 0 {
		errs.Add("connections_dyn_max", "connections_dyn_max cannot be negative")
	}
	if n.ConnectionsDynMax > 0 {
		if n.ArrivalRate <= 0 {
			errs.Add("arrival_rate", "arrival_rate must be greater than 0 when connections_dyn_max is set")
		}
		if n.DepartureRate <= 0 {
			errs.Add("departure_rate", "departure_rate must be greater than 0 when connections_dyn_max is set")
		}
	}
	if n.Connections == 0 && n.ConnectionsDynMax == 0 {
		errs.Add("connections", "a client needs static connections or connections_dyn_max")
	}
	if n.Interface == "" {
		errs.Add("interface", "interface is required for clients")
	}
	pool, err := netip.ParsePrefix(n.AddressPool)
	if err != nil {
		errs.Add("address_pool", fmt.Sprintf("invalid CIDR: %v", err))
	} else if !pool.Addr().Is4() || pool.Bits() > 30 {
		errs.Add("address_pool", "address_pool must be an IPv4 prefix of /30 or wider")
	}
	if n.ConnsPerAddr < 1 || n.ConnsPerAddr > 16384 {
		errs.Add("conns_per_addr", "conns_per_addr must be between 1 and 16384")
	}
}

func validateBPF(b *BPFConfig, errs *ValidationErrors) {
	if b == nil {
		errs.Add("type", "bpf workload block is missing")
		return
	}
	if b.ProgramCount < 1 {
		errs.Add("program_count", "program_count must be at least 1")
	}
	if _, _, err := SplitTracepoint(b.Tracepoint); err != nil {
		errs.Add("tracepoint", err.Error())
	}
}

// SplitTracepoint splits "group/name" into its parts. A bare name belongs to
// the syscalls group.
func SplitTracepoint(tp string) (group, name string, err error) {
	if tp == "" {
		return "", "", fmt.Errorf("tracepoint is required")
	}
	group, name, found := strings.Cut(tp, "/")
	if !found {
		return DefaultTracepointGrp, tp, nil
	}
	if group == "" || name == "" || strings.Contains(name, "/") {
		return "", "", fmt.Errorf("invalid tracepoint %q, expected group/name", tp)
	}
	return group, name, nil
}
