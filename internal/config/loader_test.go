package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_Endpoint(t *testing.T) {
	doc := `
type: endpoint
workers: 1
duration: 10s
arrival_rate: 5
departure_rate: 5
distribution: uniform
port_range: [8000, 8010]
`
	cfg, err := Parse([]byte(doc), nil)
	require.NoError(t, err)

	assert.Equal(t, KindEndpoint, cfg.Type)
	assert.Equal(t, 1, cfg.Workers)
	assert.Equal(t, 10*time.Second, cfg.Duration.Std())
	require.NotNil(t, cfg.Endpoint)
	assert.Nil(t, cfg.Process)
	assert.Equal(t, PortRange{8000, 8010}, cfg.Endpoint.PortRange)
	assert.Equal(t, DistributionUniform, cfg.Endpoint.Distribution)
	assert.Equal(t, 5.0, cfg.Endpoint.ArrivalRate)

	// defaults
	assert.Equal(t, "tcp", cfg.Endpoint.Protocol)
	assert.Equal(t, "0.0.0.0", cfg.Endpoint.BindAddress)
	assert.Equal(t, DefaultMaxRetries, cfg.Endpoint.MaxRetries)
	assert.Equal(t, DefaultGracePeriod, cfg.GracePeriod.Std())
	assert.True(t, cfg.PerCoreEnabled())
}

func TestParse_Variants(t *testing.T) {
	tests := []struct {
		name  string
		doc   string
		check func(t *testing.T, cfg *WorkloadConfig)
	}{
		{
			name: "process",
			doc: `
type: process
arrival_rate: 10
departure_rate: 200
spawn_mode: fork
`,
			check: func(t *testing.T, cfg *WorkloadConfig) {
				require.NotNil(t, cfg.Process)
				assert.Equal(t, SpawnFork, cfg.Process.SpawnMode)
				assert.Equal(t, 200.0, cfg.Process.DepartureRate)
				assert.Equal(t, OverflowDrop, cfg.Process.Overflow)
				assert.Equal(t, DefaultMaxProcesses, cfg.Process.MaxProcesses)
			},
		},
		{
			name: "syscall",
			doc: `
type: syscall
arrival_rate: 10
`,
			check: func(t *testing.T, cfg *WorkloadConfig) {
				require.NotNil(t, cfg.Syscall)
				assert.Equal(t, "getpid", cfg.Syscall.Syscall)
				assert.Equal(t, DefaultReportInterval, cfg.Syscall.ReportInterval.Std())
			},
		},
		{
			name: "network client",
			doc: `
type: network
role: client
target_address: 10.0.0.1
port: 8081
connections: 4
address_pool: 10.1.0.0/16
send_interval: 0.05
`,
			check: func(t *testing.T, cfg *WorkloadConfig) {
				require.NotNil(t, cfg.Network)
				assert.Equal(t, RoleClient, cfg.Network.Role)
				assert.Equal(t, DefaultInterface, cfg.Network.Interface)
				assert.Equal(t, 50*time.Millisecond, cfg.Network.SendInterval.Std())
				assert.False(t, cfg.PerCoreEnabled())
			},
		},
		{
			name: "bpf",
			doc: `
type: bpf
program_count: 4
tracepoint: sys_enter_getpid
`,
			check: func(t *testing.T, cfg *WorkloadConfig) {
				require.NotNil(t, cfg.BPF)
				assert.Equal(t, 4, cfg.BPF.ProgramCount)
				assert.False(t, cfg.PerCoreEnabled())
			},
		},
		{
			name: "nested workload block",
			doc: `
per_core: false
workers: 3
workload:
  type: syscall
  arrival_rate: 100
`,
			check: func(t *testing.T, cfg *WorkloadConfig) {
				require.NotNil(t, cfg.Syscall)
				assert.Equal(t, 3, cfg.Workers)
				assert.False(t, cfg.PerCoreEnabled())
				assert.Equal(t, 100.0, cfg.Syscall.ArrivalRate)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Parse([]byte(tt.doc), nil)
			require.NoError(t, err)
			tt.check(t, cfg)
		})
	}
}

func TestParse_EnvOverlay(t *testing.T) {
	doc := `
type: endpoint
arrival_rate: 5
departure_rate: 5
distribution: uniform
port_range: [8000, 8010]
`
	env := []string{
		"WORKLOAD_ARRIVAL_RATE=20",
		"WORKLOAD_DISTRIBUTION=zipf",
		"WORKLOAD_SKEW=1.4",
		"WORKLOAD_PORT_RANGE=[9000, 9100]",
		"WORKLOAD_PER_CORE=false",
		"UNRELATED=1",
	}

	cfg, err := Parse([]byte(doc), env)
	require.NoError(t, err)

	assert.Equal(t, 20.0, cfg.Endpoint.ArrivalRate)
	assert.Equal(t, DistributionZipf, cfg.Endpoint.Distribution)
	assert.Equal(t, 1.4, cfg.Endpoint.Skew)
	assert.Equal(t, PortRange{9000, 9100}, cfg.Endpoint.PortRange)
	assert.False(t, cfg.PerCoreEnabled())
}

func TestParse_EnvOnly(t *testing.T) {
	env := []string{
		"WORKLOAD_TYPE=bpf",
		"WORKLOAD_PROGRAM_COUNT=2",
		"WORKLOAD_TRACEPOINT=syscalls/sys_enter_getppid",
	}

	cfg, err := Parse(nil, env)
	require.NoError(t, err)
	assert.Equal(t, KindBPF, cfg.Type)
	assert.Equal(t, "syscalls/sys_enter_getppid", cfg.BPF.Tracepoint)
}

func TestParse_EnvNestedOverridesBlock(t *testing.T) {
	doc := `
workload:
  type: syscall
  arrival_rate: 1
`
	cfg, err := Parse([]byte(doc), []string{"WORKLOAD_WORKLOAD__ARRIVAL_RATE=7"})
	require.NoError(t, err)
	assert.Equal(t, 7.0, cfg.Syscall.ArrivalRate)
}

func TestParse_EnvIgnoresUnknownKeys(t *testing.T) {
	env := []string{
		"WORKLOAD_IDENTITY_POOL=x",
		"WORKLOAD_=1",
		"WORKLOAD_WORKLOAD__NOT_A_KEY=2",
		"WORKLOAD_ARRIVAL_RATE__NESTED=3",
		"WORKLOAD_ARRIVAL_RATE=4",
	}

	cfg, err := Parse([]byte("type: syscall\n"), env)
	require.NoError(t, err)
	assert.Equal(t, 4.0, cfg.Syscall.ArrivalRate)
}

func TestParse_FileKeysStayStrict(t *testing.T) {
	_, err := Parse([]byte("type: syscall\narrival_rate: 1\nidentity_pool: x\n"), nil)
	require.Error(t, err)

	var verrs *ValidationErrors
	require.ErrorAs(t, err, &verrs)
	assert.True(t, verrs.HasErrors())
}

func TestKnownKey(t *testing.T) {
	tests := []struct {
		path []string
		want bool
	}{
		{[]string{"arrival_rate"}, true},
		{[]string{"workload", "port_range"}, true},
		{[]string{"identity_pool"}, false},
		{[]string{"workload"}, false},
		{[]string{"workload", "bogus"}, false},
		{[]string{"port", "x"}, false},
		{[]string{""}, false},
	}

	for _, tt := range tests {
		t.Run(strings.Join(tt.path, "__"), func(t *testing.T) {
			assert.Equal(t, tt.want, knownKey(tt.path))
		})
	}
}

func TestParse_SchemaErrors(t *testing.T) {
	tests := []struct {
		name  string
		doc   string
		field string
	}{
		{"unknown type", "type: bogus\n", "type"},
		{"missing type", "arrival_rate: 1\n", ""},
		{"unknown key", "type: syscall\narrival_rate: 1\nrate: 3\n", ""},
		{"bad distribution", "type: endpoint\narrival_rate: 1\ndeparture_rate: 1\ndistribution: normal\nport_range: [1, 2]\n", "distribution"},
		{"short port range", "type: endpoint\narrival_rate: 1\ndeparture_rate: 1\ndistribution: uniform\nport_range: [1]\n", "port_range"},
		{"missing bpf fields", "type: bpf\n", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc), nil)
			require.Error(t, err)

			var verrs *ValidationErrors
			require.ErrorAs(t, err, &verrs)
			assert.True(t, verrs.HasErrors())
			if tt.field != "" {
				assert.Contains(t, verrs.Fields(), tt.field)
			}
		})
	}
}

func TestParse_InvalidYAML(t *testing.T) {
	_, err := Parse([]byte("type: [unterminated"), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse YAML config")
}

func TestLoad_ExplicitPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "workload.yaml")
	require.NoError(t, os.WriteFile(path, []byte("type: syscall\narrival_rate: 3\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, KindSyscall, cfg.Type)
	assert.Equal(t, 3.0, cfg.Syscall.ArrivalRate)
}

func TestLoad_MissingExplicitPath(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestLoad_DefaultPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "custom.yaml")
	require.NoError(t, os.WriteFile(path, []byte("type: syscall\narrival_rate: 9\n"), 0o644))

	saved := DefaultPaths
	DefaultPaths = []string{filepath.Join(dir, "missing.yaml"), path}
	defer func() { DefaultPaths = saved }()

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 9.0, cfg.Syscall.ArrivalRate)
}

func TestDuration_UnmarshalJSON(t *testing.T) {
	tests := []struct {
		input   string
		want    time.Duration
		wantErr bool
	}{
		{`"10s"`, 10 * time.Second, false},
		{`"250ms"`, 250 * time.Millisecond, false},
		{`"30"`, 30 * time.Second, false},
		{`5`, 5 * time.Second, false},
		{`0.5`, 500 * time.Millisecond, false},
		{`null`, 0, false},
		{`"soon"`, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			var d Duration
			err := d.UnmarshalJSON([]byte(tt.input))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, d.Std())
		})
	}
}

func TestClone_IsDeep(t *testing.T) {
	perCore := true
	cfg := &WorkloadConfig{
		Type:     KindEndpoint,
		PerCore:  &perCore,
		Endpoint: &EndpointConfig{PortRange: PortRange{8000, 8010}},
	}

	clone := cfg.Clone()
	clone.Endpoint.PortRange = PortRange{9000, 9001}
	*clone.PerCore = false

	assert.Equal(t, PortRange{8000, 8010}, cfg.Endpoint.PortRange)
	assert.True(t, *cfg.PerCore)
}
