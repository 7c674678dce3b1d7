// Package config loads the YAML file spec.md section 6 describes
// (global options plus the queue descriptors of section 3) and applies
// the `--section.key=value` CLI overrides the same section names, with
// CLI values always winning over the file.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cuemby/txproc/pkg/health"
	"github.com/cuemby/txproc/pkg/types"
)

// GlobalOptions holds the non-queue settings of spec.md section 6's
// persisted-state layout and the Nucleus's own tunables.
type GlobalOptions struct {
	LogLevel   string `yaml:"logLevel"`
	LogJSON    bool   `yaml:"logJson"`
	LogStderr  bool   `yaml:"logStderr"`
	NoConsole  bool   `yaml:"noLogConsole"`
	FlushLogs  bool   `yaml:"flushLogs"`

	DataDir          string `yaml:"dataDir"`
	RecoveryDir      string `yaml:"recoveryDir"`
	StatsDir         string `yaml:"statsDir"`
	LogBaseDir       string `yaml:"logBaseDir"`
	AppBaseName      string `yaml:"appBaseName"`
	PidFile          string `yaml:"pidFile"`
	RotateHelperPath string `yaml:"rotateHelperPath"`
	Owner            string `yaml:"owner"`
	Group            string `yaml:"group"`
	KeepN            int    `yaml:"keepN"`

	MaintenanceTick     time.Duration `yaml:"maintenanceTick"`
	ExpireScanEvery     int           `yaml:"expireScanEvery"`
	NotLocalQueueRouter string        `yaml:"notLocalQueueRouter"`
	StatsQueue          string        `yaml:"statsQueue"`

	ListenNetwork string `yaml:"listenNetwork"` // "tcp" or "unix"
	ListenAddress string `yaml:"listenAddress"`

	MetricsAddress string `yaml:"metricsAddress"`
}

// ResourceLimitsConfig mirrors types.ResourceLimits with YAML tags.
type ResourceLimitsConfig struct {
	AddressSpace int64 `yaml:"addressSpace"`
	CPUSeconds   int64 `yaml:"cpuSeconds"`
	DataSegment  int64 `yaml:"dataSegment"`
	FileSize     int64 `yaml:"fileSize"`
	Stack        int64 `yaml:"stack"`
}

// HealthCheckConfig is the YAML shape of an optional liveness probe
// attached to a persistent-app queue.
type HealthCheckConfig struct {
	Type     string        `yaml:"type"` // "http", "tcp", "exec"
	URL      string        `yaml:"url"`
	Address  string        `yaml:"address"`
	Command  []string      `yaml:"command"`
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
	Retries  int           `yaml:"retries"`
}

// QueueConfig is the YAML shape of one types.QueueDescriptor.
type QueueConfig struct {
	Name        string `yaml:"name"`
	Kind        string `yaml:"kind"` // "straight" or "collection"
	Workers     int    `yaml:"workers"`
	MaxLength   int    `yaml:"maxLength"`
	MaxExecTime time.Duration `yaml:"maxExecTime"`
	MaxRetries  int    `yaml:"maxRetries"`

	PersistentApp []string `yaml:"persistentApp"`

	DefaultScript string `yaml:"defaultScript"`
	DefaultURL    string `yaml:"defaultUrl"`
	ErrorQueue    string `yaml:"errorQueue"`

	ManagementQueue string   `yaml:"managementQueue"`
	ManagementMask  []string `yaml:"managementMask"` // workerStartup, persistentStartup, persistentDied, done
	ManagementKind  string   `yaml:"managementKind"` // interpreter, binary, url

	BRunPrivileged         bool `yaml:"bRunPrivileged"`
	BBlockingWorkerSocket  bool `yaml:"bBlockingWorkerSocket"`
	ParseResponseForObject bool `yaml:"parseResponseForObject"`

	Limits ResourceLimitsConfig `yaml:"limits"`

	Shell       string `yaml:"shell"`
	Interpreter string `yaml:"interpreter"`

	BStandardResponse bool   `yaml:"bStandardResponse"`
	SuccessMarker     string `yaml:"successMarker"`
	FailureMarker     string `yaml:"failureMarker"`
	ErrorPrefix       string `yaml:"errorPrefix"`
	TracePrefix       string `yaml:"tracePrefix"`
	ParamPrefix       string `yaml:"paramPrefix"`

	RespawnDelay time.Duration `yaml:"respawnDelay"`

	HealthCheck *HealthCheckConfig `yaml:"healthCheck"`
}

// File is the top-level shape of the YAML config file.
type File struct {
	Global GlobalOptions `yaml:"global"`
	Queues []QueueConfig `yaml:"queues"`
}

// Load reads and parses path into a File with defaults applied.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	f.applyDefaults()
	return &f, nil
}

func (f *File) applyDefaults() {
	if f.Global.LogLevel == "" {
		f.Global.LogLevel = "info"
	}
	if f.Global.DataDir == "" {
		f.Global.DataDir = "."
	}
	if f.Global.RecoveryDir == "" {
		f.Global.RecoveryDir = f.Global.DataDir
	}
	if f.Global.AppBaseName == "" {
		f.Global.AppBaseName = "txproc"
	}
	if f.Global.MaintenanceTick <= 0 {
		f.Global.MaintenanceTick = 500 * time.Millisecond
	}
	if f.Global.ExpireScanEvery <= 0 {
		f.Global.ExpireScanEvery = 10
	}
	if f.Global.ListenNetwork == "" {
		f.Global.ListenNetwork = "tcp"
	}
	if f.Global.ListenAddress == "" {
		f.Global.ListenAddress = ":9999"
	}
	for i := range f.Queues {
		if f.Queues[i].Kind == "" {
			f.Queues[i].Kind = string(types.QueueStraight)
		}
		if f.Queues[i].Workers <= 0 {
			f.Queues[i].Workers = 1
		}
	}
}

// queueIndex returns the index of the named queue in f.Queues, creating
// an empty entry if one doesn't already exist (used by CLI overrides that
// target a queue the file didn't mention).
func (f *File) queueIndex(name string) int {
	for i := range f.Queues {
		if f.Queues[i].Name == name {
			return i
		}
	}
	f.Queues = append(f.Queues, QueueConfig{Name: name, Kind: string(types.QueueStraight), Workers: 1})
	return len(f.Queues) - 1
}

var managementMaskByName = map[string]types.ManagementEventMask{
	"workerstartup":     types.MgmtWorkerStartup,
	"persistentstartup": types.MgmtPersistentStartup,
	"persistentdied":    types.MgmtPersistentDied,
	"done":              types.MgmtDone,
}

// ToQueueDescriptors converts every parsed QueueConfig into a
// types.QueueDescriptor the nucleus can register.
func (f *File) ToQueueDescriptors() ([]*types.QueueDescriptor, error) {
	descs := make([]*types.QueueDescriptor, 0, len(f.Queues))
	for _, q := range f.Queues {
		d, err := q.toDescriptor()
		if err != nil {
			return nil, fmt.Errorf("config: queue %q: %w", q.Name, err)
		}
		descs = append(descs, d)
	}
	return descs, nil
}

func (q QueueConfig) toDescriptor() (*types.QueueDescriptor, error) {
	var mask types.ManagementEventMask
	for _, name := range q.ManagementMask {
		bit, ok := managementMaskByName[strings.ToLower(name)]
		if !ok {
			return nil, fmt.Errorf("unknown managementMask entry %q", name)
		}
		mask |= bit
	}

	d := &types.QueueDescriptor{
		Name:                   q.Name,
		Kind:                   types.QueueKind(q.Kind),
		Workers:                q.Workers,
		MaxLength:              q.MaxLength,
		MaxExecTime:            q.MaxExecTime,
		MaxRetries:             q.MaxRetries,
		PersistentApp:          q.PersistentApp,
		DefaultScript:          q.DefaultScript,
		DefaultURL:             q.DefaultURL,
		ErrorQueue:             q.ErrorQueue,
		ManagementQueue:        q.ManagementQueue,
		ManagementMask:         mask,
		ManagementKind:         types.ManagementEventKind(q.ManagementKind),
		BRunPrivileged:         q.BRunPrivileged,
		BBlockingWorkerSocket:  q.BBlockingWorkerSocket,
		ParseResponseForObject: q.ParseResponseForObject,
		Limits: types.ResourceLimits{
			AddressSpace: q.Limits.AddressSpace,
			CPUSeconds:   q.Limits.CPUSeconds,
			DataSegment:  q.Limits.DataSegment,
			FileSize:     q.Limits.FileSize,
			Stack:        q.Limits.Stack,
		},
		Shell:             q.Shell,
		Interpreter:       q.Interpreter,
		BStandardResponse: q.BStandardResponse,
		SuccessMarker:     q.SuccessMarker,
		FailureMarker:     q.FailureMarker,
		ErrorPrefix:       q.ErrorPrefix,
		TracePrefix:       q.TracePrefix,
		ParamPrefix:       q.ParamPrefix,
		RespawnDelay:      q.RespawnDelay,
	}

	if q.HealthCheck != nil {
		checker, err := q.HealthCheck.toChecker()
		if err != nil {
			return nil, err
		}
		d.HealthCheck = checker
		d.HealthCheckConfig = health.Config{
			Interval: q.HealthCheck.Interval,
			Timeout:  q.HealthCheck.Timeout,
			Retries:  q.HealthCheck.Retries,
		}
	}
	return d, nil
}

func (h HealthCheckConfig) toChecker() (health.Checker, error) {
	switch strings.ToLower(h.Type) {
	case "http":
		return health.NewHTTPChecker(h.URL), nil
	case "tcp":
		return health.NewTCPChecker(h.Address), nil
	case "exec":
		if len(h.Command) == 0 {
			return nil, fmt.Errorf("healthCheck.command is required for type exec")
		}
		return health.NewExecChecker(h.Command), nil
	default:
		return nil, fmt.Errorf("unknown healthCheck.type %q", h.Type)
	}
}

// ApplyOverride applies one `--section.key=value` CLI override, where
// section is "main" for a GlobalOptions field or a queue name for a
// QueueConfig field. CLI overrides are applied after the file is loaded
// so they always win, per spec.md section 6.
func (f *File) ApplyOverride(section, key, value string) error {
	if section == "main" {
		return setField(reflectValueOf(&f.Global), key, value)
	}
	idx := f.queueIndex(section)
	return setField(reflectValueOf(&f.Queues[idx]), key, value)
}

// ParseOverrideFlag splits a raw "--section.key=value" argument (with the
// leading "--" already stripped by the flag parser) into its three parts.
func ParseOverrideFlag(arg string) (section, key, value string, err error) {
	eq := strings.IndexByte(arg, '=')
	if eq < 0 {
		return "", "", "", fmt.Errorf("config: override %q missing '='", arg)
	}
	path, value := arg[:eq], arg[eq+1:]
	dot := strings.IndexByte(path, '.')
	if dot < 0 {
		return "", "", "", fmt.Errorf("config: override %q missing 'section.key'", arg)
	}
	return path[:dot], path[dot+1:], value, nil
}

