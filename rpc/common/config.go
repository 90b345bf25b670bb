package common

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// --------------------------------------------------------------------------
// IPC configuration struct
// --------------------------------------------------------------------------

// IPCConfig describes the channel between the manager and its children
type IPCConfig struct {
	// Transport is the name of the transport (unix, tcp)
	Transport string
	// Endpoint is the socket path or host:port the manager listens on
	Endpoint string
	// Serializer is the name of the envelope serializer (json, binary, gob)
	Serializer string
	// Secret authenticates the hello frame of a child
	Secret string
	// WriteTimeout bounds a single frame write, 0 disables it
	WriteTimeout time.Duration
}

// --------------------------------------------------------------------------
// Manager configuration struct
// --------------------------------------------------------------------------

// ManagerConfig holds all parameters of a cluster manager
type ManagerConfig struct {
	// File and Args describe the child executable
	File string
	Args []string

	Token string

	// ShardCount, MaxConcurrency and GatewayURL are fetched from the REST
	// api when left zero
	ShardCount     int
	MaxConcurrency int
	GatewayURL     string

	// ShardStart and ShardEnd limit the manager to a slice of all shards,
	// a negative ShardEnd means the last shard
	ShardStart       int
	ShardEnd         int
	ShardsPerCluster int

	// LaunchDelay is the minimum distance of two identifies sharing a key
	LaunchDelay time.Duration
	// Respawn restarts crashed children with the same shard range
	Respawn bool

	// RequestTimeout bounds EVAL and REST_REQUEST round trips
	RequestTimeout time.Duration
	// IdentifyTimeout bounds IDENTIFY_REQUEST round trips and the READY wait
	IdentifyTimeout time.Duration

	IPC IPCConfig

	// MetricsEndpoint is the address of the prometheus endpoint, empty disables it
	MetricsEndpoint string
	// RestURL overrides the REST api root
	RestURL string
	// CommandsFile is passed to the children, cluster 0 uploads its commands
	CommandsFile string

	LogLevel string
}

// DefaultManagerConfig returns a config with all defaults applied
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		ShardEnd:         -1,
		ShardsPerCluster: 4,
		LaunchDelay:      5 * time.Second,
		Respawn:          true,
		RequestTimeout:   30 * time.Second,
		IdentifyTimeout:  10 * time.Minute,
		IPC: IPCConfig{
			Transport:  "unix",
			Serializer: "json",
		},
		LogLevel: "info",
	}
}

// Validate checks the parts of the configuration that do not depend on the
// REST api
func (c *ManagerConfig) Validate() error {
	var errs []error
	if c.Token == "" {
		errs = append(errs, errors.New("token is required"))
	}
	if c.ShardCount < 0 {
		errs = append(errs, fmt.Errorf("shard count must not be negative, got %d", c.ShardCount))
	}
	if c.MaxConcurrency < 0 {
		errs = append(errs, fmt.Errorf("max concurrency must not be negative, got %d", c.MaxConcurrency))
	}
	if c.ShardsPerCluster < 1 {
		errs = append(errs, fmt.Errorf("shards per cluster must be at least 1, got %d", c.ShardsPerCluster))
	}
	if c.ShardStart < 0 {
		errs = append(errs, fmt.Errorf("shard start must not be negative, got %d", c.ShardStart))
	}
	if c.ShardEnd >= 0 && c.ShardEnd < c.ShardStart {
		errs = append(errs, fmt.Errorf("shard end %d is before shard start %d", c.ShardEnd, c.ShardStart))
	}
	if c.LaunchDelay < 0 {
		errs = append(errs, fmt.Errorf("launch delay must not be negative, got %s", c.LaunchDelay))
	}
	return errors.Join(errs...)
}

// String returns a formatted string representation of the configuration
func (c *ManagerConfig) String() string {
	var sb strings.Builder

	// Create helper functions for consistent formatting
	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	orAuto := func(v int) string {
		if v <= 0 {
			return "auto"
		}
		return strconv.Itoa(v)
	}

	addSection("Cluster Manager")
	addField("Child", strings.TrimSpace(c.File+" "+strings.Join(c.Args, " ")))
	addField("Respawn", strconv.FormatBool(c.Respawn))
	addField("Request Timeout", c.RequestTimeout.String())
	addField("Identify Timeout", c.IdentifyTimeout.String())

	addSection("Shards")
	addField("Shard Count", orAuto(c.ShardCount))
	if c.ShardEnd >= 0 {
		addField("Shard Range", fmt.Sprintf("%d-%d", c.ShardStart, c.ShardEnd))
	} else {
		addField("Shard Range", fmt.Sprintf("%d-last", c.ShardStart))
	}
	addField("Shards Per Cluster", strconv.Itoa(c.ShardsPerCluster))
	addField("Max Concurrency", orAuto(c.MaxConcurrency))
	addField("Launch Delay", c.LaunchDelay.String())
	if c.GatewayURL != "" {
		addField("Gateway URL", c.GatewayURL)
	}

	addSection("IPC")
	addField("Transport", c.IPC.Transport)
	addField("Endpoint", c.IPC.Endpoint)
	addField("Serializer", c.IPC.Serializer)

	if c.CommandsFile != "" {
		addSection("Commands")
		addField("Commands File", c.CommandsFile)
	}

	addSection("Logging")
	addField("Log Level", c.LogLevel)
	if c.MetricsEndpoint != "" {
		addField("Metrics Endpoint", c.MetricsEndpoint)
	}

	return sb.String()
}

// --------------------------------------------------------------------------
// Child configuration struct
// --------------------------------------------------------------------------

// Spawn-time environment of a child process
const (
	EnvClusterManager    = "CLUSTER_MANAGER"
	EnvClusterToken      = "CLUSTER_TOKEN"
	EnvClusterShardCount = "CLUSTER_SHARD_COUNT"
	EnvClusterShardStart = "CLUSTER_SHARD_START"
	EnvClusterShardEnd   = "CLUSTER_SHARD_END"
	EnvMaxConcurrency    = "MAX_CONCURRENCY"
	EnvGatewayURL        = "GATEWAY_URL"

	EnvClusterID            = "CLUSTER_ID"
	EnvClusterIPCTransport  = "CLUSTER_IPC_TRANSPORT"
	EnvClusterIPCEndpoint   = "CLUSTER_IPC_ENDPOINT"
	EnvClusterIPCSerializer = "CLUSTER_IPC_SERIALIZER"
	EnvClusterIPCSecret     = "CLUSTER_IPC_SECRET"
	EnvClusterLaunchDelay   = "CLUSTER_LAUNCH_DELAY"
	EnvClusterLogLevel      = "CLUSTER_LOG_LEVEL"
	EnvClusterCommandsFile  = "CLUSTER_COMMANDS_FILE"
	EnvClusterTimeout       = "CLUSTER_REQUEST_TIMEOUT"
	EnvClusterIdentifyLimit = "CLUSTER_IDENTIFY_TIMEOUT"
)

// ChildEnvKeys lists every environment variable read by a child
var ChildEnvKeys = []string{
	EnvClusterManager, EnvClusterToken, EnvClusterShardCount, EnvClusterShardStart,
	EnvClusterShardEnd, EnvMaxConcurrency, EnvGatewayURL, EnvClusterID,
	EnvClusterIPCTransport, EnvClusterIPCEndpoint, EnvClusterIPCSerializer,
	EnvClusterIPCSecret, EnvClusterLaunchDelay, EnvClusterLogLevel,
	EnvClusterCommandsFile, EnvClusterTimeout, EnvClusterIdentifyLimit,
}

// ChildConfig holds the parameters of one child process
type ChildConfig struct {
	ClusterID int
	// Managed is true when the process was spawned by a cluster manager
	Managed bool
	Token   string

	ShardCount     int
	ShardStart     int
	ShardEnd       int
	MaxConcurrency int
	GatewayURL     string
	LaunchDelay    time.Duration

	RequestTimeout  time.Duration
	IdentifyTimeout time.Duration

	IPC IPCConfig

	CommandsFile string
	LogLevel     string
}

// Env returns the spawn-time environment for the child
func (c *ChildConfig) Env() map[string]string {
	env := map[string]string{
		EnvClusterManager:       strconv.FormatBool(c.Managed),
		EnvClusterToken:         c.Token,
		EnvClusterShardCount:    strconv.Itoa(c.ShardCount),
		EnvClusterShardStart:    strconv.Itoa(c.ShardStart),
		EnvClusterShardEnd:      strconv.Itoa(c.ShardEnd),
		EnvMaxConcurrency:       strconv.Itoa(c.MaxConcurrency),
		EnvGatewayURL:           c.GatewayURL,
		EnvClusterID:            strconv.Itoa(c.ClusterID),
		EnvClusterIPCTransport:  c.IPC.Transport,
		EnvClusterIPCEndpoint:   c.IPC.Endpoint,
		EnvClusterIPCSerializer: c.IPC.Serializer,
		EnvClusterIPCSecret:     c.IPC.Secret,
		EnvClusterLaunchDelay:   strconv.FormatInt(c.LaunchDelay.Milliseconds(), 10),
		EnvClusterLogLevel:      c.LogLevel,
		EnvClusterTimeout:       strconv.FormatInt(c.RequestTimeout.Milliseconds(), 10),
		EnvClusterIdentifyLimit: strconv.FormatInt(c.IdentifyTimeout.Milliseconds(), 10),
	}
	if c.CommandsFile != "" {
		env[EnvClusterCommandsFile] = c.CommandsFile
	}
	return env
}

// ParseChildEnv reads a child configuration through the given lookup.
// Missing optional values fall back to the manager defaults.
func ParseChildEnv(get func(key string) string) (ChildConfig, error) {
	defaults := DefaultManagerConfig()
	var errs []error

	intVar := func(key string, def int) int {
		raw := strings.TrimSpace(get(key))
		if raw == "" {
			return def
		}
		v, err := strconv.Atoi(raw)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
		return v
	}
	msVar := func(key string, def time.Duration) time.Duration {
		raw := strings.TrimSpace(get(key))
		if raw == "" {
			return def
		}
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
		return time.Duration(v) * time.Millisecond
	}
	strVar := func(key, def string) string {
		if v := strings.TrimSpace(get(key)); v != "" {
			return v
		}
		return def
	}

	managed, _ := strconv.ParseBool(strings.TrimSpace(get(EnvClusterManager)))
	c := ChildConfig{
		ClusterID:       intVar(EnvClusterID, 0),
		Managed:         managed,
		Token:           strings.TrimSpace(get(EnvClusterToken)),
		ShardCount:      intVar(EnvClusterShardCount, 0),
		ShardStart:      intVar(EnvClusterShardStart, 0),
		ShardEnd:        intVar(EnvClusterShardEnd, -1),
		MaxConcurrency:  intVar(EnvMaxConcurrency, 1),
		GatewayURL:      strings.TrimSpace(get(EnvGatewayURL)),
		LaunchDelay:     msVar(EnvClusterLaunchDelay, defaults.LaunchDelay),
		RequestTimeout:  msVar(EnvClusterTimeout, defaults.RequestTimeout),
		IdentifyTimeout: msVar(EnvClusterIdentifyLimit, defaults.IdentifyTimeout),
		IPC: IPCConfig{
			Transport:  strVar(EnvClusterIPCTransport, defaults.IPC.Transport),
			Endpoint:   strings.TrimSpace(get(EnvClusterIPCEndpoint)),
			Serializer: strVar(EnvClusterIPCSerializer, defaults.IPC.Serializer),
			Secret:     get(EnvClusterIPCSecret),
		},
		CommandsFile: strings.TrimSpace(get(EnvClusterCommandsFile)),
		LogLevel:     strVar(EnvClusterLogLevel, defaults.LogLevel),
	}
	if c.ShardEnd < 0 {
		c.ShardEnd = c.ShardCount - 1
	}
	if len(errs) > 0 {
		return c, errors.Join(errs...)
	}
	return c, c.Validate()
}

// Validate checks the child configuration
func (c *ChildConfig) Validate() error {
	var errs []error
	if c.Token == "" {
		errs = append(errs, errors.New("token is required"))
	}
	if c.ShardCount <= 0 {
		errs = append(errs, fmt.Errorf("shard count must be positive, got %d", c.ShardCount))
	}
	if c.ShardStart < 0 || c.ShardEnd < c.ShardStart || c.ShardEnd >= c.ShardCount {
		errs = append(errs, fmt.Errorf("malformed shard range [%d, %d] for %d shards", c.ShardStart, c.ShardEnd, c.ShardCount))
	}
	if c.MaxConcurrency < 1 {
		errs = append(errs, fmt.Errorf("max concurrency must be at least 1, got %d", c.MaxConcurrency))
	}
	if c.Managed && c.IPC.Endpoint == "" {
		errs = append(errs, errors.New("ipc endpoint is required for managed children"))
	}
	return errors.Join(errs...)
}

// String returns a formatted string representation of the child configuration
func (c *ChildConfig) String() string {
	var sb strings.Builder

	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	addSection("Cluster Child")
	addField("Cluster ID", strconv.Itoa(c.ClusterID))
	addField("Managed", strconv.FormatBool(c.Managed))
	addField("Shards", fmt.Sprintf("%d-%d of %d", c.ShardStart, c.ShardEnd, c.ShardCount))
	addField("Max Concurrency", strconv.Itoa(c.MaxConcurrency))
	addField("Launch Delay", c.LaunchDelay.String())
	addField("Gateway URL", c.GatewayURL)

	if c.Managed {
		addSection("IPC")
		addField("Transport", c.IPC.Transport)
		addField("Endpoint", c.IPC.Endpoint)
		addField("Serializer", c.IPC.Serializer)
	}

	return sb.String()
}
