package manager

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	cmdUtil "github.com/ValentinKolb/dShard/cmd/util"
	"github.com/ValentinKolb/dShard/lib/cluster"
	"github.com/ValentinKolb/dShard/lib/rest"
	"github.com/ValentinKolb/dShard/rpc/common"
	"github.com/ValentinKolb/dShard/rpc/serializer"
	"github.com/ValentinKolb/dShard/rpc/server"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	manageCmdConfig = common.DefaultManagerConfig()
	ManageCmd       = &cobra.Command{
		Use:     "manage",
		Short:   "Start the cluster manager",
		Long:    `Start the cluster manager with the specified configuration. The manager splits the shards of the application into clusters, spawns one child process per cluster and admits every identify of every shard through its shared ratelimit buckets. The configuration can be set via command line flags or environment variables. The format of the environment variables is DSHARD_<flag> (e.g. DSHARD_SHARDS_PER_CLUSTER=8)`,
		PreRunE: processConfig,
		RunE:    run,
	}
)

func init() {
	// initialize viper
	cobra.OnInitialize(cmdUtil.InitConfig)

	// add flags
	key := "file"
	ManageCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("Executable started for every cluster. Defaults to this binary running the child command"))

	key = "token"
	ManageCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("Bot token of the application (required)"))

	key = "shard-count"
	ManageCmd.PersistentFlags().Int(key, 0, cmdUtil.WrapString("Total number of shards of the application. 0 fetches the recommended count from the REST api"))

	key = "shard-start"
	ManageCmd.PersistentFlags().Int(key, 0, cmdUtil.WrapString("First shard managed by this manager"))

	key = "shard-end"
	ManageCmd.PersistentFlags().Int(key, -1, cmdUtil.WrapString("Last shard managed by this manager (inclusive). -1 means the last shard of the application"))

	key = "shards-per-cluster"
	ManageCmd.PersistentFlags().Int(key, 4, cmdUtil.WrapString("Number of shards run by one child process"))

	key = "max-concurrency"
	ManageCmd.PersistentFlags().Int(key, 0, cmdUtil.WrapString("Number of identify ratelimit keys. 0 fetches the value from the REST api"))

	key = "gateway-url"
	ManageCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("Gateway url passed to the children. Empty fetches the url from the REST api"))

	key = "launch-delay"
	ManageCmd.PersistentFlags().Int(key, 5000, cmdUtil.WrapString("Minimum distance in milliseconds between two identifies sharing a ratelimit key"))

	key = "respawn"
	ManageCmd.PersistentFlags().Bool(key, true, cmdUtil.WrapString("Restart crashed children with the same shard range"))

	key = "request-timeout"
	ManageCmd.PersistentFlags().Int(key, 30, cmdUtil.WrapString("Timeout in seconds of EVAL and REST_REQUEST round trips"))

	key = "identify-timeout"
	ManageCmd.PersistentFlags().Int(key, 600, cmdUtil.WrapString("Timeout in seconds of IDENTIFY_REQUEST round trips and of the READY wait of a starting cluster"))

	key = "ipc-transport"
	ManageCmd.PersistentFlags().String(key, "unix", cmdUtil.WrapString("Transport between manager and children (unix, tcp)"))

	key = "ipc-endpoint"
	ManageCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("Socket path or host:port the manager listens on. Empty picks a socket in the temp dir (unix) or a free loopback port (tcp)"))

	key = "metrics-endpoint"
	ManageCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("Address of the prometheus endpoint (e.g. localhost:9090). Empty disables it"))

	key = "rest-url"
	ManageCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("Root of the REST api, defaults to "+rest.DefaultBaseURL))

	key = "commands-file"
	ManageCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("JSON file with the interaction commands cluster 0 uploads once it is ready"))

	key = "in-process"
	ManageCmd.PersistentFlags().Bool(key, false, cmdUtil.WrapString("Run the children as goroutines of the manager instead of child processes"))

	cmdUtil.SetupSocketFlags(ManageCmd)
}

// processConfig reads the configuration from the command line flags and environment variables and converts them to the manager configuration
func processConfig(cmd *cobra.Command, _ []string) error {
	// bind the flags to viper
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	manageCmdConfig.File = viper.GetString("file")
	if manageCmdConfig.File == "" {
		exe, err := os.Executable()
		if err != nil {
			return fmt.Errorf("failed to locate own executable: %w", err)
		}
		manageCmdConfig.File = exe
		manageCmdConfig.Args = []string{"child", "--handshake", viper.GetString("handshake")}
	}

	manageCmdConfig.Token = viper.GetString("token")
	manageCmdConfig.ShardCount = viper.GetInt("shard-count")
	manageCmdConfig.ShardStart = viper.GetInt("shard-start")
	manageCmdConfig.ShardEnd = viper.GetInt("shard-end")
	manageCmdConfig.ShardsPerCluster = viper.GetInt("shards-per-cluster")
	manageCmdConfig.MaxConcurrency = viper.GetInt("max-concurrency")
	manageCmdConfig.GatewayURL = viper.GetString("gateway-url")
	manageCmdConfig.LaunchDelay = time.Duration(viper.GetInt64("launch-delay")) * time.Millisecond
	manageCmdConfig.Respawn = viper.GetBool("respawn")
	manageCmdConfig.RequestTimeout = time.Duration(viper.GetInt64("request-timeout")) * time.Second
	manageCmdConfig.IdentifyTimeout = time.Duration(viper.GetInt64("identify-timeout")) * time.Second
	manageCmdConfig.MetricsEndpoint = viper.GetString("metrics-endpoint")
	manageCmdConfig.RestURL = viper.GetString("rest-url")
	manageCmdConfig.CommandsFile = viper.GetString("commands-file")
	manageCmdConfig.LogLevel = viper.GetString("log-level")

	manageCmdConfig.IPC = common.IPCConfig{
		Transport:  viper.GetString("ipc-transport"),
		Endpoint:   viper.GetString("ipc-endpoint"),
		Serializer: viper.GetString("serializer"),
		// a fresh secret per run, children get it through their environment
		Secret: uuid.NewString(),
	}
	if manageCmdConfig.IPC.Transport == "tcp" && manageCmdConfig.IPC.Endpoint == "" {
		manageCmdConfig.IPC.Endpoint = "127.0.0.1:0"
	}

	return manageCmdConfig.Validate()
}

// run starts the manager and blocks until SIGINT or SIGTERM
func run(_ *cobra.Command, _ []string) error {
	if err := common.InitLoggers(manageCmdConfig.LogLevel); err != nil {
		return err
	}
	fmt.Print(manageCmdConfig.String())

	s, err := serializer.ByName(manageCmdConfig.IPC.Serializer)
	if err != nil {
		return err
	}
	t, err := server.TransportByName(manageCmdConfig.IPC.Transport)
	if err != nil {
		return err
	}

	restClient := rest.NewClient(manageCmdConfig.RestURL, manageCmdConfig.Token)

	var spawner cluster.ISpawner
	if viper.GetBool("in-process") {
		inProcess := cluster.NewInProcessSpawner(cmdUtil.GetSocketFactory())
		inProcess.Rest = restClient
		spawner = inProcess
	} else {
		spawner = cluster.NewExecSpawner(manageCmdConfig.File, manageCmdConfig.Args)
	}

	m, err := cluster.NewClusterManager(manageCmdConfig, spawner, server.NewIPCServer(manageCmdConfig.IPC, t, s), restClient)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if manageCmdConfig.MetricsEndpoint != "" {
		metricsServer := serveMetrics(manageCmdConfig.MetricsEndpoint, m)
		defer metricsServer.Close()
	}

	// SIGHUP restarts every cluster
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for range hup {
			cluster.Logger.Infof("Received SIGHUP, respawning all clusters")
			if err := m.RespawnAll(ctx); err != nil {
				cluster.Logger.Errorf("Respawn failed: %v", err)
			}
		}
	}()

	runErr := m.Run(ctx)
	if runErr == nil {
		cluster.Logger.Infof("All %d clusters are running", m.ClusterCount())
		<-ctx.Done()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), manageCmdConfig.RequestTimeout)
	defer cancel()
	if err := m.Shutdown(shutdownCtx); err != nil {
		return errors.Join(runErr, err)
	}
	if errors.Is(runErr, context.Canceled) {
		return nil
	}
	return runErr
}

// serveMetrics exposes the manager metrics in the prometheus text format
func serveMetrics(endpoint string, m *cluster.ClusterManager) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.MetricsHandler())

	srv := &http.Server{Addr: endpoint, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		cluster.Logger.Infof("Serving metrics on http://%s/metrics", endpoint)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			cluster.Logger.Errorf("Metrics server failed: %v", err)
		}
	}()
	return srv
}
