package child

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	cmdUtil "github.com/ValentinKolb/dShard/cmd/util"
	"github.com/ValentinKolb/dShard/lib/cluster"
	"github.com/ValentinKolb/dShard/lib/gateway"
	"github.com/ValentinKolb/dShard/lib/rest"
	"github.com/ValentinKolb/dShard/rpc/client"
	"github.com/ValentinKolb/dShard/rpc/common"
	"github.com/ValentinKolb/dShard/rpc/serializer"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	childConfig common.ChildConfig
	ChildCmd    = &cobra.Command{
		Use:   "child",
		Short: "Run the shards of one cluster",
		Long: `Run the shards of one cluster. The command is started by the cluster manager and reads its configuration once from the spawn-time environment (CLUSTER_MANAGER, CLUSTER_TOKEN, CLUSTER_SHARD_COUNT, CLUSTER_SHARD_START, CLUSTER_SHARD_END, MAX_CONCURRENCY, GATEWAY_URL, CLUSTER_ID, CLUSTER_IPC_*).
Without CLUSTER_MANAGER=true the cluster runs standalone and paces its identifies with its own ratelimit buckets.`,
		Hidden:  true,
		PreRunE: processConfig,
		RunE:    run,
	}
)

func init() {
	cobra.OnInitialize(cmdUtil.InitConfig)

	key := "rest-url"
	ChildCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("Root of the REST api used to answer forwarded REST requests, defaults to "+rest.DefaultBaseURL))

	cmdUtil.SetupSocketFlags(ChildCmd)
}

// processConfig reads the spawn-time environment
func processConfig(cmd *cobra.Command, _ []string) error {
	if err := cmdUtil.BindCommandFlags(cmd); err != nil {
		return err
	}

	var err error
	childConfig, err = cmdUtil.LoadChildConfig()
	if err != nil {
		return fmt.Errorf("invalid child environment: %w", err)
	}
	return nil
}

// run serves the cluster until the manager closes it or a signal arrives
func run(_ *cobra.Command, _ []string) error {
	if err := common.InitLoggers(childConfig.LogLevel); err != nil {
		return err
	}
	common.SetProcessPrefix(fmt.Sprintf("cluster %-3d| ", childConfig.ClusterID))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	factory := cmdUtil.GetSocketFactory()
	if !childConfig.Managed {
		return runStandalone(ctx, factory)
	}

	var commands []gateway.ApplicationCommand
	if childConfig.CommandsFile != "" {
		var err error
		if commands, err = gateway.LoadCommandsFile(childConfig.CommandsFile); err != nil {
			return err
		}
	}

	t, err := client.TransportByName(childConfig.IPC.Transport)
	if err != nil {
		return err
	}
	s, err := serializer.ByName(childConfig.IPC.Serializer)
	if err != nil {
		return err
	}
	channel, err := client.Dial(childConfig.IPC, childConfig.ClusterID, t, s)
	if err != nil {
		return fmt.Errorf("failed to dial manager: %w", err)
	}
	defer channel.Close()

	restClient := rest.NewClient(viper.GetString("rest-url"), childConfig.Token)
	c := cluster.NewClusterProcessChild(childConfig, channel, factory, gateway.NewCommandRegistry(commands), restClient)
	if err := c.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// runStandalone runs the cluster without a manager
func runStandalone(ctx context.Context, factory gateway.SocketFactory) error {
	fmt.Print(childConfig.String())

	c := cluster.NewClusterClient(childConfig, factory, nil)
	defer c.Shutdown()

	if err := c.Run(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}
	<-ctx.Done()
	return nil
}
