package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cuemby/symphony/pkg/log"
	"github.com/cuemby/symphony/pkg/nodeclient"
	"github.com/cuemby/symphony/pkg/supervisor"
	"github.com/cuemby/symphony/pkg/types"
)

var nodeCmd = &cobra.Command{
	Use:   "node",
	Short: "Run a node agent",
	Long: `Run a node: dial the conductor, report capacity and health over a
persistent session, and execute the deployments it is assigned (spec
§4/§5).`,
	RunE: runNode,
}

func init() {
	nodeCmd.Flags().String("config", "", "YAML config file")
	nodeCmd.Flags().String("conductor-addr", "", "Conductor address to dial, host:port")
	nodeCmd.Flags().String("node-id", "", "Unique node identity")
	nodeCmd.Flags().StringSlice("groups", nil, "Groups this node belongs to")
	nodeCmd.Flags().StringToInt64("capacities", nil, "Total capacity vector, e.g. cpu=4,memory=8192")
	nodeCmd.Flags().Int64("heartbeat-interval-ms", 5000, "Heartbeat interval in milliseconds")
	nodeCmd.Flags().String("data-dir", "./symphony-node-data", "Data directory for node certificates and working state")
}

func runNode(cmd *cobra.Command, args []string) error {
	logger := log.WithComponent("cmd")

	configPath, _ := cmd.Flags().GetString("config")
	fileCfg, err := loadNodeConfig(configPath)
	if err != nil {
		return err
	}

	flagConductorAddr, _ := cmd.Flags().GetString("conductor-addr")
	flagNodeID, _ := cmd.Flags().GetString("node-id")
	flagDataDir, _ := cmd.Flags().GetString("data-dir")
	flagHeartbeatMS, _ := cmd.Flags().GetInt64("heartbeat-interval-ms")

	conductorAddr := flagValueOrFile(cmd, "conductor-addr", flagConductorAddr, fileCfg.ConductorAddr)
	nodeID := flagValueOrFile(cmd, "node-id", flagNodeID, fileCfg.NodeID)
	dataDir := flagValueOrFile(cmd, "data-dir", flagDataDir, fileCfg.DataDir)

	if conductorAddr == "" {
		return fmt.Errorf("conductor-addr is required (flag or config file)")
	}
	if nodeID == "" {
		return fmt.Errorf("node-id is required (flag or config file)")
	}

	groups := fileCfg.Groups
	if cmd.Flags().Changed("groups") {
		groups, _ = cmd.Flags().GetStringSlice("groups")
	}

	heartbeatMS := fileCfg.HeartbeatIntervalMS
	if cmd.Flags().Changed("heartbeat-interval-ms") || heartbeatMS == 0 {
		heartbeatMS = flagHeartbeatMS
	}

	capacities := fileCfg.Capacities
	if cmd.Flags().Changed("capacities") {
		capacities, _ = cmd.Flags().GetStringToInt64("capacities")
	}
	capVec := make(types.CapacityVector, len(capacities))
	for k, v := range capacities {
		capVec[k] = v
	}

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir %s: %w", dataDir, err)
	}

	// nc is assigned only after Dial succeeds; the supervisor's status
	// callback closes over the pointer so status reports can flow to the
	// conductor as soon as the session exists, without the two needing
	// to be constructed in a single step.
	var nc *nodeclient.Client
	sup := supervisor.New(logger, func(st types.DeploymentStatus) {
		if nc != nil {
			nc.SendStatus(st)
		}
	})

	nc, err = nodeclient.Dial(nodeclient.Config{
		ConductorAddr:       conductorAddr,
		NodeID:              nodeID,
		Groups:              groups,
		CapacitiesTotal:     capVec,
		HeartbeatIntervalMS: heartbeatMS,
		DataDir:             dataDir,
	}, sup, logger)
	if err != nil {
		return fmt.Errorf("dial conductor: %w", err)
	}
	defer nc.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- nc.Run(ctx)
	}()

	logger.Info().Str("node_id", nodeID).Str("conductor", conductorAddr).Msg("node started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info().Msg("shutting down")
		cancel()
		<-errCh
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("session ended: %w", err)
		}
	}

	logger.Info().Msg("shutdown complete")
	return nil
}
