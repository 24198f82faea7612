package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/symphony/pkg/api"
	"github.com/cuemby/symphony/pkg/conductor"
	"github.com/cuemby/symphony/pkg/log"
	"github.com/cuemby/symphony/pkg/metrics"
)

var conductorCmd = &cobra.Command{
	Use:   "conductor",
	Short: "Run the conductor control plane",
	Long: `Run the conductor: the node session listener, capacity-aware
scheduler, reconciliation loop, deployment store, and the HTTP control
plane (spec §6).`,
	RunE: runConductor,
}

func init() {
	conductorCmd.Flags().String("config", "", "YAML config file")
	conductorCmd.Flags().String("node-listen-addr", ":50051", "Address the node session listener binds (spec §6 default port 50051)")
	conductorCmd.Flags().String("api-addr", "127.0.0.1:8080", "Address the HTTP control plane binds")
	conductorCmd.Flags().String("data-dir", "./symphony-conductor-data", "Data directory for the deployment store and CA")
	conductorCmd.Flags().String("conductor-id", "conductor-1", "Unique conductor identity (used for its own certificate)")
	conductorCmd.Flags().StringSlice("advertise-dns", nil, "Additional DNS names for the conductor's server certificate")
	conductorCmd.Flags().StringSlice("advertise-ips", nil, "Additional IPs for the conductor's server certificate")
}

func runConductor(cmd *cobra.Command, args []string) error {
	logger := log.WithComponent("cmd")

	configPath, _ := cmd.Flags().GetString("config")
	fileCfg, err := loadConductorConfig(configPath)
	if err != nil {
		return err
	}

	flagNodeAddr, _ := cmd.Flags().GetString("node-listen-addr")
	flagAPIAddr, _ := cmd.Flags().GetString("api-addr")
	flagDataDir, _ := cmd.Flags().GetString("data-dir")
	flagConductorID, _ := cmd.Flags().GetString("conductor-id")
	flagDNS, _ := cmd.Flags().GetStringSlice("advertise-dns")
	flagIPs, _ := cmd.Flags().GetStringSlice("advertise-ips")

	nodeListenAddr := flagValueOrFile(cmd, "node-listen-addr", flagNodeAddr, fileCfg.NodeListenAddr)
	apiAddr := flagValueOrFile(cmd, "api-addr", flagAPIAddr, fileCfg.APIAddr)
	dataDir := flagValueOrFile(cmd, "data-dir", flagDataDir, fileCfg.DataDir)
	conductorID := flagValueOrFile(cmd, "conductor-id", flagConductorID, fileCfg.ConductorID)

	dnsNames := fileCfg.AdvertiseDNS
	if cmd.Flags().Changed("advertise-dns") {
		dnsNames = flagDNS
	}
	ipStrs := fileCfg.AdvertiseIPs
	if cmd.Flags().Changed("advertise-ips") {
		ipStrs = flagIPs
	}
	var ips []net.IP
	for _, s := range ipStrs {
		if ip := net.ParseIP(s); ip != nil {
			ips = append(ips, ip)
		}
	}

	cond, err := conductor.New(conductor.Config{
		NodeListenAddr: nodeListenAddr,
		DataDir:        dataDir,
		ConductorID:    conductorID,
		AdvertiseDNS:   dnsNames,
		AdvertiseIPs:   ips,
	})
	if err != nil {
		return fmt.Errorf("create conductor: %w", err)
	}

	if err := cond.Start(); err != nil {
		return fmt.Errorf("start conductor: %w", err)
	}
	logger.Info().Str("addr", cond.Addr()).Msg("node listener bound")

	metrics.SetVersion(Version)

	apiServer := api.NewServer(cond, apiAddr)
	errCh := make(chan error, 1)
	go func() {
		if err := apiServer.Start(); err != nil {
			errCh <- fmt.Errorf("api server: %w", err)
		}
	}()
	logger.Info().Str("addr", apiAddr).Msg("api server listening")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	var fatalErr error
	select {
	case <-sigCh:
		logger.Info().Msg("shutting down")
	case err := <-errCh:
		logger.Error().Err(err).Msg("api server error")
		fatalErr = err
	case err := <-cond.Fatal():
		logger.Error().Err(err).Msg("conductor invariant violation, shutting down")
		fatalErr = invariantViolationError{err}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("api server shutdown error")
	}
	if err := cond.Shutdown(); err != nil {
		return fmt.Errorf("conductor shutdown: %w", err)
	}
	if fatalErr != nil {
		return fatalErr
	}

	logger.Info().Msg("shutdown complete")
	return nil
}

// flagValueOrFile applies the flags-override-file-overrides-default
// precedence: an explicitly-set flag always wins, otherwise a non-empty
// file value wins, otherwise the flag's default (already in flagValue
// when the flag was never set) is used.
func flagValueOrFile(cmd *cobra.Command, flagName, flagValue, fileValue string) string {
	if cmd.Flags().Changed(flagName) {
		return flagValue
	}
	if fileValue != "" {
		return fileValue
	}
	return flagValue
}
