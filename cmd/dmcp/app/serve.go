package app

import (
	"context"
	"net/http"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/deechat/dmcp/pkg/api"
	"github.com/deechat/dmcp/pkg/logger"
	"github.com/deechat/dmcp/pkg/orchestrator"
	"github.com/deechat/dmcp/pkg/process"
	"github.com/deechat/dmcp/pkg/telemetry"
	"github.com/deechat/dmcp/pkg/versions"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the MCP runtime and its local control API",
	Long: `Connects every enabled server, keeps sessions healthy, and serves the
control API the desktop shell consumes. Runs until interrupted.`,
	RunE:         serveCmdFunc,
	SilenceUsage: true,
}

var serveAddress string

func init() {
	serveCmd.Flags().StringVar(&serveAddress, "address", "",
		"Listen address of the control API (default from config)")
}

func serveCmdFunc(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := configProvider().LoadOrCreateConfig()
	if err != nil {
		return err
	}

	address := serveAddress
	if address == "" {
		address = cfg.API.Address
	}

	// Record our PID so `dmcp stop` can find this instance.
	instance := serveInstanceName(address)
	if err := process.WriteCurrentPIDFile(instance); err != nil {
		logger.Warnf("Failed to write PID file: %v", err)
	}
	defer func() {
		if err := process.RemovePIDFile(instance); err != nil {
			logger.Warnf("Failed to remove PID file: %v", err)
		}
	}()

	orch := orchestrator.New(orchestratorOptions(cfg)...)
	defer orch.Shutdown(context.Background())

	var metricsHandler http.Handler
	if cfg.Telemetry.Enabled {
		provider, err := telemetry.NewProvider(versions.ClientName, versions.Version)
		if err != nil {
			return err
		}
		defer func() { _ = provider.Shutdown(context.Background()) }()

		metrics, err := telemetry.NewMetrics(provider.MeterProvider())
		if err != nil {
			return err
		}
		defer metrics.Bind(orch.Bus())()
		metricsHandler = provider.Handler()
	}

	if err := orch.Initialize(ctx); err != nil {
		return err
	}
	logger.Infof("runtime initialized with %d stored servers", len(orch.GetAllServers()))

	return api.Serve(ctx, address, orch, metricsHandler)
}

// serveInstanceName maps a listen address to a PID-file-safe instance
// name, so several instances on different ports do not collide.
func serveInstanceName(address string) string {
	name := strings.ToLower(address)
	name = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			return r
		default:
			return '-'
		}
	}, name)
	name = strings.Trim(name, "-")
	if name == "" {
		name = "default"
	}
	return name
}
