package app

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/deechat/dmcp/pkg/process"
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop a running dmcp serve instance",
	Long: `Stops the serve instance listening on the given address by reading its
PID file and terminating the process.`,
	RunE:         stopCmdFunc,
	SilenceUsage: true,
}

var stopAddress string

func init() {
	stopCmd.Flags().StringVar(&stopAddress, "address", "",
		"Listen address of the instance to stop (default from config)")
}

func stopCmdFunc(*cobra.Command, []string) error {
	address := stopAddress
	if address == "" {
		cfg, err := configProvider().LoadOrCreateConfig()
		if err != nil {
			return err
		}
		address = cfg.API.Address
	}

	name := serveInstanceName(address)
	pid, err := process.ReadPIDFile(name)
	if err != nil {
		return fmt.Errorf("no serve instance found for %s: %w", address, err)
	}

	alive, err := process.FindProcess(pid)
	if err == nil && !alive {
		// Stale PID file from an unclean exit.
		fmt.Printf("Instance on %s (PID %d) is not running, cleaning up\n", address, pid)
		return process.RemovePIDFile(name)
	}

	fmt.Printf("Stopping instance on %s (PID %d)...\n", address, pid)
	if err := process.KillProcess(pid); err != nil {
		return fmt.Errorf("failed to stop instance: %w", err)
	}
	if err := process.RemovePIDFile(name); err != nil {
		return fmt.Errorf("failed to remove PID file: %w", err)
	}
	fmt.Println("Instance stopped")
	return nil
}
