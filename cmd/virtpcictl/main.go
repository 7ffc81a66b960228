// virtpcictl inspects and exercises the virtio PCI transport of a device
// function. It walks the vendor capability chain, resolves the configuration
// regions, and can run the full transport bring-up against a built-in device
// model.
//
// Usage:
//
//	virtpcictl caps 0000:00:04.0
//	virtpcictl regions 0000:00:04.0
//	virtpcictl selftest
package main

import (
	"fmt"
	"os"

	"github.com/olekukonko/tablewriter"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/tinyvirt/virtpci/internal/pci"
	"github.com/tinyvirt/virtpci/internal/virtio"
)

const (
	exitOK           = 0
	exitRuntimeError = 1
)

// Build-time variables injected via ldflags.
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitRuntimeError)
	}
}

func rootCmd() *cobra.Command {
	var logLevel string

	root := &cobra.Command{
		Use:           "virtpcictl",
		Short:         "virtio PCI transport inspector",
		Long:          "A tool for walking virtio vendor capability chains, resolving transport regions, and exercising the transport state machine.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			lvl, err := log.ParseLevel(logLevel)
			if err != nil {
				return fmt.Errorf("invalid log level %q: %w", logLevel, err)
			}
			log.SetLevel(lvl)
			return nil
		},
	}

	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (trace, debug, info, warn, error, fatal, panic)")

	root.AddCommand(
		newCapsCmd(),
		newRegionsCmd(),
		newSelftestCmd(),
		newVersionCmd(),
	)

	return root
}

// ──────────────────────────────────────────────
//  caps
// ──────────────────────────────────────────────

func newCapsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "caps <bdf>",
		Short: "Walk a device's virtio vendor capability chain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := pci.ParseAddress(args[0])
			if err != nil {
				return err
			}
			dev, err := pci.OpenSysfsDevice(addr)
			if err != nil {
				return fmt.Errorf("open device %s: %w", addr, err)
			}
			defer dev.Close()

			caps, err := pci.ScanCapabilities(dev)
			if err != nil {
				return fmt.Errorf("scan capabilities: %w", err)
			}
			if len(caps) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No virtio vendor capabilities found.")
				return nil
			}

			table := tablewriter.NewTable(cmd.OutOrStdout())
			table.Header("TYPE", "BAR", "OFFSET", "LENGTH", "EXTRA")
			for _, c := range caps {
				extra := ""
				switch c.Type {
				case pci.CfgTypeNotify:
					extra = fmt.Sprintf("multiplier=%d", c.NotifyOffMultiplier)
				case pci.CfgTypeSharedMemory:
					extra = fmt.Sprintf("shmid=%d", c.ID)
				}
				table.Append(c.Type.String(),
					fmt.Sprintf("%d", c.Bar),
					fmt.Sprintf("%#x", c.Offset),
					fmt.Sprintf("%#x", c.Length),
					extra)
			}
			table.Render()
			return nil
		},
	}
}

// ──────────────────────────────────────────────
//  regions
// ──────────────────────────────────────────────

func newRegionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "regions <bdf>",
		Short: "Resolve the transport regions and read the device's live state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := pci.ParseAddress(args[0])
			if err != nil {
				return err
			}
			dev, err := pci.OpenSysfsDevice(addr)
			if err != nil {
				return fmt.Errorf("open device %s: %w", addr, err)
			}
			defer dev.Close()

			caps, err := pci.ScanCapabilities(dev)
			if err != nil {
				return fmt.Errorf("scan capabilities: %w", err)
			}
			transport, err := virtio.NewTransportFromCapabilities(caps, func(bar uint8) (virtio.MappedBAR, error) {
				return dev.MapBAR(bar)
			})
			if err != nil {
				return err
			}

			status, err := transport.Status()
			if err != nil {
				return fmt.Errorf("read device status: %w", err)
			}
			numQueues, err := transport.NumQueues()
			if err != nil {
				return fmt.Errorf("read queue count: %w", err)
			}
			features, err := transport.DeviceFeatures()
			if err != nil {
				return fmt.Errorf("read device features: %w", err)
			}

			table := tablewriter.NewTable(cmd.OutOrStdout())
			table.Header("PROPERTY", "VALUE")
			table.Append("device_status", fmt.Sprintf("%#02x", status))
			table.Append("num_queues", fmt.Sprintf("%d", numQueues))
			table.Append("device_features", fmt.Sprintf("%#016x", features))
			if features&(1<<virtio.FeatureAdminVQ) != 0 {
				index, count, err := transport.AdminQueueIndex()
				if err != nil {
					return fmt.Errorf("read admin queue registers: %w", err)
				}
				table.Append("admin_queue_index", fmt.Sprintf("%d", index))
				table.Append("admin_queue_num", fmt.Sprintf("%d", count))
			}
			table.Render()
			return nil
		},
	}
}

// ──────────────────────────────────────────────
//  version
// ──────────────────────────────────────────────

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "virtpcictl %s (commit: %s, built: %s)\n", version, commit, buildDate)
		},
	}
}
