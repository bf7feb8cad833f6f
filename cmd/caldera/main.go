package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/calderavm/caldera/internal/config"
	"github.com/calderavm/caldera/internal/reconcile"
	"github.com/calderavm/caldera/internal/state"
)

var (
	version = "dev"
	commit  = "unknown"
)

var (
	configFile string
	stateFile  string
	verbose    bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "caldera",
	Short: "Caldera - declarative Azure VM deployment tool",
	Long: `Caldera manages Azure virtual machines declaratively: a YAML machine
specification describes the desired machine, and caldera converges the
live resources (VM, disks, network interface, public IP) to it.

State is kept in a local file next to the specification; every command
reconciles the record with what it finds remotely.`,
	Version: fmt.Sprintf("%s (commit: %s)", version, commit),
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "machine.yaml", "machine specification file")
	rootCmd.PersistentFlags().StringVarP(&stateFile, "state", "s", "caldera-state.yaml", "state file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	rootCmd.AddCommand(deployCmd)
	rootCmd.AddCommand(destroyCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(rebootCmd)
	rootCmd.AddCommand(infoCmd)
}

var (
	deployCheck         bool
	deployAllowReboot   bool
	deployAllowRecreate bool
)

func init() {
	deployCmd.Flags().BoolVar(&deployCheck, "check", false, "check the live resources for drift before converging")
	deployCmd.Flags().BoolVar(&deployAllowReboot, "allow-reboot", false, "permit changes that require a reboot")
	deployCmd.Flags().BoolVar(&deployAllowRecreate, "allow-recreate", false, "permit destroying and re-creating the VM resource")
}

var deployCmd = &cobra.Command{
	Use:   "deploy",
	Short: "Converge the machine to the specification",
	Long: `Deploy creates or updates the machine so it matches the specification:
missing resources are created, detached disks are re-attached, disks that
left the specification are detached, and changed parameters are converged
as far as the platform allows.

Changes the platform cannot apply in one step (moving an attached disk to
a different LUN, renaming an attached disk) are rejected with instructions
for a legal two-step path.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withMachine(cmd, func(ctx context.Context, cfg *config.MachineConfig, rec *state.Record, r *reconcile.Reconciler) error {
			opts := reconcile.Options{
				Check:         deployCheck,
				AllowReboot:   deployAllowReboot,
				AllowRecreate: deployAllowRecreate,
			}
			if err := r.Deploy(ctx, cfg, rec, opts); err != nil {
				return err
			}
			if err := r.PruneDetached(ctx, cfg, rec); err != nil {
				return err
			}
			fmt.Printf("machine %s deployed", cfg.Name)
			if rec.PublicIPv4 != "" {
				fmt.Printf(" (public IP %s)", rec.PublicIPv4)
			}
			fmt.Println()
			return nil
		})
	},
}

var destroyWipe bool

func init() {
	destroyCmd.Flags().BoolVar(&destroyWipe, "wipe", false, "overwrite disk contents before destroying (unsupported, warns)")
}

var destroyCmd = &cobra.Command{
	Use:   "destroy",
	Short: "Destroy the machine and its dedicated resources",
	Long: `Destroy deletes the VM resource, the network interface and the public IP
address, and the backing stores of ephemeral disks. Backing stores of
existing (non-ephemeral) disks are kept.

Asks for confirmation before each destructive step.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withMachine(cmd, func(ctx context.Context, cfg *config.MachineConfig, rec *state.Record, r *reconcile.Reconciler) error {
			gone, err := r.Destroy(ctx, rec, destroyWipe)
			if err != nil {
				return err
			}
			if !gone {
				fmt.Println("destroy cancelled")
				return nil
			}
			fmt.Printf("machine %s destroyed\n", rec.MachineName)
			return nil
		})
	},
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Power the machine on",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withMachine(cmd, func(ctx context.Context, cfg *config.MachineConfig, rec *state.Record, r *reconcile.Reconciler) error {
			return r.Start(ctx, rec)
		})
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Power the machine off",
	Long: `Stop powers the machine off. The VM resource stays allocated, so its
size, addresses and disks all survive a stop/start cycle.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withMachine(cmd, func(ctx context.Context, cfg *config.MachineConfig, rec *state.Record, r *reconcile.Reconciler) error {
			return r.Stop(ctx, rec)
		})
	},
}

var rebootHard bool

func init() {
	rebootCmd.Flags().BoolVar(&rebootHard, "hard", false, "restart through the provider instead of the guest")
}

var rebootCmd = &cobra.Command{
	Use:   "reboot",
	Short: "Reboot the machine",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withMachine(cmd, func(ctx context.Context, cfg *config.MachineConfig, rec *state.Record, r *reconcile.Reconciler) error {
			return r.Reboot(ctx, rec, rebootHard)
		})
	},
}

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show the recorded machine state",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withState(cmd, func(ctx context.Context, rec *state.Record) error {
			fmt.Printf("machine:   %s\n", rec.MachineName)
			fmt.Printf("state:     %s\n", rec.State)
			fmt.Printf("vm:        %s\n", orDash(rec.VMID))
			fmt.Printf("size:      %s\n", orDash(rec.Size))
			fmt.Printf("location:  %s\n", orDash(rec.Location))
			fmt.Printf("public IP: %s\n", orDash(rec.PublicIPv4))
			fmt.Printf("disks:     %d\n", len(rec.Disks))
			for _, id := range rec.Disks.SortedIDs() {
				d := rec.Disks[id]
				marker := ""
				if d.NeedsAttach {
					marker = " (needs attach)"
				}
				fmt.Printf("  %-22s %s%s\n", d.Device, d.Name, marker)
			}
			return nil
		})
	},
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
