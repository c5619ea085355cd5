package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/JakeFAU/labnodes/internal/config"
)

func newOT2Cmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ot2",
		Short: "Serve an Opentrons OT-2 liquid handler",
		Long: `Serves an Opentrons OT-2 over HTTP. The node uploads Python protocols,
or YAML protocols compiled by the configured compiler, runs them on the robot
and waits for the run to finish.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runNode(cmd, config.FamilyOT2)
		},
	}
	addNodeFlags(cmd.Flags(), config.DefaultOT2NodePort)
	cmd.Flags().String("ot2-ip", "", "IP address of the OT-2 robot")
	return cmd
}

func newUC2Cmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "uc2",
		Short: "Serve a UC2 microscope through ImSwitch",
		Long: `Serves a UC2 microscope over HTTP by driving the ImSwitch server that
controls it: homing and moving the stage, switching illumination, and starting
tile and position-list scans.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runNode(cmd, config.FamilyUC2)
		},
	}
	addNodeFlags(cmd.Flags(), config.DefaultUC2NodePort)
	cmd.Flags().String("uc2-ip", "", "IP address of the ImSwitch server")
	cmd.Flags().Int("uc2-port", config.DefaultImSwitchPort, "port of the ImSwitch server")
	return cmd
}

func addNodeFlags(fs *pflag.FlagSet, port int) {
	fs.String("alias", "", "name of the node, also its working directory")
	fs.String("host", "0.0.0.0", "address the node listens on")
	fs.Int("port", port, "port the node listens on")
	fs.String("work-root", "", "directory holding the node's working directory")
}

func runNode(cmd *cobra.Command, family string) error {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return fmt.Errorf("read config flag: %w", err)
	}
	cfg, err := config.Load(config.Options{
		Family: family,
		Path:   path,
		Flags:  cmd.Flags(),
	})
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	node, err := newRunner(cmd.Context(), cfg)
	if err != nil {
		return fmt.Errorf("build %s node: %w", family, err)
	}
	return node.Run(cmd.Context())
}
