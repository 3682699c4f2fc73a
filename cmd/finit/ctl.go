package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/liuming50/finit/internal/ctl"
)

const defaultSocket = "/run/finit.sock"

var (
	ctlSocket string
	ctlAddr   string
	ctlUser   string
	ctlPass   string
)

func newCtlClient() *ctl.Client {
	if ctlAddr != "" {
		return ctl.NewTCPClient(ctlAddr, ctlUser, ctlPass)
	}
	return ctl.NewUnixClient(ctlSocket)
}

var runlevelCmd = &cobra.Command{
	Use:   "runlevel <0-9>",
	Short: "Change runlevel",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		level, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid runlevel %q", args[0])
		}
		return newCtlClient().SetRunlevel(level)
	},
}

var reloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Reload *.conf in the fragment directory",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return newCtlClient().Reload()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show supervisor and service status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := newCtlClient().Status()
		if err != nil {
			return err
		}
		return ctl.PrintStatus(cmd.OutOrStdout(), st)
	},
}

func init() {
	for _, c := range []*cobra.Command{runlevelCmd, reloadCmd, statusCmd} {
		c.Flags().StringVar(&ctlSocket, "socket", defaultSocket, "control socket path")
		c.Flags().StringVar(&ctlAddr, "addr", "", "TCP address of a remote finit")
		c.Flags().StringVar(&ctlUser, "username", "", "basic auth username")
		c.Flags().StringVar(&ctlPass, "password", "", "basic auth password")
		rootCmd.AddCommand(c)
	}
}
