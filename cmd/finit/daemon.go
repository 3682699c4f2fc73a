package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/liuming50/finit/internal/api"
	"github.com/liuming50/finit/internal/config"
	"github.com/liuming50/finit/internal/logging"
	"github.com/liuming50/finit/internal/supervisor"
)

var (
	daemonConf     string
	daemonRCSD     string
	daemonSocket   string
	daemonListen   string
	daemonUser     string
	daemonPassFile string
	daemonLevel    string
	daemonFormat   string
	daemonInetd    bool
	daemonSyslog   bool
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the finit supervisor",
	Long:  "Run the supervisor: load the configuration, watch for changes and drive the runlevel state machine.",
	RunE: func(cmd *cobra.Command, args []string) error {
		level := daemonLevel
		if config.DebugEnabled(config.CmdlineFile) {
			level = "debug"
		}

		logCfg := logging.LogConfig{
			Level:  level,
			Format: daemonFormat,
		}
		if daemonSyslog {
			fwd, err := logging.NewSyslogForwarder("finit")
			if err != nil {
				return err
			}
			defer fwd.Close()
			logCfg.Output = fwd
		}
		logger := logging.New(logCfg)

		sup := supervisor.New(supervisor.Config{
			Conf:         daemonConf,
			RCSD:         daemonRCSD,
			InetdEnabled: daemonInetd,
			Logger:       logger,
		})

		pass := ""
		if daemonPassFile != "" {
			data, err := os.ReadFile(daemonPassFile)
			if err != nil {
				return err
			}
			pass = strings.TrimSpace(string(data))
		}

		srv := api.NewServer(api.Config{
			Username: daemonUser,
			Password: pass,
		}, sup, sup.Metrics().Handler(), logger)

		if err := srv.StartUnix(daemonSocket, 0o600); err != nil {
			// Not fatal: the supervisor is still driven by signals.
			logger.Warn("control socket unavailable", "err", err)
		}
		if daemonListen != "" {
			if err := srv.StartTCP(daemonListen); err != nil {
				logger.Warn("tcp listener unavailable", "err", err)
			}
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
		defer stop()

		err := sup.Run(ctx)

		srv.Stop(context.Background())
		return err
	},
}

func init() {
	daemonCmd.Flags().StringVar(&daemonConf, "config", config.DefaultConf, "main configuration file")
	daemonCmd.Flags().StringVar(&daemonRCSD, "rcsd", config.DefaultRCSD, "configuration fragment directory")
	daemonCmd.Flags().StringVar(&daemonSocket, "socket", defaultSocket, "control socket path")
	daemonCmd.Flags().StringVar(&daemonListen, "listen", "", "optional TCP listen address for the control API")
	daemonCmd.Flags().StringVar(&daemonUser, "username", "", "basic auth username for the TCP control API")
	daemonCmd.Flags().StringVar(&daemonPassFile, "password-file", "", "file holding the bcrypt password hash for the TCP control API")
	daemonCmd.Flags().StringVar(&daemonLevel, "log-level", "info", "log level: debug, info, warn, error")
	daemonCmd.Flags().StringVar(&daemonFormat, "log-format", "text", "log format: text or json")
	daemonCmd.Flags().BoolVar(&daemonInetd, "inetd", false, "enable inetd service support")
	daemonCmd.Flags().BoolVar(&daemonSyslog, "syslog", false, "send supervisor log output to syslog")
	rootCmd.AddCommand(daemonCmd)
}
