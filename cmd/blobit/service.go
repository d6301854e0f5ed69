package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/rkosegi/blobit/internal/svc"
)

func newServiceCmd() *cobra.Command {
	var (
		name       string
		configPath string
		user       string
		force      bool
		follow     bool
		lines      int
	)

	serviceCmd := &cobra.Command{
		Use:   "service",
		Short: "Manage the blobit system service",
		Long: `Install, control and inspect blobit as a system service.

Supported platforms:
  - Linux (systemd)
  - macOS (launchd)
  - Windows (Service Control Manager)

Examples:
  sudo blobit service install --config /etc/blobit/blobit.yaml --user blobit
  sudo blobit service start
  blobit service status
  blobit service logs --follow`,
	}
	serviceCmd.PersistentFlags().StringVarP(&name, "name", "n", svc.DefaultServiceName, "service name")

	serviceConfig := func() *svc.ServiceConfig {
		return svc.NewServiceConfig(name, configPath, user)
	}

	installCmd := &cobra.Command{
		Use:   "install",
		Short: "Install blobit as a system service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			setupLogging("info", cmd.ErrOrStderr())
			if err := svc.CheckPrivileges(); err != nil {
				return err
			}
			if configPath == "" {
				configPath = cfgFile
			}
			if configPath != "" {
				abs, err := filepath.Abs(configPath)
				if err != nil {
					return err
				}
				configPath = abs
			}
			cfg := serviceConfig()
			if _, err := os.Stat(cfg.ConfigPath); os.IsNotExist(err) {
				return fmt.Errorf("config file not found: %s\nCreate the config file first or specify a different path with --config", cfg.ConfigPath)
			}

			log.Info().Str("name", cfg.Name).Str("config", cfg.ConfigPath).Msg("installing service")
			if err := svc.Install(cfg, force); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "Service %q installed successfully.\n", cfg.Name)
			_, _ = fmt.Fprintf(out, "\nTo start the service:\n  blobit service start --name %s\n", cfg.Name)
			return nil
		},
	}
	installCmd.Flags().StringVar(&configPath, "service-config", "", "config file the service runs with (default: --config or "+svc.DefaultConfigPath()+")")
	installCmd.Flags().StringVar(&user, "user", "", "run the service as this user (Linux/macOS only)")
	installCmd.Flags().BoolVarP(&force, "force", "f", false, "reinstall if the service already exists")
	serviceCmd.AddCommand(installCmd)

	serviceCmd.AddCommand(&cobra.Command{
		Use:   "uninstall",
		Short: "Remove the blobit system service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			setupLogging("info", cmd.ErrOrStderr())
			if err := svc.CheckPrivileges(); err != nil {
				return err
			}
			cfg := serviceConfig()
			if err := svc.Uninstall(cfg); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Service %q uninstalled successfully.\n", cfg.Name)
			return nil
		},
	})

	for _, action := range []string{"start", "stop", "restart"} {
		serviceCmd.AddCommand(&cobra.Command{
			Use:   action,
			Short: fmt.Sprintf("%s the blobit service", action),
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				if err := svc.CheckPrivileges(); err != nil {
					return err
				}
				cfg := serviceConfig()
				if err := svc.Control(cfg, action); err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Service %q: %s done.\n", cfg.Name, action)
				return nil
			},
		})
	}

	serviceCmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show blobit service status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := serviceConfig()
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "Service: %s\n", cfg.Name)
			status, err := svc.Status(cfg)
			if err != nil {
				_, _ = fmt.Fprintf(out, "Status:  not installed or unknown\nError:   %v\n", err)
				return nil
			}
			_, _ = fmt.Fprintf(out, "Status:  %s\n", svc.StatusString(status))
			return nil
		},
	})

	logsCmd := &cobra.Command{
		Use:   "logs",
		Short: "View blobit service logs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return svc.ViewLogs(svc.LogOptions{ServiceName: name, Follow: follow, Lines: lines})
		},
	}
	logsCmd.Flags().BoolVarP(&follow, "follow", "f", false, "follow log output")
	logsCmd.Flags().IntVar(&lines, "lines", 50, "number of log lines to show")
	serviceCmd.AddCommand(logsCmd)

	return serviceCmd
}
