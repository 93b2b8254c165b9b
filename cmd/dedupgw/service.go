package main

import (
	"fmt"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/dedupgw/dedupgw/internal/svc"
)

var (
	serviceName  string
	serviceUser  string
	forceInstall bool
	logsFollow   bool
	logsLines    int
)

func newServiceCmd() *cobra.Command {
	serviceCmd := &cobra.Command{
		Use:   "service",
		Short: "Manage the dedupgw system service",
		Long: `Install, control, and inspect dedupgw as a system service.

Supported platforms: Linux (systemd), macOS (launchd), Windows (SCM).

  sudo dedupgw service install --config /etc/dedupgw/dedupgw.yaml
  sudo dedupgw service start
  dedupgw service status
  dedupgw service logs --follow`,
	}
	serviceCmd.PersistentFlags().StringVarP(&serviceName, "name", "n", svc.DefaultName, "Service name")

	installCmd := &cobra.Command{
		Use:   "install",
		Short: "Install dedupgw as a service that starts at boot",
		RunE: func(cmd *cobra.Command, args []string) error {
			setupLogging(nil)
			if err := svc.CheckPrivileges(); err != nil {
				return err
			}
			cfg := serviceConfig()
			if _, err := loadConfig(cfg.ConfigPath); err != nil {
				return fmt.Errorf("check config: %w", err)
			}
			log.Info().Str("name", cfg.Name).Str("config", cfg.ConfigPath).Msg("installing service")
			if err := svc.Install(cfg, forceInstall); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Service %q installed. Start it with: sudo dedupgw service start\n", cfg.Name)
			return nil
		},
	}
	installCmd.Flags().StringVar(&serviceUser, "user", "", "Run the service as this user (Linux/macOS only)")
	installCmd.Flags().BoolVarP(&forceInstall, "force", "f", false, "Reinstall if the service already exists")
	serviceCmd.AddCommand(installCmd)

	serviceCmd.AddCommand(&cobra.Command{
		Use:   "uninstall",
		Short: "Remove the dedupgw service",
		RunE: func(cmd *cobra.Command, args []string) error {
			setupLogging(nil)
			if err := svc.CheckPrivileges(); err != nil {
				return err
			}
			cfg := serviceConfig()
			if err := svc.Uninstall(cfg); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Service %q uninstalled.\n", cfg.Name)
			return nil
		},
	})

	for _, action := range []string{"start", "stop", "restart"} {
		serviceCmd.AddCommand(&cobra.Command{
			Use:   action,
			Short: fmt.Sprintf("%s the dedupgw service", action),
			RunE: func(cmd *cobra.Command, args []string) error {
				setupLogging(nil)
				if err := svc.CheckPrivileges(); err != nil {
					return err
				}
				cfg := serviceConfig()
				if err := svc.Control(cfg, action); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Service %q: %s done.\n", cfg.Name, action)
				return nil
			},
		})
	}

	serviceCmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show the dedupgw service status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := serviceConfig()
			status, err := svc.Status(cfg)
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Service: %s\n", cfg.Name)
			if err != nil {
				fmt.Fprintf(out, "Status:  not installed or unknown (%v)\n", err)
				return nil
			}
			fmt.Fprintf(out, "Status:  %s\n", status)
			fmt.Fprintf(out, "Config:  %s\n", cfg.ConfigPath)
			return nil
		},
	})

	logsCmd := &cobra.Command{
		Use:   "logs",
		Short: "View dedupgw service logs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return svc.ViewLogs(svc.LogOptions{
				ServiceName: serviceName,
				Follow:      logsFollow,
				Lines:       logsLines,
			})
		},
	}
	logsCmd.Flags().BoolVarP(&logsFollow, "follow", "f", false, "Follow log output")
	logsCmd.Flags().IntVar(&logsLines, "lines", 50, "Number of log lines to show")
	serviceCmd.AddCommand(logsCmd)

	return serviceCmd
}

func serviceConfig() *svc.Config {
	configPath := cfgFile
	if configPath == "" {
		configPath = svc.DefaultConfigPath()
	}
	if abs, err := filepath.Abs(configPath); err == nil {
		configPath = abs
	}
	return &svc.Config{
		Name:       serviceName,
		ConfigPath: configPath,
		UserName:   serviceUser,
	}
}
