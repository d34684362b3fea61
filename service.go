package main

import (
	"fmt"
	"time"

	"github.com/kardianos/service"
	"github.com/spf13/cobra"

	"imagegen_backend/core"
)

func init() {
	rootCmd.AddCommand(serviceCmd)
	for _, action := range []string{"install", "uninstall", "start", "stop", "restart"} {
		serviceCmd.AddCommand(serviceControlCmd(action))
	}
	serviceCmd.AddCommand(serviceStatusCmd, serviceRunCmd)
}

var serviceCmd = &cobra.Command{
	Use:   "service",
	Short: "Manage the OS service (systemd, launchd or the Windows service manager)",
}

var serviceStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether the service is running",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newService(&program{})
		if err != nil {
			return err
		}
		status, err := s.Status()
		if err != nil {
			return fmt.Errorf("failed to get service status: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), statusText(status))
		return nil
	},
}

var serviceRunCmd = &cobra.Command{
	Use:    "run",
	Short:  "Run under the service manager",
	Hidden: true,
	Args:   cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newService(&program{})
		if err != nil {
			return err
		}
		if err := s.Run(); err != nil {
			return fmt.Errorf("service run failed: %w", err)
		}
		return nil
	},
}

func serviceControlCmd(action string) *cobra.Command {
	return &cobra.Command{
		Use:   action,
		Short: action + " the service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := newService(&program{})
			if err != nil {
				return err
			}
			if err := service.Control(s, action); err != nil {
				return fmt.Errorf("failed to %s service: %w", action, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Service %s: ok\n", action)
			return nil
		},
	}
}

func statusText(s service.Status) string {
	switch s {
	case service.StatusRunning:
		return "Service is running"
	case service.StatusStopped:
		return "Service is stopped"
	default:
		return "Service status unknown"
	}
}

// serviceConfig describes the installed service. It starts "service run"
// so the manager sees Start and Stop calls.
func serviceConfig() *service.Config {
	return &service.Config{
		Name:        core.ServiceName,
		DisplayName: "Image Generation Backend",
		Description: "Stable Diffusion text-to-image HTTP service",
		Arguments:   []string{"service", "run"},
		Option: service.KeyValue{
			"StartType": "automatic",
			"Restart":   "on-failure",
		},
	}
}

func newService(p *program) (service.Service, error) {
	s, err := service.New(p, serviceConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create service: %w", err)
	}
	return s, nil
}

// program adapts serve to the service manager's Start and Stop.
type program struct {
	stop chan struct{}
	exit chan error
}

func (p *program) Start(s service.Service) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	p.stop = make(chan struct{})
	p.exit = make(chan error, 1)
	go func() {
		p.exit <- serve(cfg, log, p.stop)
	}()
	return nil
}

func (p *program) Stop(s service.Service) error {
	if p.stop == nil {
		return nil
	}
	close(p.stop)
	select {
	case err := <-p.exit:
		return err
	case <-time.After(90 * time.Second):
		return fmt.Errorf("timeout waiting for service to stop")
	}
}
