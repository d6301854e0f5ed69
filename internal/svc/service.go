// Package svc runs the blobit daemon as a system service.
package svc

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/kardianos/service"
	"github.com/rs/zerolog/log"
)

// RunFunc runs the daemon until ctx is cancelled.
type RunFunc func(ctx context.Context, configPath string) error

// Program implements service.Interface for the kardianos/service library.
type Program struct {
	ConfigPath string
	Run        RunFunc

	ctx    context.Context
	cancel context.CancelFunc
	done   chan error
}

// Start is called when the service starts. It must not block.
func (p *Program) Start(s service.Service) error {
	if p.Run == nil {
		return fmt.Errorf("run function not configured")
	}
	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.done = make(chan error, 1)

	go func() {
		p.done <- p.Run(p.ctx, p.ConfigPath)
	}()
	return nil
}

// Stop cancels the daemon and waits for it to drain.
func (p *Program) Stop(s service.Service) error {
	if p.cancel != nil {
		p.cancel()
	}
	if p.done != nil {
		err := <-p.done
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
	}
	return nil
}

// ServiceConfig holds configuration for service installation.
type ServiceConfig struct {
	Name        string
	DisplayName string
	Description string
	ConfigPath  string
	UserName    string // Linux/macOS only
}

const (
	DefaultServiceName = "blobit"
	defaultDisplayName = "blobit Object Store"
	defaultDescription = "blobit segment-backed blob object store daemon"
)

// DefaultConfigPath returns the platform's default config file path.
func DefaultConfigPath() string {
	if runtime.GOOS == "windows" {
		return filepath.Join(os.Getenv("ProgramData"), "blobit", "blobit.yaml")
	}
	return "/etc/blobit/blobit.yaml"
}

// NewServiceConfig fills in defaults for unset fields.
func NewServiceConfig(name, configPath, user string) *ServiceConfig {
	if name == "" {
		name = DefaultServiceName
	}
	if configPath == "" {
		configPath = DefaultConfigPath()
	}
	return &ServiceConfig{
		Name:        name,
		DisplayName: defaultDisplayName,
		Description: defaultDescription,
		ConfigPath:  configPath,
		UserName:    user,
	}
}

// Arguments returns the command line the service manager invokes.
func (c *ServiceConfig) Arguments() []string {
	return []string{"--service-run", "serve", "--config", c.ConfigPath}
}

func (c *ServiceConfig) platformConfig() *service.Config {
	svcCfg := &service.Config{
		Name:        c.Name,
		DisplayName: c.DisplayName,
		Description: c.Description,
		Arguments:   c.Arguments(),
	}

	switch runtime.GOOS {
	case "linux":
		svcCfg.Dependencies = []string{"After=local-fs.target network-online.target"}
		svcCfg.Option = service.KeyValue{
			"Restart":     "on-failure",
			"RestartSec":  "5",
			"LimitNOFILE": 65536,
		}
		svcCfg.UserName = c.UserName
	case "darwin":
		svcCfg.Option = service.KeyValue{
			"KeepAlive": true,
			"RunAtLoad": true,
		}
		svcCfg.UserName = c.UserName
	case "windows":
		svcCfg.Option = service.KeyValue{
			"OnFailure":      "restart",
			"OnFailureDelay": "5s",
		}
	}
	return svcCfg
}

func newService(prg *Program, cfg *ServiceConfig) (service.Service, error) {
	if prg == nil {
		prg = &Program{ConfigPath: cfg.ConfigPath}
	}
	s, err := service.New(prg, cfg.platformConfig())
	if err != nil {
		return nil, fmt.Errorf("create service: %w", err)
	}
	return s, nil
}

// Install installs the service, replacing an existing one when force is set.
func Install(cfg *ServiceConfig, force bool) error {
	s, err := newService(nil, cfg)
	if err != nil {
		return err
	}

	if status, err := s.Status(); err == nil && status != service.StatusUnknown {
		if !force {
			return fmt.Errorf("service %q already installed; use --force to reinstall", cfg.Name)
		}
		if status == service.StatusRunning {
			if err := s.Stop(); err != nil {
				log.Warn().Err(err).Msg("failed to stop service")
			}
		}
		if err := s.Uninstall(); err != nil {
			log.Warn().Err(err).Msg("failed to uninstall service")
		}
	}

	if err := s.Install(); err != nil {
		return fmt.Errorf("install service: %w", err)
	}
	return nil
}

// Uninstall stops and removes the service.
func Uninstall(cfg *ServiceConfig) error {
	s, err := newService(nil, cfg)
	if err != nil {
		return err
	}
	if status, _ := s.Status(); status == service.StatusRunning {
		if err := s.Stop(); err != nil {
			log.Warn().Err(err).Msg("failed to stop service")
		}
	}
	if err := s.Uninstall(); err != nil {
		return fmt.Errorf("uninstall service: %w", err)
	}
	return nil
}

// Control sends start, stop or restart to the service manager.
func Control(cfg *ServiceConfig, action string) error {
	s, err := newService(nil, cfg)
	if err != nil {
		return err
	}
	switch action {
	case "start":
		err = s.Start()
	case "stop":
		err = s.Stop()
	case "restart":
		err = s.Restart()
	default:
		return fmt.Errorf("unknown service action %q", action)
	}
	if err != nil {
		return fmt.Errorf("%s service: %w", action, err)
	}
	return nil
}

// Status returns the service status as reported by the service manager.
func Status(cfg *ServiceConfig) (service.Status, error) {
	s, err := newService(nil, cfg)
	if err != nil {
		return service.StatusUnknown, err
	}
	return s.Status()
}

// StatusString returns a human-readable status string.
func StatusString(status service.Status) string {
	switch status {
	case service.StatusRunning:
		return "running"
	case service.StatusStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Run hands control to the service manager.
func Run(prg *Program, cfg *ServiceConfig) error {
	s, err := newService(prg, cfg)
	if err != nil {
		return err
	}
	return s.Run()
}

// CheckPrivileges reports whether service management is likely to succeed.
func CheckPrivileges() error {
	if runtime.GOOS == "windows" {
		return nil
	}
	if os.Geteuid() != 0 {
		return fmt.Errorf("root privileges required (use sudo)")
	}
	return nil
}

// IsServiceMode reports whether the process was started by the service manager.
func IsServiceMode(args []string) bool {
	for _, arg := range args {
		if arg == "--service-run" {
			return true
		}
	}
	return false
}
