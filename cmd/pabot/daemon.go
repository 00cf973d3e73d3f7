package main

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/spf13/cobra"
)

// service describes the background unit for the current platform.
type service struct {
	path  string
	body  string
	hints []string
}

func installDaemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "install",
		Short: "Install the gateway as a background service",
		Long:  "Writes a user-level service unit (systemd on Linux, launchd on macOS) that runs 'pabot run' at login.",
		RunE: func(cmd *cobra.Command, args []string) error {
			execPath, err := os.Executable()
			if err != nil {
				return fmt.Errorf("cannot determine executable path: %w", err)
			}
			svc, err := platformService(execPath, resolveConfigPath())
			if err != nil {
				return err
			}

			if err := os.MkdirAll(filepath.Dir(svc.path), 0o755); err != nil {
				return err
			}
			if err := os.WriteFile(svc.path, []byte(svc.body), 0o644); err != nil {
				return err
			}

			fmt.Printf("Service installed: %s\n", svc.path)
			for _, h := range svc.hints {
				fmt.Println(h)
			}
			return nil
		},
	}
}

func uninstallDaemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "uninstall",
		Short: "Remove the background service",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := platformService("", "")
			if err != nil {
				return err
			}
			if err := os.Remove(svc.path); err != nil {
				return fmt.Errorf("remove service unit: %w", err)
			}
			fmt.Printf("Service removed: %s\n", svc.path)
			return nil
		},
	}
}

const launchdLabel = "com.pabot.gateway"

func platformService(execPath, cfgPath string) (*service, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("cannot determine home directory: %w", err)
	}

	switch runtime.GOOS {
	case "linux":
		path := filepath.Join(home, ".config", "systemd", "user", "pabot.service")
		return &service{
			path: path,
			body: fmt.Sprintf(systemdUnit, execPath, cfgPath),
			hints: []string{
				"Enable with: systemctl --user enable --now pabot",
				"Logs:        journalctl --user -u pabot -f",
			},
		}, nil
	case "darwin":
		path := filepath.Join(home, "Library", "LaunchAgents", launchdLabel+".plist")
		logDir := filepath.Join(home, ".pabot", "logs")
		os.MkdirAll(logDir, 0o755)
		return &service{
			path: path,
			body: fmt.Sprintf(launchdPlist,
				launchdLabel, execPath, cfgPath,
				filepath.Join(logDir, "pabot.log"),
				filepath.Join(logDir, "pabot-error.log"),
			),
			hints: []string{
				"Load with:   launchctl load " + path,
				"Unload with: launchctl unload " + path,
			},
		}, nil
	default:
		return nil, fmt.Errorf("no service support for %s", runtime.GOOS)
	}
}

const systemdUnit = `[Unit]
Description=PA announcement gateway
After=network-online.target

[Service]
ExecStart=%s run --config %s
Restart=on-failure
RestartSec=10

[Install]
WantedBy=default.target
`

const launchdPlist = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
    <key>Label</key>
    <string>%s</string>
    <key>ProgramArguments</key>
    <array>
        <string>%s</string>
        <string>run</string>
        <string>--config</string>
        <string>%s</string>
    </array>
    <key>RunAtLoad</key>
    <true/>
    <key>KeepAlive</key>
    <true/>
    <key>StandardOutPath</key>
    <string>%s</string>
    <key>StandardErrorPath</key>
    <string>%s</string>
</dict>
</plist>
`
