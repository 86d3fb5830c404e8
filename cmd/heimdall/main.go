// Package main provides the heimdall entry point.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/rennerdo30/heimdall/internal/backend"
	"github.com/rennerdo30/heimdall/internal/cli"
	"github.com/rennerdo30/heimdall/internal/config"
	"github.com/rennerdo30/heimdall/internal/credentials"
	"github.com/rennerdo30/heimdall/internal/daemon"
	"github.com/rennerdo30/heimdall/internal/installer"
	"github.com/rennerdo30/heimdall/internal/logging"
	"github.com/rennerdo30/heimdall/internal/service"
	"github.com/rennerdo30/heimdall/internal/updater"
	"github.com/rennerdo30/heimdall/internal/version"
)

var (
	configFile string

	// Config init flags
	initOutput string
	initForce  bool

	// Update command flags
	updateForce   bool
	updateChannel string

	rootCmd = &cobra.Command{
		Use:   "heimdall",
		Short: "Heimdall VPN Connection Orchestrator",
		Long: `Heimdall keeps VPN tunnels up, wakes remote machines and launches
remote desktop sessions once the path to them is healthy.

Run without a subcommand it starts the daemon in the foreground.`,
		RunE: run,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path (default: config.yaml in the user config dir)")

	rootCmd.AddCommand(newVersionCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(cli.NewCommands())
	rootCmd.AddCommand(newConfigCommand())
	rootCmd.AddCommand(newUpdateCommand())
	rootCmd.AddCommand(newServiceCommand())
	rootCmd.AddCommand(newInstallCommand())
	rootCmd.AddCommand(newCredentialsCommand())
}

// resolveConfigPath returns the --config flag value, or the platform
// default (for example ~/.config/heimdall/config.yaml) when unset.
func resolveConfigPath() (string, error) {
	if configFile != "" {
		return configFile, nil
	}
	return config.DefaultPath()
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version.Full())
		},
	}
}

func newValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := resolveConfigPath()
			if err != nil {
				return err
			}

			cfg := config.DefaultConfig()
			if err := config.LoadAndValidate(path, &cfg); err != nil {
				return fmt.Errorf("configuration invalid: %w", err)
			}
			for _, warn := range cfg.Sanitize() {
				fmt.Printf("warning: %v\n", warn)
			}

			fmt.Println("Configuration is valid")
			return nil
		},
	}
}

func newConfigCommand() *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management commands",
	}

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Generate a commented default configuration file",
		Long: `Generate a commented default configuration file.

The generated configuration includes:
  - Example VPN connection profiles (OpenVPN and WireGuard)
  - Example Wake-on-LAN devices and remote desktop targets
  - Monitor loop tuning and reconnect backoff
  - Control API, metrics, tray and auto-update settings`,
		RunE: runConfigInit,
	}

	initCmd.Flags().StringVarP(&initOutput, "output", "o", "", "output file path (default: config.yaml in the user config dir)")
	initCmd.Flags().BoolVarP(&initForce, "force", "f", false, "overwrite existing file")

	pathCmd := &cobra.Command{
		Use:   "path",
		Short: "Print the configuration file path in use",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := resolveConfigPath()
			if err != nil {
				return err
			}
			fmt.Println(path)
			return nil
		},
	}

	configCmd.AddCommand(initCmd, pathCmd)
	return configCmd
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	output := initOutput
	if output == "" {
		path, err := config.DefaultPath()
		if err != nil {
			return err
		}
		output = path
	}

	if !initForce {
		if _, err := os.Stat(output); err == nil {
			return fmt.Errorf("file %s already exists (use --force to overwrite)", output)
		}
	}

	// The directory holds configs that may reference secrets, keep it private.
	if dir := filepath.Dir(output); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}

	if err := os.WriteFile(output, []byte(config.DefaultConfigTemplate), 0600); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}

	fmt.Printf("Generated configuration: %s\n\n", output)
	fmt.Println("Next steps:")
	fmt.Printf("  1. Add your VPN profiles, devices and remote desktop targets\n")
	fmt.Printf("  2. Store secrets: heimdall credentials set <ref>\n")
	fmt.Printf("  3. Start the daemon: heimdall -c %s\n", output)

	return nil
}

func newUpdateCommand() *cobra.Command {
	updateCmd := &cobra.Command{
		Use:   "update",
		Short: "Check for and install updates",
		Long:  `Check for new versions of heimdall and optionally install updates.`,
		RunE:  runUpdate,
	}

	updateCheckCmd := &cobra.Command{
		Use:   "check",
		Short: "Check if updates are available",
		RunE:  runUpdateCheck,
	}

	updateInstallCmd := &cobra.Command{
		Use:   "install",
		Short: "Download and install the latest update",
		RunE:  runUpdateInstall,
	}

	updateCmd.PersistentFlags().BoolVarP(&updateForce, "force", "f", false, "Force update even if same version")
	updateCmd.PersistentFlags().StringVar(&updateChannel, "channel", "stable", "Release channel (stable, prerelease)")

	updateCmd.AddCommand(updateCheckCmd, updateInstallCmd)

	return updateCmd
}

func newCLIUpdater() (*updater.Updater, error) {
	cfg := updater.Config{
		Enabled:     true,
		Channel:     updater.Channel(updateChannel),
		GitHubOwner: "rennerdo30",
		GitHubRepo:  "heimdall",
	}
	return updater.New(cfg, nil)
}

func runUpdateCheck(cmd *cobra.Command, args []string) error {
	u, err := newCLIUpdater()
	if err != nil {
		return fmt.Errorf("create updater: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	info, err := u.CheckForUpdate(ctx)
	if err != nil {
		if errors.Is(err, updater.ErrNoUpdateAvailable) {
			fmt.Printf("Current version %s is up to date.\n", version.Short())
			return nil
		}
		return fmt.Errorf("check for update: %w", err)
	}

	fmt.Printf("Update available!\n")
	fmt.Printf("  Current version: %s\n", info.CurrentVersion)
	fmt.Printf("  New version:     %s\n", info.NewVersion)
	fmt.Printf("  Published:       %s\n", info.PublishedAt.Format(time.RFC1123))
	fmt.Printf("  Release URL:     %s\n", info.ReleaseURL)
	fmt.Printf("\nRun 'heimdall update install' to install.\n")

	return nil
}

func runUpdateInstall(cmd *cobra.Command, args []string) error {
	u, err := newCLIUpdater()
	if err != nil {
		return fmt.Errorf("create updater: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	// Check for update first
	info, err := u.CheckForUpdate(ctx)
	if err != nil {
		if errors.Is(err, updater.ErrNoUpdateAvailable) && !updateForce {
			fmt.Printf("Already running latest version %s.\n", version.Short())
			return nil
		}
		if !updateForce {
			return fmt.Errorf("check for update: %w", err)
		}
	}
	if info == nil {
		return errors.New("no installable update found")
	}

	fmt.Printf("Downloading %s (%d MB)...\n", info.NewVersion, info.AssetSize/(1024*1024))

	// Progress callback
	lastPct := -1
	progress := func(downloaded, total int64) {
		if total <= 0 {
			return
		}
		pct := int(float64(downloaded) / float64(total) * 100)
		if pct != lastPct {
			fmt.Printf("\rDownloading: %d%% (%d/%d MB)", pct, downloaded/(1024*1024), total/(1024*1024))
			lastPct = pct
		}
	}

	if err := u.Install(ctx, info, progress); err != nil {
		return fmt.Errorf("install failed: %w", err)
	}

	fmt.Printf("\n\nUpdate installed successfully!\n")
	fmt.Printf("Please restart heimdall to use version %s.\n", info.NewVersion)

	return nil
}

func runUpdate(cmd *cobra.Command, args []string) error {
	u, err := newCLIUpdater()
	if err != nil {
		return fmt.Errorf("create updater: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	info, err := u.CheckForUpdate(ctx)
	if err != nil {
		if errors.Is(err, updater.ErrNoUpdateAvailable) {
			fmt.Printf("Current version %s is up to date.\n", version.Short())
			return nil
		}
		return fmt.Errorf("check for update: %w", err)
	}

	fmt.Printf("Update available!\n")
	fmt.Printf("  Current version: %s\n", info.CurrentVersion)
	fmt.Printf("  New version:     %s\n", info.NewVersion)
	fmt.Printf("  Published:       %s\n", info.PublishedAt.Format(time.RFC1123))
	fmt.Printf("\nWould you like to install this update? [y/N]: ")

	reader := bufio.NewReader(os.Stdin)
	response, _ := reader.ReadString('\n')
	response = strings.TrimSpace(strings.ToLower(response))

	if response == "y" || response == "yes" {
		return runUpdateInstall(cmd, args)
	}

	fmt.Println("Update skipped.")
	return nil
}

func newServiceCommand() *cobra.Command {
	serviceCmd := &cobra.Command{
		Use:   "service",
		Short: "Manage the heimdall system service",
		Long: `Install, remove or inspect the heimdall system service.

On Linux this manages a systemd unit, on macOS a launchd job and on
Windows a native service.`,
	}

	serviceCmd.AddCommand(&cobra.Command{
		Use:   "install",
		Short: "Install heimdall as a system service",
		RunE:  runServiceInstall,
	})
	serviceCmd.AddCommand(&cobra.Command{
		Use:   "uninstall",
		Short: "Remove the heimdall system service",
		RunE:  runServiceUninstall,
	})
	serviceCmd.AddCommand(&cobra.Command{
		Use:   "start",
		Short: "Start the heimdall system service",
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := newServiceManager()
			if err != nil {
				return err
			}
			return mgr.Start()
		},
	})
	serviceCmd.AddCommand(&cobra.Command{
		Use:   "stop",
		Short: "Stop the heimdall system service",
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := newServiceManager()
			if err != nil {
				return err
			}
			return mgr.Stop()
		},
	})
	serviceCmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show the system service status",
		RunE:  runServiceStatus,
	})

	return serviceCmd
}

func newServiceManager() (*service.Manager, error) {
	binPath, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("locate binary: %w", err)
	}

	cfgPath, err := resolveConfigPath()
	if err != nil {
		return nil, err
	}

	return service.New(service.Config{
		BinaryPath: binPath,
		ConfigPath: cfgPath,
	})
}

func runServiceInstall(cmd *cobra.Command, args []string) error {
	mgr, err := newServiceManager()
	if err != nil {
		return err
	}
	return mgr.Install()
}

func runServiceUninstall(cmd *cobra.Command, args []string) error {
	mgr, err := newServiceManager()
	if err != nil {
		return err
	}
	return mgr.Uninstall()
}

func runServiceStatus(cmd *cobra.Command, args []string) error {
	mgr, err := newServiceManager()
	if err != nil {
		return err
	}

	status, err := mgr.Status()
	if err != nil {
		return fmt.Errorf("query service: %w", err)
	}

	fmt.Printf("Service status: %s\n", status)
	return nil
}

func newInstallCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "install [backend]",
		Short: "Check external tools and install VPN backends",
		Long: `Report the external tools heimdall shells out to (openvpn, wg-quick,
ping, remote desktop clients) and, given a backend name, print or run
the package manager command that installs it.`,
		Args: cobra.MaximumNArgs(1),
		RunE: runInstall,
	}
}

func runInstall(cmd *cobra.Command, args []string) error {
	inst := installer.New()

	if len(args) == 0 {
		fmt.Printf("External tools (%s, package manager: %s):\n\n", service.Platform(), inst.Manager())
		for _, dep := range inst.Report() {
			state := "missing"
			if dep.Installed {
				state = "installed"
			}
			fmt.Printf("  %-18s %-14s %s\n", dep.Name, dep.Binary, state)
		}
		return nil
	}

	kind, err := backend.ParseKind(args[0])
	if err != nil {
		return err
	}

	if inst.IsBackendInstalled(kind) {
		fmt.Printf("%s is already installed.\n", kind)
		return nil
	}

	cmdline, err := inst.InstallCommand(kind)
	if err != nil {
		return err
	}

	fmt.Printf("%s is not installed. Install command:\n\n  %s\n\n", kind, cmdline)
	fmt.Printf("Run it now? [y/N]: ")

	reader := bufio.NewReader(os.Stdin)
	response, _ := reader.ReadString('\n')
	response = strings.TrimSpace(strings.ToLower(response))

	if response != "y" && response != "yes" {
		fmt.Println("Skipped.")
		return nil
	}

	return runShell(cmdline)
}

// runShell executes a package manager command line with the user's
// terminal attached so interactive prompts (sudo, confirmations) work.
func runShell(cmdline string) error {
	var c *exec.Cmd
	if runtime.GOOS == "windows" {
		c = exec.Command("cmd", "/C", cmdline)
	} else {
		c = exec.Command("sh", "-c", cmdline)
	}
	c.Stdin = os.Stdin
	c.Stdout = os.Stdout
	c.Stderr = os.Stderr
	return c.Run()
}

func newCredentialsCommand() *cobra.Command {
	credCmd := &cobra.Command{
		Use:   "credentials",
		Short: "Manage VPN and remote desktop credentials",
		Long: `Store, inspect and remove the secrets referenced by credential_ref
entries in the configuration.

Secrets live in the OS keyring when one is available, otherwise in an
encrypted file. They are read interactively and never accepted as
command line arguments.`,
	}

	credCmd.AddCommand(&cobra.Command{
		Use:   "set <ref>",
		Short: "Store a username and password under a reference",
		Args:  cobra.ExactArgs(1),
		RunE:  runCredentialsSet,
	})
	credCmd.AddCommand(&cobra.Command{
		Use:   "show <ref>",
		Short: "Show whether a credential exists (the password is never printed)",
		Args:  cobra.ExactArgs(1),
		RunE:  runCredentialsShow,
	})
	credCmd.AddCommand(&cobra.Command{
		Use:   "delete <ref>",
		Short: "Remove a stored credential",
		Args:  cobra.ExactArgs(1),
		RunE:  runCredentialsDelete,
	})

	return credCmd
}

// openCredentialStore honors the credentials section of the config file
// when one is present and falls back to defaults otherwise, so the CLI
// and the daemon always address the same store.
func openCredentialStore() (credentials.Store, error) {
	cfg := config.DefaultConfig()
	if path, err := resolveConfigPath(); err == nil {
		if err := config.Load(path, &cfg); err == nil {
			cfg.Sanitize()
		}
	}

	return credentials.Open(credentials.Options{
		Service: cfg.Credentials.Service,
		File:    cfg.Credentials.File,
	})
}

func runCredentialsSet(cmd *cobra.Command, args []string) error {
	ref := args[0]

	store, err := openCredentialStore()
	if err != nil {
		return fmt.Errorf("open credential store: %w", err)
	}

	reader := bufio.NewReader(os.Stdin)

	fmt.Print("Username (leave empty if not needed): ")
	username, err := reader.ReadString('\n')
	if err != nil && username == "" {
		return fmt.Errorf("read username: %w", err)
	}
	username = strings.TrimSpace(username)

	fmt.Print("Password: ")
	password, err := readSecret(reader)
	if err != nil {
		return fmt.Errorf("read password: %w", err)
	}

	if err := credentials.SetCredential(store, ref, credentials.Credential{
		Username: username,
		Password: password,
	}); err != nil {
		return fmt.Errorf("store credential: %w", err)
	}

	fmt.Printf("Stored credential %q.\n", ref)
	return nil
}

// readSecret reads a line without echo when stdin is a terminal and
// falls back to a plain read when input is piped in.
func readSecret(reader *bufio.Reader) (string, error) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		secret, err := term.ReadPassword(fd)
		fmt.Println()
		if err != nil {
			return "", err
		}
		return string(secret), nil
	}

	line, err := reader.ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func runCredentialsShow(cmd *cobra.Command, args []string) error {
	ref := args[0]

	store, err := openCredentialStore()
	if err != nil {
		return fmt.Errorf("open credential store: %w", err)
	}

	cred, err := credentials.GetCredential(store, ref)
	if err != nil {
		if errors.Is(err, credentials.ErrNotFound) {
			return fmt.Errorf("no credential stored under %q", ref)
		}
		return fmt.Errorf("read credential: %w", err)
	}

	if cred.Username != "" {
		fmt.Printf("Credential %q is set (username %q).\n", ref, cred.Username)
	} else {
		fmt.Printf("Credential %q is set.\n", ref)
	}
	return nil
}

func runCredentialsDelete(cmd *cobra.Command, args []string) error {
	ref := args[0]

	store, err := openCredentialStore()
	if err != nil {
		return fmt.Errorf("open credential store: %w", err)
	}

	if err := store.Delete(ref); err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}

	fmt.Printf("Removed credential %q.\n", ref)
	return nil
}

func run(cmd *cobra.Command, args []string) error {
	// Remove binaries left behind by a previous in-place update.
	updater.CleanupOldBinary()

	path, err := resolveConfigPath()
	if err != nil {
		return err
	}

	cfg := config.DefaultConfig()
	if err := config.LoadAndValidate(path, &cfg); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("no configuration at %s (run 'heimdall config init' to create one)", path)
		}
		return fmt.Errorf("load config: %w", err)
	}
	for _, warn := range cfg.Sanitize() {
		fmt.Fprintf(os.Stderr, "config warning: %v\n", warn)
	}

	d, err := daemon.New(&cfg, path)
	if err != nil {
		return fmt.Errorf("create daemon: %w", err)
	}
	defer logging.Close()

	return service.Run("heimdall", d)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
