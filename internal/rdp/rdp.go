// Package rdp launches remote desktop sessions with whichever client the
// platform provides. Credentials never appear on the command line: mstsc
// defers to the Windows credential manager, xfreerdp reads the password
// from stdin and the URL forms carry the username only.
package rdp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/url"
	"os/exec"
	"runtime"
	"strconv"
	"time"

	"github.com/rennerdo30/heimdall/internal/config"
	"github.com/rennerdo30/heimdall/internal/health"
	"github.com/rennerdo30/heimdall/internal/logging"
)

// DefaultPort is the standard RDP port.
const DefaultPort = 3389

// preCheckTimeout bounds the TCP reachability probe before a launch.
const preCheckTimeout = 3 * time.Second

// ErrNoClient is returned when no remote desktop client is installed.
var ErrNoClient = errors.New("no RDP client found")

// Client is a detected remote desktop client binary.
type Client struct {
	Name string
	Path string
}

// Launcher starts detached remote desktop sessions.
type Launcher struct {
	logger   *slog.Logger
	goos     string
	lookPath func(file string) (string, error)
}

// NewLauncher returns a launcher for the current platform.
func NewLauncher() *Launcher {
	return &Launcher{
		logger:   logging.WithComponent("rdp"),
		goos:     runtime.GOOS,
		lookPath: exec.LookPath,
	}
}

// Detect returns the best installed client: mstsc on Windows, the rdp://
// URL handler on macOS, xfreerdp then remmina elsewhere.
func (l *Launcher) Detect() (Client, error) {
	var candidates []string
	switch l.goos {
	case "windows":
		candidates = []string{"mstsc"}
	case "darwin":
		candidates = []string{"open"}
	default:
		candidates = []string{"xfreerdp", "remmina"}
	}

	for _, name := range candidates {
		if path, err := l.lookPath(name); err == nil {
			return Client{Name: name, Path: path}, nil
		}
	}
	return Client{}, fmt.Errorf("%w: install FreeRDP (xfreerdp) or Remmina", ErrNoClient)
}

// Launch checks that the target answers on its RDP port, then starts the
// client detached so the session outlives both the daemon and the API
// request. The context bounds only the reachability pre-check; the client
// process deliberately escapes it. The password, when present, travels to
// xfreerdp over stdin and is never placed in argv.
func (l *Launcher) Launch(ctx context.Context, target config.RDPConfig, password string) error {
	if target.Port == 0 {
		target.Port = DefaultPort
	}
	addr := net.JoinHostPort(target.Host, strconv.Itoa(target.Port))

	check := health.NewTCPChecker(health.Config{Type: "tcp", Target: addr, Timeout: preCheckTimeout})
	if res := check.Check(ctx); !res.Healthy {
		return fmt.Errorf("rdp target %s is not reachable: %s", addr, res.Error)
	}

	client, err := l.Detect()
	if err != nil {
		return err
	}

	sendPassword := client.Name == "xfreerdp" && password != ""

	// exec.Command, not CommandContext: a cancelled request must not tear
	// down the user's session.
	cmd := exec.Command(client.Path, clientArgs(client.Name, target, sendPassword)...)
	detach(cmd)

	var stdin io.WriteCloser
	if sendPassword {
		stdin, err = cmd.StdinPipe()
		if err != nil {
			return fmt.Errorf("failed to open stdin pipe: %w", err)
		}
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start %s: %w", client.Name, err)
	}

	if stdin != nil {
		go func() {
			defer stdin.Close()
			_, _ = io.WriteString(stdin, password+"\n")
		}()
	}

	l.logger.Info("rdp session launched",
		"client", client.Name,
		"target", addr,
		"username", target.Username)

	// Reap the detached child so it never lingers as a zombie.
	go func() {
		if err := cmd.Wait(); err != nil {
			l.logger.Debug("rdp client exited", "client", client.Name, "error", err)
		}
	}()

	return nil
}

// clientArgs builds the command line for a client. Passwords are handled
// out of band and must never show up here.
func clientArgs(client string, t config.RDPConfig, passwordFromStdin bool) []string {
	hostport := net.JoinHostPort(t.Host, strconv.Itoa(t.Port))

	switch client {
	case "mstsc":
		args := []string{"/v:" + hostport}
		if t.Fullscreen {
			args = append(args, "/f")
		}
		return args

	case "xfreerdp":
		args := []string{"/v:" + t.Host, "/port:" + strconv.Itoa(t.Port)}
		if t.Username != "" {
			args = append(args, "/u:"+t.Username)
		}
		if t.Domain != "" {
			args = append(args, "/d:"+t.Domain)
		}
		if passwordFromStdin {
			args = append(args, "/from-stdin")
		}
		args = append(args, "/cert:ignore", "+compression", "+clipboard", "+auto-reconnect")
		if t.Fullscreen {
			args = append(args, "/f")
		}
		return args

	case "remmina":
		return []string{"-c", targetURL(t, hostport)}

	case "open":
		return []string{targetURL(t, hostport)}

	default:
		return []string{hostport}
	}
}

// targetURL renders rdp://user@host:port with the username only.
func targetURL(t config.RDPConfig, hostport string) string {
	u := url.URL{Scheme: "rdp", Host: hostport}
	if t.Username != "" {
		u.User = url.User(t.Username)
	}
	return u.String()
}
