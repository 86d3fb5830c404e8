// Package installer detects the host package manager and resolves the
// commands that install VPN backend tooling. It only builds command
// strings; running them is left to the caller so anything invoking sudo
// can be reviewed first.
package installer

import (
	"errors"
	"fmt"
	"os/exec"
	"runtime"

	"github.com/rennerdo30/heimdall/internal/backend"
)

// ErrNoManager is returned when no supported package manager is installed.
var ErrNoManager = errors.New("no supported package manager found")

// Manager identifies a system package manager. The value is the binary name.
type Manager string

const (
	Apt        Manager = "apt"
	Pacman     Manager = "pacman"
	Dnf        Manager = "dnf"
	Yum        Manager = "yum"
	Zypper     Manager = "zypper"
	Brew       Manager = "brew"
	Chocolatey Manager = "choco"
	Scoop      Manager = "scoop"
	Winget     Manager = "winget"
	Unknown    Manager = ""
)

// Installer probes the host for package managers and backend binaries.
type Installer struct {
	goos     string
	lookPath func(string) (string, error)
}

// New returns an Installer for the current platform.
func New() *Installer {
	return &Installer{
		goos:     runtime.GOOS,
		lookPath: exec.LookPath,
	}
}

// Manager returns the first package manager found on the host. Candidates
// are probed in order of how common each manager is per platform.
func (i *Installer) Manager() Manager {
	var candidates []Manager
	switch i.goos {
	case "windows":
		candidates = []Manager{Winget, Chocolatey, Scoop}
	case "darwin":
		candidates = []Manager{Brew}
	default:
		candidates = []Manager{Apt, Pacman, Dnf, Yum, Zypper, Brew}
	}

	for _, m := range candidates {
		if _, err := i.lookPath(string(m)); err == nil {
			return m
		}
	}
	return Unknown
}

// backendBinary maps a backend kind to the binary its adapter shells out to.
func (i *Installer) backendBinary(kind backend.Kind) (string, error) {
	switch kind {
	case backend.KindOpenVPN:
		return "openvpn", nil
	case backend.KindWireGuard:
		// The Windows WireGuard distribution ships a single service binary
		// instead of the wg-quick script.
		if i.goos == "windows" {
			return "wireguard", nil
		}
		return "wg-quick", nil
	default:
		return "", fmt.Errorf("%w: unknown backend kind %q", backend.ErrBackendInvalid, kind)
	}
}

// IsBackendInstalled reports whether the binary a backend needs is on PATH.
func (i *Installer) IsBackendInstalled(kind backend.Kind) bool {
	bin, err := i.backendBinary(kind)
	if err != nil {
		return false
	}
	_, err = i.lookPath(bin)
	return err == nil
}

// PackageName resolves the package that provides a backend's tooling under
// the given package manager.
func PackageName(kind backend.Kind, m Manager) string {
	switch kind {
	case backend.KindOpenVPN:
		if m == Winget {
			return "OpenVPN.OpenVPN"
		}
		return "openvpn"
	case backend.KindWireGuard:
		switch m {
		case Winget:
			return "WireGuard.WireGuard"
		case Chocolatey, Scoop:
			return "wireguard"
		default:
			return "wireguard-tools"
		}
	default:
		return string(kind)
	}
}

// InstallCommand returns the shell command that installs the tooling for a
// backend with the detected package manager.
func (i *Installer) InstallCommand(kind backend.Kind) (string, error) {
	if _, err := i.backendBinary(kind); err != nil {
		return "", err
	}

	m := i.Manager()
	pkg := PackageName(kind, m)

	switch m {
	case Apt:
		return "sudo apt install -y " + pkg, nil
	case Pacman:
		return "sudo pacman -S --noconfirm " + pkg, nil
	case Dnf:
		return "sudo dnf install -y " + pkg, nil
	case Yum:
		return "sudo yum install -y " + pkg, nil
	case Zypper:
		return "sudo zypper install -y " + pkg, nil
	case Brew:
		return "brew install " + pkg, nil
	case Chocolatey:
		return "choco install -y " + pkg, nil
	case Scoop:
		return "scoop install " + pkg, nil
	case Winget:
		return "winget install --id " + pkg, nil
	default:
		return "", fmt.Errorf("%w: install %s manually", ErrNoManager, pkg)
	}
}

// Dependency describes one external tool heimdall shells out to at runtime.
type Dependency struct {
	Name      string `json:"name"`
	Binary    string `json:"binary"`
	Installed bool   `json:"installed"`
}

// Report probes every tool heimdall can shell out to on this platform:
// the VPN backends, the RDP clients, and ping for reachability checks.
func (i *Installer) Report() []Dependency {
	var deps []Dependency

	add := func(name, binary string) {
		_, err := i.lookPath(binary)
		deps = append(deps, Dependency{Name: name, Binary: binary, Installed: err == nil})
	}

	openvpnBin, _ := i.backendBinary(backend.KindOpenVPN)
	wireguardBin, _ := i.backendBinary(backend.KindWireGuard)
	add("OpenVPN", openvpnBin)
	add("WireGuard", wireguardBin)

	switch i.goos {
	case "windows":
		add("Remote Desktop", "mstsc")
	case "darwin":
		// rdp:// URLs open through the system handler, nothing to probe.
	default:
		add("FreeRDP", "xfreerdp")
		add("Remmina", "remmina")
	}

	add("Ping", "ping")
	return deps
}
