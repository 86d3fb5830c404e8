package wireguard

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "WGExample1234567890123456789012345678901234="

// errorReader is a reader that returns an error after reading some content
type errorReader struct {
	content   string
	readCount int
	errAfter  int
}

func (r *errorReader) Read(p []byte) (n int, err error) {
	r.readCount++
	if r.readCount > r.errAfter {
		return 0, errors.New("simulated read error")
	}
	if r.content == "" {
		return 0, io.EOF
	}
	n = copy(p, r.content)
	r.content = r.content[n:]
	return n, nil
}

// writeConfig writes content to a wg0.conf in a temp dir and returns the path.
func writeConfig(t *testing.T, content string) string {
	t.Helper()
	configPath := filepath.Join(t.TempDir(), "wg0.conf")
	require.NoError(t, os.WriteFile(configPath, []byte(content), 0600))
	return configPath
}

func TestParseFile(t *testing.T) {
	configPath := writeConfig(t, `[Interface]
PrivateKey = `+testKey+`
Address = 10.0.0.2/24, fd00::2/64
DNS = 1.1.1.1, 8.8.8.8
MTU = 1420
ListenPort = 51820

[Peer]
PublicKey = `+testKey+`
Endpoint = vpn.example.com:51820
AllowedIPs = 0.0.0.0/0, ::/0
PersistentKeepalive = 25
`)

	config, err := ParseFile(configPath)
	require.NoError(t, err)

	assert.Equal(t, testKey, config.Interface.PrivateKey)
	assert.Equal(t, []string{"10.0.0.2/24", "fd00::2/64"}, config.Interface.Address)
	assert.Equal(t, []string{"1.1.1.1", "8.8.8.8"}, config.Interface.DNS)
	assert.Equal(t, 1420, config.Interface.MTU)
	assert.Equal(t, 51820, config.Interface.ListenPort)

	require.Len(t, config.Peers, 1)
	peer := config.Peers[0]
	assert.Equal(t, testKey, peer.PublicKey)
	assert.Equal(t, "vpn.example.com:51820", peer.Endpoint)
	assert.Equal(t, []string{"0.0.0.0/0", "::/0"}, peer.AllowedIPs)
	assert.Equal(t, 25, peer.PersistentKeepalive)
}

func TestParseFile_WithHooks(t *testing.T) {
	configPath := writeConfig(t, `[Interface]
PrivateKey = `+testKey+`
Address = 10.0.0.2/24
Table = auto
PreUp = echo pre-up
PostUp = iptables -A FORWARD -i wg0 -j ACCEPT
PreDown = echo pre-down
PostDown = iptables -D FORWARD -i wg0 -j ACCEPT

[Peer]
PublicKey = `+testKey+`
AllowedIPs = 0.0.0.0/0
`)

	config, err := ParseFile(configPath)
	require.NoError(t, err)

	assert.Equal(t, "auto", config.Interface.Table)
	assert.Equal(t, "echo pre-up", config.Interface.PreUp)
	assert.Equal(t, "iptables -A FORWARD -i wg0 -j ACCEPT", config.Interface.PostUp)
	assert.Equal(t, "echo pre-down", config.Interface.PreDown)
	assert.Equal(t, "iptables -D FORWARD -i wg0 -j ACCEPT", config.Interface.PostDown)
}

func TestParseFile_WithPresharedKey(t *testing.T) {
	configPath := writeConfig(t, `[Interface]
PrivateKey = `+testKey+`
Address = 10.0.0.2/24

[Peer]
PublicKey = `+testKey+`
PresharedKey = `+testKey+`
AllowedIPs = 0.0.0.0/0
`)

	config, err := ParseFile(configPath)
	require.NoError(t, err)

	require.Len(t, config.Peers, 1)
	assert.Equal(t, testKey, config.Peers[0].PresharedKey)
}

func TestParseFile_MultiplePeers(t *testing.T) {
	configPath := writeConfig(t, `[Interface]
PrivateKey = `+testKey+`
Address = 10.0.0.2/24

[Peer]
PublicKey = `+testKey+`
AllowedIPs = 10.0.0.0/8
Endpoint = vpn1.example.com:51820

[Peer]
PublicKey = `+testKey+`
AllowedIPs = 192.168.0.0/16
Endpoint = vpn2.example.com:51820
`)

	config, err := ParseFile(configPath)
	require.NoError(t, err)

	require.Len(t, config.Peers, 2)
	assert.Equal(t, "vpn1.example.com:51820", config.Peers[0].Endpoint)
	assert.Equal(t, "vpn2.example.com:51820", config.Peers[1].Endpoint)
}

func TestParseFile_CommentsAndEmptyLines(t *testing.T) {
	configPath := writeConfig(t, `# This is a comment
[Interface]
# Another comment
PrivateKey = `+testKey+`

Address = 10.0.0.2/24

[Peer]
# Peer comment
PublicKey = `+testKey+`
AllowedIPs = 0.0.0.0/0
`)

	config, err := ParseFile(configPath)
	require.NoError(t, err)
	assert.Equal(t, testKey, config.Interface.PrivateKey)
	assert.Len(t, config.Peers, 1)
}

func TestParseFile_TrailingComments(t *testing.T) {
	configPath := writeConfig(t, `[Interface]
PrivateKey = `+testKey+` # client key
Address = 10.0.0.2/24   # tunnel address

[Peer]
PublicKey = `+testKey+`
AllowedIPs = 0.0.0.0/0 # full tunnel
Endpoint = vpn.example.com:51820
`)

	config, err := ParseFile(configPath)
	require.NoError(t, err)
	assert.Equal(t, testKey, config.Interface.PrivateKey)
	assert.Equal(t, []string{"10.0.0.2/24"}, config.Interface.Address)
	require.Len(t, config.Peers, 1)
	assert.Equal(t, []string{"0.0.0.0/0"}, config.Peers[0].AllowedIPs)
}

func TestParseFile_PlainIPAddress(t *testing.T) {
	configPath := writeConfig(t, `[Interface]
PrivateKey = `+testKey+`
Address = 10.0.0.2

[Peer]
PublicKey = `+testKey+`
AllowedIPs = 0.0.0.0/0
`)

	config, err := ParseFile(configPath)
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.2"}, config.Interface.Address)
}

func TestParseFile_InvalidLines(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name: "line without equals sign",
			content: `[Interface]
PrivateKey = ` + testKey + `
InvalidLine without equals sign
`,
			wantErr: "invalid format",
		},
		{
			name: "bad address",
			content: `[Interface]
PrivateKey = ` + testKey + `
Address = not-an-ip-address
`,
			wantErr: "invalid address",
		},
		{
			name: "bad listen port",
			content: `[Interface]
PrivateKey = ` + testKey + `
ListenPort = invalid
`,
			wantErr: "invalid listen port",
		},
		{
			name: "listen port out of range",
			content: `[Interface]
PrivateKey = ` + testKey + `
ListenPort = 70000
`,
			wantErr: "invalid listen port",
		},
		{
			name: "negative listen port",
			content: `[Interface]
PrivateKey = ` + testKey + `
ListenPort = -1
`,
			wantErr: "invalid listen port",
		},
		{
			name: "MTU too small",
			content: `[Interface]
PrivateKey = ` + testKey + `
MTU = 100
`,
			wantErr: "invalid MTU",
		},
		{
			name: "bad private key",
			content: `[Interface]
PrivateKey = not-a-valid-key
`,
			wantErr: "invalid private key",
		},
		{
			name: "bad peer public key",
			content: `[Peer]
PublicKey = invalid-key
`,
			wantErr: "invalid public key",
		},
		{
			name: "bad preshared key",
			content: `[Peer]
PublicKey = ` + testKey + `
PresharedKey = invalid-psk-key
`,
			wantErr: "invalid preshared key",
		},
		{
			name: "bad allowed IP",
			content: `[Peer]
PublicKey = ` + testKey + `
AllowedIPs = not-an-ip
`,
			wantErr: "invalid allowed IP",
		},
		{
			name: "bad persistent keepalive",
			content: `[Peer]
PublicKey = ` + testKey + `
PersistentKeepalive = invalid
`,
			wantErr: "invalid persistent keepalive",
		},
		{
			name: "negative persistent keepalive",
			content: `[Peer]
PublicKey = ` + testKey + `
PersistentKeepalive = -1
`,
			wantErr: "invalid persistent keepalive",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseFile(writeConfig(t, tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestParseFile_FileNotFound(t *testing.T) {
	_, err := ParseFile("/nonexistent/path/wg0.conf")
	assert.Error(t, err)
}

func TestParseFile_PeerKeyWithoutSection(t *testing.T) {
	configPath := writeConfig(t, `[Interface]
PrivateKey = `+testKey+`
Address = 10.0.0.2/24
PublicKey = `+testKey+`
`)

	// PublicKey in the Interface section is an unknown key and is ignored
	config, err := ParseFile(configPath)
	require.NoError(t, err)
	assert.Len(t, config.Peers, 0)
}

func TestParseFile_UnknownSection(t *testing.T) {
	configPath := writeConfig(t, `[Interface]
PrivateKey = `+testKey+`
Address = 10.0.0.2/24

[Unknown]
SomeKey = SomeValue

[Peer]
PublicKey = `+testKey+`
AllowedIPs = 0.0.0.0/0
`)

	config, err := ParseFile(configPath)
	require.NoError(t, err)
	assert.Len(t, config.Peers, 1)
}

func TestParse_FromReader(t *testing.T) {
	config, err := Parse(strings.NewReader(`[Interface]
PrivateKey = ` + testKey + `
Address = 10.0.0.2/24

[Peer]
PublicKey = ` + testKey + `
AllowedIPs = 0.0.0.0/0
`))
	require.NoError(t, err)
	assert.Equal(t, testKey, config.Interface.PrivateKey)
	assert.Len(t, config.Peers, 1)
}

func TestParse_ScannerError(t *testing.T) {
	reader := &errorReader{content: "[Interface]\n", errAfter: 1}
	_, err := Parse(reader)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scan config")
}

func TestParse_EmptyReader(t *testing.T) {
	config, err := Parse(strings.NewReader(""))
	require.NoError(t, err)
	assert.Empty(t, config.Interface.PrivateKey)
	assert.Empty(t, config.Peers)
}

func TestValidateKey(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		wantErr bool
	}{
		{"valid key", testKey, false},
		{"invalid base64", "not-valid-base64!", true},
		{"wrong length", "dG9vIHNob3J0", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateKey(tt.key)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestConfigValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			Interface: InterfaceConfig{
				PrivateKey: testKey,
				Address:    []string{"10.0.0.2/24"},
			},
			Peers: []PeerConfig{
				{
					PublicKey:  testKey,
					AllowedIPs: []string{"0.0.0.0/0"},
				},
			},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid config", func(c *Config) {}, false},
		{"missing private key", func(c *Config) { c.Interface.PrivateKey = "" }, true},
		{"missing interface address", func(c *Config) { c.Interface.Address = nil }, true},
		{"no peers", func(c *Config) { c.Peers = nil }, true},
		{"peer missing public key", func(c *Config) { c.Peers[0].PublicKey = "" }, true},
		{"peer missing allowed IPs", func(c *Config) { c.Peers[0].AllowedIPs = nil }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := valid()
			tt.mutate(&config)
			err := config.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestInterfaceName(t *testing.T) {
	assert.Equal(t, "wg0", InterfaceName("/etc/wireguard/wg0.conf", ""))
	assert.Equal(t, "office", InterfaceName("/home/user/office.conf", ""))
	assert.Equal(t, "tun7", InterfaceName("/etc/wireguard/wg0.conf", "tun7"))
	// Files without the .conf extension keep their full base name
	assert.Equal(t, "office.wg", InterfaceName("/home/user/office.wg", ""))
}

func TestValidateInterfaceName(t *testing.T) {
	assert.NoError(t, ValidateInterfaceName("wg0"))
	assert.NoError(t, ValidateInterfaceName("office-vpn"))
	assert.NoError(t, ValidateInterfaceName("a"))

	assert.Error(t, ValidateInterfaceName(""))
	assert.Error(t, ValidateInterfaceName("way-too-long-interface-name"))
	assert.Error(t, ValidateInterfaceName("bad/name"))
	assert.Error(t, ValidateInterfaceName("has space"))
}
