package wol

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMAC(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"colons", "aa:bb:cc:dd:ee:ff", "aa:bb:cc:dd:ee:ff"},
		{"dashes", "aa-bb-cc-dd-ee-ff", "aa:bb:cc:dd:ee:ff"},
		{"dots", "aabb.ccdd.eeff", "aa:bb:cc:dd:ee:ff"},
		{"bare hex", "aabbccddeeff", "aa:bb:cc:dd:ee:ff"},
		{"uppercase", "AA:BB:CC:DD:EE:FF", "aa:bb:cc:dd:ee:ff"},
		{"whitespace", "  aa:bb:cc:dd:ee:ff\n", "aa:bb:cc:dd:ee:ff"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hw, err := ParseMAC(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, hw.String())
		})
	}
}

func TestParseMAC_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"empty", ""},
		{"too short", "aa:bb:cc:dd:ee"},
		{"bad hex", "zz:zz:zz:zz:zz:zz"},
		{"bare too short", "aabbccddee"},
		{"eui-64", "aa:bb:cc:dd:ee:ff:00:11"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseMAC(tt.input)
			assert.Error(t, err)
		})
	}
}

func TestFormatMAC(t *testing.T) {
	hw, err := net.ParseMAC("aa:bb:cc:dd:ee:ff")
	require.NoError(t, err)
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", FormatMAC(hw))
}

func TestNewMagicPacket(t *testing.T) {
	p, err := NewMagicPacket("aa:bb:cc:dd:ee:ff")
	require.NoError(t, err)

	assert.Len(t, p[:], PacketSize)

	// Sync stream: six 0xFF bytes.
	for i := 0; i < 6; i++ {
		assert.Equal(t, byte(0xFF), p[i])
	}

	// The MAC repeated sixteen times.
	mac := []byte{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF}
	for i := 0; i < 16; i++ {
		assert.Equal(t, mac, p[6+i*6:6+(i+1)*6])
	}
}

func TestNewMagicPacket_InvalidMAC(t *testing.T) {
	_, err := NewMagicPacket("not-a-mac")
	assert.ErrorContains(t, err, "invalid MAC address")
}
