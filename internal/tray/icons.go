package tray

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
)

// Icon data (generated at init time)
var (
	// iconConnected is a green icon for the all-up state
	iconConnected []byte

	// iconDisconnected is a gray icon for the idle state
	iconDisconnected []byte

	// iconWarning is an amber icon for connecting/reconnecting states
	iconWarning []byte

	// iconError is a red icon for failed connections
	iconError []byte
)

func init() {
	iconConnected = createIcon(color.RGBA{R: 76, G: 175, B: 80, A: 255})
	iconDisconnected = createIcon(color.RGBA{R: 158, G: 158, B: 158, A: 255})
	iconWarning = createIcon(color.RGBA{R: 255, G: 193, B: 7, A: 255})
	iconError = createIcon(color.RGBA{R: 244, G: 67, B: 54, A: 255})
}

// iconFor returns the icon bytes for a tray status.
func iconFor(status Status) []byte {
	switch status {
	case StatusConnected:
		return iconConnected
	case StatusWarning:
		return iconWarning
	case StatusError:
		return iconError
	default:
		return iconDisconnected
	}
}

// createIcon creates a 64x64 PNG icon with a filled circle of the given color.
// Larger icons scale better on Windows high-DPI displays.
func createIcon(c color.Color) []byte {
	const size = 64
	const radius = 28
	const centerX, centerY = size / 2, size / 2

	img := image.NewRGBA(image.Rect(0, 0, size, size))

	rc, gc, bc, _ := c.RGBA()
	r2 := float64(radius * radius)

	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			dx := float64(x - centerX)
			dy := float64(y - centerY)
			dist := dx*dx + dy*dy

			if dist <= r2 {
				img.Set(x, y, c)
			} else if dist <= float64((radius+1)*(radius+1)) {
				// Anti-aliasing edge
				alpha := 1.0 - (dist-r2)/float64(2*radius+1)
				if alpha > 0 {
					img.Set(x, y, color.RGBA{
						R: uint8(rc >> 8),
						G: uint8(gc >> 8),
						B: uint8(bc >> 8),
						A: uint8(alpha * 255),
					})
				}
			}
		}
	}

	var buf bytes.Buffer
	png.Encode(&buf, img)
	return buf.Bytes()
}
