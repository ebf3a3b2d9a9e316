package main

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"sync"
)

type iconState int

const (
	iconIdle iconState = iota
	iconBusy
	iconOK
	iconError
)

var iconColors = map[iconState]color.RGBA{
	iconIdle:  {0x60, 0x6c, 0x7a, 0xff},
	iconBusy:  {0x2f, 0x80, 0xed, 0xff},
	iconOK:    {0x27, 0xae, 0x60, 0xff},
	iconError: {0xeb, 0x57, 0x57, 0xff},
}

var (
	iconMu    sync.Mutex
	iconCache = map[iconState][]byte{}
)

// trayIcon renders a 32x32 card glyph in the state's colour.
func trayIcon(state iconState) []byte {
	iconMu.Lock()
	defer iconMu.Unlock()
	if b, ok := iconCache[state]; ok {
		return b
	}

	const size = 32
	fg := iconColors[state]
	img := image.NewRGBA(image.Rect(0, 0, size, size))
	for y := 6; y < 26; y++ {
		for x := 3; x < 29; x++ {
			// rounded corners
			if (x == 3 || x == 28) && (y == 6 || y == 25) {
				continue
			}
			img.Set(x, y, fg)
		}
	}
	// contactless arcs
	white := color.RGBA{0xff, 0xff, 0xff, 0xff}
	for _, r := range []int{3, 6, 9} {
		for dy := -r; dy <= r; dy++ {
			dx := isqrt(r*r - dy*dy)
			img.Set(9+dx, 16+dy, white)
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil
	}
	iconCache[state] = buf.Bytes()
	return iconCache[state]
}

func isqrt(n int) int {
	r := 0
	for (r+1)*(r+1) <= n {
		r++
	}
	return r
}
