// Package treadmill decodes ball-sensor packets and integrates them into
// pose updates for the VR rig.
package treadmill

import (
	"fmt"
	"strings"
)

// Variant describes the packet geometry of one sensor board.
type Variant struct {
	Name string
	// PacketsPerFrame is the number of sub-packets batched in one frame.
	PacketsPerFrame int
	// PacketWidth is the size of one sub-packet in bytes.
	PacketWidth int
	// BufferCapacity is the default frame buffer depth for this board.
	BufferCapacity int
	// HasShutter is set when sub-packets carry shutter speeds at offsets 6-9.
	HasShutter bool
}

var (
	// Optical12 is the dual optical-sensor board: 10 packets of 12 bytes.
	Optical12 = Variant{Name: "optical12", PacketsPerFrame: 10, PacketWidth: 12, BufferCapacity: 400, HasShutter: true}
	// Pixart6 is the compact board: 10 packets of 6 bytes.
	Pixart6 = Variant{Name: "pixart6", PacketsPerFrame: 10, PacketWidth: 6, BufferCapacity: 400}
)

// FrameSize is the number of bytes the reader pulls per frame.
func (v Variant) FrameSize() int { return v.PacketsPerFrame * v.PacketWidth }

// Validate checks that the geometry can hold the fixed packet layout.
func (v Variant) Validate() error {
	if v.PacketsPerFrame <= 0 {
		return fmt.Errorf("%s: packets per frame must be positive, got %d", v.Name, v.PacketsPerFrame)
	}
	if v.PacketWidth < 6 {
		return fmt.Errorf("%s: packet width must be at least 6, got %d", v.Name, v.PacketWidth)
	}
	if v.HasShutter && v.PacketWidth < 10 {
		return fmt.Errorf("%s: shutter fields need a 10-byte packet, got %d", v.Name, v.PacketWidth)
	}
	if v.BufferCapacity <= 0 {
		return fmt.Errorf("%s: buffer capacity must be positive, got %d", v.Name, v.BufferCapacity)
	}
	return nil
}

// VariantByName looks up a board by its configuration name.
func VariantByName(name string) (Variant, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", Optical12.Name:
		return Optical12, nil
	case Pixart6.Name:
		return Pixart6, nil
	}
	return Variant{}, fmt.Errorf("unknown sensor variant %q", name)
}
