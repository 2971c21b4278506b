package device

import "fmt"

// Platform is the mobile OS of a device.
type Platform string

const (
	PlatformIOS     Platform = "ios"
	PlatformAndroid Platform = "android"
)

// Kind distinguishes virtual from physical devices.
type Kind string

const (
	KindSimulator Kind = "simulator" // iOS simulator
	KindEmulator  Kind = "emulator"  // Android emulator
	KindDevice    Kind = "device"    // physical hardware
)

// Device identifies one target the harness controls.
type Device struct {
	ID       string // UDID or adb serial
	Name     string
	Platform Platform
	Kind     Kind
	Booted   bool // state observed when the device was resolved

	// TunnelHost is the device-side address of a physical iOS device
	// (e.g. a CoreDevice tunnel IP). Empty for simulators.
	TunnelHost string
}

// IsSimulator reports whether d is an iOS simulator.
func (d Device) IsSimulator() bool {
	return d.Platform == PlatformIOS && d.Kind == KindSimulator
}

// IsVirtual reports whether d is a simulator or emulator.
func (d Device) IsVirtual() bool {
	return d.Kind == KindSimulator || d.Kind == KindEmulator
}

// String returns a short human-readable label.
func (d Device) String() string {
	if d.Name != "" {
		return fmt.Sprintf("%s (%s %s %s)", d.Name, d.Platform, d.Kind, d.ID)
	}
	return fmt.Sprintf("%s %s %s", d.Platform, d.Kind, d.ID)
}

// ParsePlatform validates a platform name.
func ParsePlatform(s string) (Platform, error) {
	switch Platform(s) {
	case PlatformIOS, PlatformAndroid:
		return Platform(s), nil
	}
	return "", fmt.Errorf("unknown platform %q (expected ios or android)", s)
}
