//go:build !linux || !cgo

package media

import (
	"errors"

	"github.com/pion/webrtc/v4"
)

// ErrNoDevice is returned on platforms without a mediadevices driver.
// Camera/mic capture via pion/mediadevices requires platform-specific
// drivers (V4L2/malgo on Linux); elsewhere joins fail at audio
// acquisition unless the caller injects its own Capturer.
var ErrNoDevice = errors.New("no capture driver on this platform")

// DeviceCapturer is a stub on non-Linux platforms.
type DeviceCapturer struct{}

func NewDeviceCapturer() (*DeviceCapturer, error) { return &DeviceCapturer{}, nil }

func (c *DeviceCapturer) ConfigureEngine(engine *webrtc.MediaEngine) error {
	return engine.RegisterDefaultCodecs()
}

func (c *DeviceCapturer) CaptureAudio() (Track, error) { return nil, ErrNoDevice }
func (c *DeviceCapturer) CaptureVideo() (Track, error) { return nil, ErrNoDevice }
