//go:build linux && cgo

package media

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

// deviceTrack wraps a mediadevices capture track. The enabled flag is
// bookkeeping shared with the roster; the capture itself keeps running so
// re-enabling needs no renegotiation.
type deviceTrack struct {
	t       mediadevices.Track
	kind    webrtc.RTPCodecType
	enabled atomic.Bool
}

func (d *deviceTrack) Kind() webrtc.RTPCodecType { return d.kind }
func (d *deviceTrack) Enabled() bool             { return d.enabled.Load() }
func (d *deviceTrack) SetEnabled(v bool)         { d.enabled.Store(v) }
func (d *deviceTrack) Local() webrtc.TrackLocal  { return d.t }
func (d *deviceTrack) Close() error              { return d.t.Close() }

// DeviceCapturer captures camera/mic via pion/mediadevices (V4L2 + malgo).
type DeviceCapturer struct {
	selector *mediadevices.CodecSelector
}

// NewDeviceCapturer builds a VP8+Opus capturer.
func NewDeviceCapturer() (*DeviceCapturer, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("vp8 params: %w", err)
	}
	vpxParams.BitRate = 1_500_000 // 1.5 Mbps

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("opus params: %w", err)
	}

	selector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)

	devices := mediadevices.EnumerateDevices()
	if len(devices) == 0 {
		log.Warnf("no media devices found by pion/mediadevices")
	}
	for _, d := range devices {
		log.Debugf("media device — kind=%v label=%q", d.Kind, d.Label)
	}

	return &DeviceCapturer{selector: selector}, nil
}

func (c *DeviceCapturer) ConfigureEngine(engine *webrtc.MediaEngine) error {
	c.selector.Populate(engine)
	return nil
}

func (c *DeviceCapturer) CaptureAudio() (Track, error) {
	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Audio: func(_ *mediadevices.MediaTrackConstraints) {},
		Codec: c.selector,
	})
	if err != nil {
		return nil, fmt.Errorf("GetUserMedia(audio): %w", err)
	}
	return c.firstTrack(stream, webrtc.RTPCodecTypeAudio)
}

func (c *DeviceCapturer) CaptureVideo() (Track, error) {
	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Video: func(mt *mediadevices.MediaTrackConstraints) {
			// Exclude MJPEG — some cameras expose an MJPEG V4L2 node that
			// produces malformed JPEG frames, which poisons the VP8 encoder.
			mt.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			// Cap at 640×480 — higher resolutions increase VP8 encoding
			// latency on weak hardware.
			mt.Width = prop.IntRanged{Max: 640}
			mt.Height = prop.IntRanged{Max: 480}
		},
		Codec: c.selector,
	})
	if err != nil {
		return nil, fmt.Errorf("GetUserMedia(video): %w", err)
	}
	return c.firstTrack(stream, webrtc.RTPCodecTypeVideo)
}

func (c *DeviceCapturer) firstTrack(stream mediadevices.MediaStream, kind webrtc.RTPCodecType) (Track, error) {
	for _, t := range stream.GetTracks() {
		if t.Kind() != kind {
			t.Close()
			continue
		}
		t.OnEnded(func(err error) {
			if err != nil {
				log.Warnf("local %s track ended: %v", kind, err)
			}
		})
		dt := &deviceTrack{t: t, kind: kind}
		dt.enabled.Store(true)
		return dt, nil
	}
	return nil, errors.New("stream carried no " + kind.String() + " track")
}
