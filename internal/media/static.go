package media

import (
	"sync/atomic"

	"github.com/pion/webrtc/v4"
)

// StaticCapturer produces sample-backed pion tracks instead of opening
// devices. Tests and headless demos use it; the tracks never emit frames
// but negotiate like real ones.
type StaticCapturer struct {
	// FailAudio/FailVideo force the corresponding capture to fail, for
	// exercising the degrade and abort paths.
	FailAudio bool
	FailVideo bool
}

type staticTrack struct {
	t       *webrtc.TrackLocalStaticSample
	kind    webrtc.RTPCodecType
	enabled atomic.Bool
}

func (s *staticTrack) Kind() webrtc.RTPCodecType { return s.kind }
func (s *staticTrack) Enabled() bool             { return s.enabled.Load() }
func (s *staticTrack) SetEnabled(v bool)         { s.enabled.Store(v) }
func (s *staticTrack) Local() webrtc.TrackLocal  { return s.t }
func (s *staticTrack) Close() error              { return nil }

func (c *StaticCapturer) ConfigureEngine(engine *webrtc.MediaEngine) error {
	return engine.RegisterDefaultCodecs()
}

func (c *StaticCapturer) CaptureAudio() (Track, error) {
	if c.FailAudio {
		return nil, ErrCaptureUnavailable
	}
	t, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "static-audio")
	if err != nil {
		return nil, err
	}
	st := &staticTrack{t: t, kind: webrtc.RTPCodecTypeAudio}
	st.enabled.Store(true)
	return st, nil
}

func (c *StaticCapturer) CaptureVideo() (Track, error) {
	if c.FailVideo {
		return nil, ErrCaptureUnavailable
	}
	t, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "static-video")
	if err != nil {
		return nil, err
	}
	st := &staticTrack{t: t, kind: webrtc.RTPCodecTypeVideo}
	st.enabled.Store(true)
	return st, nil
}
