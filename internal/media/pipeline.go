// Package media owns the local capture device set: one optional audio
// source and one optional video source, shared by reference with every
// peer link. Audio is acquired eagerly on join; video is deferred until
// the first video toggle. Toggling an existing track flips its enabled
// flag without renegotiation.
package media

import (
	"errors"
	"fmt"
	"sync"

	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/webrtc/v4"
)

var log = logging.Logger("media")

// ErrReleased is returned by operations on a pipeline after Release.
var ErrReleased = errors.New("media pipeline already released")

// ErrNoAudioTrack is returned by ToggleAudio when no audio was acquired.
// Audio is always acquired at join, so hitting this is a bug upstream,
// not a degrade path.
var ErrNoAudioTrack = errors.New("no audio track in bundle")

// ErrCaptureUnavailable reports a capture device that could not be opened.
var ErrCaptureUnavailable = errors.New("capture device unavailable")

// Track is one local capture source attached to every peer link.
type Track interface {
	// Kind reports audio or video.
	Kind() webrtc.RTPCodecType

	// Enabled reports whether the track currently contributes media.
	Enabled() bool

	// SetEnabled flips the contribution flag. The track stays attached to
	// every link, so no renegotiation happens.
	SetEnabled(bool)

	// Local is the pion track handed to PeerConnection.AddTrack. All links
	// share the same instance.
	Local() webrtc.TrackLocal

	// Close stops the underlying capture.
	Close() error
}

// Capturer is the device backend. The production implementation wraps
// pion/mediadevices (platform drivers permitting); tests inject a static
// sample source.
type Capturer interface {
	// ConfigureEngine registers the capturer's codecs on the media engine
	// used to build peer connections.
	ConfigureEngine(engine *webrtc.MediaEngine) error

	// CaptureAudio opens the microphone.
	CaptureAudio() (Track, error)

	// CaptureVideo opens the camera.
	CaptureVideo() (Track, error)
}

// Pipeline manages the capture bundle for one call lifetime.
type Pipeline struct {
	cap Capturer

	mu       sync.Mutex
	audio    Track
	video    Track
	released bool
}

func NewPipeline(c Capturer) *Pipeline {
	return &Pipeline{cap: c}
}

// Acquire requests the capture devices for a join. An audio failure is
// fatal to the join; a video failure degrades gracefully to audio-only
// (logged, not returned). A partial grant is an accepted outcome.
func (p *Pipeline) Acquire(wantVideo, wantAudio bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.released {
		return ErrReleased
	}

	if wantAudio && p.audio == nil {
		track, err := p.cap.CaptureAudio()
		if err != nil {
			return fmt.Errorf("audio capture: %w", err)
		}
		p.audio = track
	}

	if wantVideo && p.video == nil {
		track, err := p.cap.CaptureVideo()
		if err != nil {
			log.Warnf("video capture failed, continuing audio-only: %v", err)
		} else {
			p.video = track
		}
	}
	return nil
}

// Tracks returns the current bundle contents. The tracks themselves are
// shared, not copied.
func (p *Pipeline) Tracks() []Track {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Track
	if p.audio != nil {
		out = append(out, p.audio)
	}
	if p.video != nil {
		out = append(out, p.video)
	}
	return out
}

// LocalTracks returns the pion handles for attaching to a new link.
func (p *Pipeline) LocalTracks() []webrtc.TrackLocal {
	tracks := p.Tracks()
	out := make([]webrtc.TrackLocal, 0, len(tracks))
	for _, t := range tracks {
		out = append(out, t.Local())
	}
	return out
}

// ToggleVideo flips the video track's enabled flag. If no video track
// exists yet it acquires one; the returned track is non-nil exactly in
// that case, and the caller attaches it to every live link.
func (p *Pipeline) ToggleVideo() (enabled bool, added Track, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.released {
		return false, nil, ErrReleased
	}

	if p.video != nil {
		next := !p.video.Enabled()
		p.video.SetEnabled(next)
		return next, nil, nil
	}

	track, err := p.cap.CaptureVideo()
	if err != nil {
		return false, nil, fmt.Errorf("video capture: %w", err)
	}
	track.SetEnabled(true)
	p.video = track
	log.Infof("video track acquired on first toggle")
	return true, track, nil
}

// ToggleAudio flips the audio track's enabled flag.
func (p *Pipeline) ToggleAudio() (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.released {
		return false, ErrReleased
	}
	if p.audio == nil {
		return false, ErrNoAudioTrack
	}
	next := !p.audio.Enabled()
	p.audio.SetEnabled(next)
	return next, nil
}

// AudioEnabled reports the audio flag (false when no track).
func (p *Pipeline) AudioEnabled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.audio != nil && p.audio.Enabled()
}

// VideoEnabled reports the video flag (false when no track).
func (p *Pipeline) VideoEnabled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.video != nil && p.video.Enabled()
}

// Release stops every track and clears the bundle. Called once per call
// lifetime, on leave; later calls are no-ops so teardown stays idempotent.
func (p *Pipeline) Release() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.released {
		return
	}
	p.released = true
	for _, t := range []Track{p.audio, p.video} {
		if t == nil {
			continue
		}
		if err := t.Close(); err != nil {
			log.Warnf("closing %s track: %v", t.Kind(), err)
		}
	}
	p.audio, p.video = nil, nil
}
