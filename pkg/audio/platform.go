// Package audio defines the frame type, the frame pool and the device
// boundary of the voxlane transport.
//
// The three backend abstractions are:
//
//   - [Capture]: produces frames from an input device.
//   - [Playback]: lends frames to be filled and consumes them for output.
//   - [EchoCanceller]: removes the far-end signal from captured audio.
//
// Implementations are provided by backend packages (audio/null, audio/tone,
// audio/wsaudio) and selected by name through the config registry.
// Third-party device backends may implement [Capture] and [Playback] too.
package audio

import (
	"context"
	"errors"
)

// ErrClosed is returned by backends that are used after Close or Finish.
var ErrClosed = errors.New("audio: backend closed")

// Capture is an input device.
//
// Read is only called from the sender goroutine. Finish and Close may be
// called from any goroutine and must unblock a pending Read.
type Capture interface {
	// Read blocks until the next frame is available, ctx is cancelled or the
	// backend's own timeout elapses. A nil frame with a nil error means no
	// audio was available in time; the caller simply polls again.
	//
	// The returned frame is owned by the caller until it hands it back to the
	// pool it came from.
	Read(ctx context.Context) (*AudioFrame, error)

	// Finish signals end of capture. Pending and subsequent Reads return
	// [ErrClosed].
	Finish()

	// Close releases device resources. It is safe to call more than once.
	Close() error
}

// Playback is an output device.
//
// All methods are called from the receiver goroutine except Close.
type Playback interface {
	// GetFrame lends a frame to be filled. Its Format reflects the current
	// device configuration and its capacity bounds how much may be written.
	GetFrame() (*AudioFrame, error)

	// PutFrame queues a filled frame for output and returns ownership to the
	// device.
	PutFrame(ctx context.Context, f *AudioFrame) error

	// Reconfigure switches the device to format f. It returns false when the
	// device cannot play f; the caller then converts to the current format.
	Reconfigure(f Format) bool

	// Close releases device resources. It is safe to call more than once.
	Close() error
}

// EchoCanceller removes the locally played far-end signal from captured
// audio.
type EchoCanceller interface {
	// Cancel processes a captured frame in place or returns a replacement.
	// The boolean is false when the frame should be dropped.
	Cancel(f *AudioFrame) (*AudioFrame, bool)

	// Play feeds a frame that is about to be played as far-end reference.
	Play(f *AudioFrame)
}
