// Package permissions checks OS-level privacy approval for audio capture.
package permissions

import "errors"

// ErrMicrophoneDenied is returned when the OS has not granted microphone
// access.
var ErrMicrophoneDenied = errors.New("microphone permission not granted")
