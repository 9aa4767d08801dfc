package scan

import (
	"errors"
	"fmt"
)

var (
	// ErrNoChannelsEnabled is returned when an acquisition is started with every channel disabled
	ErrNoChannelsEnabled = errors.New("no scan channels enabled")

	// ErrAlreadyRecording is returned when a record is requested while one is running
	ErrAlreadyRecording = errors.New("hardware source is already recording")

	// ErrNotRecording is returned when waiting on a record that was never started
	ErrNotRecording = errors.New("hardware source is not recording")

	// ErrAborted is returned by acquisitions ended by an abort request
	ErrAborted = errors.New("acquisition aborted")

	// ErrTimeout is logged when the device does not go idle within the stop window.
	// It is not fatal; callers must tolerate a late buffer.
	ErrTimeout = errors.New("device did not stop scanning within the timeout")

	// ErrNoView is returned when view data is requested and the view cannot run
	ErrNoView = errors.New("view acquisition is not running")
)

// ConfigError describes missing or inconsistent frame parameters
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid frame parameters: %s: %s", e.Field, e.Reason)
}
