package source

import (
	"errors"
	"fmt"
	"image"
)

type Kind string

const (
	Hardware Kind = "hardware"
	File     Kind = "file"
)

// Source produces canonical frames.
// Read is only ever called from the acquisition loop, never concurrently.
type Source interface {
	Connect() error
	Read() (*image.Gray, error)
	Close() error
	Healthy() bool
	Kind() Kind
}

// ErrEndOfSource is returned by a file source once its frames are exhausted.
var ErrEndOfSource = errors.New("end of source")

// ConnectionError means no device could be opened, at startup or on reconnect.
type ConnectionError struct {
	Device string
	Err    error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.Device, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// DeviceError is a runtime fault reported by the hardware.
type DeviceError struct {
	Device string
	Err    error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("device %s: %v", e.Device, e.Err)
}

func (e *DeviceError) Unwrap() error {
	return e.Err
}

func IsDeviceError(err error) bool {
	var de *DeviceError
	return errors.As(err, &de)
}

func IsConnectionError(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce)
}
