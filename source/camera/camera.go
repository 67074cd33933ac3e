package camera

import (
	"errors"
	"image"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"github.com/allape/camworker/helper"
	"github.com/allape/camworker/source"
	"github.com/allape/gogger"
)

var l = gogger.New("source.camera")

var (
	ErrNotRunning  = errors.New("camera is not running")
	ErrReadTimeout = errors.New("camera read timed out")
	ErrReadStalled = errors.New("a timed out read still holds the camera")
)

// Device is the hardware behind a Source.
type Device interface {
	// Open connects, negotiates video mode and frame rate, then starts streaming.
	Open() error
	// Read blocks until the next frame is delivered.
	Read() (image.Image, error)
	SetProperty(name string, value float64) error
	// Close stops streaming and disconnects.
	Close() error
}

type Options struct {
	Name        string
	Size        image.Point
	Properties  map[string]float64
	ReadTimeout time.Duration
}

// Source is the live hardware variant of source.Source.
type Source struct {
	device Device

	locker     sync.Locker
	properties map[string]float64
	buf        *image.Gray
	// stalled is closed once an abandoned read returns and the device has been released
	stalled chan struct{}

	connected atomic.Bool
	running   atomic.Bool
	inUse     atomic.Bool

	Name        string
	ReadTimeout time.Duration
}

func (s *Source) Kind() source.Kind {
	return source.Hardware
}

func (s *Source) Connect() error {
	s.locker.Lock()
	defer s.locker.Unlock()

	if s.running.Load() {
		return nil
	}
	if s.stalled != nil {
		return &source.ConnectionError{Device: s.Name, Err: ErrReadStalled}
	}

	err := s.device.Open()
	if err != nil {
		s.running.Store(false)
		return &source.ConnectionError{Device: s.Name, Err: err}
	}
	s.connected.Store(true)

	for name, value := range s.properties {
		err = s.device.SetProperty(name, value)
		if err != nil {
			s.closeDevice()
			return &source.ConnectionError{Device: s.Name, Err: err}
		}
	}

	s.running.Store(true)
	l.Info().Println(s.Name, "streaming")

	return nil
}

// Read returns the next normalized frame, valid until the following Read.
func (s *Source) Read() (*image.Gray, error) {
	if !s.running.Load() {
		return nil, &source.DeviceError{Device: s.Name, Err: ErrNotRunning}
	}

	img, err := s.read()
	if err != nil {
		return nil, &source.DeviceError{Device: s.Name, Err: err}
	}

	helper.Normalize(s.buf, img)

	return s.buf, nil
}

type readResult struct {
	img image.Image
	err error
}

func (s *Source) read() (image.Image, error) {
	if s.ReadTimeout <= 0 {
		return s.device.Read()
	}

	done := make(chan readResult, 1)
	go func() {
		img, err := s.device.Read()
		done <- readResult{img, err}
	}()

	timer := time.NewTimer(s.ReadTimeout)
	defer timer.Stop()

	select {
	case r := <-done:
		return r.img, r.err
	case <-timer.C:
		s.abandon(done)
		return nil, ErrReadTimeout
	}
}

// abandon leaves the device to the stuck read, it is closed as soon as that read returns.
// Until then Close does not touch the device and Connect fails.
func (s *Source) abandon(done <-chan readResult) {
	stalled := make(chan struct{})

	s.locker.Lock()
	s.running.Store(false)
	s.stalled = stalled
	s.locker.Unlock()

	l.Warn().Println(s.Name, "read timed out after", s.ReadTimeout)

	go func() {
		<-done

		s.locker.Lock()
		defer s.locker.Unlock()

		s.stalled = nil
		s.closeDevice()
		close(stalled)

		l.Info().Println(s.Name, "released by the timed out read")
	}()
}

// Close stops streaming then disconnects, device errors during teardown are swallowed.
func (s *Source) Close() error {
	s.locker.Lock()
	defer s.locker.Unlock()

	s.closeDevice()
	return nil
}

func (s *Source) closeDevice() {
	s.running.Store(false)
	if s.stalled != nil {
		return
	}
	if !s.connected.Swap(false) {
		return
	}
	err := s.device.Close()
	if err != nil {
		l.Verbose().Println(s.Name, "close:", err)
	}
}

func (s *Source) Healthy() bool {
	return s.running.Load()
}

// Stalled returns a channel closed once a timed out read has returned, nil when no read is stuck.
func (s *Source) Stalled() <-chan struct{} {
	s.locker.Lock()
	defer s.locker.Unlock()
	return s.stalled
}

func (s *Source) Connected() bool {
	return s.connected.Load()
}

// InUse tells whether the hardware is the designated frame source.
func (s *Source) InUse() bool {
	return s.inUse.Load()
}

func (s *Source) SetInUse(inUse bool) {
	s.inUse.Store(inUse)
}

// SetProperties stores capture property overrides and applies them to a running device.
// Stored properties are re-applied on every Connect.
func (s *Source) SetProperties(properties map[string]float64) error {
	s.locker.Lock()
	defer s.locker.Unlock()

	maps.Copy(s.properties, properties)

	if !s.running.Load() {
		return nil
	}

	for name, value := range properties {
		err := s.device.SetProperty(name, value)
		if err != nil {
			return &source.DeviceError{Device: s.Name, Err: err}
		}
	}

	return nil
}

func (s *Source) Properties() map[string]float64 {
	s.locker.Lock()
	defer s.locker.Unlock()
	return maps.Clone(s.properties)
}

func New(device Device, options *Options) *Source {
	if options == nil {
		options = &Options{}
	}

	if options.Name == "" {
		options.Name = "camera"
	}
	if options.Size.X == 0 || options.Size.Y == 0 {
		options.Size = image.Point{X: 640, Y: 480}
	}

	properties := make(map[string]float64, len(options.Properties))
	maps.Copy(properties, options.Properties)

	return &Source{
		device: device,

		locker:     &sync.Mutex{},
		properties: properties,
		buf:        helper.NewCanonical(options.Size),

		Name:        options.Name,
		ReadTimeout: options.ReadTimeout,
	}
}
