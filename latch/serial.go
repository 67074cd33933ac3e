package latch

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"

	"go.bug.st/serial"
)

type PortOpener func(name string, baud int) (io.ReadWriteCloser, error)

func OpenSerialPort(name string, baud int) (io.ReadWriteCloser, error) {
	port, err := serial.Open(name, &serial.Mode{
		BaudRate: baud,
	})
	if err != nil {
		return nil, err
	}
	return port, nil
}

// Serial writes one pulse byte to a serial port per Set.
// Pulses are written by Run, a Set arriving while the previous pulse is still pending is dropped.
type Serial struct {
	openLocker  sync.Locker
	writeLocker sync.Locker

	open    PortOpener
	port    io.ReadWriteCloser
	pulses  chan struct{}
	dropped atomic.Uint64

	Name  string
	Baud  int
	Pulse byte
}

func (s *Serial) Open() error {
	s.openLocker.Lock()
	defer s.openLocker.Unlock()

	if s.port != nil {
		return nil
	}

	port, err := s.open(s.Name, s.Baud)
	if err != nil {
		return err
	}
	s.port = port

	l.Info().Println("serial latch opened:", s.Name, s.Baud)

	go func(port io.Reader) {
		buf := make([]byte, 1024)
		unfinishedLine := ""
		for {
			n, err := port.Read(buf)
			if err != nil && !errors.Is(err, io.EOF) {
				l.Verbose().Println("read error:", err)
			}
			if n == 0 {
				return
			}
			lines := strings.Split(unfinishedLine+string(buf[:n]), "\n")
			for i := 0; i < len(lines)-1; i++ {
				l.Verbose().Println(">", lines[i])
			}
			unfinishedLine = lines[len(lines)-1]
		}
	}(port)

	return nil
}

func (s *Serial) Close() error {
	s.openLocker.Lock()
	defer s.openLocker.Unlock()

	if s.port == nil {
		return nil
	}

	err := s.port.Close()
	s.port = nil
	return err
}

func (s *Serial) Write(data []byte) (int, error) {
	err := s.Open()
	if err != nil {
		return 0, err
	}

	s.writeLocker.Lock()
	defer s.writeLocker.Unlock()

	s.openLocker.Lock()
	port := s.port
	s.openLocker.Unlock()
	if port == nil {
		return 0, errors.New("port closed")
	}

	n, err := port.Write(data)
	if err != nil {
		_ = s.Close()
		return n, err
	}

	return n, nil
}

func (s *Serial) Set() {
	select {
	case s.pulses <- struct{}{}:
	default:
		s.dropped.Add(1)
	}
}

// Dropped counts the pulses skipped because the port was still busy.
func (s *Serial) Dropped() uint64 {
	return s.dropped.Load()
}

// Run writes pending pulses until ctx is done, a failed write reopens the port on the next pulse.
func (s *Serial) Run(ctx context.Context) error {
	defer func() {
		_ = s.Close()
	}()

	pulse := []byte{s.Pulse}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.pulses:
			_, err := s.Write(pulse)
			if err != nil {
				l.Warn().Println("failed to pulse", s.Name, err)
			}
		}
	}
}

func NewSerial(name string, baud int, pulse byte, open PortOpener) *Serial {
	if open == nil {
		open = OpenSerialPort
	}
	return &Serial{
		openLocker:  &sync.Mutex{},
		writeLocker: &sync.Mutex{},
		open:        open,
		pulses:      make(chan struct{}, 1),
		Name:        name,
		Baud:        baud,
		Pulse:       pulse,
	}
}
