package file

import (
	"errors"
	"image"
	"io"
	"time"

	"github.com/allape/camworker/helper"
	"github.com/allape/camworker/source"
	"github.com/allape/gogger"
)

var l = gogger.New("source.file")

// Decoder yields the raw frames of a recorded file in order, io.EOF after the last one.
type Decoder interface {
	Next() (image.Image, error)
	Close() error
}

type Opener func(path string) (Decoder, error)

// Source plays a recorded file once, paced to emulate live capture.
// The frame sequence is lazy and cannot be restarted, connect a new Source to replay.
type Source struct {
	open    Opener
	decoder Decoder
	buf     *image.Gray
	next    time.Time
	done    bool

	Path   string
	Pacing time.Duration
	Frames uint64
}

func (s *Source) Kind() source.Kind {
	return source.File
}

func (s *Source) Connect() error {
	if s.decoder != nil || s.done {
		return nil
	}

	decoder, err := s.open(s.Path)
	if err != nil {
		return &source.ConnectionError{Device: s.Path, Err: err}
	}
	s.decoder = decoder

	l.Info().Println("playing", s.Path)

	return nil
}

// Read returns the next normalized frame, valid until the following Read.
// Once the file is exhausted every call returns source.ErrEndOfSource.
func (s *Source) Read() (*image.Gray, error) {
	if s.decoder == nil {
		return nil, source.ErrEndOfSource
	}

	if wait := time.Until(s.next); wait > 0 {
		time.Sleep(wait)
	}

	img, err := s.decoder.Next()
	if err != nil {
		if !errors.Is(err, io.EOF) {
			l.Warn().Println(s.Path, "decode:", err)
		}
		l.Info().Println(s.Path, "exhausted after", s.Frames, "frames")
		s.finish()
		return nil, source.ErrEndOfSource
	}

	helper.Normalize(s.buf, img)
	s.Frames++
	s.next = time.Now().Add(s.Pacing)

	return s.buf, nil
}

func (s *Source) finish() {
	s.done = true
	if s.decoder == nil {
		return
	}
	err := s.decoder.Close()
	if err != nil {
		l.Verbose().Println(s.Path, "close:", err)
	}
	s.decoder = nil
}

func (s *Source) Close() error {
	s.finish()
	return nil
}

func (s *Source) Healthy() bool {
	return s.decoder != nil
}

// Exhausted tells whether the last frame has been read.
func (s *Source) Exhausted() bool {
	return s.done
}

type Options struct {
	Size   image.Point
	Pacing time.Duration
}

func New(path string, open Opener, options *Options) *Source {
	if options == nil {
		options = &Options{}
	}

	if options.Size.X == 0 || options.Size.Y == 0 {
		options.Size = image.Point{X: 640, Y: 480}
	}

	return &Source{
		open: open,
		buf:  helper.NewCanonical(options.Size),

		Path:   path,
		Pacing: options.Pacing,
	}
}
