package preview

import (
	"image"
	"image/color"
	"image/jpeg"
	"io"
	"sync/atomic"
	"time"

	"github.com/allape/camworker/helper"
	"github.com/allape/camworker/source"
	"golang.org/x/time/rate"
)

type Snapshot struct {
	Frame    *image.Gray
	Source   source.Kind
	Sequence uint64
	At       time.Time
}

// Store keeps a throttled copy of the latest acquired frame for inspection.
// The shared frame buffer belongs to the consumer, so previews never read from it.
type Store struct {
	limiter *rate.Limiter
	latest  atomic.Pointer[Snapshot]
	size    image.Point
}

func NewStore(size image.Point, interval time.Duration) *Store {
	return &Store{
		limiter: rate.NewLimiter(rate.Every(interval), 1),
		size:    size,
	}
}

// Offer copies frame if the preview interval has elapsed since the last copy.
func (s *Store) Offer(frame *image.Gray, kind source.Kind, sequence uint64) bool {
	if !s.limiter.Allow() {
		return false
	}
	s.latest.Store(&Snapshot{
		Frame:    helper.Clone(frame),
		Source:   kind,
		Sequence: sequence,
		At:       time.Now(),
	})
	return true
}

func (s *Store) Latest() *Snapshot {
	return s.latest.Load()
}

func (s *Store) Reset() {
	s.latest.Store(nil)
}

// WriteJPEG encodes the latest frame, or a placeholder carrying status when nothing was captured yet.
func (s *Store) WriteJPEG(w io.Writer, quality int, status string) error {
	if quality == 0 {
		quality = 75
	}
	options := &jpeg.Options{Quality: quality}

	if snap := s.Latest(); snap != nil {
		return jpeg.Encode(w, snap.Frame, options)
	}

	img, err := CreatePlaceholder(
		s.size.X, s.size.Y,
		color.Black,
		color.RGBA{R: 255, A: 255},
		status,
		true,
	)
	if err != nil {
		return err
	}
	return jpeg.Encode(w, img, options)
}
