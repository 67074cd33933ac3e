package camera

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"sync"
	"time"

	"github.com/allape/camworker/preview"
)

var ErrDummyClosed = errors.New("dummy device is closed")

// DummyDevice renders a numbered, timestamped test card at FrameRate.
type DummyDevice struct {
	locker   sync.Locker
	opened   bool
	count    uint64
	lastTime time.Time

	Label      string
	Width      int
	Height     int
	FrameRate  float64
	Properties map[string]float64
}

func (d *DummyDevice) Open() error {
	d.locker.Lock()
	defer d.locker.Unlock()

	d.opened = true
	d.lastTime = time.Time{}
	return nil
}

func (d *DummyDevice) Close() error {
	d.locker.Lock()
	defer d.locker.Unlock()

	d.opened = false
	return nil
}

func (d *DummyDevice) SetProperty(name string, value float64) error {
	d.locker.Lock()
	defer d.locker.Unlock()

	if name == "fps" {
		if value <= 0 {
			return fmt.Errorf("invalid fps: %f", value)
		}
		d.FrameRate = value
	}
	d.Properties[name] = value
	return nil
}

func (d *DummyDevice) Read() (image.Image, error) {
	d.locker.Lock()
	if !d.opened {
		d.locker.Unlock()
		return nil, ErrDummyClosed
	}

	interval := time.Duration(float64(time.Second) / d.FrameRate)
	wait := time.Until(d.lastTime.Add(interval))
	d.count++
	count := d.count
	d.locker.Unlock()

	// the device paces delivery like a real sensor
	if wait > 0 {
		time.Sleep(wait)
	}

	img, err := preview.CreatePlaceholder(
		d.Width, d.Height,
		color.Gray{Y: 16},
		color.Gray{Y: 235},
		fmt.Sprintf("%s #%d", d.Label, count),
		true,
	)
	if err != nil {
		return nil, err
	}

	d.locker.Lock()
	d.lastTime = time.Now()
	d.locker.Unlock()

	return img, nil
}

type DummyOptions struct {
	Label     string
	Width     int
	Height    int
	FrameRate float64
}

func NewDummyDevice(options *DummyOptions) *DummyDevice {
	if options == nil {
		options = &DummyOptions{}
	}

	if options.Label == "" {
		options.Label = "camworker"
	}
	if options.Width == 0 {
		options.Width = 640
	}
	if options.Height == 0 {
		options.Height = 480
	}
	if options.FrameRate == 0 {
		options.FrameRate = 30
	}

	return &DummyDevice{
		locker: &sync.Mutex{},

		Label:      options.Label,
		Width:      options.Width,
		Height:     options.Height,
		FrameRate:  options.FrameRate,
		Properties: map[string]float64{},
	}
}
