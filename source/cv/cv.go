// Package cv backs the camera and file sources with OpenCV through gocv.
package cv

import (
	"errors"
	"fmt"
	"image"
	"io"
	"sync"

	"github.com/allape/camworker/source/camera"
	"github.com/allape/camworker/source/file"
	"github.com/allape/gogger"
	"gocv.io/x/gocv"
)

var l = gogger.New("source.cv")

var Properties = map[string]gocv.VideoCaptureProperties{
	"width":         gocv.VideoCaptureFrameWidth,
	"height":        gocv.VideoCaptureFrameHeight,
	"fps":           gocv.VideoCaptureFPS,
	"brightness":    gocv.VideoCaptureBrightness,
	"contrast":      gocv.VideoCaptureContrast,
	"saturation":    gocv.VideoCaptureSaturation,
	"hue":           gocv.VideoCaptureHue,
	"gain":          gocv.VideoCaptureGain,
	"exposure":      gocv.VideoCaptureExposure,
	"auto_exposure": gocv.VideoCaptureAutoExposure,
	"gamma":         gocv.VideoCaptureGamma,
	"buffer_size":   gocv.VideoCaptureBufferSize,
}

// Device is a camera.Device reading from a local capture device.
type Device struct {
	locker sync.Locker
	webcam *gocv.VideoCapture
	mat    gocv.Mat

	Index     int
	Width     int
	Height    int
	FrameRate float64
}

func (d *Device) Open() error {
	d.locker.Lock()
	defer d.locker.Unlock()

	if d.webcam != nil {
		return nil
	}

	webcam, err := gocv.OpenVideoCapture(d.Index)
	if err != nil {
		return err
	}
	if !webcam.IsOpened() {
		_ = webcam.Close()
		return fmt.Errorf("capture device %d is absent or busy", d.Index)
	}

	// video mode and frame rate, the driver picks the closest mode it supports
	if d.Width > 0 && d.Height > 0 {
		webcam.Set(gocv.VideoCaptureFrameWidth, float64(d.Width))
		webcam.Set(gocv.VideoCaptureFrameHeight, float64(d.Height))
	}
	if d.FrameRate > 0 {
		webcam.Set(gocv.VideoCaptureFPS, d.FrameRate)
	}

	l.Verbose().Printf(
		"device %d negotiated %.0fx%.0f@%.1f",
		d.Index,
		webcam.Get(gocv.VideoCaptureFrameWidth),
		webcam.Get(gocv.VideoCaptureFrameHeight),
		webcam.Get(gocv.VideoCaptureFPS),
	)

	d.webcam = webcam
	d.mat = gocv.NewMat()

	return nil
}

func (d *Device) Read() (image.Image, error) {
	d.locker.Lock()
	defer d.locker.Unlock()

	if d.webcam == nil {
		return nil, errors.New("webcam is not opened")
	}

	if ok := d.webcam.Read(&d.mat); !ok || d.mat.Empty() {
		return nil, errors.New("failed to read frame")
	}

	return d.mat.ToImage()
}

func (d *Device) SetProperty(name string, value float64) error {
	d.locker.Lock()
	defer d.locker.Unlock()

	prop, ok := Properties[name]
	if !ok {
		return fmt.Errorf("unknown capture property: %s", name)
	}
	if d.webcam == nil {
		return errors.New("webcam is not opened")
	}

	d.webcam.Set(prop, value)

	return nil
}

func (d *Device) Close() error {
	d.locker.Lock()
	defer d.locker.Unlock()

	if d.webcam == nil {
		return nil
	}

	_ = d.mat.Close()
	err := d.webcam.Close()
	d.webcam = nil

	return err
}

type Options struct {
	Width     int
	Height    int
	FrameRate float64
}

func NewDevice(index int, options *Options) camera.Device {
	if options == nil {
		options = &Options{}
	}

	return &Device{
		locker: &sync.Mutex{},

		Index:     index,
		Width:     options.Width,
		Height:    options.Height,
		FrameRate: options.FrameRate,
	}
}

// Video is a file.Decoder over a recorded video file.
type Video struct {
	video *gocv.VideoCapture
	mat   gocv.Mat
}

func (v *Video) Next() (image.Image, error) {
	if v.video == nil {
		return nil, io.EOF
	}
	if ok := v.video.Read(&v.mat); !ok || v.mat.Empty() {
		return nil, io.EOF
	}
	return v.mat.ToImage()
}

func (v *Video) Close() error {
	if v.video == nil {
		return nil
	}
	_ = v.mat.Close()
	err := v.video.Close()
	v.video = nil
	return err
}

// OpenVideo is a file.Opener.
func OpenVideo(path string) (file.Decoder, error) {
	video, err := gocv.VideoCaptureFile(path)
	if err != nil {
		return nil, err
	}
	if !video.IsOpened() {
		_ = video.Close()
		return nil, fmt.Errorf("unable to open video: %s", path)
	}

	return &Video{
		video: video,
		mat:   gocv.NewMat(),
	}, nil
}

var _ file.Opener = OpenVideo
