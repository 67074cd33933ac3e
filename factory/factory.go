// Package factory builds the worker's collaborators from the configuration.
package factory

import (
	"fmt"
	"image"

	"github.com/allape/camworker/config"
	"github.com/allape/camworker/latch"
	"github.com/allape/camworker/shm"
	"github.com/allape/camworker/source"
	"github.com/allape/camworker/source/camera"
	"github.com/allape/camworker/source/cv"
	"github.com/allape/camworker/source/file"
	"github.com/allape/camworker/worker"
	"github.com/allape/gogger"
)

var l = gogger.New("factory")

const DefaultBaud = 9600

func FrameSize(conf config.Config) image.Point {
	return image.Point{X: conf.Frame.Width, Y: conf.Frame.Height}
}

func CameraFromConfig(conf config.Config) (*camera.Source, error) {
	var device camera.Device

	switch conf.Camera.Driver {
	case config.CameraGoCV:
		l.Info().Println("camera driver is gocv, device", conf.Camera.Device)
		device = cv.NewDevice(conf.Camera.Device, &cv.Options{
			Width:     conf.Camera.Width,
			Height:    conf.Camera.Height,
			FrameRate: conf.Camera.FrameRate,
		})
	case config.CameraDummy:
		l.Warn().Println("camera driver is dummy, frames are generated")
		device = camera.NewDummyDevice(&camera.DummyOptions{
			Label:     "camworker",
			Width:     conf.Camera.Width,
			Height:    conf.Camera.Height,
			FrameRate: conf.Camera.FrameRate,
		})
	default:
		return nil, fmt.Errorf("unknown camera driver: %s", conf.Camera.Driver)
	}

	return camera.New(device, &camera.Options{
		Name:        fmt.Sprintf("%s:%d", conf.Camera.Driver, conf.Camera.Device),
		Size:        FrameSize(conf),
		Properties:  conf.Camera.Properties,
		ReadTimeout: conf.Camera.ReadTimeout.D(),
	}), nil
}

func FileOpenerFromConfig(conf config.Config) (worker.FileOpener, error) {
	var open file.Opener

	switch conf.File.Decoder {
	case config.FileDecoderGoCV:
		open = cv.OpenVideo
	case config.FileDecoderFFmpeg:
		if len(conf.File.FFmpeg) == 0 {
			return nil, fmt.Errorf("ffmpeg command is empty")
		}
		open = file.OpenFFmpeg(conf.File.FFmpeg)
	default:
		return nil, fmt.Errorf("unknown file decoder: %s", conf.File.Decoder)
	}

	l.Info().Println("file decoder is", conf.File.Decoder)

	options := &file.Options{
		Size:   FrameSize(conf),
		Pacing: conf.File.Pacing.D(),
	}

	return func(path string) source.Source {
		return file.New(path, open, options)
	}, nil
}

// BufferFromConfig maps the shared region when a path is configured, the region stays in process otherwise.
func BufferFromConfig(conf config.Config) (*shm.Buffer, error) {
	size := FrameSize(conf)
	if conf.SHM.Path == "" {
		l.Warn().Println("no shared memory path, frames stay in process")
		return shm.New(size), nil
	}
	return shm.Create(conf.SHM.Path, size)
}

// LatchFromConfig always sets the sync word of buffer, and pulses a serial port when one is configured.
// The returned *latch.Serial is nil without a serial port, its Run must be started otherwise.
func LatchFromConfig(conf config.Config, buffer *shm.Buffer) (latch.Latch, *latch.Serial, error) {
	if conf.Latch.Serial == "" {
		return buffer.Latch(), nil, nil
	}

	baud, err := conf.Latch.Ext.GetBaud(DefaultBaud)
	if err != nil {
		return nil, nil, err
	}

	l.Info().Println("sync latch is also pulsed on serial port:", conf.Latch.Serial, baud)

	serial := latch.NewSerial(conf.Latch.Serial, baud, conf.Latch.Ext.GetPulse(), nil)

	return latch.Multi{buffer.Latch(), serial}, serial, nil
}
