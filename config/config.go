package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/allape/camworker/envar"
	"github.com/allape/gogger"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

var l = gogger.New("config")

const DefaultConfigPath = "camworker.toml"

type CameraDriverType string

const (
	CameraGoCV  CameraDriverType = "gocv"
	CameraDummy CameraDriverType = "dummy"
)

type FileDecoderType string

const (
	FileDecoderGoCV   FileDecoderType = "gocv"
	FileDecoderFFmpeg FileDecoderType = "ffmpeg"
)

type Worker struct {
	// Name is the device name stamped on every outbound status message.
	Name string `toml:"name" yaml:"name"`
	// Downstream is the component that error and background notifications are addressed to.
	Downstream string `toml:"downstream" yaml:"downstream"`
}

// Frame is the canonical frame shape shared with the consumer.
type Frame struct {
	Width  int `toml:"width" yaml:"width"`
	Height int `toml:"height" yaml:"height"`
}

type Camera struct {
	Driver      CameraDriverType   `toml:"driver" yaml:"driver"`
	Device      int                `toml:"device" yaml:"device"`
	Width       int                `toml:"width" yaml:"width"`
	Height      int                `toml:"height" yaml:"height"`
	FrameRate   float64            `toml:"frame_rate" yaml:"frame_rate"`
	Properties  map[string]float64 `toml:"properties" yaml:"properties"`
	ReadTimeout Duration           `toml:"read_timeout" yaml:"read_timeout"`
}

type File struct {
	Decoder FileDecoderType `toml:"decoder" yaml:"decoder"`
	// FFmpeg is the command used by the ffmpeg decoder, "$INPUT" is replaced with the file path.
	FFmpeg ShellCommand `toml:"ffmpeg" yaml:"ffmpeg"`
	Pacing Duration     `toml:"pacing" yaml:"pacing"`
}

// Timing holds every fixed interval of the acquisition loop and the command listener.
type Timing struct {
	ReconnectBackoff Duration `toml:"reconnect_backoff" yaml:"reconnect_backoff"`
	BackpressureIdle Duration `toml:"backpressure_idle" yaml:"backpressure_idle"`
	EndOfSourceIdle  Duration `toml:"end_of_source_idle" yaml:"end_of_source_idle"`
	ListenerPoll     Duration `toml:"listener_poll" yaml:"listener_poll"`
	ListenerIdle     Duration `toml:"listener_idle" yaml:"listener_idle"`
	ShutdownPoll     Duration `toml:"shutdown_poll" yaml:"shutdown_poll"`
	PreviewInterval  Duration `toml:"preview_interval" yaml:"preview_interval"`
}

type SHM struct {
	// Path of the memory mapped frame region, empty keeps the region in process.
	Path string `toml:"path" yaml:"path"`
}

type Latch struct {
	// Serial is the serial port pulsed once per acquired frame, empty to disable.
	Serial string        `toml:"serial" yaml:"serial"`
	Ext    SerialPortExt `toml:"ext" yaml:"ext"`
}

type Control struct {
	InboundSize  int `toml:"inbound_size" yaml:"inbound_size"`
	OutboundSize int `toml:"outbound_size" yaml:"outbound_size"`
}

type API struct {
	// Addr is where the supervisor API listens, empty to disable it.
	Addr string `toml:"addr" yaml:"addr"`
	Cors bool   `toml:"cors" yaml:"cors"`
	// Username and Password enable basic auth when both are set.
	Username string `toml:"username" yaml:"username"`
	Password string `toml:"password" yaml:"password"`
}

type Config struct {
	Worker  Worker  `toml:"worker" yaml:"worker"`
	Frame   Frame   `toml:"frame" yaml:"frame"`
	Camera  Camera  `toml:"camera" yaml:"camera"`
	File    File    `toml:"file" yaml:"file"`
	Timing  Timing  `toml:"timing" yaml:"timing"`
	SHM     SHM     `toml:"shm" yaml:"shm"`
	Latch   Latch   `toml:"latch" yaml:"latch"`
	Control Control `toml:"control" yaml:"control"`
	API     API     `toml:"api" yaml:"api"`
}

func Default() Config {
	return Config{
		Worker: Worker{
			Name:       "proc_cmr",
			Downstream: "proc_cv2",
		},
		Frame: Frame{
			Width:  640,
			Height: 480,
		},
		Camera: Camera{
			Driver:    CameraGoCV,
			Device:    0,
			Width:     640,
			Height:    480,
			FrameRate: 30,
		},
		File: File{
			Decoder: FileDecoderGoCV,
			FFmpeg: ShellCommand{
				"ffmpeg", "-loglevel", "error", "-i", "$INPUT", "-f", "mjpeg", "-q:v", "2", "-",
			},
			Pacing: Duration(15 * time.Millisecond),
		},
		Timing: Timing{
			ReconnectBackoff: Duration(500 * time.Millisecond),
			BackpressureIdle: Duration(time.Millisecond),
			EndOfSourceIdle:  Duration(100 * time.Millisecond),
			ListenerPoll:     Duration(500 * time.Millisecond),
			ListenerIdle:     Duration(30 * time.Millisecond),
			ShutdownPoll:     Duration(5 * time.Millisecond),
			PreviewInterval:  Duration(time.Second),
		},
		Control: Control{
			InboundSize:  16,
			OutboundSize: 64,
		},
		API: API{
			Addr: ":8080",
		},
	}
}

// Path returns the config file named on the command line, in the environment, or the default one.
func Path() string {
	if len(os.Args) > 1 {
		return os.Args[1]
	}
	return envar.Getenv(envar.CamworkerConfig, DefaultConfigPath)
}

func GetConfig() (Config, error) {
	return Load(Path())
}

// Load reads a TOML or YAML file on top of Default. A missing file is not an error.
func Load(configFile string) (Config, error) {
	config := Default()

	l.Info().Println("reading config file:", configFile)

	configData, err := os.ReadFile(configFile)
	if err != nil {
		if os.IsNotExist(err) {
			l.Warn().Println("config file not found, using defaults:", configFile)
			return config, nil
		}
		return config, err
	}

	switch strings.ToLower(filepath.Ext(configFile)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(configData, &config)
	default:
		err = toml.Unmarshal(configData, &config)
	}
	if err != nil {
		return config, fmt.Errorf("parse %s: %w", configFile, err)
	}

	err = config.Validate()
	if err != nil {
		return config, err
	}

	l.Verbose().Printf("use config: %+v", config)

	return config, nil
}

func (c Config) Validate() error {
	if c.Frame.Width <= 0 || c.Frame.Height <= 0 {
		return fmt.Errorf("invalid frame shape: %dx%d", c.Frame.Width, c.Frame.Height)
	}
	if c.Camera.FrameRate < 0 {
		return fmt.Errorf("invalid camera frame rate: %f", c.Camera.FrameRate)
	}
	if c.Control.InboundSize < 0 || c.Control.OutboundSize < 0 {
		return fmt.Errorf("invalid queue sizes: %d/%d", c.Control.InboundSize, c.Control.OutboundSize)
	}
	switch c.Camera.Driver {
	case CameraGoCV, CameraDummy:
	default:
		return fmt.Errorf("unknown camera driver: %s", c.Camera.Driver)
	}
	switch c.File.Decoder {
	case FileDecoderGoCV, FileDecoderFFmpeg:
	default:
		return fmt.Errorf("unknown file decoder: %s", c.File.Decoder)
	}
	return nil
}
