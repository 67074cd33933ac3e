package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadTOML(t *testing.T) {
	file := filepath.Join(t.TempDir(), "camworker.toml")
	err := os.WriteFile(file, []byte(`
[camera]
driver = "dummy"
frame_rate = 60
read_timeout = "2s"

[camera.properties]
exposure = -4.5

[timing]
reconnect_backoff = "250ms"

[latch]
serial = "/dev/ttyACM0"
ext = 'baud:"115200" pulse:"p"'
`), 0644)
	require.NoError(t, err)

	conf, err := Load(file)
	require.NoError(t, err)

	assert.Equal(t, CameraDummy, conf.Camera.Driver)
	assert.Equal(t, 60.0, conf.Camera.FrameRate)
	assert.Equal(t, 2*time.Second, conf.Camera.ReadTimeout.D())
	assert.Equal(t, -4.5, conf.Camera.Properties["exposure"])
	assert.Equal(t, 250*time.Millisecond, conf.Timing.ReconnectBackoff.D())
	// untouched keys keep their defaults
	assert.Equal(t, 30*time.Millisecond, conf.Timing.ListenerIdle.D())
	assert.Equal(t, 640, conf.Frame.Width)

	baud, err := conf.Latch.Ext.GetBaud(9600)
	require.NoError(t, err)
	assert.Equal(t, 115200, baud)
	assert.Equal(t, byte('p'), conf.Latch.Ext.GetPulse())
}

func TestLoadYAML(t *testing.T) {
	file := filepath.Join(t.TempDir(), "camworker.yaml")
	err := os.WriteFile(file, []byte(`
frame:
  width: 320
  height: 240
file:
  decoder: ffmpeg
  pacing: 40ms
`), 0644)
	require.NoError(t, err)

	conf, err := Load(file)
	require.NoError(t, err)

	assert.Equal(t, 320, conf.Frame.Width)
	assert.Equal(t, 240, conf.Frame.Height)
	assert.Equal(t, FileDecoderFFmpeg, conf.File.Decoder)
	assert.Equal(t, 40*time.Millisecond, conf.File.Pacing.D())
}

func TestLoadMissingUsesDefaults(t *testing.T) {
	conf, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), conf)
}

func TestLoadRejectsUnknownDriver(t *testing.T) {
	file := filepath.Join(t.TempDir(), "camworker.toml")
	require.NoError(t, os.WriteFile(file, []byte("[camera]\ndriver = \"v4l9\"\n"), 0644))

	_, err := Load(file)
	assert.Error(t, err)
}

func TestShellCommand(t *testing.T) {
	cmd, err := Default().File.FFmpeg.ToCommand("clip.mp4")
	require.NoError(t, err)
	assert.Contains(t, cmd.Args, "clip.mp4")
	assert.NotContains(t, cmd.Args, "$INPUT")

	_, err = ShellCommand{}.ToCommand("clip.mp4")
	assert.Error(t, err)
}
