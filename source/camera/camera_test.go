package camera

import (
	"errors"
	"image"
	"sync"
	"testing"
	"time"

	"github.com/allape/camworker/source"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDevice struct {
	mu         sync.Mutex
	openErr    error
	readErr    error
	closeErr   error
	readDelay  time.Duration
	opens      int
	closes     int
	properties map[string]float64
	frame      image.Image
}

func (f *fakeDevice) Open() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opens++
	return f.openErr
}

func (f *fakeDevice) Read() (image.Image, error) {
	f.mu.Lock()
	delay, err, frame := f.readDelay, f.readErr, f.frame
	f.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	if err != nil {
		return nil, err
	}
	return frame, nil
}

func (f *fakeDevice) SetProperty(name string, value float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.properties == nil {
		f.properties = map[string]float64{}
	}
	f.properties[name] = value
	return nil
}

func (f *fakeDevice) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return f.closeErr
}

func newFrame(w, h int, v uint8) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = v
	}
	return img
}

func TestConnectFailure(t *testing.T) {
	dev := &fakeDevice{openErr: errors.New("no camera")}
	s := New(dev, &Options{Name: "cam0", Size: image.Point{X: 8, Y: 6}})

	err := s.Connect()
	require.Error(t, err)
	assert.True(t, source.IsConnectionError(err))
	assert.False(t, s.Healthy())
	assert.False(t, s.Connected())
	assert.Equal(t, source.Hardware, s.Kind())

	_, err = s.Read()
	assert.True(t, source.IsDeviceError(err))
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestConnectReadClose(t *testing.T) {
	dev := &fakeDevice{frame: newFrame(4, 4, 200), closeErr: errors.New("already gone")}
	s := New(dev, &Options{
		Size:       image.Point{X: 8, Y: 6},
		Properties: map[string]float64{"fps": 30},
	})

	require.NoError(t, s.Connect())
	assert.True(t, s.Healthy())
	assert.Equal(t, 30.0, dev.properties["fps"])

	// a second connect on a running source is a no-op
	require.NoError(t, s.Connect())
	assert.Equal(t, 1, dev.opens)

	frame, err := s.Read()
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 8, 6), frame.Bounds())
	assert.Equal(t, uint8(200), frame.GrayAt(3, 3).Y)
	assert.Zero(t, frame.GrayAt(7, 5).Y)

	// teardown errors are suppressed
	assert.NoError(t, s.Close())
	assert.False(t, s.Healthy())
	assert.NoError(t, s.Close())
	assert.Equal(t, 1, dev.closes)
}

func TestReadDeviceError(t *testing.T) {
	dev := &fakeDevice{frame: newFrame(2, 2, 1)}
	s := New(dev, nil)
	require.NoError(t, s.Connect())

	dev.mu.Lock()
	dev.readErr = errors.New("bus reset")
	dev.mu.Unlock()

	_, err := s.Read()
	require.Error(t, err)
	assert.True(t, source.IsDeviceError(err))
	assert.Contains(t, err.Error(), "bus reset")
}

func TestReadTimeout(t *testing.T) {
	dev := &fakeDevice{frame: newFrame(2, 2, 1), readDelay: 200 * time.Millisecond}
	s := New(dev, &Options{ReadTimeout: 10 * time.Millisecond})
	require.NoError(t, s.Connect())

	_, err := s.Read()
	require.Error(t, err)
	assert.True(t, source.IsDeviceError(err))
	assert.ErrorIs(t, err, ErrReadTimeout)
}

func TestSetProperties(t *testing.T) {
	dev := &fakeDevice{frame: newFrame(2, 2, 1)}
	s := New(dev, nil)

	// stored while disconnected, applied on connect
	require.NoError(t, s.SetProperties(map[string]float64{"gain": 3}))
	assert.Empty(t, dev.properties)

	require.NoError(t, s.Connect())
	assert.Equal(t, 3.0, dev.properties["gain"])

	require.NoError(t, s.SetProperties(map[string]float64{"exposure": -2}))
	assert.Equal(t, -2.0, dev.properties["exposure"])
	assert.Equal(t, map[string]float64{"gain": 3, "exposure": -2}, s.Properties())
}

func TestInUse(t *testing.T) {
	s := New(&fakeDevice{}, nil)
	assert.False(t, s.InUse())
	s.SetInUse(true)
	assert.True(t, s.InUse())
}

func TestDummyDevice(t *testing.T) {
	dev := NewDummyDevice(&DummyOptions{Width: 64, Height: 48, FrameRate: 200})
	s := New(dev, &Options{Size: image.Point{X: 64, Y: 48}})

	require.NoError(t, s.Connect())
	for i := 0; i < 3; i++ {
		frame, err := s.Read()
		require.NoError(t, err)
		assert.Equal(t, image.Rect(0, 0, 64, 48), frame.Bounds())
	}

	require.NoError(t, s.SetProperties(map[string]float64{"fps": 100}))
	assert.Equal(t, 100.0, dev.FrameRate)
	assert.Error(t, dev.SetProperty("fps", 0))

	require.NoError(t, s.Close())
	_, err := dev.Read()
	assert.ErrorIs(t, err, ErrDummyClosed)
}

// stuckDevice holds its lock for the whole read, the way a capture driver does.
type stuckDevice struct {
	mu      sync.Mutex
	release chan struct{}
	closes  int
}

func (d *stuckDevice) Open() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return nil
}

func (d *stuckDevice) Read() (image.Image, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	<-d.release
	return newFrame(2, 2, 1), nil
}

func (d *stuckDevice) SetProperty(string, float64) error {
	return nil
}

func (d *stuckDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closes++
	return nil
}

func (d *stuckDevice) Closes() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closes
}

func TestReadTimeoutReleasesStuckDevice(t *testing.T) {
	dev := &stuckDevice{release: make(chan struct{})}
	s := New(dev, &Options{ReadTimeout: 10 * time.Millisecond})
	require.NoError(t, s.Connect())

	_, err := s.Read()
	require.ErrorIs(t, err, ErrReadTimeout)
	assert.False(t, s.Healthy())

	stalled := s.Stalled()
	require.NotNil(t, stalled)

	closed := make(chan struct{})
	go func() {
		_ = s.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(time.Second):
		close(dev.release)
		t.Fatal("Close waited on the stuck read")
	}

	err = s.Connect()
	assert.True(t, source.IsConnectionError(err))
	assert.ErrorIs(t, err, ErrReadStalled)
	assert.Zero(t, dev.Closes())

	close(dev.release)
	select {
	case <-stalled:
	case <-time.After(time.Second):
		t.Fatal("device not released after the read returned")
	}
	assert.Equal(t, 1, dev.Closes())
	assert.Nil(t, s.Stalled())

	require.NoError(t, s.Connect())
	assert.True(t, s.Healthy())
}
