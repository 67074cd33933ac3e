// Package worker owns the active frame source and hands every acquired frame to the consumer.
package worker

import (
	"context"
	"errors"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"github.com/allape/camworker/config"
	"github.com/allape/camworker/control"
	"github.com/allape/camworker/latch"
	"github.com/allape/camworker/metrics"
	"github.com/allape/camworker/preview"
	"github.com/allape/camworker/source"
	"github.com/allape/gogger"
)

var l = gogger.New("worker")

type State string

const (
	Disconnected  State = "disconnected"
	ConnectedIdle State = "connected_idle"
	Acquiring     State = "acquiring"
	Switching     State = "switching"
	ShuttingDown  State = "shutting_down"
)

var States = []string{
	string(Disconnected),
	string(ConnectedIdle),
	string(Acquiring),
	string(Switching),
	string(ShuttingDown),
}

var ErrNoHardware = errors.New("no hardware source configured")

// Buffer is the producer side of the shared frame buffer.
type Buffer interface {
	CanProduce() bool
	Send(frame *image.Gray) error
	MarkReady() uint64
}

// Hardware is the live camera source, it stays connected while a file source is active.
type Hardware interface {
	source.Source
	InUse() bool
	SetInUse(inUse bool)
	SetProperties(properties map[string]float64) error
}

// FileOpener builds an unconnected file source for path.
type FileOpener func(path string) source.Source

type Options struct {
	Name       string
	Downstream string
	Timing     config.Timing

	// Hardware may be nil, the worker then waits for a file source.
	Hardware Hardware
	OpenFile FileOpener

	Buffer  Buffer
	Channel *control.Channel
	Latch   latch.Latch
	Preview *preview.Store
	Metrics *metrics.Metrics
}

type Status struct {
	Name                string      `json:"name"`
	State               State       `json:"state"`
	Source              source.Kind `json:"source,omitempty"`
	Path                string      `json:"path,omitempty"`
	Frames              uint64      `json:"frames"`
	Sequence            uint64      `json:"sequence"`
	HardwareConnected   bool        `json:"hardware_connected"`
	RecomputeBackground bool        `json:"recompute_background"`
	LastError           string      `json:"last_error,omitempty"`
	Dropped             uint64      `json:"dropped_status_messages"`
}

type Worker struct {
	options  Options
	listener *control.Listener

	// locker guards the active source and everything the loop touches during one step
	locker sync.Locker
	active source.Source

	recomputeBackground atomic.Bool

	statusLocker sync.Locker
	state        State
	sourceKind   source.Kind
	sourcePath   string
	lastError    string

	frames   atomic.Uint64
	sequence atomic.Uint64

	stopping atomic.Bool
	exit     chan struct{}
	exitOnce sync.Once

	reconnectFailures int
}

func New(options *Options) (*Worker, error) {
	if options == nil {
		return nil, errors.New("nil options")
	}
	if options.Buffer == nil {
		return nil, errors.New("no frame buffer")
	}
	if options.Channel == nil {
		return nil, errors.New("no control channel")
	}
	if options.OpenFile == nil {
		return nil, errors.New("no file opener")
	}

	opts := *options
	if opts.Name == "" {
		opts.Name = config.Default().Worker.Name
	}
	if opts.Downstream == "" {
		opts.Downstream = config.Default().Worker.Downstream
	}
	if opts.Latch == nil {
		opts.Latch = latch.Nop{}
	}
	opts.Timing = withDefaults(opts.Timing)

	w := &Worker{
		options:      opts,
		locker:       &sync.Mutex{},
		statusLocker: &sync.Mutex{},
		state:        Disconnected,
		exit:         make(chan struct{}),
	}

	w.listener = control.NewListener(opts.Channel, w, &control.ListenerOptions{
		Device:     opts.Name,
		Downstream: opts.Downstream,
		Poll:       opts.Timing.ListenerPoll.D(),
		Idle:       opts.Timing.ListenerIdle.D(),
		OnError: func(cmd control.Command, err error) {
			opts.Metrics.CommandError(commandLabel(cmd))
			w.setLastError(err)
		},
	})

	return w, nil
}

// commandLabel keeps the metric label set bounded, names of unknown commands come from the outside.
func commandLabel(cmd control.Command) string {
	switch cmd.(type) {
	case control.Exit, control.SetSource, control.SetCameraConfig:
		return string(cmd.Name())
	default:
		return "unknown"
	}
}

func withDefaults(t config.Timing) config.Timing {
	d := config.Default().Timing
	if t.ReconnectBackoff <= 0 {
		t.ReconnectBackoff = d.ReconnectBackoff
	}
	if t.BackpressureIdle <= 0 {
		t.BackpressureIdle = d.BackpressureIdle
	}
	if t.EndOfSourceIdle <= 0 {
		t.EndOfSourceIdle = d.EndOfSourceIdle
	}
	if t.ListenerPoll <= 0 {
		t.ListenerPoll = d.ListenerPoll
	}
	if t.ListenerIdle <= 0 {
		t.ListenerIdle = d.ListenerIdle
	}
	if t.ShutdownPoll <= 0 {
		t.ShutdownPoll = d.ShutdownPoll
	}
	return t
}

// Run starts the listener and the acquisition loop, it returns after EXIT or ctx cancellation
// once the hardware is closed and the listener has terminated.
func (w *Worker) Run(ctx context.Context) error {
	go w.listener.Run(ctx)

	w.start()

	for w.tick(ctx) {
	}

	w.shutdown()

	return nil
}

func (w *Worker) start() {
	w.locker.Lock()
	defer w.locker.Unlock()

	hw := w.options.Hardware
	if hw == nil {
		l.Warn().Println("no hardware source, waiting for a file source")
		return
	}

	hw.SetInUse(true)
	w.active = hw
	w.setSource(source.Hardware, "")

	err := hw.Connect()
	if err != nil {
		l.Warn().Println("hardware unavailable at startup:", err)
		w.setLastError(err)
		// reported once, reconnect failures are only logged
		w.reportError(err)
		w.setState(Disconnected)
		return
	}

	w.setState(Acquiring)
}

// tick runs one step of the loop and reports whether the loop should go on.
func (w *Worker) tick(ctx context.Context) bool {
	if w.stopping.Load() || ctx.Err() != nil {
		return false
	}

	if w.hardwareNeedsReconnect() {
		if !w.sleep(ctx, w.options.Timing.ReconnectBackoff.D()) {
			return false
		}
		w.reconnect()
		return true
	}

	idle := w.acquire()
	if idle > 0 {
		return w.sleep(ctx, idle)
	}
	return true
}

func (w *Worker) hardwareNeedsReconnect() bool {
	hw := w.options.Hardware
	return hw != nil && hw.InUse() && !hw.Healthy()
}

func (w *Worker) reconnect() {
	w.locker.Lock()
	defer w.locker.Unlock()

	// a SET_SOURCE may have happened during the backoff
	if w.stopping.Load() || !w.hardwareNeedsReconnect() {
		return
	}

	err := w.options.Hardware.Connect()
	w.options.Metrics.Reconnect(err == nil)
	if err != nil {
		w.reconnectFailures++
		if w.reconnectFailures == 1 {
			l.Warn().Println("reconnect failed:", err)
		} else {
			l.Verbose().Println("reconnect failed", w.reconnectFailures, "times:", err)
		}
		w.setLastError(err)
		w.setState(Disconnected)
		return
	}

	l.Info().Println("hardware reconnected after", w.reconnectFailures, "failures")
	w.reconnectFailures = 0
	w.setState(Acquiring)
}

// acquire pulls at most one frame and returns how long to idle before the next tick.
func (w *Worker) acquire() time.Duration {
	w.locker.Lock()
	defer w.locker.Unlock()

	if w.stopping.Load() {
		return 0
	}

	active := w.active
	if active == nil {
		return w.options.Timing.EndOfSourceIdle.D()
	}

	if !w.options.Buffer.CanProduce() {
		w.options.Metrics.Backpressure()
		return w.options.Timing.BackpressureIdle.D()
	}

	start := time.Now()
	frame, err := active.Read()
	if err != nil {
		return w.readFailed(active, err)
	}

	err = w.options.Buffer.Send(frame)
	if err != nil {
		l.Error().Println("dropped frame:", err)
		w.setLastError(err)
		return w.options.Timing.BackpressureIdle.D()
	}
	seq := w.options.Buffer.MarkReady()
	w.options.Latch.Set()

	w.frames.Add(1)
	w.sequence.Store(seq)
	w.options.Metrics.Frame(string(active.Kind()), time.Since(start))
	if w.options.Preview != nil {
		w.options.Preview.Offer(frame, active.Kind(), seq)
	}
	w.setState(Acquiring)

	if w.recomputeBackground.CompareAndSwap(true, false) {
		l.Verbose().Println("first frame from the new source, asking", w.options.Downstream, "for a new background")
		w.options.Channel.Report(control.StatusMessage{
			Device:  w.options.Name,
			Command: control.CmdGetBackground,
			Value:   w.options.Downstream,
		})
	}

	return 0
}

func (w *Worker) readFailed(active source.Source, err error) time.Duration {
	switch {
	case errors.Is(err, source.ErrEndOfSource):
		w.options.Metrics.EndOfSource()
		w.setState(ConnectedIdle)
		return w.options.Timing.EndOfSourceIdle.D()
	case source.IsDeviceError(err):
		l.Error().Println("hardware fault:", err)
		w.options.Metrics.DeviceError()
		// closing clears running, in_use stays so the next tick reconnects
		_ = active.Close()
		w.setState(Disconnected)
	default:
		l.Error().Println("read failed:", err)
	}

	w.setLastError(err)
	w.reportError(err)

	return 0
}

func (w *Worker) reportError(err error) {
	w.options.Channel.Report(control.StatusMessage{
		Device:  w.options.Name,
		Command: control.MsgError,
		Value:   w.options.Downstream,
		Error:   err.Error(),
	})
}

// sleep waits d unless the worker is asked to stop first.
func (w *Worker) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-w.exit:
		return false
	case <-ctx.Done():
		return false
	}
}

func (w *Worker) shutdown() {
	w.stopping.Store(true)
	w.setState(ShuttingDown)

	l.Info().Println("shutting down")

	w.locker.Lock()
	if hw := w.options.Hardware; hw != nil {
		hw.SetInUse(false)
		_ = hw.Close()
	}
	if w.active != nil && w.active != source.Source(w.options.Hardware) {
		_ = w.active.Close()
	}
	w.active = nil
	w.setSource("", "")
	w.locker.Unlock()

	w.listener.Stop()

	ticker := time.NewTicker(w.options.Timing.ShutdownPoll.D())
	defer ticker.Stop()

	for {
		select {
		case <-w.listener.Done():
			l.Info().Println("listener terminated, worker stopped after", w.frames.Load(), "frames")
			return
		case <-ticker.C:
			l.Verbose().Println("waiting for the listener to terminate")
		}
	}
}

// Exit asks the loop to stop, it returns immediately.
func (w *Worker) Exit() {
	w.exitOnce.Do(func() {
		l.Info().Println("exit requested")
		w.stopping.Store(true)
		close(w.exit)
	})
}

// SetSource replaces the active source, an empty path selects the hardware.
// A file that cannot be opened leaves the current source active.
func (w *Worker) SetSource(path string) error {
	if w.stopping.Load() {
		l.Warn().Println("ignoring source switch during shutdown:", path)
		return nil
	}

	var next source.Source
	if path != "" {
		next = w.options.OpenFile(path)
		err := next.Connect()
		if err != nil {
			_ = next.Close()
			return err
		}
	}

	w.locker.Lock()
	defer w.locker.Unlock()

	if w.stopping.Load() {
		if next != nil {
			_ = next.Close()
		}
		l.Warn().Println("ignoring source switch during shutdown:", path)
		return nil
	}

	hw := w.options.Hardware
	if next == nil && hw == nil {
		return ErrNoHardware
	}

	w.setState(Switching)

	if w.active != nil && w.active.Kind() == source.File {
		_ = w.active.Close()
	}

	if next == nil {
		hw.SetInUse(true)
		w.active = hw
		w.setSource(source.Hardware, "")
		l.Info().Println("switched to hardware")
	} else {
		if hw != nil {
			hw.SetInUse(false)
		}
		w.active = next
		w.setSource(source.File, path)
		l.Info().Println("switched to file", path)
	}

	w.recomputeBackground.Store(true)
	w.options.Metrics.SourceSwitch(string(w.active.Kind()))

	if next == nil && !hw.Healthy() {
		w.setState(Disconnected)
	} else {
		w.setState(Acquiring)
	}

	return nil
}

func (w *Worker) SetCameraConfig(properties map[string]float64) error {
	w.locker.Lock()
	defer w.locker.Unlock()

	if w.stopping.Load() {
		l.Warn().Println("ignoring camera config during shutdown")
		return nil
	}

	hw := w.options.Hardware
	if hw == nil {
		return ErrNoHardware
	}

	l.Info().Printf("camera properties: %v", properties)

	return hw.SetProperties(properties)
}

func (w *Worker) setState(state State) {
	w.statusLocker.Lock()
	previous := w.state
	w.state = state
	w.statusLocker.Unlock()

	if previous != state {
		l.Verbose().Println(previous, "->", state)
		w.options.Metrics.SetState(string(state), States)
	}
}

func (w *Worker) setSource(kind source.Kind, path string) {
	w.statusLocker.Lock()
	defer w.statusLocker.Unlock()
	w.sourceKind = kind
	w.sourcePath = path
}

func (w *Worker) setLastError(err error) {
	w.statusLocker.Lock()
	defer w.statusLocker.Unlock()
	w.lastError = err.Error()
}

func (w *Worker) State() State {
	w.statusLocker.Lock()
	defer w.statusLocker.Unlock()
	return w.state
}

// Status never waits on the acquisition loop.
func (w *Worker) Status() Status {
	w.statusLocker.Lock()
	status := Status{
		Name:      w.options.Name,
		State:     w.state,
		Source:    w.sourceKind,
		Path:      w.sourcePath,
		LastError: w.lastError,
	}
	w.statusLocker.Unlock()

	status.Frames = w.frames.Load()
	status.Sequence = w.sequence.Load()
	status.Dropped = w.options.Channel.Dropped()
	if hw := w.options.Hardware; hw != nil {
		status.HardwareConnected = hw.Healthy()
	}
	status.RecomputeBackground = w.recomputeBackground.Load()

	return status
}
