package control

import (
	"context"
	"sync"
	"time"
)

// Handler executes decoded commands.
type Handler interface {
	Exit()
	SetSource(path string) error
	SetCameraConfig(properties map[string]float64) error
}

// Dispatch runs the handler of cmd, an unrecognized command is a ProtocolError.
func Dispatch(h Handler, cmd Command) error {
	switch c := cmd.(type) {
	case Exit:
		h.Exit()
		return nil
	case SetSource:
		return h.SetSource(c.Path)
	case SetCameraConfig:
		return h.SetCameraConfig(c.Properties)
	case Unknown:
		return &ProtocolError{Command: c.Command, Reason: c.Reason}
	case nil:
		return &ProtocolError{Reason: "empty command"}
	default:
		return &ProtocolError{Command: c.Name(), Reason: "no handler"}
	}
}

type ListenerOptions struct {
	// Device is the name of this worker, messages addressed elsewhere are rejected.
	Device string
	// Downstream is the component named in error reports.
	Downstream string
	Poll       time.Duration
	Idle       time.Duration
	// OnError observes every failed dispatch.
	OnError func(cmd Command, err error)
}

// Listener services the inbound queue until stopped.
type Listener struct {
	channel *Channel
	handler Handler
	options ListenerOptions

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func NewListener(channel *Channel, handler Handler, options *ListenerOptions) *Listener {
	if options == nil {
		options = &ListenerOptions{}
	}

	opts := *options
	if opts.Poll <= 0 {
		opts.Poll = 500 * time.Millisecond
	}
	if opts.Idle <= 0 {
		opts.Idle = 30 * time.Millisecond
	}

	return &Listener{
		channel: channel,
		handler: handler,
		options: opts,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Run blocks until Stop is called or ctx is done.
func (s *Listener) Run(ctx context.Context) {
	defer close(s.done)

	l.Info().Println("listener started for", s.options.Device)
	defer l.Info().Println("listener stopped for", s.options.Device)

	poll := time.NewTimer(s.options.Poll)
	defer poll.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		default:
		}

		poll.Reset(s.options.Poll)

		select {
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		case msg := <-s.channel.Inbound():
			poll.Stop()
			s.handle(msg)
		case <-poll.C:
			select {
			case <-s.stop:
				return
			case <-ctx.Done():
				return
			case <-time.After(s.options.Idle):
			}
		}
	}
}

func (s *Listener) handle(msg ControlMessage) {
	l.Verbose().Printf("command %s %T for %q", msg.ID, msg.Command, msg.Target)

	var err error
	if msg.Target != "" && s.options.Device != "" && msg.Target != s.options.Device {
		name := Name("")
		if msg.Command != nil {
			name = msg.Command.Name()
		}
		err = &ProtocolError{Command: name, Reason: "addressed to " + msg.Target}
	} else {
		err = Dispatch(s.handler, msg.Command)
	}

	if err == nil {
		return
	}

	l.Warn().Printf("command %s failed: %v", msg.ID, err)

	if s.options.OnError != nil {
		s.options.OnError(msg.Command, err)
	}

	s.channel.Report(StatusMessage{
		Device:  s.options.Device,
		Command: MsgError,
		Value:   s.options.Downstream,
		Error:   err.Error(),
	})
}

// Stop asks Run to return, it does not wait.
func (s *Listener) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
	})
}

// Done is closed once Run has returned.
func (s *Listener) Done() <-chan struct{} {
	return s.done
}
