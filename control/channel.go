// Package control carries commands from the supervisor to the worker and status messages back.
package control

import (
	"context"
	"sync/atomic"

	"github.com/allape/gogger"
)

var l = gogger.New("control")

// Channel is the inbound command queue, many producers one consumer,
// and the outbound status queue, one producer one consumer.
type Channel struct {
	in  chan ControlMessage
	out chan StatusMessage

	dropped atomic.Uint64
}

func NewChannel(inboundSize, outboundSize int) *Channel {
	return &Channel{
		in:  make(chan ControlMessage, inboundSize),
		out: make(chan StatusMessage, outboundSize),
	}
}

// Submit queues msg, blocking until there is room or ctx is done.
func (c *Channel) Submit(ctx context.Context, msg ControlMessage) error {
	select {
	case c.in <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TrySubmit queues msg or fails with ErrQueueFull.
func (c *Channel) TrySubmit(msg ControlMessage) error {
	select {
	case c.in <- msg:
		return nil
	default:
		return ErrQueueFull
	}
}

func (c *Channel) Inbound() <-chan ControlMessage {
	return c.in
}

// Report never blocks, a message that does not fit is dropped and counted.
func (c *Channel) Report(msg StatusMessage) bool {
	select {
	case c.out <- msg:
		return true
	default:
		n := c.dropped.Add(1)
		l.Warn().Printf("outbound queue full, dropped %s from %s, %d dropped so far", msg.Command, msg.Device, n)
		return false
	}
}

func (c *Channel) Outbound() <-chan StatusMessage {
	return c.out
}

func (c *Channel) Dropped() uint64 {
	return c.dropped.Load()
}
