// Package shm is the canonical frame buffer shared between the acquisition worker and its consumer.
//
// Region layout, little endian, every word accessed atomically:
//
//	0  can_produce uint32
//	4  can_consume uint32
//	8  sync latch  uint32
//	16 width       uint32
//	20 height      uint32
//	24 sequence    uint64
//	64 pixels      width*height bytes, one channel
//
// The handshake is correct for exactly one producer and one consumer.
// can_produce and can_consume are never both set: each side clears its own flag before raising the other one.
package shm

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/allape/gogger"
	"golang.org/x/sys/unix"
)

var l = gogger.New("shm")

const (
	offCanProduce = 0
	offCanConsume = 4
	offLatch      = 8
	offWidth      = 16
	offHeight     = 20
	offSequence   = 24

	HeaderSize = 64
)

var ErrShape = errors.New("frame does not match the canonical shape")

type Buffer struct {
	region []byte
	pix    []byte
	size   image.Point
	unmap  func() error
}

func RegionSize(size image.Point) int {
	return HeaderSize + size.X*size.Y
}

// New keeps the region in process memory.
func New(size image.Point) *Buffer {
	n := RegionSize(size)
	// uint64 backing keeps the header words aligned
	backing := make([]uint64, (n+7)/8)
	region := unsafe.Slice((*byte)(unsafe.Pointer(&backing[0])), n)

	b := wrap(region, size, nil)
	b.reset()
	return b
}

// Create maps path (usually under /dev/shm) as a fresh region owned by the producer.
func Create(path string, size image.Point) (*Buffer, error) {
	n := RegionSize(size)

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = f.Close()
	}()

	err = f.Truncate(int64(n))
	if err != nil {
		return nil, err
	}

	region, err := unix.Mmap(int(f.Fd()), 0, n, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap %s: %w", path, err)
	}

	b := wrap(region, size, func() error {
		return unix.Munmap(region)
	})
	b.reset()

	l.Info().Printf("frame region %s mapped, %dx%d", path, size.X, size.Y)

	return b, nil
}

// Open maps a region created by another process, its shape is read from the header.
func Open(path string) (*Buffer, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = f.Close()
	}()

	stat, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if stat.Size() < HeaderSize {
		return nil, fmt.Errorf("%s is not a frame region", path)
	}

	region, err := unix.Mmap(int(f.Fd()), 0, int(stat.Size()), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap %s: %w", path, err)
	}

	size := image.Point{
		X: int(atomic.LoadUint32(word(region, offWidth))),
		Y: int(atomic.LoadUint32(word(region, offHeight))),
	}
	if RegionSize(size) > len(region) {
		_ = unix.Munmap(region)
		return nil, fmt.Errorf("%s header claims %dx%d, region is %d bytes", path, size.X, size.Y, len(region))
	}

	return wrap(region, size, func() error {
		return unix.Munmap(region)
	}), nil
}

func wrap(region []byte, size image.Point, unmap func() error) *Buffer {
	return &Buffer{
		region: region,
		pix:    region[HeaderSize : HeaderSize+size.X*size.Y],
		size:   size,
		unmap:  unmap,
	}
}

func word(region []byte, off int) *uint32 {
	return (*uint32)(unsafe.Pointer(&region[off]))
}

func (b *Buffer) word(off int) *uint32 {
	return word(b.region, off)
}

func (b *Buffer) sequence() *uint64 {
	return (*uint64)(unsafe.Pointer(&b.region[offSequence]))
}

func (b *Buffer) reset() {
	atomic.StoreUint32(b.word(offCanConsume), 0)
	atomic.StoreUint32(b.word(offLatch), 0)
	atomic.StoreUint32(b.word(offWidth), uint32(b.size.X))
	atomic.StoreUint32(b.word(offHeight), uint32(b.size.Y))
	atomic.StoreUint64(b.sequence(), 0)
	atomic.StoreUint32(b.word(offCanProduce), 1)
}

func (b *Buffer) Size() image.Point {
	return b.size
}

func (b *Buffer) CanProduce() bool {
	return atomic.LoadUint32(b.word(offCanProduce)) == 1
}

func (b *Buffer) CanConsume() bool {
	return atomic.LoadUint32(b.word(offCanConsume)) == 1
}

// Sequence counts the frames marked ready since the region was created.
func (b *Buffer) Sequence() uint64 {
	return atomic.LoadUint64(b.sequence())
}

// Send writes frame into the region.
// The caller must have observed CanProduce, writing otherwise tears the frame being consumed.
func (b *Buffer) Send(frame *image.Gray) error {
	if frame.Rect.Dx() != b.size.X || frame.Rect.Dy() != b.size.Y {
		return fmt.Errorf("%w: %dx%d, want %dx%d", ErrShape, frame.Rect.Dx(), frame.Rect.Dy(), b.size.X, b.size.Y)
	}

	w := b.size.X
	if frame.Stride == w {
		copy(b.pix, frame.Pix[:w*b.size.Y])
		return nil
	}
	for y := 0; y < b.size.Y; y++ {
		from := y * frame.Stride
		copy(b.pix[y*w:(y+1)*w], frame.Pix[from:from+w])
	}
	return nil
}

// MarkReady hands the written frame over to the consumer.
func (b *Buffer) MarkReady() uint64 {
	seq := atomic.AddUint64(b.sequence(), 1)
	atomic.StoreUint32(b.word(offCanProduce), 0)
	atomic.StoreUint32(b.word(offCanConsume), 1)
	return seq
}

// Latch is the sync word the recording collaborator waits on.
func (b *Buffer) Latch() *Latch {
	return &Latch{word: b.word(offLatch)}
}

func (b *Buffer) Consumer() *Consumer {
	return &Consumer{buffer: b}
}

func (b *Buffer) Close() error {
	if b.unmap == nil {
		return nil
	}
	unmap := b.unmap
	b.unmap = nil
	return unmap()
}

// Consumer is the reading side of a Buffer.
type Consumer struct {
	buffer *Buffer
}

// TryRecv drains a ready frame into dst and gives the buffer back to the producer.
func (c *Consumer) TryRecv(dst *image.Gray) (uint64, bool, error) {
	b := c.buffer
	if !b.CanConsume() {
		return 0, false, nil
	}

	if dst.Rect.Dx() != b.size.X || dst.Rect.Dy() != b.size.Y {
		return 0, false, fmt.Errorf("%w: %dx%d, want %dx%d", ErrShape, dst.Rect.Dx(), dst.Rect.Dy(), b.size.X, b.size.Y)
	}

	w := b.size.X
	for y := 0; y < b.size.Y; y++ {
		to := y * dst.Stride
		copy(dst.Pix[to:to+w], b.pix[y*w:(y+1)*w])
	}
	seq := b.Sequence()

	atomic.StoreUint32(b.word(offCanConsume), 0)
	atomic.StoreUint32(b.word(offCanProduce), 1)

	return seq, true, nil
}

// Recv polls every interval until a frame is ready or ctx is done.
func (c *Consumer) Recv(ctx context.Context, dst *image.Gray, interval time.Duration) (uint64, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		seq, ok, err := c.TryRecv(dst)
		if err != nil || ok {
			return seq, err
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Latch is a single boolean word inside the region.
type Latch struct {
	word *uint32
}

func (t *Latch) Set() {
	atomic.StoreUint32(t.word, 1)
}

func (t *Latch) IsSet() bool {
	return atomic.LoadUint32(t.word) == 1
}

// Take clears the latch and reports whether it was set.
func (t *Latch) Take() bool {
	return atomic.SwapUint32(t.word, 0) == 1
}
