package file

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/allape/camworker/config"
)

// MJPEGReader splits a concatenated JPEG stream, such as ffmpeg's mjpeg muxer output, into frames.
type MJPEGReader struct {
	reader *bufio.Reader
	frame  []byte

	StartMarker []byte
	EndMarker   []byte
}

func NewMJPEGReader(r io.Reader) *MJPEGReader {
	return &MJPEGReader{
		reader:      bufio.NewReaderSize(r, 64*1024),
		StartMarker: []byte{0xff, 0xd8},
		EndMarker:   []byte{0xff, 0xd9},
	}
}

// NextJPEG returns the raw bytes of the next frame, the slice is reused by the following call.
func (m *MJPEGReader) NextJPEG() ([]byte, error) {
	m.frame = m.frame[:0]
	started := false

	for {
		b, err := m.reader.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) && started {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}

		m.frame = append(m.frame, b)

		if !started {
			if bytes.HasSuffix(m.frame, m.StartMarker) {
				started = true
				m.frame = append(m.frame[:0], m.StartMarker...)
			} else if len(m.frame) >= len(m.StartMarker) {
				// keep only what could still be the beginning of a start marker
				m.frame = append(m.frame[:0], m.frame[len(m.frame)-len(m.StartMarker)+1:]...)
			}
			continue
		}

		if len(m.frame) > len(m.StartMarker) && bytes.HasSuffix(m.frame, m.EndMarker) {
			return m.frame, nil
		}
	}
}

func (m *MJPEGReader) Next() (image.Image, error) {
	buf, err := m.NextJPEG()
	if err != nil {
		return nil, err
	}
	return jpeg.Decode(bytes.NewReader(buf))
}

// FFmpegDecoder decodes a recorded file by piping it through an ffmpeg process.
type FFmpegDecoder struct {
	*MJPEGReader

	locker sync.Locker
	cmd    *exec.Cmd
	// stderr is closed once the stderr pipe has been drained
	stderr chan struct{}
}

func (d *FFmpegDecoder) Close() error {
	d.locker.Lock()
	defer d.locker.Unlock()

	if d.cmd == nil {
		return nil
	}

	cmd := d.cmd
	d.cmd = nil

	if cmd.ProcessState == nil {
		_ = cmd.Process.Kill()
	}
	// Wait closes the pipes, every read from them has to be done by then
	<-d.stderr
	_ = cmd.Wait()

	return nil
}

// OpenFFmpeg returns an Opener running command, "$INPUT" in command is replaced with the file path.
func OpenFFmpeg(command config.ShellCommand) Opener {
	return func(path string) (Decoder, error) {
		stat, err := os.Stat(path)
		if err != nil {
			return nil, err
		} else if stat.IsDir() {
			return nil, fmt.Errorf("%s is a directory", path)
		}

		cmd, err := command.ToCommand(path)
		if err != nil {
			return nil, err
		}

		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, err
		}
		stderr, err := cmd.StderrPipe()
		if err != nil {
			return nil, err
		}

		l.Verbose().Println(cmd.Path, cmd.Args)

		err = cmd.Start()
		if err != nil {
			return nil, err
		}

		drained := make(chan struct{})
		go func() {
			defer close(drained)
			buf := make([]byte, 1024)
			for {
				n, err := stderr.Read(buf)
				if err != nil {
					if !errors.Is(err, io.EOF) {
						l.Verbose().Println(err)
					}
					return
				}
				l.Verbose().Print(string(buf[:n]))
			}
		}()

		return &FFmpegDecoder{
			MJPEGReader: NewMJPEGReader(stdout),
			locker:      &sync.Mutex{},
			cmd:         cmd,
			stderr:      drained,
		}, nil
	}
}
