package ingest

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"
)

type streamType byte

const (
	streamStdin  streamType = 0
	streamStdout streamType = 1
	streamStderr streamType = 2
)

const headerLen = 8

// frameScanner demultiplexes the Docker engine's multiplexed log stream:
// each frame is an 8-byte header (1-byte stream type, 3 bytes padding,
// 4-byte big-endian payload size) followed by that many bytes of payload.
type frameScanner struct {
	r      *bufio.Reader
	header [headerLen]byte
}

func newFrameScanner(r io.Reader) *frameScanner {
	return &frameScanner{r: bufio.NewReaderSize(r, 32*1024)}
}

func (f *frameScanner) next() (streamType, []byte, error) {
	if _, err := io.ReadFull(f.r, f.header[:]); err != nil {
		return 0, nil, err
	}
	size := binary.BigEndian.Uint32(f.header[4:8])
	if size == 0 {
		return streamType(f.header[0]), nil, nil
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(f.r, payload); err != nil {
		return 0, nil, err
	}
	return streamType(f.header[0]), payload, nil
}

// demux reads frames from r until EOF or error, splitting payloads on
// newlines and sending complete lines to out. Any trailing partial line
// left when the stream ends is flushed as a final line.
func demux(r io.Reader, out chan<- string) error {
	scanner := newFrameScanner(r)
	var partial []byte

	for {
		_, payload, err := scanner.next()
		if err != nil {
			if err == io.EOF {
				if len(partial) > 0 {
					out <- string(partial)
				}
				return nil
			}
			return err
		}
		if len(payload) == 0 {
			continue
		}

		partial = append(partial, payload...)
		for {
			idx := bytes.IndexByte(partial, '\n')
			if idx < 0 {
				break
			}
			out <- string(partial[:idx])
			partial = partial[idx+1:]
		}
	}
}
