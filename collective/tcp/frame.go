package tcp

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/e7canasta/spatial-bottleneck/collective"
)

// kindHello opens a connection. It never appears inside a collective call.
const kindHello collective.Kind = 0xff

// maxFrame bounds a single frame; a larger prefix means a corrupt stream.
const maxFrame = 1 << 30

// frame is the unit on the wire: a 4-byte big-endian length followed by
// the msgpack encoding of frame.
type frame struct {
	Seq     uint64          `msgpack:"seq"`
	Kind    collective.Kind `msgpack:"kind"`
	From    int             `msgpack:"from"`
	Session string          `msgpack:"session"`
	Data    []float64       `msgpack:"data"`
}

func writeFrame(w io.Writer, f *frame) (int, error) {
	body, err := msgpack.Marshal(f)
	if err != nil {
		return 0, fmt.Errorf("marshal frame: %w", err)
	}
	buf := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(buf, uint32(len(body)))
	copy(buf[4:], body)
	if _, err := w.Write(buf); err != nil {
		return 0, fmt.Errorf("write frame: %w", err)
	}
	return len(buf), nil
}

func readFrame(r io.Reader) (*frame, int, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, 0, fmt.Errorf("read length prefix: %w", err)
	}
	n := binary.BigEndian.Uint32(prefix[:])
	if n > maxFrame {
		return nil, 0, fmt.Errorf("frame of %d bytes exceeds limit", n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, 0, fmt.Errorf("read frame body (%d bytes): %w", n, err)
	}
	f := new(frame)
	if err := msgpack.Unmarshal(body, f); err != nil {
		return nil, 0, fmt.Errorf("unmarshal frame: %w", err)
	}
	return f, 4 + int(n), nil
}
