// Package tinycompress writes zlib streams made of stored (uncompressed)
// DEFLATE blocks. The output is readable by any zlib decoder and the writer
// needs no compression tables, which keeps it small enough for firmware.
package tinycompress

import (
	"errors"
	"hash/adler32"
	"io"
)

// maxStoredBlock is the largest payload of one stored DEFLATE block
const maxStoredBlock = 0xFFFF

// ErrClosed is returned by Write after Close
var ErrClosed = errors.New("tinycompress: write after close")

// Writer buffers everything written and emits the zlib stream on Close
type Writer struct {
	output   io.Writer
	inputBuf []byte
	closed   bool
}

// NewWriter creates a new zlib Writer compatible with io.WriteCloser
func NewWriter(w io.Writer) *Writer {
	return &Writer{
		output:   w,
		inputBuf: make([]byte, 0, 1024),
	}
}

// Write implements io.Writer
func (w *Writer) Write(p []byte) (int, error) {
	if w.closed {
		return 0, ErrClosed
	}
	w.inputBuf = append(w.inputBuf, p...)
	return len(p), nil
}

// Close writes the zlib header, the stored blocks and the Adler-32 trailer
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true

	out := make([]byte, 0, len(w.inputBuf)+len(w.inputBuf)/maxStoredBlock*5+11)

	// zlib header: deflate, 32K window, default level; checks as a multiple of 31
	out = append(out, 0x78, 0x9C)

	data := w.inputBuf
	for {
		n := len(data)
		if n > maxStoredBlock {
			n = maxStoredBlock
		}
		var final byte
		if n == len(data) {
			final = 1
		}
		// BFINAL plus BTYPE=00, then LEN and NLEN little endian
		length := uint16(n)
		out = append(out, final, byte(length), byte(length>>8), byte(^length), byte(^length>>8))
		out = append(out, data[:n]...)
		data = data[n:]
		if final == 1 {
			break
		}
	}

	sum := adler32.Checksum(w.inputBuf)
	out = append(out, byte(sum>>24), byte(sum>>16), byte(sum>>8), byte(sum))

	_, err := w.output.Write(out)
	return err
}
