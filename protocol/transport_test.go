package protocol

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

type call struct {
	ID   uint16
	Args []byte
}

// recorder dispatches by consuming one VLQ argument per command
type recorder struct {
	calls []call
	fail  uint16
}

func (r *recorder) handle(cmdID uint16, data *[]byte) error {
	v, err := DecodeVLQUint(data)
	if err != nil {
		return err
	}
	r.calls = append(r.calls, call{ID: cmdID, Args: []byte{byte(v)}})
	if cmdID == r.fail {
		return errors.New("handler failed")
	}
	return nil
}

// hostFrame builds a frame the way a host would, with the given sequence
func hostFrame(seq uint8, cmds ...[2]byte) []byte {
	out := NewScratchOutput()
	host := NewTransport(out, nil)
	host.nextSeq = seq
	host.EncodeFrame(func(o OutputBuffer) {
		for _, c := range cmds {
			EncodeVLQUint(o, uint32(c[0]))
			EncodeVLQUint(o, uint32(c[1]))
		}
	})
	return append([]byte(nil), out.Result()...)
}

func ack(seq uint8) []byte {
	crc := CRC16([]byte{MessageLengthMin, seq})
	return []byte{MessageLengthMin, seq, byte(crc >> 8), byte(crc), MessageValueSync}
}

func TestTransportDispatchesAndAcks(t *testing.T) {
	out := NewScratchOutput()
	rec := &recorder{fail: 0xFFFF}
	tr := NewTransport(out, rec.handle)

	in := NewSliceInputBuffer(hostFrame(MessageDest, [2]byte{3, 42}, [2]byte{4, 7}))
	tr.Receive(in)

	want := []call{{3, []byte{42}}, {4, []byte{7}}}
	if diff := cmp.Diff(want, rec.calls); diff != "" {
		t.Errorf("dispatched commands (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(ack(MessageDest+1), out.Result()); diff != "" {
		t.Errorf("ack (-want +got):\n%s", diff)
	}
	if in.Available() != 0 {
		t.Errorf("%d bytes left unconsumed", in.Available())
	}
}

func TestTransportStaleSequenceIsNaked(t *testing.T) {
	out := NewScratchOutput()
	rec := &recorder{fail: 0xFFFF}
	tr := NewTransport(out, rec.handle)

	tr.Receive(NewSliceInputBuffer(hostFrame(MessageDest, [2]byte{1, 1})))
	out.Reset()
	tr.Receive(NewSliceInputBuffer(hostFrame(MessageDest+5, [2]byte{2, 2})))

	if len(rec.calls) != 1 {
		t.Errorf("out-of-sequence frame dispatched: %+v", rec.calls)
	}
	if diff := cmp.Diff(ack(MessageDest+1), out.Result()); diff != "" {
		t.Errorf("nak should name the expected sequence (-want +got):\n%s", diff)
	}
}

func TestTransportHostRestart(t *testing.T) {
	out := NewScratchOutput()
	rec := &recorder{fail: 0xFFFF}
	tr := NewTransport(out, rec.handle)

	tr.Receive(NewSliceInputBuffer(hostFrame(MessageDest, [2]byte{1, 1})))
	tr.Receive(NewSliceInputBuffer(hostFrame(MessageDest, [2]byte{1, 2})))

	if len(rec.calls) != 2 {
		t.Errorf("restarted sequence not accepted: %+v", rec.calls)
	}
}

func TestTransportPartialFrame(t *testing.T) {
	out := NewScratchOutput()
	rec := &recorder{fail: 0xFFFF}
	tr := NewTransport(out, rec.handle)

	frame := hostFrame(MessageDest, [2]byte{9, 9})
	fifo := NewFifoBuffer(64)
	fifo.Write(frame[:3])
	tr.Receive(fifo)
	if len(rec.calls) != 0 || fifo.Available() != 3 {
		t.Fatalf("partial frame: calls=%d available=%d", len(rec.calls), fifo.Available())
	}

	fifo.Write(frame[3:])
	tr.Receive(fifo)
	if len(rec.calls) != 1 || !fifo.IsEmpty() {
		t.Errorf("completed frame: calls=%d available=%d", len(rec.calls), fifo.Available())
	}
}

func TestTransportCorruptFrameResyncs(t *testing.T) {
	out := NewScratchOutput()
	rec := &recorder{fail: 0xFFFF}
	tr := NewTransport(out, rec.handle)

	bad := hostFrame(MessageDest, [2]byte{1, 1})
	bad[2] ^= 0xFF
	stream := append(bad, hostFrame(MessageDest, [2]byte{2, 2})...)
	tr.Receive(NewSliceInputBuffer(stream))

	want := []call{{2, []byte{2}}}
	if diff := cmp.Diff(want, rec.calls); diff != "" {
		t.Errorf("only the intact frame should run (-want +got):\n%s", diff)
	}
}

func TestTransportHandlerErrorEndsFrame(t *testing.T) {
	out := NewScratchOutput()
	rec := &recorder{fail: 3}
	tr := NewTransport(out, rec.handle)
	var failed []uint16
	tr.OnError = func(cmdID uint16, err error) { failed = append(failed, cmdID) }

	tr.Receive(NewSliceInputBuffer(hostFrame(MessageDest, [2]byte{3, 0}, [2]byte{4, 0})))

	if len(rec.calls) != 1 {
		t.Errorf("commands after a failure ran: %+v", rec.calls)
	}
	if diff := cmp.Diff([]uint16{3}, failed); diff != "" {
		t.Errorf("OnError calls (-want +got):\n%s", diff)
	}
	// The frame is still acknowledged
	if diff := cmp.Diff(ack(MessageDest+1), out.Result()); diff != "" {
		t.Errorf("ack (-want +got):\n%s", diff)
	}
}

func TestSendCommandFraming(t *testing.T) {
	out := NewScratchOutput()
	tr := NewTransport(out, nil)
	tr.SendCommand(5, func(o OutputBuffer) { EncodeVLQBytes(o, []byte{0xAB}) })

	msg := out.Result()
	if int(msg[0]) != len(msg) {
		t.Errorf("length byte %d, frame is %d bytes", msg[0], len(msg))
	}
	if !validFrame(msg) {
		t.Errorf("frame %x fails its own CRC", msg)
	}
	if diff := cmp.Diff([]byte{5, 1, 0xAB}, msg[MessageHeaderSize:len(msg)-MessageTrailerSize]); diff != "" {
		t.Errorf("payload (-want +got):\n%s", diff)
	}
}
