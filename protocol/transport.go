package protocol

import "sync"

// Frame layout: len, seq, payload..., crc hi, crc lo, sync
const (
	MessageHeaderSize  = 2
	MessageTrailerSize = 3
	MessageLengthMin   = MessageHeaderSize + MessageTrailerSize
	MessageLengthMax   = 64
	MessageValueSync   = 0x7E
	MessageDest        = 0x10
)

// CommandHandler is a function type for handling decoded commands
type CommandHandler func(cmdID uint16, data *[]byte) error

// Transport is the device side of the framed link: it validates incoming
// frames, dispatches the commands they carry in order and answers every
// frame with an ACK (or, on a sequence mismatch, a NAK naming the expected
// sequence). Responses go out in frames of their own.
type Transport struct {
	mu sync.Mutex

	synced  bool
	nextSeq uint8 // expected from the host, also stamped on outgoing frames

	output  OutputBuffer
	handler CommandHandler

	// OnError, when set, sees every command handler failure
	OnError func(cmdID uint16, err error)
}

// NewTransport creates a Transport writing to output and dispatching to handler
func NewTransport(output OutputBuffer, handler CommandHandler) *Transport {
	return &Transport{
		synced:  true,
		nextSeq: MessageDest,
		output:  output,
		handler: handler,
	}
}

// Receive consumes complete frames from input. A partial frame is left in
// input for the next call.
func (t *Transport) Receive(input InputBuffer) {
	data := input.Data()
	total := len(data)

	for len(data) > 0 {
		t.mu.Lock()
		synced := t.synced
		t.mu.Unlock()

		if !synced {
			data = t.resync(data)
			continue
		}
		if data[0] == MessageValueSync {
			data = data[1:]
			continue
		}
		if len(data) < MessageLengthMin {
			break
		}

		msgLen := int(data[0])
		if msgLen < MessageLengthMin || msgLen > MessageLengthMax || data[1]&^MessageSeqMask != MessageDest {
			t.desync()
			continue
		}
		if len(data) < msgLen {
			break
		}
		if !validFrame(data[:msgLen]) {
			t.desync()
			continue
		}

		seq := data[1]
		frame := data[MessageHeaderSize : msgLen-MessageTrailerSize]
		data = data[msgLen:]
		t.accept(seq, frame)
	}

	input.Pop(total - len(data))
}

// resync drops bytes up to and including the next sync byte
func (t *Transport) resync(data []byte) []byte {
	for i, b := range data {
		if b == MessageValueSync {
			t.mu.Lock()
			t.synced = true
			t.mu.Unlock()
			t.sendAck()
			return data[i+1:]
		}
	}
	return nil
}

func (t *Transport) accept(seq uint8, frame []byte) {
	t.mu.Lock()
	// A host restarting its sequence resets ours
	if seq == MessageDest && t.nextSeq != MessageDest {
		t.nextSeq = MessageDest
	}
	match := seq == t.nextSeq
	if match {
		t.nextSeq = ((seq + 1) & MessageSeqMask) | MessageDest
	}
	t.mu.Unlock()

	if match {
		t.dispatch(frame)
	}
	// Sent either way; with a stale sequence this acts as the NAK
	t.sendAck()
}

// dispatch runs every command in frame. A handler error ends the frame.
func (t *Transport) dispatch(frame []byte) {
	for len(frame) > 0 {
		cmdID, err := DecodeVLQUint(&frame)
		if err != nil {
			t.desync()
			return
		}
		if t.handler == nil {
			continue
		}
		if err := t.handler(uint16(cmdID), &frame); err != nil {
			if t.OnError != nil {
				t.OnError(uint16(cmdID), err)
			}
			return
		}
	}
}

func (t *Transport) sendAck() {
	t.mu.Lock()
	seq := t.nextSeq
	t.mu.Unlock()

	head := []byte{MessageLengthMin, seq}
	crc := CRC16(head)
	t.output.Output(append(head, byte(crc>>8), byte(crc), MessageValueSync))
}

// EncodeFrame writes one frame whose payload is produced by frameData
func (t *Transport) EncodeFrame(frameData func(output OutputBuffer)) {
	t.mu.Lock()
	seq := t.nextSeq
	t.mu.Unlock()

	start := t.output.CurPosition()
	t.output.Output([]byte{0, seq})
	frameData(t.output)

	length := len(t.output.DataSince(start)) + MessageTrailerSize
	t.output.Update(start, uint8(length))

	crc := CRC16(t.output.DataSince(start))
	t.output.Output([]byte{byte(crc >> 8), byte(crc), MessageValueSync})
}

// SendCommand frames a single message: cmdID followed by its arguments
func (t *Transport) SendCommand(cmdID uint16, args func(output OutputBuffer)) {
	t.EncodeFrame(func(output OutputBuffer) {
		EncodeVLQUint(output, uint32(cmdID))
		if args != nil {
			args(output)
		}
	})
}

// Reset returns the link to its power-on state
func (t *Transport) Reset() {
	t.mu.Lock()
	t.synced = true
	t.nextSeq = MessageDest
	t.mu.Unlock()
}

func (t *Transport) desync() {
	t.mu.Lock()
	t.synced = false
	t.mu.Unlock()
}

// validFrame checks the trailing sync byte and the CRC of a complete frame
func validFrame(msg []byte) bool {
	n := len(msg)
	if msg[n-1] != MessageValueSync {
		return false
	}
	want := uint16(msg[n-MessageTrailerSize])<<8 | uint16(msg[n-MessageTrailerSize+1])
	return CRC16(msg[:n-MessageTrailerSize]) == want
}
