// Package protocol implements the Klipper-style wire format used by the
// command layer: VLQ argument encoding, scratch and FIFO buffers, and the
// CRC-checked frames of the device link.
package protocol

const (
	// MessageMax bounds a single encoded response batch
	MessageMax = 512

	// MessageSeqMask selects the sequence number in a frame's seq byte
	MessageSeqMask = 0x0F
)
