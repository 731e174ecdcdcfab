package core

// Parity selects the optional parity bit appended to each serial frame
type Parity uint8

const (
	ParityNone Parity = iota // no parity bit
	ParityEven               // total number of 1 bits, parity included, is even
	ParityOdd                // total number of 1 bits, parity included, is odd
)

func (p Parity) String() string {
	switch p {
	case ParityNone:
		return "none"
	case ParityEven:
		return "even"
	case ParityOdd:
		return "odd"
	}
	return "invalid"
}

// SerialConfig holds the frame format of a software serial port.
// Zero values for DataBits and StopBits mean 8 and 1.
type SerialConfig struct {
	Baud     uint32
	DataBits uint8  // 5-8
	Parity   Parity // ParityNone, ParityEven or ParityOdd
	StopBits uint8  // 1 or 2
	MSBFirst bool   // data bits are sent LSB first unless set
}

// DefaultSerialConfig returns 8N1 at the given baud rate
func DefaultSerialConfig(baud uint32) SerialConfig {
	return SerialConfig{
		Baud:     baud,
		DataBits: 8,
		Parity:   ParityNone,
		StopBits: 1,
	}
}

// Serial is the byte-oriented asynchronous serial capability
type Serial interface {
	// WriteByte sends one frame
	WriteByte(b byte) error

	// ReadByte blocks until one frame has been received
	ReadByte() (byte, error)
}
