package canhub

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// Frame represents a classical CAN (2.0A/2.0B) frame.
//
// Supported features:
//   - Standard (11-bit) and Extended (29-bit) identifiers
//   - Data frames and Remote Transmission Request (RTR)
//   - Error frames (Error carries the error class bits)
//   - Data length 0-8 bytes (classical CAN)
//
// Not implemented: CAN FD specific fields.
type Frame struct {
	ID       uint32 // 11-bit (std) or 29-bit (ext)
	Extended bool   // true for 29-bit identifier
	RTR      bool   // remote transmission request
	Len      uint8  // 0..8
	Data     [8]byte
	Error    uint32 // error class, 0 for data and remote frames
}

// Validation limits.
const (
	maxStdID = 0x7FF
	maxExtID = 0x1FFFFFFF
)

// Linux can_frame identifier flags.
const (
	canEffFlag = 0x80000000
	canRtrFlag = 0x40000000
	canErrFlag = 0x20000000
)

// FrameSize is the length of the binary can_frame encoding.
const FrameSize = 16

// Validate returns an ErrInvalidParam wrapped error if the frame is not valid.
func (f Frame) Validate() error {
	if f.Len > 8 {
		return fmt.Errorf("%w: data length %d", ErrInvalidParam, f.Len)
	}
	if f.Error > maxExtID {
		return fmt.Errorf("%w: error class %#x", ErrInvalidParam, f.Error)
	}
	limit := uint32(maxStdID)
	if f.Extended {
		limit = maxExtID
	}
	if f.ID > limit {
		return fmt.Errorf("%w: identifier %#x", ErrInvalidParam, f.ID)
	}
	return nil
}

// IsError reports whether f is an error frame.
func (f Frame) IsError() bool { return f.Error != 0 }

// Payload returns the valid data bytes.
func (f *Frame) Payload() []byte {
	n := f.Len
	if n > 8 {
		n = 8
	}
	return f.Data[:n]
}

// MustFrame constructs a Frame and panics if invalid. Identifiers above 0x7FF
// produce an extended frame.
func MustFrame(id uint32, data []byte) Frame {
	var f Frame
	f.ID = id
	if id > maxStdID {
		f.Extended = true
	}
	if len(data) > 8 {
		panic(fmt.Errorf("%w: data length %d", ErrInvalidParam, len(data)))
	}
	f.Len = uint8(len(data))
	copy(f.Data[:], data)
	if err := f.Validate(); err != nil {
		panic(err)
	}
	return f
}

// ParseFrame parses the cansend text form: "<id>#<data>" or "<id>#R" for a
// remote frame. An identifier written with 8 hex digits (or above 0x7FF) is
// extended. Data bytes may be separated by dots ("123#DE.AD").
func ParseFrame(s string) (Frame, error) {
	idPart, dataPart, ok := strings.Cut(strings.TrimSpace(s), "#")
	if !ok || idPart == "" {
		return Frame{}, fmt.Errorf("%w: frame %q: missing '#'", ErrInvalidParam, s)
	}
	id, err := strconv.ParseUint(idPart, 16, 32)
	if err != nil {
		return Frame{}, fmt.Errorf("%w: frame %q: %v", ErrInvalidParam, s, err)
	}

	var f Frame
	f.ID = uint32(id)
	f.Extended = len(idPart) == 8 || f.ID > maxStdID

	if strings.HasPrefix(dataPart, "R") {
		f.RTR = true
		if rest := dataPart[1:]; rest != "" {
			n, err := strconv.ParseUint(rest, 10, 8)
			if err != nil || n > 8 {
				return Frame{}, fmt.Errorf("%w: frame %q: bad remote length", ErrInvalidParam, s)
			}
			f.Len = uint8(n)
		}
		return f, f.Validate()
	}

	raw, err := hex.DecodeString(strings.ReplaceAll(dataPart, ".", ""))
	if err != nil {
		return Frame{}, fmt.Errorf("%w: frame %q: %v", ErrInvalidParam, s, err)
	}
	if len(raw) > 8 {
		return Frame{}, fmt.Errorf("%w: frame %q: %d data bytes", ErrInvalidParam, s, len(raw))
	}
	f.Len = uint8(len(raw))
	copy(f.Data[:], raw)
	return f, f.Validate()
}

// String renders the frame as "ID [LEN] DATA", with 3 hex digits for standard
// and 8 for extended identifiers, e.g. "123 [2] DE AD" or "1ABCDEFF [0] RTR".
func (f Frame) String() string {
	var b strings.Builder
	if f.IsError() {
		fmt.Fprintf(&b, "ERR %08X [%d]", f.Error, f.Len)
	} else if f.Extended {
		fmt.Fprintf(&b, "%08X [%d]", f.ID, f.Len)
	} else {
		fmt.Fprintf(&b, "%03X [%d]", f.ID, f.Len)
	}
	if f.RTR {
		b.WriteString(" RTR")
		return b.String()
	}
	for _, d := range f.Payload() {
		fmt.Fprintf(&b, " %02X", d)
	}
	return b.String()
}

// MarshalBinary encodes the frame to the Linux SocketCAN "struct can_frame"
// layout (16 bytes).
//
// Layout (little-endian):
//
//	0..3  can_id (with flags: EFF/RTR/ERR)
//	4     can_dlc (data length code)
//	5..7  padding (set to zero)
//	8..15 data bytes
func (f Frame) MarshalBinary() ([]byte, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	id := f.ID
	switch {
	case f.IsError():
		id = f.Error | canErrFlag
	case f.Extended:
		id |= canEffFlag
	}
	if f.RTR {
		id |= canRtrFlag
	}
	buf := make([]byte, FrameSize)
	binary.LittleEndian.PutUint32(buf[0:4], id)
	buf[4] = f.Len
	copy(buf[8:16], f.Data[:])
	return buf, nil
}

// UnmarshalBinary decodes a frame from the Linux SocketCAN can_frame layout.
func (f *Frame) UnmarshalBinary(data []byte) error {
	if len(data) < FrameSize {
		return fmt.Errorf("%w: need %d bytes, got %d", ErrInvalidParam, FrameSize, len(data))
	}
	id := binary.LittleEndian.Uint32(data[0:4])
	*f = Frame{}
	f.RTR = id&canRtrFlag != 0
	switch {
	case id&canErrFlag != 0:
		f.Error = id & maxExtID
	case id&canEffFlag != 0:
		f.Extended = true
		f.ID = id & maxExtID
	default:
		f.ID = id & maxStdID
	}
	f.Len = data[4]
	copy(f.Data[:], data[8:16])
	return f.Validate()
}
