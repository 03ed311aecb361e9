package source

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// frameMagic tags frame payloads so a snapshot published on the wrong
// topic is rejected rather than misread as pixels.
const frameMagic = 0x46524d31 // "FRM1"

const frameHeader = 16

// ErrBadFrame is returned for payloads that are not encoded frames.
var ErrBadFrame = errors.New("malformed frame payload")

// Frame is one captured RGB image, packed row-major, 3 bytes per pixel.
type Frame struct {
	Width  int
	Height int
	Pix    []byte
}

// PayloadSize returns the channel capacity needed for a w×h frame.
func PayloadSize(w, h int) int { return frameHeader + w*h*3 }

// Encode lays out the frame for the frame channel: magic, width, height,
// reserved, then pixels.
func (f Frame) Encode() ([]byte, error) {
	if len(f.Pix) != f.Width*f.Height*3 {
		return nil, fmt.Errorf("%w: %dx%d frame has %d bytes", ErrBadFrame, f.Width, f.Height, len(f.Pix))
	}
	buf := make([]byte, PayloadSize(f.Width, f.Height))
	binary.LittleEndian.PutUint32(buf[0:], frameMagic)
	binary.LittleEndian.PutUint32(buf[4:], uint32(f.Width))
	binary.LittleEndian.PutUint32(buf[8:], uint32(f.Height))
	copy(buf[frameHeader:], f.Pix)
	return buf, nil
}

// DecodeFrame parses a frame channel payload. The returned pixels alias data.
func DecodeFrame(data []byte) (Frame, error) {
	if len(data) < frameHeader || binary.LittleEndian.Uint32(data) != frameMagic {
		return Frame{}, ErrBadFrame
	}
	w := int(binary.LittleEndian.Uint32(data[4:]))
	h := int(binary.LittleEndian.Uint32(data[8:]))
	if len(data) != PayloadSize(w, h) {
		return Frame{}, fmt.Errorf("%w: %dx%d frame in %d bytes", ErrBadFrame, w, h, len(data))
	}
	return Frame{Width: w, Height: h, Pix: data[frameHeader:]}, nil
}
