package source

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/banshee-data/drivepipe/internal/scene"
)

// Capturer yields frames. Capture returns io.EOF at the end of the stream.
type Capturer interface {
	Capture(ctx context.Context) (Frame, error)
}

// SyntheticCapturer renders the scripted drive from package scene.
type SyntheticCapturer struct {
	Width, Height int
	// Limit stops the stream after this many frames; zero means endless.
	Limit  int
	script *scene.Script
	n      int
}

// NewSynthetic returns a synthetic capturer. framesPerPhase sets how long
// each scripted event lasts.
func NewSynthetic(w, h, framesPerPhase, limit int, seed int64) *SyntheticCapturer {
	return &SyntheticCapturer{Width: w, Height: h, Limit: limit, script: scene.NewScript(framesPerPhase, seed)}
}

// Capture implements Capturer.
func (c *SyntheticCapturer) Capture(ctx context.Context) (Frame, error) {
	if err := ctx.Err(); err != nil {
		return Frame{}, err
	}
	if c.Limit > 0 && c.n >= c.Limit {
		return Frame{}, io.EOF
	}
	sc := c.script.At(c.n)
	c.n++
	return Frame{Width: c.Width, Height: c.Height, Pix: scene.Render(sc, c.Width, c.Height)}, nil
}

// Scene returns the scene of the i'th captured frame.
func (c *SyntheticCapturer) Scene(i int) scene.Scene { return c.script.At(i) }

// RawCapturer reads packed RGB frames of a fixed size from a stream, such
// as the rawvideo output of an external decoder.
type RawCapturer struct {
	Width, Height int
	r             *bufio.Reader
	c             io.Closer
}

// OpenRaw opens a raw RGB file. The caller closes the capturer.
func OpenRaw(path string, w, h int) (*RawCapturer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open raw video: %w", err)
	}
	return &RawCapturer{Width: w, Height: h, r: bufio.NewReaderSize(f, 1<<20), c: f}, nil
}

// NewRaw reads frames from r.
func NewRaw(r io.Reader, w, h int) *RawCapturer {
	return &RawCapturer{Width: w, Height: h, r: bufio.NewReader(r)}
}

// Capture implements Capturer. A trailing partial frame is reported as
// io.ErrUnexpectedEOF.
func (c *RawCapturer) Capture(ctx context.Context) (Frame, error) {
	if err := ctx.Err(); err != nil {
		return Frame{}, err
	}
	pix := make([]byte, c.Width*c.Height*3)
	if _, err := io.ReadFull(c.r, pix); err != nil {
		if errors.Is(err, io.EOF) {
			return Frame{}, io.EOF
		}
		return Frame{}, fmt.Errorf("read frame: %w", err)
	}
	return Frame{Width: c.Width, Height: c.Height, Pix: pix}, nil
}

// Close closes the underlying file, if any.
func (c *RawCapturer) Close() error {
	if c.c == nil {
		return nil
	}
	return c.c.Close()
}
