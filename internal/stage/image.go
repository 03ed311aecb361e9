package stage

import (
	"fmt"

	"github.com/banshee-data/drivepipe/internal/snapshot"
)

// working returns the scratch image, seeding it from the frame on first use.
func working(s *snapshot.Snapshot) (*snapshot.Image, error) {
	if s.Scratch != nil {
		return s.Scratch, nil
	}
	if s.Width <= 0 || s.Height <= 0 || len(s.Frame) != s.Width*s.Height*3 {
		return nil, fmt.Errorf("frame %d is %d bytes, want %dx%dx3", s.FrameVersion, len(s.Frame), s.Width, s.Height)
	}
	img := &snapshot.Image{Width: s.Width, Height: s.Height, Channels: 3, Pix: append([]byte(nil), s.Frame...)}
	s.Scratch = img
	return img, nil
}

// gray returns a single-channel version of img.
func gray(img *snapshot.Image) *snapshot.Image {
	if img.Channels == 1 {
		return img
	}
	out := &snapshot.Image{Width: img.Width, Height: img.Height, Channels: 1, Pix: make([]byte, img.Width*img.Height)}
	for i := range out.Pix {
		j := i * img.Channels
		r, g, b := uint32(img.Pix[j]), uint32(img.Pix[j+1]), uint32(img.Pix[j+2])
		// ITU-R BT.601 luma in fixed point.
		out.Pix[i] = byte((299*r + 587*g + 114*b + 500) / 1000)
	}
	return out
}

// showScratch copies the scratch image over the frame for inspection.
func showScratch(s *snapshot.Snapshot) {
	img := s.Scratch
	if img == nil || len(s.Frame) != img.Width*img.Height*3 {
		return
	}
	s.Frame = append([]byte(nil), s.Frame...)
	for i := 0; i < img.Width*img.Height; i++ {
		if img.Channels == 1 {
			v := img.Pix[i]
			s.Frame[i*3], s.Frame[i*3+1], s.Frame[i*3+2] = v, v, v
		} else {
			copy(s.Frame[i*3:i*3+3], img.Pix[i*img.Channels:])
		}
	}
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
