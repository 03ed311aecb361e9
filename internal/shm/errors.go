package shm

import "errors"

var (
	// ErrChannelNotFound is returned when attaching to a topic no writer has created.
	ErrChannelNotFound = errors.New("shm: channel not found")

	// ErrChannelClosed marks normal end of stream. Reads return it once the
	// final version has been consumed; writes return it after Close.
	ErrChannelClosed = errors.New("shm: channel closed")

	// ErrSizeExceeded is returned by Write when the payload is larger than the
	// channel capacity. The previously stored version is left intact.
	ErrSizeExceeded = errors.New("shm: payload exceeds channel capacity")

	// ErrNoNewVersion is returned by a non-blocking read when the stored
	// version is the one this reader already consumed.
	ErrNoNewVersion = errors.New("shm: no new version")

	// ErrNoReaderSlot is returned by Open when every reader slot is taken.
	ErrNoReaderSlot = errors.New("shm: no free reader slot")

	// ErrCorrupt is returned when a mapped region fails its layout checks.
	ErrCorrupt = errors.New("shm: corrupt channel region")
)
