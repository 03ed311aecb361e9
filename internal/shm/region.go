package shm

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/banshee-data/drivepipe/internal/security"
)

const (
	channelMagic uint64 = 0x6472697665706970 // "drivepip"
	flagMagic    uint64 = 0x6472697665666c67 // "driveflg"

	wordMagic    = 0
	wordCapacity = 1
	wordSeq      = 2
	wordVersion  = 3
	wordLength   = 4
	wordFlags    = 5
	wordPolicy   = 6
	wordCount    = 7
	wordWriter   = 8

	slotBase  = 16
	slotWords = 3

	// MaxReaders is the number of reader slots in every channel.
	MaxReaders = 32

	dataOffset = 1024

	flagClosed uint64 = 1

	slotFree     uint64 = 0
	slotActive   uint64 = 1
	slotClaiming uint64 = 2
)

// DefaultDir is where channel files live when Options.Dir is empty.
var DefaultDir = defaultDir()

func defaultDir() string {
	if fi, err := os.Stat("/dev/shm"); err == nil && fi.IsDir() {
		return "/dev/shm/drivepipe"
	}
	return filepath.Join(os.TempDir(), "drivepipe")
}

// Options configures channel creation and attachment. Zero values take defaults.
type Options struct {
	// Dir holds the channel files. Default DefaultDir.
	Dir string
	// Capacity is the maximum payload size in bytes. Writers only.
	Capacity int
	// Policy is the writer wait policy. Writers only.
	Policy WaitPolicy
	// PollInterval caps the backoff of blocking waits. Default 2ms.
	PollInterval time.Duration
	// DrainTimeout bounds how long Close waits for policy readers to consume
	// the final version. Default 2s.
	DrainTimeout time.Duration
}

func (o Options) dir() string {
	if o.Dir == "" {
		return DefaultDir
	}
	return o.Dir
}

func (o Options) pollInterval() time.Duration {
	if o.PollInterval <= 0 {
		return 2 * time.Millisecond
	}
	return o.PollInterval
}

func (o Options) drainTimeout() time.Duration {
	if o.DrainTimeout <= 0 {
		return 2 * time.Second
	}
	return o.DrainTimeout
}

// Path returns the file backing topic under dir.
func Path(dir, topic string) string {
	if dir == "" {
		dir = DefaultDir
	}
	return filepath.Join(dir, topic)
}

func init() {
	// The header must fit ahead of the payload.
	if (slotBase+MaxReaders*slotWords)*8 > dataOffset {
		panic("shm: reader slots overflow header")
	}
}

type region struct {
	path string
	mem  []byte
}

func (r *region) word(i int) *uint64 {
	return (*uint64)(unsafe.Pointer(&r.mem[i*8]))
}

func (r *region) load(i int) uint64     { return atomic.LoadUint64(r.word(i)) }
func (r *region) store(i int, v uint64) { atomic.StoreUint64(r.word(i), v) }

func (r *region) slot(i, field int) *uint64 {
	return r.word(slotBase + i*slotWords + field)
}

func (r *region) payload(n int) []byte {
	return r.mem[dataOffset : dataOffset+n]
}

func (r *region) unmap() error {
	if r.mem == nil {
		return nil
	}
	err := unix.Munmap(r.mem)
	r.mem = nil
	return err
}

// createRegion truncates or creates the file at path and maps size bytes.
func createRegion(dir, topic string, size int) (*region, error) {
	if err := security.ValidateName(topic); err != nil {
		return nil, fmt.Errorf("invalid topic: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create channel directory: %w", err)
	}
	path := Path(dir, topic)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to create channel file: %w", err)
	}
	defer f.Close()
	if err := f.Truncate(int64(size)); err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("failed to size channel file: %w", err)
	}
	mem, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("failed to map channel file: %w", err)
	}
	return &region{path: path, mem: mem}, nil
}

// openRegion maps an existing file and checks its magic word.
func openRegion(dir, topic string, magic uint64, minSize int) (*region, error) {
	if err := security.ValidateName(topic); err != nil {
		return nil, fmt.Errorf("invalid topic: %w", err)
	}
	path := Path(dir, topic)
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrChannelNotFound, topic)
		}
		return nil, fmt.Errorf("failed to open channel file: %w", err)
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat channel file: %w", err)
	}
	if fi.Size() < int64(minSize) {
		// Still being sized by its writer.
		return nil, fmt.Errorf("%w: %s not initialised", ErrChannelNotFound, topic)
	}
	mem, err := unix.Mmap(int(f.Fd()), 0, int(fi.Size()), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("failed to map channel file: %w", err)
	}
	r := &region{path: path, mem: mem}
	if r.load(wordMagic) != magic {
		r.unmap()
		return nil, fmt.Errorf("%w: %s not initialised", ErrChannelNotFound, topic)
	}
	return r, nil
}

// processAlive reports whether pid names a live process. EPERM means the
// process exists but belongs to someone else.
func processAlive(pid uint64) bool {
	if pid == 0 {
		return false
	}
	err := unix.Kill(int(pid), 0)
	return err == nil || errors.Is(err, unix.EPERM)
}
