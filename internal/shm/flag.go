package shm

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"
)

const (
	flagWordValue = 1
	flagSize      = 16
)

// RunFlag is the process-wide keep-running flag shared by every role in a
// pipeline run. The creator owns the file and removes it on Close.
type RunFlag struct {
	name   string
	region *region
	owner  bool

	mu   sync.RWMutex // guards the mapping against Close
	once sync.Once
}

// CreateRunFlag creates the flag set to running.
func CreateRunFlag(dir, name string) (*RunFlag, error) {
	if dir == "" {
		dir = DefaultDir
	}
	r, err := createRegion(dir, name, flagSize)
	if err != nil {
		return nil, err
	}
	r.store(flagWordValue, 1)
	r.store(wordMagic, flagMagic)
	return &RunFlag{name: name, region: r, owner: true}, nil
}

// OpenRunFlag attaches to a flag created by another process.
func OpenRunFlag(dir, name string) (*RunFlag, error) {
	if dir == "" {
		dir = DefaultDir
	}
	r, err := openRegion(dir, name, flagMagic, flagSize)
	if err != nil {
		return nil, err
	}
	return &RunFlag{name: name, region: r}, nil
}

// Running reports whether the pipeline should keep going.
func (f *RunFlag) Running() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.region == nil || f.region.mem == nil {
		return false
	}
	return f.region.load(flagWordValue) == 1
}

// Stop clears the flag for every process.
func (f *RunFlag) Stop() {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.region != nil && f.region.mem != nil {
		f.region.store(flagWordValue, 0)
	}
}

// Context returns a context cancelled when the flag clears or parent ends.
// The flag is polled every interval.
func (f *RunFlag) Context(parent context.Context, interval time.Duration) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	if !f.Running() {
		cancel()
		return ctx, cancel
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if !f.Running() {
					cancel()
					return
				}
			}
		}
	}()
	return ctx, cancel
}

// Close unmaps the flag. The owner also clears and unlinks it.
func (f *RunFlag) Close() error {
	var err error
	f.once.Do(func() {
		if f.owner {
			f.Stop()
		}
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.owner {
			if rmErr := os.Remove(f.region.path); rmErr != nil && !os.IsNotExist(rmErr) {
				err = fmt.Errorf("failed to unlink run flag: %w", rmErr)
			}
		}
		if unmapErr := f.region.unmap(); unmapErr != nil && err == nil {
			err = unmapErr
		}
	})
	return err
}
