package fs

import (
	"errors"
	"io/fs"
	"math/rand/v2"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

// ChaosConfig controls fault injection.
// Each rate is a float64 from 0.0 (never) to 1.0 (always).
//
// The zero value disables all fault injection.
type ChaosConfig struct {
	// OpenFailRate controls how often Open, Create and OpenFile fail.
	OpenFailRate float64

	// ReadFailRate controls how often ReadFile and File.Read fail with EIO.
	ReadFailRate float64

	// WriteFailRate controls how often File.Write fails, writing zero bytes.
	WriteFailRate float64

	// SyncFailRate controls how often File.Sync fails.
	SyncFailRate float64

	// RenameFailRate controls how often Rename fails.
	RenameFailRate float64

	// RemoveFailRate controls how often Remove and RemoveAll fail.
	RemoveFailRate float64

	// WriteDelay is slept before every File.Write and File.Read, to
	// simulate slow storage for deadline tests.
	WriteDelay time.Duration

	// ReadOnly makes Writable report false for every path.
	ReadOnly bool
}

// ChaosMode controls how [Chaos] behaves.
type ChaosMode uint8

const (
	// ChaosModeActive enables fault-rate injection.
	// This is the default mode for a new [Chaos].
	ChaosModeActive ChaosMode = iota

	// ChaosModeNoOp passes every operation directly to the underlying FS.
	ChaosModeNoOp
)

// Chaos wraps an [FS] and injects failures according to [ChaosConfig].
//
// Injected failures are real-looking OS errors (*fs.PathError or
// *os.LinkError with an errno) so callers exercise their normal error paths.
// Use [IsChaosErr] to tell injected failures from real ones.
type Chaos struct {
	fs     FS
	config ChaosConfig
	mode   atomic.Uint32
	faults atomic.Int64

	mu  sync.Mutex
	rng *rand.Rand
}

// NewChaos creates a fault-injecting filesystem over underlying.
// The same seed yields the same sequence of injected faults.
func NewChaos(underlying FS, seed int64, config *ChaosConfig) *Chaos {
	c := &Chaos{
		fs:  underlying,
		rng: rand.New(rand.NewPCG(uint64(seed), uint64(seed)>>1|1)),
	}

	if config != nil {
		c.config = *config
	}

	return c
}

// SetMode switches between active injection and passthrough.
func (c *Chaos) SetMode(m ChaosMode) { c.mode.Store(uint32(m)) }

// TotalFaults returns the number of faults injected so far.
func (c *Chaos) TotalFaults() int64 { return c.faults.Load() }

// IsChaosErr reports whether err (or any wrapped error) was injected by [Chaos].
func IsChaosErr(err error) bool {
	var ce *chaosError

	return errors.As(err, &ce)
}

type chaosError struct {
	errno syscall.Errno
}

func (e *chaosError) Error() string { return e.errno.Error() }
func (e *chaosError) Unwrap() error { return e.errno }

func (c *Chaos) Open(path string) (File, error) {
	return c.open(path, "open", func() (File, error) { return c.fs.Open(path) })
}

func (c *Chaos) Create(path string) (File, error) {
	return c.open(path, "open", func() (File, error) { return c.fs.Create(path) })
}

func (c *Chaos) OpenFile(path string, flag int, perm os.FileMode) (File, error) {
	return c.open(path, "open", func() (File, error) { return c.fs.OpenFile(path, flag, perm) })
}

func (c *Chaos) ReadFile(path string) ([]byte, error) {
	if c.should(c.config.ReadFailRate) {
		return nil, c.pathError("read", path, syscall.EIO)
	}

	return c.fs.ReadFile(path)
}

func (c *Chaos) WriteFile(path string, data []byte, perm os.FileMode) error {
	if c.should(c.config.WriteFailRate) {
		return c.pathError("write", path, syscall.ENOSPC)
	}

	return c.fs.WriteFile(path, data, perm)
}

func (c *Chaos) ReadDir(path string) ([]os.DirEntry, error) { return c.fs.ReadDir(path) }

func (c *Chaos) MkdirAll(path string, perm os.FileMode) error { return c.fs.MkdirAll(path, perm) }

func (c *Chaos) Stat(path string) (os.FileInfo, error) { return c.fs.Stat(path) }

func (c *Chaos) Exists(path string) (bool, error) { return c.fs.Exists(path) }

func (c *Chaos) Writable(path string) (bool, error) {
	if c.active() && c.config.ReadOnly {
		return false, nil
	}

	return c.fs.Writable(path)
}

func (c *Chaos) Remove(path string) error {
	if c.should(c.config.RemoveFailRate) {
		return c.pathError("remove", path, syscall.EBUSY)
	}

	return c.fs.Remove(path)
}

func (c *Chaos) RemoveAll(path string) error {
	if c.should(c.config.RemoveFailRate) {
		return c.pathError("unlinkat", path, syscall.EBUSY)
	}

	return c.fs.RemoveAll(path)
}

func (c *Chaos) Rename(oldpath, newpath string) error {
	if c.should(c.config.RenameFailRate) {
		c.faults.Add(1)

		return &os.LinkError{Op: "rename", Old: oldpath, New: newpath, Err: &chaosError{errno: syscall.EIO}}
	}

	return c.fs.Rename(oldpath, newpath)
}

func (c *Chaos) open(path, op string, openFn func() (File, error)) (File, error) {
	if c.should(c.config.OpenFailRate) {
		return nil, c.pathError(op, path, syscall.EACCES)
	}

	f, err := openFn()
	if err != nil {
		return nil, err
	}

	return &chaosFile{File: f, chaos: c, path: path}, nil
}

func (c *Chaos) active() bool {
	return ChaosMode(c.mode.Load()) == ChaosModeActive
}

func (c *Chaos) should(rate float64) bool {
	if !c.active() || rate <= 0 {
		return false
	}

	if rate >= 1 {
		return true
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	return c.rng.Float64() < rate
}

func (c *Chaos) pathError(op, path string, errno syscall.Errno) error {
	c.faults.Add(1)

	return &fs.PathError{Op: op, Path: path, Err: &chaosError{errno: errno}}
}

func (c *Chaos) delay() {
	if c.active() && c.config.WriteDelay > 0 {
		time.Sleep(c.config.WriteDelay)
	}
}

type chaosFile struct {
	File

	chaos *Chaos
	path  string
}

func (cf *chaosFile) Read(buf []byte) (int, error) {
	cf.chaos.delay()

	if cf.chaos.should(cf.chaos.config.ReadFailRate) {
		return 0, cf.chaos.pathError("read", cf.path, syscall.EIO)
	}

	return cf.File.Read(buf)
}

func (cf *chaosFile) Write(data []byte) (int, error) {
	cf.chaos.delay()

	if cf.chaos.should(cf.chaos.config.WriteFailRate) {
		return 0, cf.chaos.pathError("write", cf.path, syscall.ENOSPC)
	}

	return cf.File.Write(data)
}

func (cf *chaosFile) Sync() error {
	if cf.chaos.should(cf.chaos.config.SyncFailRate) {
		return cf.chaos.pathError("sync", cf.path, syscall.EIO)
	}

	return cf.File.Sync()
}

// Compile-time interface checks.
var (
	_ FS   = (*Chaos)(nil)
	_ File = (*chaosFile)(nil)
)
