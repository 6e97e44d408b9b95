// Package shm maps the shared memory segment the instance cache lives in.
//
// Two kinds of segments exist:
//
//   - anonymous: MAP_SHARED|MAP_ANONYMOUS, shared by everything inside the
//     creating process (and its forks). Used by tests and by workers that
//     run as goroutines of one binary.
//   - file-backed: a file under /dev/shm (or any tmpfs path) mapped
//     MAP_SHARED, so unrelated OS processes can attach by path.
//
// Every structure stored in a segment is addressed by offset from the start
// of [Segment.Bytes], never by pointer, so processes may map the segment at
// different addresses.
package shm

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"unsafe"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/calvinalkan/instcache/internal/fs"
)

var (
	// ErrIncompatible indicates a file that is not a segment of this format.
	ErrIncompatible = errors.New("shm: incompatible segment")

	// ErrTooSmall indicates a requested or found size below the minimum.
	ErrTooSmall = errors.New("shm: segment too small")

	// ErrBusy indicates another process is creating or owns the segment.
	ErrBusy = errors.New("shm: busy")
)

// File header layout. The header occupies the first page so that
// [Segment.Bytes] starts page aligned.
const (
	headerMagic   = "ICSHM\x00\x00\x01"
	headerVersion = uint32(1)

	offMagic    = 0x00 // [8]byte
	offVersion  = 0x08 // uint32
	offDataSize = 0x10 // uint64
	offOwnerPID = 0x18 // uint32
)

// MinSize is the smallest data size a segment can be created with.
const MinSize = 4096

var pageSize = unix.Getpagesize()

var locker = fs.NewLocker()

// Segment is one mapped shared memory region.
type Segment struct {
	mapping []byte // entire mapping, header included for file-backed
	data    []byte // usable region
	path    string // "" for anonymous segments
	lock    *fs.Lock
}

// NewAnonymous maps an anonymous shared region of size bytes.
func NewAnonymous(size int) (*Segment, error) {
	if size < MinSize {
		return nil, fmt.Errorf("size %d below minimum %d: %w", size, MinSize, ErrTooSmall)
	}

	mem, err := unix.Mmap(-1, 0, roundToPage(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("mmap anonymous: %w", err)
	}

	return &Segment{mapping: mem, data: mem[:size]}, nil
}

// DefaultPath returns a fresh segment path under /dev/shm when available,
// otherwise under the temp directory.
func DefaultPath() string {
	name := "icache-" + uuid.NewString()

	if info, err := os.Stat("/dev/shm"); err == nil && info.IsDir() {
		return filepath.Join("/dev/shm", name)
	}

	return filepath.Join(os.TempDir(), name)
}

// Create creates a new file-backed segment at path with size usable bytes.
//
// The creator holds an exclusive flock on path+".lock" until [Segment.Close];
// a second Create for the same path fails with [ErrBusy] while it is held.
// The file appears at path only once fully sized and stamped (temp + rename).
func Create(path string, size int) (*Segment, error) {
	if size < MinSize {
		return nil, fmt.Errorf("size %d below minimum %d: %w", size, MinSize, ErrTooSmall)
	}

	lk, err := locker.TryLock(path + ".lock")
	if err != nil {
		if errors.Is(err, fs.ErrWouldBlock) {
			return nil, fmt.Errorf("segment %s: %w", path, ErrBusy)
		}

		return nil, fmt.Errorf("lock segment: %w", err)
	}

	seg, err := create(path, size)
	if err != nil {
		_ = lk.Close()

		return nil, err
	}

	seg.lock = lk

	return seg, nil
}

func create(path string, size int) (*Segment, error) {
	tmpPath := fmt.Sprintf("%s.tmp.%s", path, uuid.NewString()[:8])

	file, err := os.OpenFile(tmpPath, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}

	defer func() { _ = file.Close() }()

	total := pageSize + roundToPage(size)

	if err := unix.Ftruncate(int(file.Fd()), int64(total)); err != nil {
		_ = os.Remove(tmpPath)

		return nil, fmt.Errorf("ftruncate: %w", err)
	}

	mem, err := unix.Mmap(int(file.Fd()), 0, total, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = os.Remove(tmpPath)

		return nil, fmt.Errorf("mmap: %w", err)
	}

	copy(mem[offMagic:offMagic+8], headerMagic)
	*Uint32(mem, offVersion) = headerVersion
	*Uint64(mem, offDataSize) = uint64(size)
	*Uint32(mem, offOwnerPID) = uint32(os.Getpid())

	if err := os.Rename(tmpPath, path); err != nil {
		_ = unix.Munmap(mem)
		_ = os.Remove(tmpPath)

		return nil, fmt.Errorf("rename: %w", err)
	}

	return &Segment{mapping: mem, data: mem[pageSize : pageSize+size], path: path}, nil
}

// Open maps an existing file-backed segment.
func Open(path string) (*Segment, error) {
	file, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open segment: %w", err)
	}

	defer func() { _ = file.Close() }()

	info, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat segment: %w", err)
	}

	if info.Size() < int64(pageSize+MinSize) {
		return nil, fmt.Errorf("file size %d: %w", info.Size(), ErrTooSmall)
	}

	mem, err := unix.Mmap(int(file.Fd()), 0, int(info.Size()), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap: %w", err)
	}

	size, err := validateHeader(mem)
	if err != nil {
		_ = unix.Munmap(mem)

		return nil, err
	}

	return &Segment{mapping: mem, data: mem[pageSize : pageSize+size], path: path}, nil
}

func validateHeader(mem []byte) (int, error) {
	if string(mem[offMagic:offMagic+8]) != headerMagic {
		return 0, fmt.Errorf("invalid magic %q: %w", mem[offMagic:offMagic+8], ErrIncompatible)
	}

	if v := *Uint32(mem, offVersion); v != headerVersion {
		return 0, fmt.Errorf("unsupported version %d, expected %d: %w", v, headerVersion, ErrIncompatible)
	}

	size := *Uint64(mem, offDataSize)
	if size > uint64(len(mem)-pageSize) {
		return 0, fmt.Errorf("data size %d exceeds file size %d: %w", size, len(mem), ErrIncompatible)
	}

	return int(size), nil
}

// Bytes returns the usable region. It is page aligned.
func (s *Segment) Bytes() []byte { return s.data }

// Size returns the usable size in bytes.
func (s *Segment) Size() int { return len(s.data) }

// Path returns the backing file path, or "" for anonymous segments.
func (s *Segment) Path() string { return s.path }

// OwnerPID returns the pid that created a file-backed segment, 0 otherwise.
func (s *Segment) OwnerPID() uint32 {
	if s.path == "" {
		return 0
	}

	return *Uint32(s.mapping, offOwnerPID)
}

// Close unmaps the segment and releases the creator lock if held. The
// backing file stays; see [Segment.Remove].
func (s *Segment) Close() error {
	var unmapErr error

	if s.mapping != nil {
		unmapErr = unix.Munmap(s.mapping)
		s.mapping, s.data = nil, nil
	}

	var lockErr error
	if s.lock != nil {
		lockErr = s.lock.Close()
		s.lock = nil
	}

	return errors.Join(unmapErr, lockErr)
}

// Remove deletes the backing file and its lock file. No-op for anonymous
// segments.
func (s *Segment) Remove() error {
	if s.path == "" {
		return nil
	}

	err := os.Remove(s.path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove segment: %w", err)
	}

	err = os.Remove(s.path + ".lock")
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove lock file: %w", err)
	}

	return nil
}

// MasterAlive reports whether a process holds the creator lock of the segment
// at path.
func MasterAlive(path string) (bool, error) {
	return locker.Held(path + ".lock")
}

// Uint32 returns a pointer to the 4-byte word at off. off must be 4-byte
// aligned relative to a page aligned mem for atomic use.
func Uint32(mem []byte, off uint64) *uint32 {
	_ = mem[off+3]

	return (*uint32)(unsafe.Pointer(&mem[off]))
}

// Uint64 returns a pointer to the 8-byte word at off. off must be 8-byte
// aligned relative to a page aligned mem for atomic use.
func Uint64(mem []byte, off uint64) *uint64 {
	_ = mem[off+7]

	return (*uint64)(unsafe.Pointer(&mem[off]))
}

// Int64 returns a pointer to the signed 8-byte word at off.
func Int64(mem []byte, off uint64) *int64 {
	_ = mem[off+7]

	return (*int64)(unsafe.Pointer(&mem[off]))
}

func roundToPage(n int) int {
	return (n + pageSize - 1) &^ (pageSize - 1)
}
