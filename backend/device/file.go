package device

import (
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/mediaheap/memutils"
)

type fileBlock struct {
	path   string
	size   int
	window []byte
}

// FileDriver keeps device allocations as files in a spill directory. A lock maps the file into
// memory and an unlock writes the window back, so a heap can overflow into disk the way a hybrid
// heap overflows into video memory.
type FileDriver struct {
	directory string
	maxSize   uint64

	blocks     *swiss.Map[uint32, *fileBlock]
	lastHandle uint32
	usedBytes  uint64
}

var _ Driver = &FileDriver{}

// NewFileDriver creates a driver that spills into directory. maxSize bounds the total size of the
// files; 0 means the driver is bounded only by the heap limit.
func NewFileDriver(directory string, maxSize uint64) *FileDriver {
	if maxSize == 0 {
		maxSize = math.MaxUint64
	}

	return &FileDriver{
		directory: directory,
		maxSize:   maxSize,
	}
}

func (d *FileDriver) Init() error {
	if d.directory == "" {
		return errors.Wrap(memutils.ErrInvalidArgument, "the file driver requires a spill directory")
	}

	err := os.MkdirAll(d.directory, 0o700)
	if err != nil {
		return errors.Wrapf(err, "creating spill directory %s", d.directory)
	}

	d.blocks = swiss.NewMap[uint32, *fileBlock](16)
	return nil
}

func (d *FileDriver) MaxSize() uint64 {
	return d.maxSize
}

func (d *FileDriver) block(handle uint32) (*fileBlock, error) {
	block, ok := d.blocks.Get(handle)
	if !ok {
		return nil, errors.Errorf("spill file handle %d is not allocated", handle)
	}
	return block, nil
}

func (d *FileDriver) Alloc(size uint64) (uint32, error) {
	if size > d.maxSize-d.usedBytes {
		return 0, errors.Wrapf(memutils.ErrOutOfMemory, "spilling %d bytes would exceed the %d byte spill budget with %d bytes used", size, d.maxSize, d.usedBytes)
	}

	d.lastHandle++
	if d.lastHandle == 0 {
		d.lastHandle++
	}
	handle := d.lastHandle
	path := filepath.Join(d.directory, fmt.Sprintf("block-%08x.bin", handle))

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return 0, err
	}

	err = file.Truncate(int64(size))
	if err != nil {
		return 0, errors.CombineErrors(err, errors.CombineErrors(file.Close(), os.Remove(path)))
	}

	err = file.Close()
	if err != nil {
		return 0, errors.CombineErrors(err, os.Remove(path))
	}

	d.blocks.Put(handle, &fileBlock{path: path, size: int(size)})
	d.usedBytes += size
	return handle, nil
}

func (d *FileDriver) Free(handle uint32) error {
	block, err := d.block(handle)
	if err != nil {
		return err
	}

	// A failed remove must leave any open window in place
	err = os.Remove(block.path)
	if err != nil {
		return err
	}

	d.blocks.Delete(handle)
	d.usedBytes -= uint64(block.size)

	if block.window != nil {
		err = discardWindow(block.window)
		block.window = nil
		if err != nil {
			return errors.Wrapf(err, "unmapping removed spill file %s", block.path)
		}
	}
	return nil
}

func (d *FileDriver) Lock(handle uint32) ([]byte, error) {
	block, err := d.block(handle)
	if err != nil {
		return nil, err
	}
	if block.window != nil {
		return nil, errors.Errorf("spill file handle %d is already locked", handle)
	}

	window, err := openWindow(block.path, block.size)
	if err != nil {
		return nil, errors.Wrapf(err, "locking spill file %s", block.path)
	}

	block.window = window
	return window, nil
}

func (d *FileDriver) Unlock(handle uint32) error {
	block, err := d.block(handle)
	if err != nil {
		return err
	}
	if block.window == nil {
		return errors.Errorf("spill file handle %d is not locked", handle)
	}

	err = closeWindow(block.path, block.window)
	if err != nil {
		return errors.Wrapf(err, "unlocking spill file %s", block.path)
	}

	block.window = nil
	return nil
}

// Release removes every spill file. The spill directory itself is left in place.
func (d *FileDriver) Release() error {
	if d.blocks == nil {
		return nil
	}

	var err error
	d.blocks.Iter(func(handle uint32, block *fileBlock) bool {
		if block.window != nil {
			err = errors.CombineErrors(err, closeWindow(block.path, block.window))
		}
		err = errors.CombineErrors(err, os.Remove(block.path))
		return false
	})

	d.blocks.Clear()
	d.usedBytes = 0
	return err
}
