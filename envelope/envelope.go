// Package envelope encodes the header and footer that wrap every heap allocation.
//
// Fields are written at fixed little-endian byte offsets rather than through struct layout, so
// the records are identical on every platform and never require aligned access:
//
//	header  0: size u64   8: type u32   12: handle or flags u32   16: sentinel [32]byte (guarded)
//	footer  0: sentinel [32]byte (guarded)   then size u64
//
// The footer sentinel comes first so that an overrun of even one byte past the end of the body is
// caught. In the Release layout the sentinels are omitted entirely and CheckEnvelope does nothing.
package envelope

import (
	"bytes"
	"encoding/binary"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/mediaheap/memutils"
)

const (
	SentinelSize = 32

	sizeOffset          = 0
	typeOffset          = 8
	handleOrFlagsOffset = 12
	headerFieldsSize    = 16
	footerFieldsSize    = 8
)

var (
	headerSentinel = [SentinelSize]byte([]byte("__ALLOCATION_HEADER_GUARD_BAND__"))
	footerSentinel = [SentinelSize]byte([]byte("__ALLOCATION_FOOTER_GUARD_BAND__"))
)

// Header is the decoded form of an allocation header
type Header struct {
	// Size is the usable size of the allocation in bytes
	Size uint64
	// Type is the caller's allocation type discriminator
	Type uint32
	// HandleOrFlags holds the device handle for indirect backends and bit flags otherwise
	HandleOrFlags uint32
}

// Layout is one of the two envelope variants. The zero value is Release.
type Layout struct {
	guarded bool
}

var (
	// Release omits guard bands: 16-byte header, 8-byte footer, no integrity checks
	Release = Layout{}
	// Debug adds a 32-byte sentinel to both header and footer and verifies them
	Debug = Layout{guarded: true}
)

var layoutMapping = map[Layout]string{
	Release: "Release",
	Debug:   "Debug",
}

func (l Layout) String() string {
	return layoutMapping[l]
}

// Guarded reports whether this layout carries sentinels
func (l Layout) Guarded() bool { return l.guarded }

func (l Layout) HeaderSize() int {
	if l.guarded {
		return headerFieldsSize + SentinelSize
	}
	return headerFieldsSize
}

func (l Layout) FooterSize() int {
	if l.guarded {
		return SentinelSize + footerFieldsSize
	}
	return footerFieldsSize
}

// Overhead is the number of bytes an addressable allocation needs on top of its body
func (l Layout) Overhead() int {
	return l.HeaderSize() + l.FooterSize()
}

// WriteHeader serializes header into the start of buf. buf must be at least HeaderSize bytes.
func (l Layout) WriteHeader(buf []byte, header Header) {
	_ = buf[l.HeaderSize()-1]
	binary.LittleEndian.PutUint64(buf[sizeOffset:], header.Size)
	binary.LittleEndian.PutUint32(buf[typeOffset:], header.Type)
	binary.LittleEndian.PutUint32(buf[handleOrFlagsOffset:], header.HandleOrFlags)

	if l.guarded {
		copy(buf[headerFieldsSize:], headerSentinel[:])
	}
}

// ReadHeader decodes a header written by WriteHeader. It fails with memutils.ErrCorruptHeader if
// buf is too short or, in the Debug layout, if the sentinel was overwritten.
func (l Layout) ReadHeader(buf []byte) (Header, error) {
	if len(buf) < l.HeaderSize() {
		return Header{}, errors.Wrapf(memutils.ErrCorruptHeader, "header record is %d bytes, expected %d", len(buf), l.HeaderSize())
	}

	if l.guarded && !bytes.Equal(buf[headerFieldsSize:headerFieldsSize+SentinelSize], headerSentinel[:]) {
		return Header{}, errors.Wrap(memutils.ErrCorruptHeader, "header guard band was overwritten")
	}

	return Header{
		Size:          binary.LittleEndian.Uint64(buf[sizeOffset:]),
		Type:          binary.LittleEndian.Uint32(buf[typeOffset:]),
		HandleOrFlags: binary.LittleEndian.Uint32(buf[handleOrFlagsOffset:]),
	}, nil
}

// WriteFooter serializes a footer into the start of buf. buf must be at least FooterSize bytes.
func (l Layout) WriteFooter(buf []byte, size uint64) {
	_ = buf[l.FooterSize()-1]
	offset := 0
	if l.guarded {
		copy(buf, footerSentinel[:])
		offset = SentinelSize
	}
	binary.LittleEndian.PutUint64(buf[offset:], size)
}

// ReadFooter decodes the size stored in a footer. It fails with memutils.ErrCorruptFooter if buf
// is too short or, in the Debug layout, if the sentinel was overwritten.
func (l Layout) ReadFooter(buf []byte) (uint64, error) {
	if len(buf) < l.FooterSize() {
		return 0, errors.Wrapf(memutils.ErrCorruptFooter, "footer record is %d bytes, expected %d", len(buf), l.FooterSize())
	}

	offset := 0
	if l.guarded {
		if !bytes.Equal(buf[:SentinelSize], footerSentinel[:]) {
			return 0, errors.Wrap(memutils.ErrCorruptFooter, "footer guard band was overwritten")
		}
		offset = SentinelSize
	}

	return binary.LittleEndian.Uint64(buf[offset:]), nil
}

// CheckEnvelope verifies the guard bands of an allocation and that header and footer agree about
// its size. Failures are reported in order: memutils.ErrCorruptHeader, memutils.ErrCorruptFooter,
// memutils.ErrSizeMismatch. A nil footer checks only the header, which is how allocations that
// live off-heap are recorded. The Release layout has nothing to check and always returns nil.
func (l Layout) CheckEnvelope(header, footer []byte) error {
	if !l.guarded {
		return nil
	}

	h, err := l.ReadHeader(header)
	if err != nil {
		return err
	}

	if footer == nil {
		return nil
	}

	footerSize, err := l.ReadFooter(footer)
	if err != nil {
		return err
	}

	if h.Size != footerSize {
		return errors.Wrapf(memutils.ErrSizeMismatch, "header size is %d, footer size is %d", h.Size, footerSize)
	}

	return nil
}
