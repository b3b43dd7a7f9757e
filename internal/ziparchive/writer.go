// Package ziparchive assembles uncompressed ("stored") ZIP containers byte for byte.
//
// The output is a pure function of the ordered input. Times and dates are
// zero and stored sizes always equal original sizes.
package ziparchive

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"math"
)

const (
	localHeaderSig   = 0x04034b50
	centralHeaderSig = 0x02014b50
	endOfCentralSig  = 0x06054b50

	localHeaderLen   = 30
	centralHeaderLen = 46
	endOfCentralLen  = 22

	versionNeeded = 20 // 2.0: the baseline for stored entries
	methodStored  = 0
)

var (
	// ErrTooLarge reports an entry, offset or entry count that does not fit the
	// classic (non-zip64) field widths.
	ErrTooLarge = errors.New("ziparchive: value exceeds zip field width")
	// ErrEmptyName reports an entry without a name.
	ErrEmptyName = errors.New("ziparchive: empty entry name")
)

// crcTable is the reflected 0xEDB88320 table, built once at package init and
// never mutated.
var crcTable = crc32.MakeTable(crc32.IEEE)

// File is one archive member.
type File struct {
	Name string
	Data []byte
}

// CRC32 returns the checksum stored in the headers for data.
func CRC32(data []byte) uint32 {
	return crc32.Checksum(data, crcTable)
}

// entry remembers what the central directory needs about a written local entry.
type entry struct {
	name   []byte
	crc    uint32
	size   uint32
	offset uint32
}

// Build serializes files, in order, into a stored ZIP archive.
// Names must be non-empty; duplicates are written as given.
func Build(files []File) ([]byte, error) {
	if len(files) > math.MaxUint16 {
		return nil, fmt.Errorf("%w: %d entries", ErrTooLarge, len(files))
	}

	var total int
	for _, f := range files {
		total += localHeaderLen + centralHeaderLen + 2*len(f.Name) + len(f.Data)
	}
	buf := bytes.NewBuffer(make([]byte, 0, total+endOfCentralLen))

	entries := make([]entry, 0, len(files))
	for _, f := range files {
		e, err := newEntry(f, buf.Len())
		if err != nil {
			return nil, err
		}
		writeLocalHeader(buf, e)
		buf.Write(e.name)
		buf.Write(f.Data)
		entries = append(entries, e)
	}

	cdOffset := buf.Len()
	if uint64(cdOffset) > math.MaxUint32 {
		return nil, fmt.Errorf("%w: central directory offset %d", ErrTooLarge, cdOffset)
	}
	for _, e := range entries {
		writeCentralHeader(buf, e)
		buf.Write(e.name)
	}
	cdSize := buf.Len() - cdOffset
	if uint64(cdSize) > math.MaxUint32 {
		return nil, fmt.Errorf("%w: central directory size %d", ErrTooLarge, cdSize)
	}

	writeEndOfCentral(buf, len(entries), uint32(cdSize), uint32(cdOffset))
	return buf.Bytes(), nil
}

func newEntry(f File, offset int) (entry, error) {
	if f.Name == "" {
		return entry{}, ErrEmptyName
	}
	if len(f.Name) > math.MaxUint16 {
		return entry{}, fmt.Errorf("%w: name of %d bytes", ErrTooLarge, len(f.Name))
	}
	if uint64(len(f.Data)) > math.MaxUint32 {
		return entry{}, fmt.Errorf("%w: %s is %d bytes", ErrTooLarge, f.Name, len(f.Data))
	}
	if uint64(offset) > math.MaxUint32 {
		return entry{}, fmt.Errorf("%w: %s starts at offset %d", ErrTooLarge, f.Name, offset)
	}
	return entry{
		name:   []byte(f.Name),
		crc:    CRC32(f.Data),
		size:   uint32(len(f.Data)),
		offset: uint32(offset),
	}, nil
}

// writer appends little-endian fields to a buffer.
type writer struct{ b *bytes.Buffer }

func (w writer) u16(v uint16) { _ = binary.Write(w.b, binary.LittleEndian, v) }
func (w writer) u32(v uint32) { _ = binary.Write(w.b, binary.LittleEndian, v) }

func writeLocalHeader(buf *bytes.Buffer, e entry) {
	w := writer{buf}
	w.u32(localHeaderSig)
	w.u16(versionNeeded)
	w.u16(0) // flags
	w.u16(methodStored)
	w.u16(0) // mod time
	w.u16(0) // mod date
	w.u32(e.crc)
	w.u32(e.size) // compressed
	w.u32(e.size) // uncompressed
	w.u16(uint16(len(e.name)))
	w.u16(0) // extra length
}

func writeCentralHeader(buf *bytes.Buffer, e entry) {
	w := writer{buf}
	w.u32(centralHeaderSig)
	w.u16(versionNeeded) // made by
	w.u16(versionNeeded)
	w.u16(0) // flags
	w.u16(methodStored)
	w.u16(0) // mod time
	w.u16(0) // mod date
	w.u32(e.crc)
	w.u32(e.size)
	w.u32(e.size)
	w.u16(uint16(len(e.name)))
	w.u16(0) // extra length
	w.u16(0) // comment length
	w.u16(0) // disk number start
	w.u16(0) // internal attributes
	w.u32(0) // external attributes
	w.u32(e.offset)
}

func writeEndOfCentral(buf *bytes.Buffer, count int, cdSize, cdOffset uint32) {
	w := writer{buf}
	w.u32(endOfCentralSig)
	w.u16(0) // this disk
	w.u16(0) // disk with central directory
	w.u16(uint16(count))
	w.u16(uint16(count))
	w.u32(cdSize)
	w.u32(cdOffset)
	w.u16(0) // comment length
}
