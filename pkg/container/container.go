// Package container packs multiple named files into a single byte stream
// prior to client-side encryption, and unpacks it after decryption. The
// server never sees this layout in cleartext.
package container

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"gistlock/pkg/domain"
)

const (
	// FormatVersion is the current container format version.
	FormatVersion = 1

	// HeaderSize is the size of the fixed container header in bytes.
	//
	// Layout, all integers little-endian:
	//
	//	magic(4) | version(1) | fileCount(2) | totalSize(4)
	//
	// totalSize is the byte length of the entire encoded container.
	HeaderSize = 11
)

const magic = "GSTB"

// File is one entry of a container. Language is an optional editor hint
// ("go", "markdown"); empty means absent.
type File struct {
	Name     string
	Content  []byte
	Language string
}

func (f File) encodedSize() int {
	// nameLen(2) | name | contentLen(4) | content | langLen(1) | lang
	return 2 + len(f.Name) + 4 + len(f.Content) + 1 + len(f.Language)
}

// Encode serializes files into the container format. It is a pure
// transform; limits are enforced before a single byte is written.
func Encode(files []File) ([]byte, error) {
	if len(files) == 0 {
		return nil, errors.Wrap(domain.ErrInvalidInput, "no files")
	}
	if len(files) > domain.MaxFileCount {
		return nil, errors.Wrapf(domain.ErrInvalidInput, "%d files exceeds limit of %d", len(files), domain.MaxFileCount)
	}

	total := HeaderSize
	for i, f := range files {
		if len(f.Name) > domain.MaxFileNameLen {
			return nil, errors.Wrapf(domain.ErrInvalidInput, "file %d: name exceeds %d bytes", i, domain.MaxFileNameLen)
		}
		if len(f.Language) > domain.MaxLanguageLen {
			return nil, errors.Wrapf(domain.ErrInvalidInput, "file %d: language exceeds %d bytes", i, domain.MaxLanguageLen)
		}
		if len(f.Content) > domain.MaxFileSize {
			return nil, errors.Wrapf(domain.ErrInvalidInput, "file %d: content exceeds %d bytes", i, domain.MaxFileSize)
		}
		total += f.encodedSize()
	}
	if total > domain.MaxTotalSize {
		return nil, errors.Wrapf(domain.ErrInvalidInput, "encoded size %d exceeds limit of %d", total, domain.MaxTotalSize)
	}

	buf := make([]byte, total)
	off := copy(buf, magic)
	buf[off] = FormatVersion
	off++
	binary.LittleEndian.PutUint16(buf[off:], uint16(len(files)))
	off += 2
	binary.LittleEndian.PutUint32(buf[off:], uint32(total))
	off += 4

	for _, f := range files {
		binary.LittleEndian.PutUint16(buf[off:], uint16(len(f.Name)))
		off += 2
		off += copy(buf[off:], f.Name)
		binary.LittleEndian.PutUint32(buf[off:], uint32(len(f.Content)))
		off += 4
		off += copy(buf[off:], f.Content)
		buf[off] = byte(len(f.Language))
		off++
		off += copy(buf[off:], f.Language)
	}
	return buf, nil
}

// Decode parses a container back into its files. Any structural defect
// fails the whole decode; there is no partial recovery. Returned contents
// are fresh copies, never aliases into data.
func Decode(data []byte) ([]File, error) {
	if len(data) < HeaderSize {
		return nil, errors.Wrap(domain.ErrInvalidBinaryFormat, "truncated header")
	}
	if string(data[:4]) != magic {
		return nil, errors.Wrap(domain.ErrInvalidBinaryFormat, "magic mismatch")
	}
	if data[4] != FormatVersion {
		return nil, errors.Wrapf(domain.ErrInvalidBinaryFormat, "unsupported version %d", data[4])
	}
	fileCount := int(binary.LittleEndian.Uint16(data[5:7]))
	totalSize := int(binary.LittleEndian.Uint32(data[7:11]))
	if totalSize != len(data) {
		return nil, errors.Wrapf(domain.ErrInvalidBinaryFormat, "declared size %d, actual %d", totalSize, len(data))
	}
	if fileCount == 0 {
		return nil, errors.Wrap(domain.ErrInvalidBinaryFormat, "zero file count")
	}

	files := make([]File, 0, fileCount)
	off := HeaderSize
	for i := 0; i < fileCount; i++ {
		if len(data)-off < 2 {
			return nil, errors.Wrapf(domain.ErrInvalidBinaryFormat, "file %d: truncated name length", i)
		}
		nameLen := int(binary.LittleEndian.Uint16(data[off:]))
		off += 2
		if len(data)-off < nameLen {
			return nil, errors.Wrapf(domain.ErrInvalidBinaryFormat, "file %d: name out of bounds", i)
		}
		name := string(data[off : off+nameLen])
		off += nameLen

		if len(data)-off < 4 {
			return nil, errors.Wrapf(domain.ErrInvalidBinaryFormat, "file %d: truncated content length", i)
		}
		contentLen := int(binary.LittleEndian.Uint32(data[off:]))
		off += 4
		if contentLen < 0 || len(data)-off < contentLen {
			return nil, errors.Wrapf(domain.ErrInvalidBinaryFormat, "file %d: content out of bounds", i)
		}
		content := make([]byte, contentLen)
		copy(content, data[off:off+contentLen])
		off += contentLen

		if len(data)-off < 1 {
			return nil, errors.Wrapf(domain.ErrInvalidBinaryFormat, "file %d: truncated language length", i)
		}
		langLen := int(data[off])
		off++
		if len(data)-off < langLen {
			return nil, errors.Wrapf(domain.ErrInvalidBinaryFormat, "file %d: language out of bounds", i)
		}
		lang := string(data[off : off+langLen])
		off += langLen

		files = append(files, File{Name: name, Content: content, Language: lang})
	}
	if off != len(data) {
		return nil, errors.Wrapf(domain.ErrInvalidBinaryFormat, "%d trailing bytes", len(data)-off)
	}
	return files, nil
}
