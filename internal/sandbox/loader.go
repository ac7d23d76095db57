package sandbox

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
)

var (
	wasmMagic   = []byte{0x00, 0x61, 0x73, 0x6d}
	wasmVersion = []byte{0x01, 0x00, 0x00, 0x00}
)

const (
	sectionCustom    byte = 0
	sectionMemory    byte = 5
	sectionDataCount byte = 12
)

// SectionHeader locates one section inside a module binary.
type SectionHeader struct {
	ID     byte
	Offset int // start of the payload
	Size   int
}

// RawModule is a binary that passed container framing checks. Its section
// contents have not been decoded.
type RawModule struct {
	Bytes    []byte
	Sections []SectionHeader
	Digest   string
}

// Load checks the container format of b: magic number, version and section
// framing. It accepts any input and never panics.
func Load(b []byte) (*RawModule, error) {
	if len(b) < len(wasmMagic) || !bytes.Equal(b[:4], wasmMagic) {
		return nil, NewError(StageLoad, errors.New("invalid magic number"))
	}
	if len(b) < 8 {
		return nil, NewError(StageLoad, errors.New("truncated header"))
	}
	if !bytes.Equal(b[4:8], wasmVersion) {
		return nil, NewError(StageLoad, fmt.Errorf("unsupported binary version %d", uint32(b[4])|uint32(b[5])<<8|uint32(b[6])<<16|uint32(b[7])<<24))
	}

	var sections []SectionHeader
	off := 8
	for off < len(b) {
		id := b[off]
		if id > sectionDataCount {
			return nil, NewError(StageLoad, fmt.Errorf("unknown section id %d at offset %d", id, off))
		}
		off++
		size, n, err := readULEB32(b[off:])
		if err != nil {
			return nil, NewError(StageLoad, fmt.Errorf("section %d size: %w", id, err))
		}
		off += n
		if uint64(size) > uint64(len(b)-off) {
			return nil, NewError(StageLoad, fmt.Errorf("section %d overruns input", id))
		}
		sections = append(sections, SectionHeader{ID: id, Offset: off, Size: int(size)})
		off += int(size)
	}

	sum := sha256.Sum256(b)
	return &RawModule{
		Bytes:    b,
		Sections: sections,
		Digest:   hex.EncodeToString(sum[:]),
	}, nil
}

func readULEB32(b []byte) (uint32, int, error) {
	var v uint64
	for i := 0; i < 5; i++ {
		if i >= len(b) {
			return 0, 0, errors.New("unexpected end of input")
		}
		c := b[i]
		v |= uint64(c&0x7f) << (7 * i)
		if c&0x80 == 0 {
			if v > 0xffffffff {
				return 0, 0, errors.New("integer too large")
			}
			return uint32(v), i + 1, nil
		}
	}
	return 0, 0, errors.New("integer representation too long")
}

// sectionRank orders non-custom sections. Data count sits between element
// and code even though its id is 12.
func sectionRank(id byte) int {
	switch {
	case id == sectionDataCount:
		return 10
	case id >= 10:
		return int(id) + 1
	default:
		return int(id)
	}
}

func checkSectionOrder(sections []SectionHeader) error {
	last := 0
	for _, s := range sections {
		if s.ID == sectionCustom {
			continue
		}
		r := sectionRank(s.ID)
		if r <= last {
			return fmt.Errorf("section %d out of order", s.ID)
		}
		last = r
	}
	return nil
}
