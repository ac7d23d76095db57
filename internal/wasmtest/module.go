// Package wasmtest assembles small WebAssembly binaries byte by byte.
//
// The modules it produces are fixtures for the sandbox pipeline: each one
// exercises a single behavior (a trap, an unresolved import, a timeout, a
// marshaling convention) without needing a compiler toolchain.
package wasmtest

// Value types.
const (
	I32 byte = 0x7f
	I64 byte = 0x7e
	F32 byte = 0x7d
	F64 byte = 0x7c
)

// Export kinds.
const (
	ExportFunc   byte = 0x00
	ExportMemory byte = 0x02
	ExportGlobal byte = 0x03
)

// Section ids.
const (
	SectionCustom   byte = 0
	SectionType     byte = 1
	SectionImport   byte = 2
	SectionFunction byte = 3
	SectionMemory   byte = 5
	SectionGlobal   byte = 6
	SectionExport   byte = 7
	SectionStart    byte = 8
	SectionCode     byte = 10
	SectionData     byte = 11
)

// Header is the magic number followed by binary version 1.
var Header = []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

type FuncType struct {
	Params  []byte
	Results []byte
}

// Import is a function import.
type Import struct {
	Module string
	Name   string
	Type   uint32
}

// Func is a defined function. Body must not include the trailing end opcode.
type Func struct {
	Type   uint32
	Locals []byte
	Body   []byte
}

type Memory struct {
	Min uint32
	Max *uint32
}

// Global is a global initialized by a constant.
type Global struct {
	Type    byte
	Mutable bool
	Init    int64
}

type Export struct {
	Name  string
	Kind  byte
	Index uint32
}

// Data is an active segment for memory 0.
type Data struct {
	Offset int32
	Bytes  []byte
}

// Section is an already encoded section payload.
type Section struct {
	ID      byte
	Payload []byte
}

// Module describes a module in terms of its sections.
type Module struct {
	Types   []FuncType
	Imports []Import
	Funcs   []Func
	Memory  *Memory
	Globals []Global
	Exports []Export
	Start   *uint32
	Data    []Data
}

// Bytes encodes the module with its sections in canonical order.
func (m Module) Bytes() []byte {
	return Assemble(m.Sections()...)
}

// Sections returns the encoded, non-empty sections in canonical order.
func (m Module) Sections() []Section {
	var out []Section
	if len(m.Types) > 0 {
		out = append(out, Section{SectionType, m.typeSection()})
	}
	if len(m.Imports) > 0 {
		out = append(out, Section{SectionImport, m.importSection()})
	}
	if len(m.Funcs) > 0 {
		out = append(out, Section{SectionFunction, m.functionSection()})
	}
	if m.Memory != nil {
		out = append(out, Section{SectionMemory, m.memorySection()})
	}
	if len(m.Globals) > 0 {
		out = append(out, Section{SectionGlobal, m.globalSection()})
	}
	if len(m.Exports) > 0 {
		out = append(out, Section{SectionExport, m.exportSection()})
	}
	if m.Start != nil {
		out = append(out, Section{SectionStart, appendULEB(nil, uint64(*m.Start))})
	}
	if len(m.Funcs) > 0 {
		out = append(out, Section{SectionCode, m.codeSection()})
	}
	if len(m.Data) > 0 {
		out = append(out, Section{SectionData, m.dataSection()})
	}
	return out
}

// Assemble writes the header followed by the given sections in the given order.
func Assemble(sections ...Section) []byte {
	out := append([]byte(nil), Header...)
	for _, s := range sections {
		out = append(out, s.ID)
		out = appendULEB(out, uint64(len(s.Payload)))
		out = append(out, s.Payload...)
	}
	return out
}

func (m Module) typeSection() []byte {
	b := appendULEB(nil, uint64(len(m.Types)))
	for _, t := range m.Types {
		b = append(b, 0x60)
		b = appendVec(b, t.Params)
		b = appendVec(b, t.Results)
	}
	return b
}

func (m Module) importSection() []byte {
	b := appendULEB(nil, uint64(len(m.Imports)))
	for _, imp := range m.Imports {
		b = appendName(b, imp.Module)
		b = appendName(b, imp.Name)
		b = append(b, ExportFunc)
		b = appendULEB(b, uint64(imp.Type))
	}
	return b
}

func (m Module) functionSection() []byte {
	b := appendULEB(nil, uint64(len(m.Funcs)))
	for _, f := range m.Funcs {
		b = appendULEB(b, uint64(f.Type))
	}
	return b
}

func (m Module) memorySection() []byte {
	b := []byte{0x01}
	if m.Memory.Max == nil {
		b = append(b, 0x00)
		return appendULEB(b, uint64(m.Memory.Min))
	}
	b = append(b, 0x01)
	b = appendULEB(b, uint64(m.Memory.Min))
	return appendULEB(b, uint64(*m.Memory.Max))
}

func (m Module) globalSection() []byte {
	b := appendULEB(nil, uint64(len(m.Globals)))
	for _, g := range m.Globals {
		b = append(b, g.Type)
		if g.Mutable {
			b = append(b, 0x01)
		} else {
			b = append(b, 0x00)
		}
		switch g.Type {
		case I64:
			b = append(b, OpI64Const)
		default:
			b = append(b, OpI32Const)
		}
		b = appendSLEB(b, g.Init)
		b = append(b, OpEnd)
	}
	return b
}

func (m Module) exportSection() []byte {
	b := appendULEB(nil, uint64(len(m.Exports)))
	for _, e := range m.Exports {
		b = appendName(b, e.Name)
		b = append(b, e.Kind)
		b = appendULEB(b, uint64(e.Index))
	}
	return b
}

func (m Module) codeSection() []byte {
	b := appendULEB(nil, uint64(len(m.Funcs)))
	for _, f := range m.Funcs {
		body := appendULEB(nil, uint64(len(f.Locals)))
		for _, l := range f.Locals {
			body = append(body, 0x01, l)
		}
		body = append(body, f.Body...)
		body = append(body, OpEnd)
		b = appendULEB(b, uint64(len(body)))
		b = append(b, body...)
	}
	return b
}

func (m Module) dataSection() []byte {
	b := appendULEB(nil, uint64(len(m.Data)))
	for _, d := range m.Data {
		b = append(b, 0x00, OpI32Const)
		b = appendSLEB(b, int64(d.Offset))
		b = append(b, OpEnd)
		b = appendULEB(b, uint64(len(d.Bytes)))
		b = append(b, d.Bytes...)
	}
	return b
}

func appendVec(b, items []byte) []byte {
	b = appendULEB(b, uint64(len(items)))
	return append(b, items...)
}

func appendName(b []byte, s string) []byte {
	b = appendULEB(b, uint64(len(s)))
	return append(b, s...)
}

func appendULEB(b []byte, v uint64) []byte {
	for {
		c := byte(v & 0x7f)
		v >>= 7
		if v == 0 {
			return append(b, c)
		}
		b = append(b, c|0x80)
	}
}

func appendSLEB(b []byte, v int64) []byte {
	for {
		c := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && c&0x40 == 0) || (v == -1 && c&0x40 != 0) {
			return append(b, c)
		}
		b = append(b, c|0x80)
	}
}

// ULEB encodes v as unsigned LEB128.
func ULEB(v uint64) []byte { return appendULEB(nil, v) }

// SLEB encodes v as signed LEB128.
func SLEB(v int64) []byte { return appendSLEB(nil, v) }
