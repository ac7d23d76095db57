package wasmtest

import "encoding/binary"

// Opcodes used by the fixtures.
const (
	OpUnreachable   byte = 0x00
	OpLoop          byte = 0x03
	OpBr            byte = 0x0c
	OpEnd           byte = 0x0b
	OpCall          byte = 0x10
	OpDrop          byte = 0x1a
	OpLocalGet      byte = 0x20
	OpGlobalGet     byte = 0x23
	OpGlobalSet     byte = 0x24
	OpI32Load       byte = 0x28
	OpI32Store      byte = 0x36
	OpMemoryGrow    byte = 0x40
	OpI32Const      byte = 0x41
	OpI64Const      byte = 0x42
	OpI32Add        byte = 0x6a
	OpI32DivS       byte = 0x6d
	OpI64Or         byte = 0x84
	OpI64Shl        byte = 0x86
	OpI64ExtendI32U byte = 0xad

	blockEmpty byte = 0x40
)

const wasi = "wasi_snapshot_preview1"

func u32(v uint32) *uint32 { return &v }

func nullary() FuncType { return FuncType{} }

// Nop exports name as a function that returns immediately with no results.
func Nop(name string) []byte {
	return Module{
		Types:   []FuncType{nullary()},
		Funcs:   []Func{{Type: 0}},
		Exports: []Export{{Name: name, Kind: ExportFunc, Index: 0}},
	}.Bytes()
}

// ReturnsI32 exports name as a function returning v.
func ReturnsI32(name string, v int32) []byte {
	body := append([]byte{OpI32Const}, SLEB(int64(v))...)
	return Module{
		Types:   []FuncType{{Results: []byte{I32}}},
		Funcs:   []Func{{Type: 0, Body: body}},
		Exports: []Export{{Name: name, Kind: ExportFunc, Index: 0}},
	}.Bytes()
}

// InfiniteLoop exports name as a function that never returns.
func InfiniteLoop(name string) []byte {
	return Module{
		Types:   []FuncType{nullary()},
		Funcs:   []Func{{Type: 0, Body: []byte{OpLoop, blockEmpty, OpBr, 0x00, OpEnd}}},
		Exports: []Export{{Name: name, Kind: ExportFunc, Index: 0}},
	}.Bytes()
}

// Unreachable exports name as a function that traps immediately.
func Unreachable(name string) []byte {
	return Module{
		Types:   []FuncType{nullary()},
		Funcs:   []Func{{Type: 0, Body: []byte{OpUnreachable}}},
		Exports: []Export{{Name: name, Kind: ExportFunc, Index: 0}},
	}.Bytes()
}

// DivideByZero exports name as a function that divides by zero.
func DivideByZero(name string) []byte {
	return Module{
		Types: []FuncType{nullary()},
		Funcs: []Func{{Type: 0, Body: []byte{
			OpI32Const, 0x01,
			OpI32Const, 0x00,
			OpI32DivS,
			OpDrop,
		}}},
		Exports: []Export{{Name: name, Kind: ExportFunc, Index: 0}},
	}.Bytes()
}

// UnresolvedImport imports env.host_fn, which no sandbox provides, and calls
// it from main.
func UnresolvedImport() []byte {
	return Module{
		Types:   []FuncType{nullary()},
		Imports: []Import{{Module: "env", Name: "host_fn", Type: 0}},
		Funcs:   []Func{{Type: 0, Body: []byte{OpCall, 0x00}}},
		Exports: []Export{{Name: "main", Kind: ExportFunc, Index: 1}},
	}.Bytes()
}

// BadSectionOrder places the export section before the function section.
// Every section is well framed.
func BadSectionOrder() []byte {
	m := Module{
		Types:   []FuncType{nullary()},
		Funcs:   []Func{{Type: 0}},
		Exports: []Export{{Name: "main", Kind: ExportFunc, Index: 0}},
	}
	s := m.Sections() // type, function, export, code
	return Assemble(s[0], s[2], s[1], s[3])
}

// IllTyped declares main as returning i32 but leaves the stack empty.
func IllTyped() []byte {
	return Module{
		Types:   []FuncType{{Results: []byte{I32}}},
		Funcs:   []Func{{Type: 0}},
		Exports: []Export{{Name: "main", Kind: ExportFunc, Index: 0}},
	}.Bytes()
}

// NeedsParam exports main with an i32 parameter that no convention supplies.
func NeedsParam() []byte {
	return Module{
		Types:   []FuncType{{Params: []byte{I32}}},
		Funcs:   []Func{{Type: 0}},
		Exports: []Export{{Name: "main", Kind: ExportFunc, Index: 0}},
	}.Bytes()
}

// MemoryEcho implements the memory convention: alloc is a bump allocator and
// main returns its own input as (ptr<<32 | len).
func MemoryEcho() []byte {
	return Module{
		Types: []FuncType{
			{Params: []byte{I32}, Results: []byte{I32}},
			{Params: []byte{I32, I32}, Results: []byte{I64}},
		},
		Funcs: []Func{
			{Type: 0, Body: []byte{
				OpGlobalGet, 0x00,
				OpGlobalGet, 0x00,
				OpLocalGet, 0x00,
				OpI32Add,
				OpGlobalSet, 0x00,
			}},
			{Type: 1, Body: []byte{
				OpLocalGet, 0x00,
				OpI64ExtendI32U,
				OpI64Const, 0x20,
				OpI64Shl,
				OpLocalGet, 0x01,
				OpI64ExtendI32U,
				OpI64Or,
			}},
		},
		Memory:  &Memory{Min: 1},
		Globals: []Global{{Type: I32, Mutable: true, Init: 1024}},
		Exports: []Export{
			{Name: "memory", Kind: ExportMemory, Index: 0},
			{Name: "alloc", Kind: ExportFunc, Index: 0},
			{Name: "main", Kind: ExportFunc, Index: 1},
		},
	}.Bytes()
}

// MemoryGrow exports main, which grows linear memory by pages and discards
// the result. Growth beyond the sandbox ceiling fails without trapping.
func MemoryGrow(pages int32) []byte {
	body := append([]byte{OpI32Const}, SLEB(int64(pages))...)
	body = append(body, OpMemoryGrow, 0x00, OpDrop)
	return Module{
		Types:   []FuncType{nullary()},
		Funcs:   []Func{{Type: 0, Body: body}},
		Memory:  &Memory{Min: 1},
		Exports: []Export{{Name: "main", Kind: ExportFunc, Index: 0}, {Name: "memory", Kind: ExportMemory, Index: 0}},
	}.Bytes()
}

// MemoryMin declares a memory of min pages with a no-op main.
func MemoryMin(min uint32, max *uint32) []byte {
	return Module{
		Types:   []FuncType{nullary()},
		Funcs:   []Func{{Type: 0}},
		Memory:  &Memory{Min: min, Max: max},
		Exports: []Export{{Name: "main", Kind: ExportFunc, Index: 0}},
	}.Bytes()
}

var fdType = FuncType{Params: []byte{I32, I32, I32, I32}, Results: []byte{I32}}

// Stdout exports main, which writes text to fd 1 through WASI fd_write.
func Stdout(text string) []byte {
	iov := make([]byte, 8)
	binary.LittleEndian.PutUint32(iov[0:], 16)
	binary.LittleEndian.PutUint32(iov[4:], uint32(len(text)))
	return Module{
		Types:   []FuncType{fdType, nullary()},
		Imports: []Import{{Module: wasi, Name: "fd_write", Type: 0}},
		Funcs: []Func{{Type: 1, Body: []byte{
			OpI32Const, 0x01, // stdout
			OpI32Const, 0x00, // iovs
			OpI32Const, 0x01, // iovs_len
			OpI32Const, 0x08, // nwritten
			OpCall, 0x00,
			OpDrop,
		}}},
		Memory: &Memory{Min: 1},
		Exports: []Export{
			{Name: "main", Kind: ExportFunc, Index: 1},
			{Name: "memory", Kind: ExportMemory, Index: 0},
		},
		Data: []Data{{Offset: 0, Bytes: iov}, {Offset: 16, Bytes: []byte(text)}},
	}.Bytes()
}

// StdinEcho exports main, which copies one read of stdin to stdout.
func StdinEcho() []byte {
	iov := make([]byte, 8)
	binary.LittleEndian.PutUint32(iov[0:], 64)
	binary.LittleEndian.PutUint32(iov[4:], 65536-64)
	return Module{
		Types: []FuncType{fdType, nullary()},
		Imports: []Import{
			{Module: wasi, Name: "fd_read", Type: 0},
			{Module: wasi, Name: "fd_write", Type: 0},
		},
		Funcs: []Func{{Type: 1, Body: []byte{
			OpI32Const, 0x00, // stdin
			OpI32Const, 0x00, // iovs
			OpI32Const, 0x01, // iovs_len
			OpI32Const, 0x08, // nread
			OpCall, 0x00,
			OpDrop,
			// iov.len = nread
			OpI32Const, 0x04,
			OpI32Const, 0x08,
			OpI32Load, 0x02, 0x00,
			OpI32Store, 0x02, 0x00,
			OpI32Const, 0x01, // stdout
			OpI32Const, 0x00,
			OpI32Const, 0x01,
			OpI32Const, 0x08,
			OpCall, 0x01,
			OpDrop,
		}}},
		Memory: &Memory{Min: 1},
		Exports: []Export{
			{Name: "main", Kind: ExportFunc, Index: 2},
			{Name: "memory", Kind: ExportMemory, Index: 0},
		},
		Data: []Data{{Offset: 0, Bytes: iov}},
	}.Bytes()
}

// ProcExit exports main, which calls WASI proc_exit with code.
func ProcExit(code int32) []byte {
	body := append([]byte{OpI32Const}, SLEB(int64(code))...)
	body = append(body, OpCall, 0x00)
	return Module{
		Types:   []FuncType{{Params: []byte{I32}}, nullary()},
		Imports: []Import{{Module: wasi, Name: "proc_exit", Type: 0}},
		Funcs:   []Func{{Type: 1, Body: body}},
		Memory:  &Memory{Min: 1},
		Exports: []Export{
			{Name: "main", Kind: ExportFunc, Index: 1},
			{Name: "memory", Kind: ExportMemory, Index: 0},
		},
	}.Bytes()
}

// StartLoop has a start section pointing at a function that never returns.
func StartLoop() []byte {
	return Module{
		Types: []FuncType{nullary()},
		Funcs: []Func{
			{Type: 0, Body: []byte{OpLoop, blockEmpty, OpBr, 0x00, OpEnd}},
			{Type: 0},
		},
		Exports: []Export{{Name: "main", Kind: ExportFunc, Index: 1}},
		Start:   u32(0),
	}.Bytes()
}

// Reactor exports _initialize, which sets a global to 7, and main, which
// returns that global.
func Reactor() []byte {
	return Module{
		Types: []FuncType{nullary(), {Results: []byte{I32}}},
		Funcs: []Func{
			{Type: 0, Body: []byte{OpI32Const, 0x07, OpGlobalSet, 0x00}},
			{Type: 1, Body: []byte{OpGlobalGet, 0x00}},
		},
		Globals: []Global{{Type: I32, Mutable: true, Init: 0}},
		Exports: []Export{
			{Name: "_initialize", Kind: ExportFunc, Index: 0},
			{Name: "main", Kind: ExportFunc, Index: 1},
		},
	}.Bytes()
}

// Max is a helper for MemoryMin callers.
func Max(pages uint32) *uint32 { return u32(pages) }
