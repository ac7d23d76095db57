package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/michaelbrown/wasmbox/internal/sandbox"
	"github.com/michaelbrown/wasmbox/internal/wasmtest"
)

func TestReadModuleDecompresses(t *testing.T) {
	dir := t.TempDir()
	module := wasmtest.Nop("main")

	plain := filepath.Join(dir, "nop.wasm")
	require.NoError(t, os.WriteFile(plain, module, 0o644))

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	zw.Write(module)
	require.NoError(t, zw.Close())
	gz := filepath.Join(dir, "nop.wasm.gz")
	require.NoError(t, os.WriteFile(gz, buf.Bytes(), 0o644))

	for _, path := range []string{plain, gz} {
		got, err := readModule(path)
		require.NoError(t, err, path)
		assert.Equal(t, module, got, path)
	}

	_, err := readModule(filepath.Join(dir, "missing.wasm"))
	assert.ErrorContains(t, err, "reading module")
}

func TestParseInput(t *testing.T) {
	in, err := parseInput("  ")
	require.NoError(t, err)
	assert.Nil(t, in)

	in, err = parseInput(` {"a": [1, 2]} `)
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":[1,2]}`, string(in))

	_, err = parseInput("{oops")
	assert.EqualError(t, err, "input is not valid JSON")
}

func TestPrintResponse(t *testing.T) {
	used := uint64(65536)
	resp := sandbox.Response{
		ExecutionID:   "e1",
		Success:       true,
		Output:        json.RawMessage(`{"sum":3}`),
		OutputKind:    sandbox.OutputJSON,
		ExecutionTime: 4,
		MemoryUsed:    &used,
	}

	var js bytes.Buffer
	require.NoError(t, printResponse(&js, resp, "json"))
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(js.Bytes(), &decoded))
	assert.Equal(t, map[string]any{"sum": float64(3)}, decoded["output"])

	var y bytes.Buffer
	require.NoError(t, printResponse(&y, resp, "yaml"))
	out := y.String()
	assert.Contains(t, out, "execution_id: e1")
	assert.Contains(t, out, "output:\n  sum: 3")
	assert.Contains(t, out, "memory_used: 65536")
}

func TestSessionCommands(t *testing.T) {
	s := &session{function: "main", abi: sandbox.ABIAuto, format: "json"}

	assert.True(t, s.command(":fn transform"))
	assert.Equal(t, "transform", s.function)

	assert.True(t, s.command(":abi stdio"))
	assert.Equal(t, sandbox.ABIStdio, s.abi)

	assert.True(t, s.command(":abi bogus"))
	assert.Equal(t, sandbox.ABIStdio, s.abi)

	assert.True(t, s.command(":yaml"))
	assert.Equal(t, "yaml", s.format)

	assert.False(t, s.command(":quit"))
}

func TestHelpers(t *testing.T) {
	assert.Equal(t, "abcdefgh", shortID("abcdefghijkl"))
	assert.Equal(t, "abc", shortID("abc"))
	assert.Equal(t, "ab...", truncate("  abcdef ", 2))
	assert.Equal(t, "just now", timeAgo(time.Now()))
	assert.Equal(t, "3h ago", timeAgo(time.Now().Add(-3*time.Hour-time.Minute)))
	assert.True(t, strings.HasSuffix(timeAgo(time.Now().Add(-72*time.Hour)), "d ago"))
}
