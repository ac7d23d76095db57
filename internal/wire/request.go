// Package wire defines the JSON request and response bodies shared by the
// HTTP, websocket and MCP transports.
package wire

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"github.com/michaelbrown/wasmbox/internal/sandbox"
)

// MaxModuleBytes caps a decompressed module.
const MaxModuleBytes = 256 << 20

// Module encodings.
const (
	EncodingRaw  = "raw"
	EncodingGzip = "gzip"
	EncodingZstd = "zstd"
)

// ExecuteRequest is the body of an execute call.
type ExecuteRequest struct {
	ID           string          `json:"id,omitempty"`
	Wasm         string          `json:"wasm"`
	Encoding     string          `json:"encoding,omitempty"`
	Input        json.RawMessage `json:"input,omitempty"`
	FunctionName string          `json:"function_name,omitempty"`
	MemoryLimit  uint64          `json:"memory_limit,omitempty"`
	Timeout      uint64          `json:"timeout,omitempty"`
	ABI          string          `json:"abi,omitempty"`
}

// Response is a translated outcome plus the caller's correlation id.
type Response struct {
	ID string `json:"id,omitempty"`
	sandbox.Response
}

// Decode reads one ExecuteRequest from r. The request is returned even when
// converting it fails so callers can echo its id.
func Decode(r io.Reader) (ExecuteRequest, sandbox.Request, error) {
	var er ExecuteRequest
	if err := json.NewDecoder(r).Decode(&er); err != nil {
		return er, sandbox.Request{}, sandbox.NewError(sandbox.StageDecode, fmt.Errorf("invalid JSON body: %w", err))
	}
	req, err := er.Request()
	return er, req, err
}

// Request converts the wire form into a pipeline request.
func (er ExecuteRequest) Request() (sandbox.Request, error) {
	if er.Wasm == "" {
		return sandbox.Request{}, sandbox.NewError(sandbox.StageDecode, errors.New("wasm is required"))
	}
	module, err := DecodeModule(er.Wasm, er.Encoding)
	if err != nil {
		return sandbox.Request{}, sandbox.NewError(sandbox.StageDecode, err)
	}
	abi, err := sandbox.ParseABI(er.ABI)
	if err != nil {
		return sandbox.Request{}, sandbox.NewError(sandbox.StageDecode, err)
	}
	if len(er.Input) > 0 && !json.Valid(er.Input) {
		return sandbox.Request{}, sandbox.NewError(sandbox.StageDecode, errors.New("input is not valid JSON"))
	}
	return sandbox.Request{
		Module:       module,
		Input:        er.Input,
		FunctionName: er.FunctionName,
		MemoryLimit:  er.MemoryLimit,
		Timeout:      er.Timeout,
		ABI:          abi,
	}, nil
}

// DecodeModule base64-decodes s and decompresses it according to encoding.
func DecodeModule(s, encoding string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("invalid base64 in wasm: %w", err)
	}
	return Decompress(raw, encoding)
}

// Decompress expands b according to encoding. The empty encoding is raw.
func Decompress(b []byte, encoding string) ([]byte, error) {
	return decompress(b, encoding, MaxModuleBytes)
}

func decompress(b []byte, encoding string, limit int) ([]byte, error) {
	var rc io.ReadCloser
	switch strings.ToLower(encoding) {
	case "", EncodingRaw:
		return b, nil
	case EncodingGzip:
		zr, err := gzip.NewReader(bytes.NewReader(b))
		if err != nil {
			return nil, fmt.Errorf("gzip failed: %w", err)
		}
		rc = zr
	case EncodingZstd:
		zr, err := zstd.NewReader(bytes.NewReader(b))
		if err != nil {
			return nil, fmt.Errorf("zstd failed: %w", err)
		}
		rc = zr.IOReadCloser()
	default:
		return nil, fmt.Errorf("unknown encoding %q", encoding)
	}
	defer rc.Close()

	out, err := io.ReadAll(io.LimitReader(rc, int64(limit)+1))
	if err != nil {
		return nil, fmt.Errorf("%s failed: %w", encoding, err)
	}
	if len(out) > limit {
		return nil, fmt.Errorf("decompressed module exceeds %d bytes", limit)
	}
	return out, nil
}

// EncodeModule is the inverse of DecodeModule for the raw encoding.
func EncodeModule(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// NewResponse translates o and attaches id.
func NewResponse(id string, o sandbox.Outcome) Response {
	return Response{ID: id, Response: sandbox.Translate(o)}
}

// ErrorResponse reports a failure that happened before the pipeline ran.
func ErrorResponse(id string, err error) Response {
	return Response{ID: id, Response: sandbox.Response{Success: false, Error: err.Error()}}
}
