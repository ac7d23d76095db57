package sandbox

import (
	"encoding/json"
	"time"
)

// Outcome is the result of one call. It is a success iff Err is nil.
type Outcome struct {
	ID           string
	Function     string
	Digest       string // sha256 of the module, empty if it never loaded
	ModuleSize   int
	Output       json.RawMessage
	OutputKind   string
	ReturnValues []uint64
	Elapsed      time.Duration
	MemoryUsed   *uint64
	Err          *Error
}

func (o Outcome) Success() bool { return o.Err == nil }

// Stage is "success" or the stage of the failure.
func (o Outcome) Stage() string {
	if o.Err == nil {
		return "success"
	}
	return string(o.Err.Stage)
}

// Response is the caller-facing shape of an Outcome.
type Response struct {
	ExecutionID   string          `json:"execution_id,omitempty" yaml:"execution_id,omitempty"`
	Success       bool            `json:"success" yaml:"success"`
	Output        json.RawMessage `json:"output,omitempty" yaml:"-"`
	OutputKind    string          `json:"output_kind,omitempty" yaml:"output_kind,omitempty"`
	ReturnValues  []uint64        `json:"return_values,omitempty" yaml:"return_values,omitempty"`
	Error         string          `json:"error,omitempty" yaml:"error,omitempty"`
	ExecutionTime int64           `json:"execution_time" yaml:"execution_time"`
	MemoryUsed    *uint64         `json:"memory_used,omitempty" yaml:"memory_used,omitempty"`
}

// Translate shapes an Outcome for the caller. It never fails.
func Translate(o Outcome) Response {
	r := Response{
		ExecutionID:   o.ID,
		Success:       o.Err == nil,
		ExecutionTime: o.Elapsed.Milliseconds(),
	}
	if o.Err != nil {
		r.Error = o.Err.Error()
		return r
	}
	r.Output = o.Output
	r.OutputKind = o.OutputKind
	r.ReturnValues = o.ReturnValues
	r.MemoryUsed = o.MemoryUsed
	return r
}
