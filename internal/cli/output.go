// Package cli provides output formatting helpers for CLI commands.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"reflect"
)

type outputMode int

const (
	modeHuman outputMode = iota
	modeJSON
	modeJSONL
)

// Formatter renders command output in one of three modes: human-readable
// (default), a single indented JSON document, or JSON Lines for streaming.
type Formatter struct {
	out  io.Writer
	mode outputMode
}

// NewFormatter builds a formatter from the global output flags. When both
// --json and --jsonl are set, jsonl wins since it implies streaming intent.
func NewFormatter(out io.Writer) *Formatter {
	return &Formatter{out: out, mode: currentMode()}
}

func currentMode() outputMode {
	switch {
	case IsJSONLOutput():
		return modeJSONL
	case IsJSONOutput():
		return modeJSON
	default:
		return modeHuman
	}
}

// Write renders value in the formatter's mode.
func (f *Formatter) Write(value any) error {
	switch f.mode {
	case modeJSONL:
		return f.writeLines(value)
	case modeJSON:
		enc := json.NewEncoder(f.out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(value); err != nil {
			return fmt.Errorf("encode output: %w", err)
		}
		return nil
	default:
		_, err := fmt.Fprintln(f.out, value)
		return err
	}
}

// writeLines emits one compact JSON document per line. Slices and arrays are
// flattened so each element streams as its own line.
func (f *Formatter) writeLines(value any) error {
	enc := json.NewEncoder(f.out)

	v := reflect.ValueOf(value)
	if v.IsValid() && (v.Kind() == reflect.Slice || v.Kind() == reflect.Array) {
		for i := 0; i < v.Len(); i++ {
			if err := enc.Encode(v.Index(i).Interface()); err != nil {
				return fmt.Errorf("encode output line: %w", err)
			}
		}
		return nil
	}
	if err := enc.Encode(value); err != nil {
		return fmt.Errorf("encode output line: %w", err)
	}
	return nil
}

// WriteOutput is a convenience wrapper around NewFormatter.
func WriteOutput(out io.Writer, value any) error {
	return NewFormatter(out).Write(value)
}
