// Package gcfmt provides the byte stream, diagnostics and shared options
// used by the frame-info decoder and its tools.
package gcfmt

import "fmt"

// DiagKind classifies a diagnostic message.
type DiagKind string

const (
	DiagMismatch    DiagKind = "mismatch"
	DiagUnknownInst DiagKind = "unknown_inst"
	DiagTruncated   DiagKind = "truncated"
	DiagUnsupported DiagKind = "unsupported"
)

// Diag records a non-fatal issue found while inspecting a method.
type Diag struct {
	Offset uint64   `json:"offset"`
	Kind   DiagKind `json:"kind"`
	Msg    string   `json:"msg"`
}

func (d Diag) String() string {
	return fmt.Sprintf("[%s] 0x%x: %s", d.Kind, d.Offset, d.Msg)
}

// Diags accumulates diagnostics.
type Diags struct {
	items []Diag
}

func (d *Diags) Add(offset uint64, kind DiagKind, msg string) {
	d.items = append(d.items, Diag{Offset: offset, Kind: kind, Msg: msg})
}

func (d *Diags) Addf(offset uint64, kind DiagKind, format string, args ...any) {
	d.items = append(d.items, Diag{Offset: offset, Kind: kind, Msg: fmt.Sprintf(format, args...)})
}

func (d *Diags) Items() []Diag { return d.items }
func (d *Diags) Len() int      { return len(d.items) }

// Options bounds loops over untrusted input.
type Options struct {
	MaxSteps int // frames per walk or instructions per listing; 0 = use default
}

// DefaultMaxSteps is the global default loop cap.
const DefaultMaxSteps = 100_000

func (o Options) EffectiveMaxSteps() int {
	if o.MaxSteps > 0 {
		return o.MaxSteps
	}
	return DefaultMaxSteps
}
