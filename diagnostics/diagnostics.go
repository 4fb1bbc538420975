// Package diagnostics formats heap verification failures and prints them in
// a consistent way.
package diagnostics

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/tinygo-org/gengc/mem"
)

// Error is a single verification failure at an address of a space.
type Error struct {
	Space string
	Addr  mem.Address
	Msg   string
}

func (e *Error) Error() string {
	if e.Addr == mem.Null {
		return e.Space + ": " + e.Msg
	}
	return fmt.Sprintf("%s: %v: %s", e.Space, e.Addr, e.Msg)
}

// Errorf returns an *Error for the given space and address.
func Errorf(space string, addr mem.Address, format string, args ...interface{}) error {
	return &Error{Space: space, Addr: addr, Msg: fmt.Sprintf(format, args...)}
}

// List is a list of failures found by one verification pass.
type List []error

func (l List) Error() string {
	if len(l) == 1 {
		return l[0].Error()
	}
	return fmt.Sprintf("%s (and %d more)", l[0].Error(), len(l)-1)
}

// A single diagnostic.
type Diagnostic struct {
	Addr mem.Address
	Msg  string
}

// The diagnostics of one space. It can also hold heap-wide diagnostics
// (like a broken card table guard) that belong to no single space.
type SpaceDiagnostic struct {
	Space       string
	Diagnostics []Diagnostic
}

// Diagnostics of a whole heap, one entry per space with failures.
type HeapDiagnostic []SpaceDiagnostic

// CreateDiagnostics reads the underlying errors in the error object and
// creates a set of diagnostics that's grouped by space, sorted by address and
// can be readily printed.
func CreateDiagnostics(err error) HeapDiagnostic {
	if err == nil {
		return nil
	}
	bySpace := make(map[string]*SpaceDiagnostic)
	var order []string
	collect(err, func(space string, diag Diagnostic) {
		sd := bySpace[space]
		if sd == nil {
			sd = &SpaceDiagnostic{Space: space}
			bySpace[space] = sd
			order = append(order, space)
		}
		sd.Diagnostics = append(sd.Diagnostics, diag)
	})

	var heapDiag HeapDiagnostic
	for _, space := range order {
		sd := bySpace[space]
		// Sort these diagnostics by address.
		sort.SliceStable(sd.Diagnostics, func(i, j int) bool {
			return sd.Diagnostics[i].Addr < sd.Diagnostics[j].Addr
		})
		heapDiag = append(heapDiag, *sd)
	}
	return heapDiag
}

// Extract diagnostics from the given error, which in many cases will just be
// a single diagnostic.
func collect(err error, fn func(space string, diag Diagnostic)) {
	var list List
	var e *Error
	switch {
	case errors.As(err, &list):
		for _, err := range list {
			collect(err, fn)
		}
	case errors.As(err, &e):
		fn(e.Space, Diagnostic{Addr: e.Addr, Msg: e.Msg})
	default:
		fn("", Diagnostic{Msg: err.Error()})
	}
}

// Count returns the number of diagnostics.
func (heapDiag HeapDiagnostic) Count() int {
	n := 0
	for _, sd := range heapDiag {
		n += len(sd.Diagnostics)
	}
	return n
}

// Write heap diagnostics to the given writer.
func (heapDiag HeapDiagnostic) WriteTo(w io.Writer) {
	for _, sd := range heapDiag {
		sd.WriteTo(w)
	}
}

// Write space diagnostics to the given writer.
func (sd SpaceDiagnostic) WriteTo(w io.Writer) {
	if sd.Space != "" {
		fmt.Fprintln(w, "#", sd.Space)
	}
	for _, diag := range sd.Diagnostics {
		diag.WriteTo(w)
	}
}

// Write this diagnostic to the given writer.
func (diag Diagnostic) WriteTo(w io.Writer) {
	if diag.Addr == mem.Null {
		fmt.Fprintln(w, diag.Msg)
		return
	}
	fmt.Fprintf(w, "%v: %s\n", diag.Addr, strings.TrimSpace(diag.Msg))
}
