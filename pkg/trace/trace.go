// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package trace records bus frames to CBOR trace files and plays them back.
//
// A trace is a CBOR header item followed by one CBOR item per frame. Frame
// records carry their offset from the start of the session so a player can
// reproduce the original pacing.
package trace

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// FormatVersion is written into every trace header
const FormatVersion = 1

// ErrBadHeader is returned when a trace does not start with a valid header
var ErrBadHeader = errors.New("trace: bad header")

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encOpts := cbor.EncOptions{
		Sort:          cbor.SortCanonical,
		IndefLength:   cbor.IndefLengthForbidden,
		NilContainers: cbor.NilContainerAsNull,
		Time:          cbor.TimeRFC3339Nano,
	}
	if encMode, err = encOpts.EncMode(); err != nil {
		panic(fmt.Sprintf("trace: CBOR encoder mode: %v", err))
	}
	decOpts := cbor.DecOptions{
		DupMapKey:   cbor.DupMapKeyQuiet,
		IndefLength: cbor.IndefLengthAllowed,
	}
	if decMode, err = decOpts.DecMode(); err != nil {
		panic(fmt.Sprintf("trace: CBOR decoder mode: %v", err))
	}
}

// Header opens every trace
type Header struct {
	Version   int       `cbor:"1,keyasint"`
	SessionID string    `cbor:"2,keyasint"`
	Started   time.Time `cbor:"3,keyasint"`
	Source    string    `cbor:"4,keyasint,omitempty"`
}

// Direction tells whether a frame was received or sent
type Direction uint8

const (
	DirectionIn  Direction = 0
	DirectionOut Direction = 1
)

// String returns the direction name
func (d Direction) String() string {
	switch d {
	case DirectionIn:
		return "IN"
	case DirectionOut:
		return "OUT"
	default:
		return "UNKNOWN"
	}
}

// Record is one traced frame
type Record struct {
	Offset    time.Duration `cbor:"1,keyasint"`
	Direction Direction     `cbor:"2,keyasint"`
	Frame     []byte        `cbor:"3,keyasint"`
}

// Reader reads a trace record by record
type Reader struct {
	header Header
	dec    *cbor.Decoder
	closer io.Closer
}

// NewReader reads the trace header from r
func NewReader(r io.Reader) (*Reader, error) {
	dec := decMode.NewDecoder(r)
	var h Header
	if err := dec.Decode(&h); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadHeader, err)
	}
	if h.Version != FormatVersion || h.SessionID == "" {
		return nil, fmt.Errorf("%w: version %d session %q", ErrBadHeader, h.Version, h.SessionID)
	}
	return &Reader{header: h, dec: dec}, nil
}

// Header returns the trace header
func (r *Reader) Header() Header {
	return r.header
}

// Next returns the next record, or io.EOF at the end of the trace
func (r *Reader) Next() (Record, error) {
	var rec Record
	if err := r.dec.Decode(&rec); err != nil {
		if errors.Is(err, io.EOF) {
			return Record{}, io.EOF
		}
		return Record{}, fmt.Errorf("trace: read record: %w", err)
	}
	return rec, nil
}

// All reads every remaining record
func (r *Reader) All() ([]Record, error) {
	var out []Record
	for {
		rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, rec)
	}
}

// Close closes the file opened by Open
func (r *Reader) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer.Close()
}
