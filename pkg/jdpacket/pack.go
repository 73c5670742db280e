// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package jdpacket

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ErrLayout is returned for malformed layout strings or mismatched values
var ErrLayout = errors.New("jdpacket: layout")

// FieldKind identifies how a layout field is encoded
type FieldKind int

const (
	FieldUint FieldKind = iota
	FieldInt
	FieldFloat
	FieldBytes
	FieldString
	FieldZString // zero-terminated string
)

// Field is one element of a Layout
type Field struct {
	Kind     FieldKind
	Size     int // encoded size in bytes; 0 means "rest of the buffer"
	Fraction int // fixed-point fraction bits for u/i fields
}

// Layout is a parsed field layout such as "u32 u16 b[8] s".
//
// Supported tokens: u8 u16 u32 u64, i8 i16 i32 i64, fixed point uA.B / iA.B,
// f32 f64, b (rest) b[n], s (rest) s[n], z (zero terminated) and "r:" which
// repeats the following fields until the data is exhausted.
type Layout struct {
	Format string
	Fields []Field
	Repeat int // index of the first repeated field, -1 when none
}

// ParseLayout parses a whitespace separated layout string
func ParseLayout(format string) (*Layout, error) {
	l := &Layout{Format: format, Repeat: -1}
	for _, tok := range strings.Fields(format) {
		if tok == "r:" {
			if l.Repeat >= 0 {
				return nil, fmt.Errorf("%w: duplicate repeat marker in %q", ErrLayout, format)
			}
			l.Repeat = len(l.Fields)
			continue
		}
		f, err := parseField(tok)
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %v", ErrLayout, format, err)
		}
		l.Fields = append(l.Fields, f)
	}
	return l, nil
}

// MustParseLayout is ParseLayout for static tables; it panics on error
func MustParseLayout(format string) *Layout {
	l, err := ParseLayout(format)
	if err != nil {
		panic(err)
	}
	return l
}

func parseField(tok string) (Field, error) {
	switch tok {
	case "b":
		return Field{Kind: FieldBytes}, nil
	case "s":
		return Field{Kind: FieldString}, nil
	case "z":
		return Field{Kind: FieldZString}, nil
	case "f32":
		return Field{Kind: FieldFloat, Size: 4}, nil
	case "f64":
		return Field{Kind: FieldFloat, Size: 8}, nil
	}

	if (tok[0] == 'b' || tok[0] == 's') && strings.HasPrefix(tok[1:], "[") && strings.HasSuffix(tok, "]") {
		n, err := strconv.Atoi(tok[2 : len(tok)-1])
		if err != nil || n <= 0 {
			return Field{}, fmt.Errorf("bad length in %q", tok)
		}
		kind := FieldBytes
		if tok[0] == 's' {
			kind = FieldString
		}
		return Field{Kind: kind, Size: n}, nil
	}

	if tok[0] != 'u' && tok[0] != 'i' {
		return Field{}, fmt.Errorf("unknown token %q", tok)
	}
	kind := FieldUint
	if tok[0] == 'i' {
		kind = FieldInt
	}
	whole, frac, fixed := strings.Cut(tok[1:], ".")
	a, err := strconv.Atoi(whole)
	if err != nil {
		return Field{}, fmt.Errorf("bad width in %q", tok)
	}
	b := 0
	if fixed {
		if b, err = strconv.Atoi(frac); err != nil {
			return Field{}, fmt.Errorf("bad fraction in %q", tok)
		}
	}
	switch a + b {
	case 8, 16, 32, 64:
	default:
		return Field{}, fmt.Errorf("unsupported width in %q", tok)
	}
	return Field{Kind: kind, Size: (a + b) / 8, Fraction: b}, nil
}

// Unpack decodes data according to the layout.
//
// Integers decode to uint64 / int64, fixed point and floats to float64, bytes
// to []byte and strings to string. Decoding stops quietly at the end of data,
// so reports that omit optional trailing fields yield a shorter slice.
func (l *Layout) Unpack(data []byte) []any {
	var out []any
	off := 0
	for i := 0; i < len(l.Fields); i++ {
		if off >= len(data) {
			break
		}
		v, n := unpackField(l.Fields[i], data[off:])
		if n < 0 {
			break
		}
		out = append(out, v)
		off += n
		if i == len(l.Fields)-1 && l.Repeat >= 0 && off < len(data) {
			i = l.Repeat - 1
		}
	}
	return out
}

func unpackField(f Field, data []byte) (any, int) {
	switch f.Kind {
	case FieldBytes, FieldString:
		n := f.Size
		if n == 0 || n > len(data) {
			n = len(data)
		}
		if f.Kind == FieldString {
			return string(bytes.TrimRight(data[:n], "\x00")), n
		}
		return append([]byte(nil), data[:n]...), n
	case FieldZString:
		end := bytes.IndexByte(data, 0)
		if end < 0 {
			return string(data), len(data)
		}
		return string(data[:end]), end + 1
	}

	if len(data) < f.Size {
		return nil, -1
	}
	var u uint64
	switch f.Size {
	case 1:
		u = uint64(data[0])
	case 2:
		u = uint64(binary.LittleEndian.Uint16(data))
	case 4:
		u = uint64(binary.LittleEndian.Uint32(data))
	case 8:
		u = binary.LittleEndian.Uint64(data)
	}

	switch f.Kind {
	case FieldFloat:
		if f.Size == 4 {
			return float64(math.Float32frombits(uint32(u))), f.Size
		}
		return math.Float64frombits(u), f.Size
	case FieldInt:
		shift := 64 - 8*f.Size
		i := int64(u<<shift) >> shift
		if f.Fraction > 0 {
			return float64(i) / float64(uint64(1)<<f.Fraction), f.Size
		}
		return i, f.Size
	default:
		if f.Fraction > 0 {
			return float64(u) / float64(uint64(1)<<f.Fraction), f.Size
		}
		return u, f.Size
	}
}

// Pack encodes values according to the layout
func (l *Layout) Pack(values ...any) ([]byte, error) {
	var buf []byte
	vi := 0
	for i := 0; i < len(l.Fields); i++ {
		if vi >= len(values) {
			if l.Repeat >= 0 && i >= l.Repeat {
				break
			}
			return nil, fmt.Errorf("%w: %q needs more than %d values", ErrLayout, l.Format, len(values))
		}
		var err error
		buf, err = packField(buf, l.Fields[i], values[vi])
		if err != nil {
			return nil, fmt.Errorf("%w: %q field %d: %v", ErrLayout, l.Format, i, err)
		}
		vi++
		if i == len(l.Fields)-1 && l.Repeat >= 0 && vi < len(values) {
			i = l.Repeat - 1
		}
	}
	if vi < len(values) {
		return nil, fmt.Errorf("%w: %q got %d extra values", ErrLayout, l.Format, len(values)-vi)
	}
	return buf, nil
}

func packField(buf []byte, f Field, v any) ([]byte, error) {
	switch f.Kind {
	case FieldBytes, FieldString, FieldZString:
		var raw []byte
		switch x := v.(type) {
		case []byte:
			raw = x
		case string:
			raw = []byte(x)
		case DeviceID:
			raw = x[:]
		default:
			return nil, fmt.Errorf("want bytes or string, got %T", v)
		}
		if f.Size > 0 {
			fixed := make([]byte, f.Size)
			copy(fixed, raw)
			return append(buf, fixed...), nil
		}
		buf = append(buf, raw...)
		if f.Kind == FieldZString {
			buf = append(buf, 0)
		}
		return buf, nil
	}

	var u uint64
	switch {
	case f.Kind == FieldFloat:
		fv, ok := toFloat(v)
		if !ok {
			return nil, fmt.Errorf("want number, got %T", v)
		}
		if f.Size == 4 {
			u = uint64(math.Float32bits(float32(fv)))
		} else {
			u = math.Float64bits(fv)
		}
	case f.Fraction > 0:
		fv, ok := toFloat(v)
		if !ok {
			return nil, fmt.Errorf("want number, got %T", v)
		}
		u = uint64(int64(math.Round(fv * float64(uint64(1)<<f.Fraction))))
	default:
		iv, ok := toUint64(v)
		if !ok {
			return nil, fmt.Errorf("want integer, got %T", v)
		}
		u = iv
	}

	switch f.Size {
	case 1:
		return append(buf, byte(u)), nil
	case 2:
		return binary.LittleEndian.AppendUint16(buf, uint16(u)), nil
	case 4:
		return binary.LittleEndian.AppendUint32(buf, uint32(u)), nil
	default:
		return binary.LittleEndian.AppendUint64(buf, u), nil
	}
}

func toUint64(v any) (uint64, bool) {
	switch x := v.(type) {
	case int:
		return uint64(x), true
	case int8:
		return uint64(x), true
	case int16:
		return uint64(x), true
	case int32:
		return uint64(x), true
	case int64:
		return uint64(x), true
	case uint:
		return uint64(x), true
	case uint8:
		return uint64(x), true
	case uint16:
		return uint64(x), true
	case uint32:
		return uint64(x), true
	case uint64:
		return x, true
	case bool:
		if x {
			return 1, true
		}
		return 0, true
	case float64:
		return uint64(int64(x)), true
	}
	return 0, false
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int8:
		return float64(x), true
	case int16:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	}
	u, ok := toUint64(v)
	return float64(u), ok
}

// Pack encodes values with a layout string
func Pack(format string, values ...any) ([]byte, error) {
	l, err := ParseLayout(format)
	if err != nil {
		return nil, err
	}
	return l.Pack(values...)
}

// Unpack decodes data with a layout string
func Unpack(format string, data []byte) ([]any, error) {
	l, err := ParseLayout(format)
	if err != nil {
		return nil, err
	}
	return l.Unpack(data), nil
}
