// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package jdom

import "fmt"

// Field is one decoded member of a register value or event payload
type Field struct {
	Name  string
	Value any
}

func (f Field) String() string {
	return fmt.Sprintf("%s=%v", f.Name, f.Value)
}

// namedFields pairs values with names; repeated or unnamed values get an
// index suffix.
func namedFields(names []string, values []any) []Field {
	out := make([]Field, len(values))
	for i, v := range values {
		switch {
		case len(names) == 0:
			out[i] = Field{Name: fmt.Sprintf("_%d", i), Value: v}
		case i < len(names):
			out[i] = Field{Name: names[i], Value: v}
		default:
			out[i] = Field{Name: fmt.Sprintf("%s_%d", names[len(names)-1], i), Value: v}
		}
	}
	return out
}
