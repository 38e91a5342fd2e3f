// Copyright 2024 Seakee.  All rights reserved.
// Use of this source code is governed by a MIT style
// license that can be found in the LICENSE file.

package priority

import "testing"

func TestParse(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want int
	}{
		{"nil", nil, Normal},
		{"lowest", "lowest", Lowest},
		{"low", "low", Low},
		{"normal literal", "normal", Normal},
		{"high", "high", High},
		{"highest", "highest", Highest},
		{"numeric string", "7", 7},
		{"unrecognized string", "urgent", Normal},
		{"int passthrough", 42, 42},
		{"float passthrough", float64(3), 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Parse(tt.in); got != tt.want {
				t.Fatalf("Parse(%v) = %d, want %d", tt.in, got, tt.want)
			}
		})
	}
}
