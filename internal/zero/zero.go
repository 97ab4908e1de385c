// Copyright 2024 The landfill Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Package zero provides helpers for the all-zero slot sentinel.
package zero

func Bytes(b []byte) {
	for i := 0; i < len(b); i++ {
		b[i] = 0
	}
}

// IsZero reports whether every byte of b is zero.
func IsZero(b []byte) bool {
	for i := 0; i < len(b); i++ {
		if b[i] != 0 {
			return false
		}
	}
	return true
}
