// Copyright 2024 The landfill Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package landfill

import (
	"fmt"
	"reflect"
)

// podSize validates that T is plain old data that can live in a
// memory-mapped slot and returns its size.  T must be fixed-size,
// pointer-free, and padding-free: padding bytes would make the on-disk
// representation of equal values differ, and the all-zero sentinel
// depends on byte-exact content.
func podSize[T any]() (uint64, error) {
	t := reflect.TypeFor[T]()
	if t.Size() == 0 {
		return 0, fmt.Errorf("type %s has zero size", t)
	}
	if err := podCheck(t); err != nil {
		return 0, fmt.Errorf("type %s is not plain old data: %w", t, err)
	}
	return uint64(t.Size()), nil
}

func podCheck(t reflect.Type) error {
	switch t.Kind() {
	case reflect.Bool,
		reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64, reflect.Int,
		reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uint, reflect.Uintptr,
		reflect.Float32, reflect.Float64,
		reflect.Complex64, reflect.Complex128:
		return nil
	case reflect.Array:
		return podCheck(t.Elem())
	case reflect.Struct:
		var fields uintptr
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if err := podCheck(f.Type); err != nil {
				return fmt.Errorf("field %s: %w", f.Name, err)
			}
			fields += f.Type.Size()
		}
		if fields != t.Size() {
			return fmt.Errorf("struct has %d padding bytes", t.Size()-fields)
		}
		return nil
	default:
		return fmt.Errorf("kind %s cannot be stored in a mapped slot", t.Kind())
	}
}
