// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package utils holds small generic helpers shared by the state layer.
package utils

import "golang.org/x/exp/constraints"

// CopyMap returns a shallow copy of m.
func CopyMap[K comparable, V any](m map[K]V) map[K]V {
	r := make(map[K]V, len(m))
	for k, v := range m {
		r[k] = v
	}
	return r
}

// MapItems collects the values of m in unspecified order.
func MapItems[K comparable, V any](m map[K]V) []V {
	vs := make([]V, 0, len(m))
	for _, v := range m {
		vs = append(vs, v)
	}
	return vs
}

// Clamp bounds v to [min, max].
func Clamp[I constraints.Ordered](v I, min I, max I) I {
	if v < min {
		v = min
	} else if v > max {
		v = max
	}
	return v
}
