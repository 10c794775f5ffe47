//go:build !debug_mem_utils

package memutils

// DebugValidate panics if validatable reports an inconsistency. Pools call it after every change
// to their metadata; it does nothing unless built with the debug_mem_utils tag.
func DebugValidate(validatable Validatable) {
}
