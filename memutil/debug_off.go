//go:build !debug_heap_utils

package memutil

// CanarySize is the number of canary bytes written into each reserved block
// header span when heapalloc is built with the debug_heap_utils build tag
const CanarySize int = 0

// WriteCanary writes an easy-to-identify marker across CanarySize bytes of mem
// starting at offset. This method no-ops unless the debug_heap_utils build tag is present.
func WriteCanary(mem []byte, offset int) {
}

// ValidateCanary verifies that the marker written by WriteCanary is still present at
// offset. It returns true if the marker is intact and false otherwise.
// This method no-ops unless the debug_heap_utils build tag is present.
func ValidateCanary(mem []byte, offset int) bool {
	return true
}

// DebugValidate will call Validate on the provided object and panics if any errors are
// returned. This method no-ops unless the debug_heap_utils build tag is present
func DebugValidate(validatable Validatable) {
}
