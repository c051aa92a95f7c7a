//go:build debug_heap_utils

package memutil

import "encoding/binary"

const (
	// CanarySize is the number of canary bytes written into each reserved block
	// header span when heapalloc is built with the debug_heap_utils build tag
	CanarySize int = 16
	// corruptionDetectionMagicValue is a 4-byte pattern repeated across every canary span
	corruptionDetectionMagicValue uint32 = 0xA110C8ED
)

// WriteCanary writes an easy-to-identify marker across CanarySize bytes of mem
// starting at offset. This method no-ops unless the debug_heap_utils build tag is present.
func WriteCanary(mem []byte, offset int) {
	for i := 0; i < CanarySize; i += 4 {
		binary.LittleEndian.PutUint32(mem[offset+i:], corruptionDetectionMagicValue)
	}
}

// ValidateCanary verifies that the marker written by WriteCanary is still present at
// offset. It returns true if the marker is intact and false otherwise.
// This method no-ops unless the debug_heap_utils build tag is present.
func ValidateCanary(mem []byte, offset int) bool {
	for i := 0; i < CanarySize; i += 4 {
		if binary.LittleEndian.Uint32(mem[offset+i:]) != corruptionDetectionMagicValue {
			return false
		}
	}
	return true
}

// DebugValidate will call Validate on the provided object and panics if any errors are
// returned. This method no-ops unless the debug_heap_utils build tag is present
func DebugValidate(validatable Validatable) {
	err := validatable.Validate()
	if err != nil {
		panic(err)
	}
}
