//go:build debug_mem_utils

package memutils

import "fmt"

// DebugValidate will call Validate on the provided object and panics if any errors are returned. This
// method no-ops unless the debug_mem_utils build tag is present
func DebugValidate(validatable Validatable) {
	err := validatable.Validate()
	if err != nil {
		panic(err)
	}
}

// DebugCheckPow2 will verify that the numerical value passed in is a power of two, and panics if it is not.
// This method no-ops unless the debug_mem_utils build tag is present.
func DebugCheckPow2[T Number](value T, name string) {
	err := CheckPow2[T](value, name)
	if err != nil {
		panic(err)
	}
}

// DebugCheckPageMultiple will verify that the value passed in is a whole number of pages, and panics if it
// is not. This method no-ops unless the debug_mem_utils build tag is present.
func DebugCheckPageMultiple(value int, name string) {
	if value%PageSize != 0 {
		panic(fmt.Sprintf("%s is %d, which is not a multiple of the page size %d", name, value, PageSize))
	}
}
