package pools

import (
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
)

var (
	// ErrOutOfMemory matches every *OutOfMemoryError with errors.Is
	ErrOutOfMemory = errors.New("out of memory")
	// ErrUnsupportedMemoryRequirements matches every *UnsupportedMemoryRequirementsError with
	// errors.Is
	ErrUnsupportedMemoryRequirements = errors.New("unsupported memory requirements")
)

// OutOfMemoryError is returned when a request could not be served because the candidate pools,
// blocks, or device heaps did not have enough room. Freeing other allocations and retrying may
// succeed.
type OutOfMemoryError struct {
	// Size is the requested size in bytes
	Size int
}

func (e *OutOfMemoryError) Error() string {
	return fmt.Sprintf("could not allocate %d bytes: out of memory", e.Size)
}

func (e *OutOfMemoryError) Is(target error) bool {
	return target == ErrOutOfMemory
}

// UnsupportedMemoryRequirementsError is returned when no memory type on the device is both
// allowed by the memory requirements and carries every requested property. Retrying the same
// request will never succeed.
type UnsupportedMemoryRequirementsError struct {
	DeviceName     string
	MemoryTypeBits uint32
	Properties     core1_0.MemoryPropertyFlags
}

func (e *UnsupportedMemoryRequirementsError) Error() string {
	return fmt.Sprintf("device %q has no memory type in %#b that supports properties %s", e.DeviceName, e.MemoryTypeBits, e.Properties)
}

func (e *UnsupportedMemoryRequirementsError) Is(target error) bool {
	return target == ErrUnsupportedMemoryRequirements
}

// MemoryAllocateError is returned when the device failed to allocate a block for any reason
// other than running out of memory.
type MemoryAllocateError struct {
	DeviceName      string
	Size            int
	MemoryTypeIndex int
	Result          common.VkResult
	Err             error
}

func (e *MemoryAllocateError) Error() string {
	return fmt.Sprintf("device %q failed to allocate %d bytes on memory type %d (%s): %v", e.DeviceName, e.Size, e.MemoryTypeIndex, e.Result, e.Err)
}

func (e *MemoryAllocateError) Unwrap() error {
	return e.Err
}
