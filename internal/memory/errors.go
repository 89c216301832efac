package memory

import (
	"errors"
	"fmt"
	"strings"

	"github.com/harrison/taskpilot/internal/models"
)

// Overflow describes one tier left above its capacity.
type Overflow struct {
	Kind      models.MemoryKind
	Count     int // Records in the tier after forgetting
	Capacity  int // Nominal capacity
	Protected int // Records at or above the forgetting threshold
}

// CapacityError reports that forgetting could not bring a tier under its
// capacity because the remaining records are protected by the forgetting
// threshold. It is a warning: nothing was lost.
type CapacityError struct {
	Overflows []Overflow
}

// Error implements the error interface for CapacityError.
func (e *CapacityError) Error() string {
	parts := make([]string, len(e.Overflows))
	for i, o := range e.Overflows {
		parts[i] = fmt.Sprintf("%s %d/%d (%d protected)", o.Kind, o.Count, o.Capacity, o.Protected)
	}
	return "memory over capacity: " + strings.Join(parts, ", ")
}

// IsCapacityError checks if the error is or wraps a CapacityError.
func IsCapacityError(err error) bool {
	var ce *CapacityError
	return errors.As(err, &ce)
}
