//go:build !unix

package memory

import (
	"fmt"
	"os"
)

// MapFile loads a raw stack image at base.
func (m *Image) MapFile(path string, base uint64) (*Segment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("memory: read: %w", err)
	}
	return m.MapBytes(base, data)
}
