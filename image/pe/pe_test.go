package pe

import (
	"bytes"
	"testing"
)

func TestInspectReaderRejects(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		data []byte
	}{
		{name: "empty", data: nil},
		{name: "elf", data: []byte("\x7fELF\x02\x01\x01")},
		{name: "truncated dos header", data: []byte("MZ\x90\x00")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := InspectReader(bytes.NewReader(tt.data)); err == nil {
				t.Error("InspectReader() accepted an invalid image")
			}
		})
	}
}
