package host

import (
	"errors"
	"fmt"
	"testing"
)

func TestStatusOf(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want Status
	}{
		{name: "nil", err: nil, want: Status_Success},
		{name: "sentinel", err: ErrAccessDenied, want: Status_AccessDenied},
		{name: "wrapped", err: fmt.Errorf("module 3: %w", ErrObjectNotFound), want: Status_ObjectNotFound},
		{name: "joined", err: errors.Join(errors.New("x"), ErrInvalidArch), want: Status_InvalidArch},
		{name: "foreign", err: errors.New("boom"), want: Status_ExternalError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := StatusOf(tt.err); got != tt.want {
				t.Errorf("StatusOf(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestStatusErr(t *testing.T) {
	t.Parallel()

	if err := Status_Success.Err(); err != nil {
		t.Errorf("Status_Success.Err() = %v, want nil", err)
	}
	if err := Status(uint32(Status_FileNotFound)).Err(); !errors.Is(err, ErrFileNotFound) {
		t.Errorf("Err() = %v, want %v", err, ErrFileNotFound)
	}
	if got := Status(200).Error(); got != "status 200" {
		t.Errorf("Error() = %q, want %q", got, "status 200")
	}
	if got := Status_AlreadyExists.Error(); got != "object already exists" {
		t.Errorf("Error() = %q", got)
	}
}
