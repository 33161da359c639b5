package pkg

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsStallError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"not found", ErrNotFound, false},
		{"wrapped not found", fmt.Errorf("dfu: %w", ErrNotFound), false},
		{"unsupported", ErrUnsupportedOp, true},
		{"invalid argument", ErrInvalidArgument, true},
		{"wrapped invalid argument", fmt.Errorf("dnload: %w", ErrInvalidArgument), true},
		{"invalid request", ErrInvalidRequest, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsStallError(tt.err))
		})
	}
}

func TestFunctionErrorsDistinct(t *testing.T) {
	errs := []error{ErrNotFound, ErrAlreadyInitialized, ErrNoResource, ErrUnsupportedOp, ErrInvalidArgument, ErrDenied}
	for i, a := range errs {
		for j, b := range errs {
			if i != j {
				assert.NotErrorIs(t, a, b)
			}
		}
	}
}
