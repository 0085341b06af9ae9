package types

import (
	"errors"
	"fmt"
	"testing"
)

type codedErr struct{ code Status }

func (e codedErr) Error() string      { return "coded" }
func (e codedErr) StatusCode() Status { return e.code }

func TestStatusOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Status
	}{
		{"nil", nil, StatusOK},
		{"wrong state", fmt.Errorf("stop: %w", ErrWrongState), StatusWrongState},
		{"failure", fmt.Errorf("start: %w", ErrFailure), StatusFailure},
		{"invalid", ErrInvalidParameter, StatusInvalidParameter},
		{"not found", fmt.Errorf("lookup: %w", ErrFileNotFound), StatusFileNotFound},
		{"coded passes through", fmt.Errorf("wrap: %w", codedErr{code: -38}), Status(-38)},
		{"unknown", errors.New("boom"), StatusUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := StatusOf(tt.err); got != tt.want {
				t.Errorf("StatusOf() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestCanTransition(t *testing.T) {
	legal := map[[2]SessionStatus]bool{
		{StatusUnloaded, StatusLoaded}:  true,
		{StatusLoaded, StatusStarted}:   true,
		{StatusLoaded, StatusUnloaded}:  true,
		{StatusStarted, StatusStopped}:  true,
		{StatusStopped, StatusLoaded}:   true,
		{StatusStopped, StatusStarted}:  true,
		{StatusStopped, StatusUnloaded}: true,
	}
	all := []SessionStatus{StatusUnloaded, StatusLoaded, StatusStarted, StatusStopped}
	for _, from := range all {
		for _, to := range all {
			want := legal[[2]SessionStatus{from, to}]
			if got := from.CanTransition(to); got != want {
				t.Errorf("%s -> %s = %v, want %v", from, to, got, want)
			}
		}
	}
}
