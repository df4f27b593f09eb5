package retry

import (
	"errors"
	"testing"
	"time"
)

func TestDoSucceedsEventually(t *testing.T) {
	attempts := 0
	err := Do(3, time.Millisecond, func() error {
		attempts++
		if attempts < 2 {
			return errors.New("not yet")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if attempts != 2 {
		t.Fatalf("attempts = %d, want 2", attempts)
	}
}

func TestDoExhausted(t *testing.T) {
	attempts := 0
	wantErr := errors.New("permanent")
	err := Do(3, time.Millisecond, func() error {
		attempts++
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("Do() err = %v, want %v", err, wantErr)
	}
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}
}
