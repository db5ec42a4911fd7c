package events

import (
	"errors"
	"testing"
)

func TestUnsupportedOptionValueError_Unwrap(t *testing.T) {
	cause := errors.New("json: unsupported type: chan int")
	err := &UnsupportedOptionValueError{Key: "callback", Err: cause}

	if !errors.Is(err, ErrUnsupportedOptionValue) {
		t.Fatal("expected errors.Is to match ErrUnsupportedOptionValue")
	}
	if err.Error() == "" {
		t.Fatal("expected non-empty error message")
	}
}
