package errcode

import (
	"errors"
	"fmt"
	"testing"
)

func TestOf(t *testing.T) {
	cause := errors.New("i2c nack")
	cases := []struct {
		name string
		err  error
		want Code
	}{
		{"nil", nil, OK},
		{"bare code", Timeout, Timeout},
		{"wrapped E", Wrap(DeviceGone, "battery.read", cause), DeviceGone},
		{"fmt wrapped code", fmt.Errorf("connect: %w", LinkDown), LinkDown},
		{"foreign", cause, Error},
	}
	for _, tc := range cases {
		if got := Of(tc.err); got != tc.want {
			t.Errorf("%s: Of=%q want %q", tc.name, got, tc.want)
		}
	}
}

func TestE_IsAndMessage(t *testing.T) {
	cause := errors.New("refused")
	err := Wrap(Failed, "transport.connect", cause)
	if !errors.Is(err, Failed) {
		t.Fatal("errors.Is should match the code")
	}
	if !errors.Is(err, cause) {
		t.Fatal("errors.Is should reach the cause")
	}
	if errors.Is(err, Timeout) {
		t.Fatal("unexpected match on a different code")
	}
	if got, want := err.Error(), "transport.connect: failed: refused"; got != want {
		t.Fatalf("Error()=%q want %q", got, want)
	}
}
