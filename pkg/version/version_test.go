package version

import (
	"errors"
	"testing"
)

func TestParse_Valid(t *testing.T) {
	tests := []struct {
		input string
		major uint16
		minor uint16
	}{
		{"1.0", 1, 0},
		{"1.1", 1, 1},
		{"2.0", 2, 0},
		{"10.23", 10, 23},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			v, err := Parse(tt.input)
			if err != nil {
				t.Fatalf("Parse(%q) returned error: %v", tt.input, err)
			}
			if v.Major != tt.major || v.Minor != tt.minor {
				t.Errorf("Parse(%q) = %d.%d, want %d.%d", tt.input, v.Major, v.Minor, tt.major, tt.minor)
			}
			if v.String() != tt.input {
				t.Errorf("String() = %q, want %q", v.String(), tt.input)
			}
		})
	}
}

func TestParse_Invalid(t *testing.T) {
	for _, input := range []string{"", "1", "abc", "1.0.0", "1.x", "-1.0", ".1"} {
		t.Run(input, func(t *testing.T) {
			if _, err := Parse(input); err == nil {
				t.Errorf("Parse(%q) should return error", input)
			}
		})
	}
}

func TestLocal(t *testing.T) {
	if got := Local().String(); got != Current {
		t.Errorf("Local() = %s, want %s", got, Current)
	}
}

func TestCheck(t *testing.T) {
	tests := []struct {
		remote string
		ok     bool
	}{
		{"1.0", true},
		{"1.7", true},
		{"2.0", false},
		{"0.9", false},
		{"garbage", false},
	}
	for _, tt := range tests {
		t.Run(tt.remote, func(t *testing.T) {
			_, err := Check(tt.remote)
			if tt.ok && err != nil {
				t.Errorf("Check(%q) = %v, want nil", tt.remote, err)
			}
			if !tt.ok && !errors.Is(err, ErrIncompatible) {
				t.Errorf("Check(%q) = %v, want ErrIncompatible", tt.remote, err)
			}
		})
	}
}
