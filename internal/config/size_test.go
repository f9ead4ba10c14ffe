package config

import (
	"testing"
)

func TestParseSize(t *testing.T) {
	tests := []struct {
		input    string
		expected int
		wantErr  bool
	}{
		{"0", 0, true}, // zero is out of range, not a valid chunk size
		{"1024", 1024, false},
		{"100B", 100, false},
		{"1KB", 1000, false},
		{"1.5KB", 1500, false},
		{"1K", 1024, false},
		{"1KiB", 1024, false},
		{"1.5KiB", 1536, false},
		{"1MB", 1000000, false},
		{"1M", 1048576, false},
		{"1MiB", 1048576, false},
		{"64KiB", 65536, false},
		{"1GB", 1000000000, false},
		{"1GiB", 1073741824, false},
		{"1 GB", 1000000000, false},
		{" 100 MB ", 100000000, false},
		{"1gib", 1073741824, false},

		{"", 0, true},
		{"invalid", 0, true},
		{"GB", 0, true},
		{"1XB", 0, true},
		{"-1GB", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseSize(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseSize(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
				return
			}
			if err == nil && got != tt.expected {
				t.Errorf("ParseSize(%q) = %v, want %v", tt.input, got, tt.expected)
			}
		})
	}
}

func TestFormatSize(t *testing.T) {
	tests := []struct {
		input    int64
		expected string
	}{
		{0, "0 B"},
		{1023, "1023 B"},
		{1024, "1.0 KiB"},
		{1536, "1.5 KiB"},
		{1048576, "1.0 MiB"},
		{1073741824, "1.0 GiB"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			got := FormatSize(tt.input)
			if got != tt.expected {
				t.Errorf("FormatSize(%v) = %v, want %v", tt.input, got, tt.expected)
			}
		})
	}
}
