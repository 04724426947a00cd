package util

import "testing"

func TestParseMemory(t *testing.T) {
	tests := []struct {
		in      string
		want    int
		wantErr bool
	}{
		{"", 0, false},
		{"2G", 2048, false},
		{"2g", 2048, false},
		{"512Mi", 512, false},
		{"1.5GB", 1536, false},
		{"1048576", 1, false},
		{"1T", 1024 * 1024, false},
		{" 4G ", 4096, false},
		{"lots", 0, true},
		{"2X", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseMemory(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseMemory(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseMemory(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestFormatMemoryMB(t *testing.T) {
	if got := FormatMemoryMB(2048); got != "2048m" {
		t.Errorf("FormatMemoryMB(2048) = %q", got)
	}
	if got := FormatMemoryMB(0); got != "" {
		t.Errorf("FormatMemoryMB(0) = %q, want empty", got)
	}
}
