package protocol

import "testing"

func TestParseUID(t *testing.T) {
	tests := []struct {
		input    string
		expected string
		wantErr  bool
	}{
		{"04:a1:b2:c3:d4:e5:f6", "04A1B2C3D4E5F6", false},
		{"04A1B2C3", "04A1B2C3", false},
		{"04 AB CD EF", "04ABCDEF", false},
		{"04-ab-cd-ef", "04ABCDEF", false},
		{"", "", true},
		{"04:AB:C", "", true},
		{"04:XY", "", true},
	}
	for _, tt := range tests {
		got, err := ParseUID(tt.input)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseUID(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			continue
		}
		if got != tt.expected {
			t.Errorf("ParseUID(%q) = %q, want %q", tt.input, got, tt.expected)
		}
	}
}
