package config

import "testing"

func TestParseByteSize(t *testing.T) {
	cases := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"256mb", 256 * 1024 * 1024, false},
		{"1gb", 1024 * 1024 * 1024, false},
		{"64kb", 64 * 1024, false},
		{"128", 128, false},
		{"  1MB  ", 1024 * 1024, false},
		{"", 0, true},
		{"nope", 0, true},
		{"mbmb", 0, true},
	}
	for _, c := range cases {
		got, err := ParseByteSize(c.in)
		if c.wantErr {
			if err == nil {
				t.Errorf("ParseByteSize(%q): expected error", c.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseByteSize(%q): unexpected error: %v", c.in, err)
			continue
		}
		if got != c.want {
			t.Errorf("ParseByteSize(%q) = %d, want %d", c.in, got, c.want)
		}
	}
}
