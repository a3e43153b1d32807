package bytesize

import "testing"

func TestFormat(t *testing.T) {
	cases := []struct {
		bytes int64
		want  string
	}{
		{0, "0 B"},
		{512, "512 B"},
		{1023, "1023 B"},
		{1024, "1 KB"},
		{1500, "1.46 KB"},
		{1024 * 1024, "1 MB"},
		{1073741824, "1 GB"},
		{1610612736, "1.5 GB"},
		{2199023255552, "2 TB"},
	}
	for _, tc := range cases {
		if got := Format(tc.bytes); got != tc.want {
			t.Errorf("Format(%d) = %q, want %q", tc.bytes, got, tc.want)
		}
	}
}

func TestParse(t *testing.T) {
	cases := []struct {
		in   string
		want int64
	}{
		{"512 MB", 512 * MB},
		{"1 GB", GB},
		{"1.5gb", 1610612736},
		{"2 TB", 2199023255552},
		{"100B", 100},
		{"  10 kb ", 10 * KB},
	}
	for _, tc := range cases {
		got, err := Parse(tc.in)
		if err != nil {
			t.Errorf("Parse(%q) returned error: %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("Parse(%q) = %d, want %d", tc.in, got, tc.want)
		}
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	for _, in := range []string{"", "ten MB", "10 PB", "10", "MB", "-5 GB"} {
		if _, err := Parse(in); err == nil {
			t.Errorf("Parse(%q) succeeded, want error", in)
		}
	}
}
