package video

import "testing"

// TestFormatString verifies named and unnamed formats print sensibly.
func TestFormatString(t *testing.T) {
	cases := []struct {
		f    Format
		want string
	}{
		{FormatBGRA, "BGRA"},
		{FormatNV12, "NV12"},
		{FormatUnknown, "UNKNOWN"},
		{Format(9999), "format(9999)"},
	}
	for _, tc := range cases {
		if got := tc.f.String(); got != tc.want {
			t.Errorf("Format(%d).String() = %q, want %q", tc.f, got, tc.want)
		}
	}
}

// TestParseFormat verifies names round-trip through the parser.
func TestParseFormat(t *testing.T) {
	for _, name := range []string{"BGRA", "RGBA", "NV12", "xRGB_210LE"} {
		f, ok := ParseFormat(name)
		if !ok {
			t.Errorf("ParseFormat(%q) failed", name)
			continue
		}
		if f.String() != name {
			t.Errorf("ParseFormat(%q).String() = %q", name, f.String())
		}
	}
	if _, ok := ParseFormat("no-such-format"); ok {
		t.Error("ParseFormat accepted garbage")
	}
}

// TestFormatValid verifies the enum bounds.
func TestFormatValid(t *testing.T) {
	if FormatUnknown.Valid() {
		t.Error("unknown format reported valid")
	}
	if !FormatBGRA.Valid() || !FormatBGRA_102LE.Valid() {
		t.Error("known format reported invalid")
	}
	if Format(100000).Valid() {
		t.Error("out-of-range format reported valid")
	}
}
