package hierarchy

import "testing"

func TestTrimEditorSuffix(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"/tenant-1/indices/create", "/tenant-1/indices"},
		{"/tenant-1/indices/idx-1/edit", "/tenant-1/indices/idx-1"},
		{"/tenant-1/indices/idx-1/edit/", "/tenant-1/indices/idx-1"},
		{"/tenant-1/indices/idx-1", "/tenant-1/indices/idx-1"},
		{"/tenant-1/created", "/tenant-1/created"},
		{"/create", ""},
		{"", ""},
	}
	for _, tc := range cases {
		if got := TrimEditorSuffix(tc.in); got != tc.want {
			t.Errorf("TrimEditorSuffix(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
