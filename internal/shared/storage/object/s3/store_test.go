package s3

import "testing"

func TestApplyPrefix(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		prefix string
		key    string
		want   string
	}{
		{name: "no prefix", prefix: "", key: "user/scan.pdf", want: "user/scan.pdf"},
		{name: "simple prefix", prefix: "root", key: "user/scan.pdf", want: "root/user/scan.pdf"},
		{name: "prefix trailing slash", prefix: "root/", key: "user/scan.pdf", want: "root/user/scan.pdf"},
		{name: "prefix and key slashes", prefix: "/root/", key: "/user/scan.pdf", want: "root/user/scan.pdf"},
		{name: "nested prefix", prefix: "root/sub", key: "user/scan.pdf", want: "root/sub/user/scan.pdf"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := applyPrefix(tt.prefix, tt.key); got != tt.want {
				t.Fatalf("applyPrefix(%q, %q) = %q, want %q", tt.prefix, tt.key, got, tt.want)
			}
		})
	}
}

func TestNormalizePrefix(t *testing.T) {
	t.Parallel()
	if got := normalizePrefix("  /scans/ "); got != "scans" {
		t.Fatalf("normalizePrefix = %q, want %q", got, "scans")
	}
}
