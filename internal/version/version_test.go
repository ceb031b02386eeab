package version

import (
	"strings"
	"testing"
)

func TestStringReflectsBuildVersion(t *testing.T) {
	cleanup := ForTesting("1.2.3-test")
	t.Cleanup(cleanup)

	if got := String(); got != "1.2.3-test" {
		t.Fatalf("expected version 1.2.3-test, got %s", got)
	}
}

func TestFormatVersion(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"dev", "dev"},
		{"0.3.0", "v0.3.0"},
		{"v0.3.0", "v0.3.0"},
	}
	for _, tc := range cases {
		if got := FormatVersion(tc.in); got != tc.want {
			t.Errorf("FormatVersion(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestCheckVersionMismatch(t *testing.T) {
	tests := []struct {
		name          string
		clientVersion string
		daemonVersion string
		wantWarning   bool
	}{
		{
			name:          "same version no warning",
			clientVersion: "0.3.0",
			daemonVersion: "0.3.0",
			wantWarning:   false,
		},
		{
			name:          "different version warning",
			clientVersion: "0.3.0",
			daemonVersion: "0.2.0",
			wantWarning:   true,
		},
		{
			name:          "daemon dev skip",
			clientVersion: "0.3.0",
			daemonVersion: "dev",
			wantWarning:   false,
		},
		{
			name:          "client dev skip",
			clientVersion: "dev",
			daemonVersion: "0.3.0",
			wantWarning:   false,
		},
		{
			name:          "empty daemon version skip",
			clientVersion: "0.3.0",
			daemonVersion: "",
			wantWarning:   false,
		},
		{
			name:          "v prefix normalized",
			clientVersion: "v0.3.0",
			daemonVersion: "0.3.0",
			wantWarning:   false,
		},
		{
			name:          "git describe suffix normalized",
			clientVersion: "0.3.0-5-gabcdef",
			daemonVersion: "0.3.0",
			wantWarning:   false,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cleanup := ForTesting(tc.clientVersion)
			t.Cleanup(cleanup)

			warning := CheckVersionMismatch(tc.daemonVersion)
			if tc.wantWarning && warning == "" {
				t.Fatal("expected a warning, got none")
			}
			if !tc.wantWarning && warning != "" {
				t.Fatalf("expected no warning, got %q", warning)
			}
			if tc.wantWarning && !strings.Contains(warning, "version mismatch") {
				t.Fatalf("warning missing explanation: %q", warning)
			}
		})
	}
}
