package appversion //nolint:testpackage // internal test needs access to describe

import (
	"runtime/debug"
	"testing"
)

func TestVersionIsSet(t *testing.T) {
	t.Parallel()

	if String() == "" {
		t.Fatal("String() must not be empty")
	}
}

func TestDescribe(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		settings []debug.BuildSetting
		want     string
	}{
		{name: "no vcs", want: "dev"},
		{
			name:     "clean",
			settings: []debug.BuildSetting{{Key: "vcs.revision", Value: "0123456789abcdef"}},
			want:     "dev+0123456789ab",
		},
		{
			name: "dirty",
			settings: []debug.BuildSetting{
				{Key: "vcs.revision", Value: "abc123"},
				{Key: "vcs.modified", Value: "true"},
			},
			want: "dev+abc123-dirty",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := describe(&debug.BuildInfo{Settings: tt.settings}); got != tt.want {
				t.Errorf("describe() = %q, want %q", got, tt.want)
			}
		})
	}
}
