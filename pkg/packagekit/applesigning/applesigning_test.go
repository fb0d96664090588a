package applesigning

import (
	"context"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/require"
)

// recordingExecCC returns an execCC override that records every
// argument vector and runs `true` instead of the real tool.
func recordingExecCC(calls *[][]string) func(context.Context, string, ...string) *exec.Cmd {
	return func(ctx context.Context, argv0 string, args ...string) *exec.Cmd {
		call := append([]string{argv0}, args...)
		*calls = append(*calls, call)
		return exec.CommandContext(ctx, "true")
	}
}

func TestSignArgs(t *testing.T) {
	t.Parallel()

	var tests = []struct {
		name     string
		opts     []CodesignOpt
		expected []string
	}{
		{
			name: "identity only",
			opts: []CodesignOpt{
				WithIdentity("Developer ID Application: Example GmbH (ABCDE12345)"),
			},
			expected: []string{
				"codesign",
				"--sign", "Developer ID Application: Example GmbH (ABCDE12345)",
				"some.dylib",
			},
		},
		{
			name: "full release options",
			opts: []CodesignOpt{
				WithIdentity("Developer ID Application: Example GmbH (ABCDE12345)"),
				WithForce(),
				WithHardenedRuntime(),
				WithTimestamp(),
				WithEntitlements("entitlements.plist"),
			},
			expected: []string{
				"codesign",
				"--sign", "Developer ID Application: Example GmbH (ABCDE12345)",
				"--force",
				"--options", "runtime",
				"--timestamp",
				"--entitlements", "entitlements.plist",
				"some.dylib",
			},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var calls [][]string
			opts := append(tt.opts, WithExecCC(recordingExecCC(&calls)))

			require.NoError(t, Sign(context.TODO(), "some.dylib", opts...))
			require.Len(t, calls, 1)
			require.Equal(t, tt.expected, calls[0])
		})
	}
}

func TestSignRequiresIdentity(t *testing.T) {
	t.Parallel()

	var calls [][]string
	err := Sign(context.TODO(), "some.dylib", WithExecCC(recordingExecCC(&calls)))
	require.Error(t, err)
	require.Empty(t, calls, "codesign should not run without an identity")
}

func TestVerifyArgs(t *testing.T) {
	t.Parallel()

	var calls [][]string
	require.NoError(t, Verify(context.TODO(), "dist/PDF Creator.app", WithExecCC(recordingExecCC(&calls))))

	require.Len(t, calls, 1)
	require.Equal(t, []string{
		"codesign",
		"--verify",
		"--deep",
		"--strict",
		"--verbose=2",
		"dist/PDF Creator.app",
	}, calls[0])
}

func TestVerifyFailurePropagates(t *testing.T) {
	t.Parallel()

	failCC := func(ctx context.Context, argv0 string, args ...string) *exec.Cmd {
		return exec.CommandContext(ctx, "false")
	}

	err := Verify(context.TODO(), "dist/PDF Creator.app", WithExecCC(failCC))
	require.Error(t, err)
}
