package packaging

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dokumenta/pdfcreator-release/pkg/packagekit/applenotarization"
	"github.com/dokumenta/pdfcreator-release/pkg/packagekit/diskimage"
)

type fakeNotarizer struct {
	submission *applenotarization.Submission
	submitErr  error
	logErr     error

	calls []string
}

func (f *fakeNotarizer) Submit(ctx context.Context, filePath string, infoPath string) (*applenotarization.Submission, error) {
	f.calls = append(f.calls, "submit")
	return f.submission, f.submitErr
}

func (f *fakeNotarizer) FetchLog(ctx context.Context, uuid string, logPath string) error {
	f.calls = append(f.calls, "log")
	return f.logErr
}

func (f *fakeNotarizer) Staple(ctx context.Context, bundlePath string) error {
	f.calls = append(f.calls, "staple")
	return nil
}

func (f *fakeNotarizer) Validate(ctx context.Context, bundlePath string) error {
	f.calls = append(f.calls, "validate")
	return nil
}

func recordingExecCC(calls *[][]string) func(context.Context, string, ...string) *exec.Cmd {
	return func(ctx context.Context, argv0 string, args ...string) *exec.Cmd {
		*calls = append(*calls, append([]string{argv0}, args...))
		return exec.CommandContext(ctx, "true")
	}
}

func testOptions(t *testing.T, fake *fakeNotarizer, calls *[][]string) *PackageOptions {
	t.Helper()

	dir := t.TempDir()
	po := &PackageOptions{
		AppName:         "PDF Creator",
		SpecFile:        "PDF Creator.spec",
		SigningIdentity: "Developer ID Application: Example GmbH (ABCDE12345)",
		VolumeIcon:      "resources/icon.icns",
		NotaryProfile:   "pdf-creator-notary",
		WorkDir:         dir,
		OutputDir:       dir,

		notarizer: fake,
		execCC:    recordingExecCC(calls),
		imageCreate: func(ctx context.Context, o *diskimage.ImageOptions) error {
			*calls = append(*calls, []string{"create-dmg", o.OutputPath})
			return os.WriteFile(o.OutputPath, []byte("dmg"), 0644)
		},
		imageSetIcon: func(ctx context.Context, o *diskimage.ImageOptions) error {
			*calls = append(*calls, []string{"set-volume-icon", o.OutputPath})
			return nil
		},
	}

	return po
}

func commandNames(calls [][]string) []string {
	names := make([]string, 0, len(calls))
	for _, call := range calls {
		names = append(names, call[0])
	}
	return names
}

func TestNotarizeAcceptedStaplesAndRebuilds(t *testing.T) {
	t.Parallel()

	fake := &fakeNotarizer{
		submission: &applenotarization.Submission{
			ID:     "11111111-aaaa-4444-aaaa-bbbbbbbbbbbb",
			Status: applenotarization.StatusAccepted,
		},
	}
	var calls [][]string
	po := testOptions(t, fake, &calls)

	require.NoError(t, po.notarize(context.TODO()))
	require.Equal(t, []string{"submit", "log", "staple", "validate"}, fake.calls)

	// The accepted branch rebuilds the disk image with the volume
	// icon re-embedded, then re-signs it.
	require.Equal(t, []string{"create-dmg", "set-volume-icon", "codesign"}, commandNames(calls))
}

func TestArchiveBundleRelativeWorkDir(t *testing.T) {
	// Changes the process cwd, so not parallel.
	tmp := t.TempDir()
	oldWd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(tmp))
	defer func() { require.NoError(t, os.Chdir(oldWd)) }()

	po := &PackageOptions{
		AppName:   "PDF Creator",
		WorkDir:   "proj",
		OutputDir: "out",
	}
	po.setDefaults()
	require.NoError(t, os.MkdirAll(po.appPath(), 0755))
	require.NoError(t, os.MkdirAll(po.OutputDir, 0755))

	// Substitute ditto with an existence check on its source
	// argument. A path resolved under WorkDir a second time fails it.
	po.execCC = func(ctx context.Context, argv0 string, args ...string) *exec.Cmd {
		require.Equal(t, "ditto", argv0)
		return exec.CommandContext(ctx, "test", "-e", args[len(args)-2])
	}

	require.NoError(t, po.archiveBundle(context.TODO()))
}

func TestNotarizeRejectedFails(t *testing.T) {
	t.Parallel()

	fake := &fakeNotarizer{
		submission: &applenotarization.Submission{
			ID:     "22222222-bbbb-4444-cccc-dddddddddddd",
			Status: applenotarization.StatusInvalid,
		},
	}
	var calls [][]string
	po := testOptions(t, fake, &calls)

	err := po.notarize(context.TODO())
	require.Error(t, err)

	var statusErr *applenotarization.StatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, applenotarization.StatusInvalid, statusErr.Status)
	require.Equal(t, po.logPath(), statusErr.LogPath)

	require.Equal(t, []string{"submit", "log"}, fake.calls, "no stapling on rejection")
	require.Empty(t, calls, "no disk image rebuild on rejection")
}

func TestNotarizeLogFailureTolerated(t *testing.T) {
	t.Parallel()

	fake := &fakeNotarizer{
		submission: &applenotarization.Submission{
			ID:     "33333333-cccc-4444-dddd-eeeeeeeeeeee",
			Status: applenotarization.StatusInvalid,
		},
		logErr: fmt.Errorf("log not ready"),
	}
	var calls [][]string
	po := testOptions(t, fake, &calls)

	err := po.notarize(context.TODO())
	require.Error(t, err)

	var statusErr *applenotarization.StatusError
	require.ErrorAs(t, err, &statusErr)
	require.Empty(t, statusErr.LogPath, "no log path when retrieval failed")
}

func TestNotarizeSkipsLogWithoutId(t *testing.T) {
	t.Parallel()

	fake := &fakeNotarizer{
		submission: &applenotarization.Submission{Status: "Rejected"},
	}
	var calls [][]string
	po := testOptions(t, fake, &calls)

	err := po.notarize(context.TODO())
	require.Error(t, err)
	require.Equal(t, []string{"submit"}, fake.calls, "no log retrieval without a submission id")
}

func TestSignBundleOrder(t *testing.T) {
	t.Parallel()

	var calls [][]string
	po := testOptions(t, &fakeNotarizer{}, &calls)
	po.Entitlements = "testdata/entitlements.plist"

	appPath := po.appPath()
	libs := []string{
		"Contents/Frameworks/libssl.3.dylib",
		"Contents/Frameworks/libcrypto.3.dylib",
		"Contents/Frameworks/PIL/_imaging.cpython-312-darwin.so",
	}
	for _, name := range libs {
		path := filepath.Join(appPath, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, os.WriteFile(path, []byte("x"), 0755))
	}

	require.NoError(t, po.signBundle(context.TODO()))
	require.Len(t, calls, 4)

	// Last argument of each codesign invocation is the target.
	targets := make([]string, 0, len(calls))
	for _, call := range calls {
		require.Equal(t, "codesign", call[0])
		targets = append(targets, call[len(call)-1])
	}

	require.Equal(t, appPath, targets[len(targets)-1], "outer bundle signature must be the last write")
	for _, target := range targets[:len(targets)-1] {
		require.NotEqual(t, appPath, target)
		require.True(t, strings.HasSuffix(target, ".dylib") || strings.HasSuffix(target, ".so"))
	}
}

func TestCreateRelease(t *testing.T) {
	t.Parallel()

	fake := &fakeNotarizer{
		submission: &applenotarization.Submission{
			ID:     "44444444-dddd-4444-eeee-ffffffffffff",
			Status: applenotarization.StatusAccepted,
		},
	}
	var calls [][]string
	po := testOptions(t, fake, &calls)

	entitlements, err := filepath.Abs("testdata/entitlements.plist")
	require.NoError(t, err)
	po.Entitlements = entitlements

	infoPlist, err := filepath.Abs("testdata/Info.plist")
	require.NoError(t, err)

	// The fake pyinstaller lays out a minimal bundle with one
	// embedded library; every other tool is a no-op.
	contents := filepath.Join(po.appPath(), "Contents")
	buildScript := fmt.Sprintf(
		"mkdir -p %q %q && cp %q %q && touch %q",
		filepath.Join(contents, "MacOS"),
		filepath.Join(contents, "Frameworks"),
		infoPlist,
		filepath.Join(contents, "Info.plist"),
		filepath.Join(contents, "Frameworks", "libfake.dylib"),
	)

	po.execCC = func(ctx context.Context, argv0 string, args ...string) *exec.Cmd {
		calls = append(calls, append([]string{argv0}, args...))
		if argv0 == "pyinstaller" && len(args) > 0 && args[0] == "--version" {
			return exec.CommandContext(ctx, "echo", "6.3.0")
		}
		if argv0 == "pyinstaller" {
			return exec.CommandContext(ctx, "sh", "-c", buildScript)
		}
		return exec.CommandContext(ctx, "true")
	}

	require.NoError(t, CreateRelease(context.TODO(), po))

	require.Equal(t, []string{"submit", "log", "staple", "validate"}, fake.calls)

	names := commandNames(calls)
	require.Equal(t, "pyinstaller", names[0], "version detection runs first")

	// Build happens before any signing, signing before archival.
	require.Less(t, indexOf(t, names, "codesign"), indexOf(t, names, "ditto"))
	require.Less(t, indexOf(t, names[1:], "pyinstaller")+1, indexOf(t, names, "codesign"))
}

func indexOf(t *testing.T, haystack []string, needle string) int {
	t.Helper()
	for i, s := range haystack {
		if s == needle {
			return i
		}
	}
	t.Fatalf("%q not found in %v", needle, haystack)
	return -1
}
