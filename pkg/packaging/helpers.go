package packaging

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/pkg/errors"

	"github.com/dokumenta/pdfcreator-release/pkg/contexts/ctxlog"
)

func (po *PackageOptions) execOut(ctx context.Context, argv0 string, args ...string) (string, error) {
	return po.execOutIn(ctx, "", argv0, args...)
}

// execOutIn runs the command with the given working directory. Paths
// built by the po helpers are already WorkDir- or OutputDir-joined, so
// commands taking those must run from the process cwd, not WorkDir:
// joining twice breaks relative work dirs.
func (po *PackageOptions) execOutIn(ctx context.Context, dir string, argv0 string, args ...string) (string, error) {
	logger := log.With(ctxlog.FromContext(ctx), "caller", "execOut")

	cmd := po.execCC(ctx, argv0, args...)
	cmd.Dir = dir

	level.Debug(logger).Log(
		"msg", "execing",
		"cmd", strings.Join(cmd.Args, " "),
	)

	stdout, stderr := new(bytes.Buffer), new(bytes.Buffer)
	cmd.Stdout, cmd.Stderr = stdout, stderr
	if err := cmd.Run(); err != nil {
		return "", errors.Wrapf(err, "run command %s %v, stderr=%s", argv0, args, stderr)
	}
	return strings.TrimSpace(stdout.String()), nil
}

// findMachOLibraries walks the bundle for the shared libraries a
// pyinstaller build embeds. Both .dylib and the python extension .so
// files carry Mach-O code and need their own signatures. The result
// is sorted so signing order is stable between runs.
func findMachOLibraries(root string) ([]string, error) {
	var libs []string

	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}

		switch filepath.Ext(path) {
		case ".dylib", ".so":
			libs = append(libs, path)
		}

		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "walking %s", root)
	}

	sort.Strings(libs)
	return libs, nil
}
