package packaging

import (
	"context"
	"strings"

	"github.com/Masterminds/semver"
	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/pkg/errors"

	"github.com/dokumenta/pdfcreator-release/pkg/contexts/ctxlog"
	"github.com/dokumenta/pdfcreator-release/pkg/packagekit"
)

// Older pyinstaller releases produce bundles whose nested layout the
// signing step was never tested against.
const minimumPyInstallerVersion = "5.0.0"

// detectPyInstallerVersion invokes pyinstaller and looks for the
// version string. A missing tool is fatal -- the build step would
// fail anyway, with a worse error. An old version is only a warning.
func (po *PackageOptions) detectPyInstallerVersion(ctx context.Context) error {
	logger := log.With(ctxlog.FromContext(ctx), "caller", "detectPyInstallerVersion")
	level.Debug(logger).Log("msg", "Attempting pyinstaller autodetection")

	stdout, err := po.execOut(ctx, "pyinstaller", "--version")
	if err != nil {
		return errors.Wrap(err, "running pyinstaller --version; is pyinstaller installed?")
	}

	version := parsePyInstallerVersion(stdout)
	if version == "" {
		return errors.Errorf("unable to parse pyinstaller version from %q", stdout)
	}

	packagekit.SetInContext(ctx, packagekit.ContextPyInstallerVersionKey, version)

	supported, err := versionAtLeast(version, minimumPyInstallerVersion)
	if err != nil {
		level.Info(logger).Log(
			"msg", "could not compare pyinstaller version, continuing",
			"version", version,
			"err", err,
		)
		return nil
	}

	if !supported {
		level.Info(logger).Log(
			"msg", "pyinstaller older than the supported minimum, continuing anyway",
			"version", version,
			"minimum", minimumPyInstallerVersion,
		)
	}

	return nil
}

// parsePyInstallerVersion extracts the version from `pyinstaller
// --version` output. Recent releases print the bare version; some
// print a trailing build tag.
func parsePyInstallerVersion(output string) string {
	lines := strings.Split(strings.TrimSpace(output), "\n")
	if len(lines) == 0 {
		return ""
	}

	fields := strings.Fields(lines[len(lines)-1])
	if len(fields) == 0 {
		return ""
	}

	return fields[0]
}

func versionAtLeast(have, want string) (bool, error) {
	v, err := semver.NewVersion(have)
	if err != nil {
		return false, errors.Wrapf(err, "parsing version %s", have)
	}

	c, err := semver.NewConstraint(">= " + want)
	if err != nil {
		return false, errors.Wrapf(err, "parsing constraint %s", want)
	}

	return c.Check(v), nil
}
