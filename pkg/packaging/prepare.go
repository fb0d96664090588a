package packaging

import (
	"context"
	"os"
	"path/filepath"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/pkg/errors"
	"go.opencensus.io/trace"

	"github.com/dokumenta/pdfcreator-release/pkg/contexts/ctxlog"
)

// CleanWorkspace deletes everything a previous run may have left
// behind. Missing artifacts are not errors, so the reset is
// idempotent and safe on a fresh checkout.
func (po *PackageOptions) CleanWorkspace(ctx context.Context) error {
	ctx, span := trace.StartSpan(ctx, "packaging.CleanWorkspace")
	defer span.End()

	logger := log.With(ctxlog.FromContext(ctx), "caller", "packaging.CleanWorkspace")
	po.setDefaults()

	removals := []string{
		po.dmgPath(),
		po.zipPath(),
		po.infoPath(),
		po.logPath(),
		po.buildDir(),
		po.distDir(),
		filepath.Join(po.WorkDir, ".DS_Store"),
	}

	// create-dmg leaves rw.*.dmg staging images behind when it is
	// interrupted.
	staging, err := filepath.Glob(filepath.Join(po.OutputDir, "rw.*.dmg"))
	if err != nil {
		return errors.Wrap(err, "globbing for staging images")
	}
	removals = append(removals, staging...)

	for _, path := range removals {
		if err := os.RemoveAll(path); err != nil {
			return errors.Wrapf(err, "removing %s", path)
		}
	}

	level.Debug(logger).Log(
		"msg", "workspace reset",
		"removed", len(removals),
	)

	return nil
}

// buildBundle runs pyinstaller against the spec file and confirms the
// bundle actually exists afterwards. The original release script
// never checked this step; here a missing bundle fails the run
// immediately instead of three steps later.
func (po *PackageOptions) buildBundle(ctx context.Context) error {
	ctx, span := trace.StartSpan(ctx, "packaging.buildBundle")
	defer span.End()

	logger := log.With(ctxlog.FromContext(ctx), "caller", "packaging.buildBundle")

	level.Info(logger).Log(
		"msg", "building app bundle",
		"spec", po.SpecFile,
	)

	// The spec file path is relative to the checkout, so pyinstaller
	// runs inside it.
	if _, err := po.execOutIn(ctx, po.WorkDir, "pyinstaller", "--noconfirm", po.SpecFile); err != nil {
		return errors.Wrap(err, "running pyinstaller")
	}

	appStat, err := os.Stat(po.appPath())
	if err != nil {
		return errors.Wrapf(err, "pyinstaller reported success but %s is missing", po.appPath())
	}
	if !appStat.IsDir() {
		return errors.Errorf("%s isn't a bundle directory", po.appPath())
	}

	return nil
}
