// Package packaging drives the macOS release pipeline for the PDF
// Creator app: build the bundle with pyinstaller, sign it, wrap it in
// a disk image, notarize it, and staple the ticket.
//
// Every step shells out to the platform tooling. This package owns
// the ordering and the failure policy; the tools own everything else.
package packaging

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/pkg/errors"
	"go.opencensus.io/trace"

	"github.com/dokumenta/pdfcreator-release/pkg/contexts/ctxlog"
	"github.com/dokumenta/pdfcreator-release/pkg/packagekit"
	"github.com/dokumenta/pdfcreator-release/pkg/packagekit/applenotarization"
	"github.com/dokumenta/pdfcreator-release/pkg/packagekit/applesigning"
	"github.com/dokumenta/pdfcreator-release/pkg/packagekit/diskimage"
)

// notarizationClient is the slice of applenotarization.Notarizer the
// pipeline needs. It exists so tests can fake the service.
type notarizationClient interface {
	Submit(ctx context.Context, filePath string, infoPath string) (*applenotarization.Submission, error)
	FetchLog(ctx context.Context, uuid string, logPath string) error
	Staple(ctx context.Context, bundlePath string) error
	Validate(ctx context.Context, bundlePath string) error
}

// PackageOptions is the set of release inputs. The zero values are
// not usable; the cmd layer fills every field from flags.
type PackageOptions struct {
	AppName         string // bundle name without the .app suffix, eg "PDF Creator"
	SpecFile        string // pyinstaller spec file
	SigningIdentity string // Developer ID Application certificate identifier
	Entitlements    string // path to the entitlements plist
	VolumeIcon      string // icns for the dmg volume
	Background      string // dmg background art
	NotaryProfile   string // keychain profile for notarytool
	WorkDir         string // project checkout; pyinstaller writes build/ and dist/ here
	OutputDir       string // where the dmg, zip, and result files land
	SkipNotarize    bool   // stop after the first disk image

	execCC       func(context.Context, string, ...string) *exec.Cmd
	notarizer    notarizationClient
	imageCreate  func(context.Context, *diskimage.ImageOptions) error
	imageSetIcon func(context.Context, *diskimage.ImageOptions) error
}

func (po *PackageOptions) setDefaults() {
	if po.OutputDir == "" {
		po.OutputDir = "."
	}
	if po.execCC == nil {
		po.execCC = exec.CommandContext
	}
	if po.notarizer == nil {
		po.notarizer = applenotarization.New(po.NotaryProfile)
	}
	if po.imageCreate == nil {
		po.imageCreate = diskimage.Create
	}
	if po.imageSetIcon == nil {
		po.imageSetIcon = diskimage.SetVolumeIcon
	}
}

// CreateRelease runs the whole pipeline, strictly sequentially. On
// failure the workspace is left as-is so artifacts can be inspected.
func CreateRelease(ctx context.Context, po *PackageOptions) error {
	ctx, span := trace.StartSpan(ctx, "packaging.CreateRelease")
	defer span.End()

	logger := log.With(ctxlog.FromContext(ctx), "caller", "packaging.CreateRelease")
	po.setDefaults()

	if err := po.detectPyInstallerVersion(ctx); err != nil {
		return errors.Wrap(err, "detecting pyinstaller")
	}

	if err := po.CleanWorkspace(ctx); err != nil {
		return errors.Wrap(err, "resetting workspace")
	}

	if err := po.buildBundle(ctx); err != nil {
		return errors.Wrap(err, "building app bundle")
	}

	if err := po.inspectBundle(ctx); err != nil {
		return errors.Wrap(err, "inspecting app bundle")
	}

	if err := po.signBundle(ctx); err != nil {
		return errors.Wrap(err, "signing app bundle")
	}

	if err := applesigning.Verify(ctx, po.appPath(), applesigning.WithExecCC(po.execCC)); err != nil {
		return errors.Wrap(err, "verifying bundle signature")
	}

	if err := po.createDiskImage(ctx); err != nil {
		return errors.Wrap(err, "creating disk image")
	}

	if err := po.archiveBundle(ctx); err != nil {
		return errors.Wrap(err, "archiving app bundle")
	}

	if po.SkipNotarize {
		level.Info(logger).Log("msg", "skipping notarization as requested")
		return nil
	}

	if err := po.notarize(ctx); err != nil {
		return err
	}

	level.Info(logger).Log("msg", "Build completed successfully!")
	return nil
}

// signBundle signs every embedded shared library, then the outer
// bundle. The container seal must be the last write to the bundle:
// signing the bundle before its libraries leaves the outer signature
// stale the moment a nested file changes.
func (po *PackageOptions) signBundle(ctx context.Context) error {
	ctx, span := trace.StartSpan(ctx, "packaging.signBundle")
	defer span.End()

	logger := log.With(ctxlog.FromContext(ctx), "caller", "packaging.signBundle")

	libs, err := findMachOLibraries(po.appPath())
	if err != nil {
		return errors.Wrap(err, "finding embedded libraries")
	}

	level.Debug(logger).Log(
		"msg", "signing embedded libraries",
		"count", len(libs),
	)

	for _, lib := range libs {
		if err := applesigning.Sign(ctx, lib, po.signOpts()...); err != nil {
			return err
		}
	}

	return applesigning.Sign(ctx, po.appPath(), po.signOpts()...)
}

func (po *PackageOptions) signOpts() []applesigning.CodesignOpt {
	return []applesigning.CodesignOpt{
		applesigning.WithIdentity(po.SigningIdentity),
		applesigning.WithForce(),
		applesigning.WithHardenedRuntime(),
		applesigning.WithTimestamp(),
		applesigning.WithEntitlements(po.Entitlements),
		applesigning.WithExecCC(po.execCC),
	}
}

// createDiskImage builds the dmg, embeds the volume icon, and signs
// the image. Icon embedding is cosmetic: a failure there is logged
// and the image ships without it.
func (po *PackageOptions) createDiskImage(ctx context.Context) error {
	ctx, span := trace.StartSpan(ctx, "packaging.createDiskImage")
	defer span.End()

	logger := log.With(ctxlog.FromContext(ctx), "caller", "packaging.createDiskImage")

	o := diskimage.NewImageOptions(po.AppName+".app", po.distDir(), po.dmgPath(), po.AppName)
	o.VolumeIcon = po.VolumeIcon
	o.Background = po.Background

	if err := po.imageCreate(ctx, o); err != nil {
		return err
	}

	if po.VolumeIcon != "" {
		if err := po.imageSetIcon(ctx, o); err != nil {
			level.Info(logger).Log(
				"msg", "could not embed volume icon, image ships without it",
				"err", err,
			)
		}
	}

	return applesigning.Sign(ctx, po.dmgPath(),
		applesigning.WithIdentity(po.SigningIdentity),
		applesigning.WithForce(),
		applesigning.WithExecCC(po.execCC),
	)
}

// archiveBundle zips the bundle with ditto. The zip, not the dmg, is
// the notarization payload.
func (po *PackageOptions) archiveBundle(ctx context.Context) error {
	ctx, span := trace.StartSpan(ctx, "packaging.archiveBundle")
	defer span.End()

	if _, err := po.execOut(ctx, "ditto", "-c", "-k", "--keepParent", po.appPath(), po.zipPath()); err != nil {
		return errors.Wrapf(err, "creating %s", po.zipPath())
	}

	return nil
}

// notarize submits the archive, waits for the verdict, and either
// staples and rebuilds the disk image or fails with the saved log.
func (po *PackageOptions) notarize(ctx context.Context) error {
	ctx, span := trace.StartSpan(ctx, "packaging.notarize")
	defer span.End()

	logger := log.With(ctxlog.FromContext(ctx), "caller", "packaging.notarize")

	submission, err := po.notarizer.Submit(ctx, po.zipPath(), po.infoPath())
	if err != nil {
		return errors.Wrap(err, "submitting for notarization")
	}

	packagekit.SetInContext(ctx, packagekit.ContextNotarizationUuidKey, submission.ID)

	// The scan log is diagnostic only. Fetch it when we have an id,
	// tolerate failure, and never attempt it without one.
	savedLogPath := ""
	if submission.ID == "" {
		level.Info(logger).Log("msg", "no submission id returned, skipping log retrieval")
	} else if err := po.notarizer.FetchLog(ctx, submission.ID, po.logPath()); err != nil {
		level.Info(logger).Log(
			"msg", "could not fetch notarization log",
			"uuid", submission.ID,
			"err", err,
		)
	} else {
		savedLogPath = po.logPath()
	}

	if !submission.Accepted() {
		return &applenotarization.StatusError{
			Status:  submission.Status,
			LogPath: savedLogPath,
		}
	}

	level.Info(logger).Log(
		"msg", "notarization accepted, stapling",
		"uuid", submission.ID,
	)

	if err := po.notarizer.Staple(ctx, po.appPath()); err != nil {
		return errors.Wrap(err, "stapling bundle")
	}

	// The shipped image must contain the stapled bundle, so the
	// pre-notarization dmg is discarded and rebuilt.
	if err := os.Remove(po.dmgPath()); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "removing %s", po.dmgPath())
	}

	if err := po.createDiskImage(ctx); err != nil {
		return errors.Wrap(err, "recreating disk image")
	}

	if err := po.notarizer.Validate(ctx, po.appPath()); err != nil {
		return errors.Wrap(err, "validating staple")
	}

	return nil
}

func (po *PackageOptions) distDir() string {
	return filepath.Join(po.WorkDir, "dist")
}

func (po *PackageOptions) buildDir() string {
	return filepath.Join(po.WorkDir, "build")
}

func (po *PackageOptions) appPath() string {
	return filepath.Join(po.distDir(), po.AppName+".app")
}

func (po *PackageOptions) dmgPath() string {
	return filepath.Join(po.OutputDir, po.AppName+".dmg")
}

func (po *PackageOptions) zipPath() string {
	return filepath.Join(po.OutputDir, po.AppName+".zip")
}

func (po *PackageOptions) infoPath() string {
	return filepath.Join(po.OutputDir, "notarization-info.json")
}

func (po *PackageOptions) logPath() string {
	return filepath.Join(po.OutputDir, "notarization-log.json")
}
