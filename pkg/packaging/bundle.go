package packaging

import (
	"context"
	"os"
	"path/filepath"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/pkg/errors"
	"go.opencensus.io/trace"
	"howett.net/plist"

	"github.com/dokumenta/pdfcreator-release/pkg/contexts/ctxlog"
	"github.com/dokumenta/pdfcreator-release/pkg/packagekit"
)

type bundleInfo struct {
	BundleIdentifier string `plist:"CFBundleIdentifier"`
	BundleName       string `plist:"CFBundleName"`
	ShortVersion     string `plist:"CFBundleShortVersionString"`
}

// inspectBundle reads the freshly built bundle's Info.plist and
// validates the entitlements descriptor before either is handed to
// codesign. Catching a broken plist here beats decoding codesign's
// complaints later.
func (po *PackageOptions) inspectBundle(ctx context.Context) error {
	ctx, span := trace.StartSpan(ctx, "packaging.inspectBundle")
	defer span.End()

	logger := log.With(ctxlog.FromContext(ctx), "caller", "packaging.inspectBundle")

	info, err := readBundleInfo(po.appPath())
	if err != nil {
		return err
	}

	level.Info(logger).Log(
		"msg", "built app bundle",
		"bundle_id", info.BundleIdentifier,
		"version", info.ShortVersion,
	)

	packagekit.SetInContext(ctx, packagekit.ContextAppVersionKey, info.ShortVersion)

	if po.Entitlements != "" {
		if err := validateEntitlements(po.Entitlements); err != nil {
			return errors.Wrapf(err, "validating entitlements %s", po.Entitlements)
		}
	}

	return nil
}

func readBundleInfo(appPath string) (*bundleInfo, error) {
	infoPlist := filepath.Join(appPath, "Contents", "Info.plist")

	data, err := os.ReadFile(infoPlist)
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", infoPlist)
	}

	var info bundleInfo
	if _, err := plist.Unmarshal(data, &info); err != nil {
		return nil, errors.Wrapf(err, "decoding %s", infoPlist)
	}

	if info.BundleIdentifier == "" {
		return nil, errors.Errorf("%s has no CFBundleIdentifier", infoPlist)
	}

	return &info, nil
}

// validateEntitlements checks that the descriptor parses as a
// non-empty plist dictionary. codesign accepts an empty one and
// produces a bundle that fails notarization much later.
func validateEntitlements(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "reading entitlements")
	}

	var entitlements map[string]interface{}
	if _, err := plist.Unmarshal(data, &entitlements); err != nil {
		return errors.Wrap(err, "decoding entitlements")
	}

	if len(entitlements) == 0 {
		return errors.New("entitlements file grants nothing")
	}

	return nil
}
