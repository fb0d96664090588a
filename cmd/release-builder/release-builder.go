package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/go-kit/kit/log/level"
	"github.com/kolide/kit/env"
	"github.com/kolide/kit/logutil"
	"github.com/kolide/kit/version"
	"github.com/oklog/run"
	"github.com/peterbourgon/ff/v3"

	"github.com/dokumenta/pdfcreator-release/pkg/contexts/ctxlog"
	"github.com/dokumenta/pdfcreator-release/pkg/packagekit"
	"github.com/dokumenta/pdfcreator-release/pkg/packagekit/applenotarization"
	"github.com/dokumenta/pdfcreator-release/pkg/packaging"
)

func runVersion(args []string) error {
	version.PrintFull()
	return nil
}

func runMake(args []string) error {
	fs := flag.NewFlagSet("make", flag.ExitOnError)
	var (
		flAppName = fs.String(
			"app_name",
			"PDF Creator",
			"name of the app bundle, without the .app suffix",
		)
		flSpecFile = fs.String(
			"spec_file",
			"PDF Creator.spec",
			"pyinstaller spec file to build",
		)
		flSigningIdentity = fs.String(
			"signing_identity",
			"",
			"Developer ID Application certificate identifier",
		)
		flEntitlements = fs.String(
			"entitlements",
			"entitlements.plist",
			"entitlements plist handed to codesign",
		)
		flVolumeIcon = fs.String(
			"volume_icon",
			"resources/icon.icns",
			"icns file for the disk image volume icon",
		)
		flBackground = fs.String(
			"background",
			"resources/dmg_background.png",
			"background image for the disk image window",
		)
		flNotaryProfile = fs.String(
			"notary_profile",
			"pdf-creator-notary",
			"keychain profile holding the notarytool credentials",
		)
		flWorkDir = fs.String(
			"work_dir",
			"",
			"project checkout to build in (default: current directory)",
		)
		flOutputDir = fs.String(
			"output_dir",
			".",
			"where the disk image, archive, and notarization results land",
		)
		flSkipNotarize = fs.Bool(
			"skip_notarize",
			false,
			"stop after the first disk image, for local builds",
		)
		flDebug = fs.Bool(
			"debug",
			false,
			"enable debug logging",
		)
		_ = fs.String(
			"config",
			"",
			"config file to parse options from (optional)",
		)
	)

	fs.Usage = usageFor(fs, "release-builder make [flags]")
	if err := ff.Parse(fs, args,
		ff.WithConfigFileFlag("config"),
		ff.WithConfigFileParser(ff.PlainParser),
		ff.WithEnvVarPrefix("RELEASE"),
	); err != nil {
		return err
	}

	logger := logutil.NewCLILogger(*flDebug)

	if *flSigningIdentity == "" {
		return errors.New("signing_identity undefined")
	}

	po := &packaging.PackageOptions{
		AppName:         *flAppName,
		SpecFile:        *flSpecFile,
		SigningIdentity: *flSigningIdentity,
		Entitlements:    *flEntitlements,
		VolumeIcon:      *flVolumeIcon,
		Background:      *flBackground,
		NotaryProfile:   *flNotaryProfile,
		WorkDir:         *flWorkDir,
		OutputDir:       *flOutputDir,
		SkipNotarize:    *flSkipNotarize,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ctx = ctxlog.NewContext(ctx, logger)
	ctx = packagekit.InitContext(ctx)

	// The notarization wait can run for a long while. Running the
	// pipeline under a run.Group means a signal cancels the context,
	// which tears down whatever xcrun is blocked on.
	var runGroup run.Group

	runGroup.Add(func() error {
		return packaging.CreateRelease(ctx, po)
	}, func(error) {
		cancel()
	})

	sigChannel := make(chan os.Signal, 1)
	runGroup.Add(func() error {
		signal.Notify(sigChannel, os.Interrupt, syscall.SIGTERM)
		select {
		case sig := <-sigChannel:
			return fmt.Errorf("received %v", sig)
		case <-ctx.Done():
			return ctx.Err()
		}
	}, func(error) {
		signal.Stop(sigChannel)
		cancel()
	})

	if err := runGroup.Run(); err != nil {
		var statusErr *applenotarization.StatusError
		if errors.As(err, &statusErr) {
			level.Error(logger).Log(
				"msg", "notarization did not accept the build",
				"status", statusErr.Status,
				"log", statusErr.LogPath,
			)
		}
		return err
	}

	uuid, _ := packagekit.GetFromContext(ctx, packagekit.ContextNotarizationUuidKey)
	appVersion, _ := packagekit.GetFromContext(ctx, packagekit.ContextAppVersionKey)
	level.Info(logger).Log(
		"msg", "created release",
		"app", *flAppName,
		"version", appVersion,
		"notarization_uuid", uuid,
	)

	return nil
}

func runClean(args []string) error {
	flagset := flag.NewFlagSet("clean", flag.ExitOnError)
	var (
		flAppName = flagset.String(
			"app_name",
			env.String("RELEASE_APP_NAME", "PDF Creator"),
			"name of the app bundle, without the .app suffix",
		)
		flWorkDir = flagset.String(
			"work_dir",
			env.String("RELEASE_WORK_DIR", ""),
			"project checkout to clean (default: current directory)",
		)
		flOutputDir = flagset.String(
			"output_dir",
			env.String("RELEASE_OUTPUT_DIR", "."),
			"where previous release artifacts live",
		)
		flDebug = flagset.Bool(
			"debug",
			false,
			"enable debug logging",
		)
	)

	flagset.Usage = usageFor(flagset, "release-builder clean [flags]")
	if err := flagset.Parse(args); err != nil {
		return err
	}

	logger := logutil.NewCLILogger(*flDebug)
	ctx := ctxlog.NewContext(context.Background(), logger)

	po := &packaging.PackageOptions{
		AppName:   *flAppName,
		WorkDir:   *flWorkDir,
		OutputDir: *flOutputDir,
	}

	if err := po.CleanWorkspace(ctx); err != nil {
		return err
	}

	level.Info(logger).Log("msg", "workspace reset")
	return nil
}

func usageFor(fs *flag.FlagSet, short string) func() {
	return func() {
		fmt.Fprintf(os.Stderr, "USAGE\n")
		fmt.Fprintf(os.Stderr, "  %s\n", short)
		fmt.Fprintf(os.Stderr, "\n")
		fmt.Fprintf(os.Stderr, "FLAGS\n")
		w := tabwriter.NewWriter(os.Stderr, 0, 2, 2, ' ', 0)
		fs.VisitAll(func(f *flag.Flag) {
			fmt.Fprintf(w, "\t-%s %s\t%s\n", f.Name, f.DefValue, f.Usage)
		})
		w.Flush()
		fmt.Fprintf(os.Stderr, "\n")
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "USAGE\n")
	fmt.Fprintf(os.Stderr, "  %s <mode> --help\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "\n")
	fmt.Fprintf(os.Stderr, "MODES\n")
	fmt.Fprintf(os.Stderr, "  make         Build, sign, package, and notarize the app\n")
	fmt.Fprintf(os.Stderr, "  clean        Delete the artifacts of a previous run\n")
	fmt.Fprintf(os.Stderr, "  version      Print full version information\n")
	fmt.Fprintf(os.Stderr, "\n")
	fmt.Fprintf(os.Stderr, "VERSION\n")
	fmt.Fprintf(os.Stderr, "  %s\n", version.Version().Version)
	fmt.Fprintf(os.Stderr, "\n")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	var runCmd func([]string) error
	switch os.Args[1] {
	case "make":
		runCmd = runMake
	case "clean":
		runCmd = runClean
	case "version":
		runCmd = runVersion
	default:
		usage()
		os.Exit(1)
	}

	if err := runCmd(os.Args[2:]); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}
