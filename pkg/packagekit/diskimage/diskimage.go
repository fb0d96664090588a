// Package diskimage builds the distributable disk image for the app
// bundle. It wraps create-dmg for the image itself, and the
// Rez/SetFile resource tools for the custom volume icon.
//
// The icon embedding is macOS arcana: the icns is appended to the
// image file as a resource fork, and a finder attribute flag tells
// the system to use it. Nothing about it generalizes.
package diskimage

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/pkg/errors"
	"go.opencensus.io/trace"

	"github.com/dokumenta/pdfcreator-release/pkg/contexts/ctxlog"
)

// Fixed finder window layout for the mounted image. These are design
// constants, not knobs -- the background art is drawn for exactly
// this geometry.
const (
	defaultWindowPosX   = 200
	defaultWindowPosY   = 120
	defaultWindowWidth  = 600
	defaultWindowHeight = 400
	defaultIconSize     = 100
	defaultAppIconX     = 150
	defaultAppIconY     = 185
	defaultDropLinkX    = 450
	defaultDropLinkY    = 185
)

// ImageOptions describe one disk image build.
type ImageOptions struct {
	AppName      string // bundle name inside the image, eg "PDF Creator.app"
	SourceFolder string // folder whose contents become the image
	OutputPath   string // path of the dmg to create
	VolumeName   string
	VolumeIcon   string // path to an icns file, optional
	Background   string // path to the background art, optional

	WindowPosX   int
	WindowPosY   int
	WindowWidth  int
	WindowHeight int
	IconSize     int
	AppIconX     int
	AppIconY     int
	DropLinkX    int
	DropLinkY    int

	createDmgPath string
	execCC        func(context.Context, string, ...string) *exec.Cmd
}

// NewImageOptions returns options with the standard finder layout.
func NewImageOptions(appName, sourceFolder, outputPath, volumeName string) *ImageOptions {
	return &ImageOptions{
		AppName:      appName,
		SourceFolder: sourceFolder,
		OutputPath:   outputPath,
		VolumeName:   volumeName,
		WindowPosX:   defaultWindowPosX,
		WindowPosY:   defaultWindowPosY,
		WindowWidth:  defaultWindowWidth,
		WindowHeight: defaultWindowHeight,
		IconSize:     defaultIconSize,
		AppIconX:     defaultAppIconX,
		AppIconY:     defaultAppIconY,
		DropLinkX:    defaultDropLinkX,
		DropLinkY:    defaultDropLinkY,
	}
}

// Create builds the disk image by execing create-dmg.
func Create(ctx context.Context, o *ImageOptions) error {
	ctx, span := trace.StartSpan(ctx, "diskimage.Create")
	defer span.End()

	logger := log.With(ctxlog.FromContext(ctx), "method", "diskimage.Create")

	if err := isDirectory(o.SourceFolder); err != nil {
		return err
	}

	args := o.createDmgArgs()

	level.Debug(logger).Log(
		"msg", "Running create-dmg",
		"args", strings.Join(args, " "),
	)

	if _, err := o.execOut(ctx, o.createDmg(), args...); err != nil {
		return errors.Wrapf(err, "creating disk image %s", o.OutputPath)
	}

	return nil
}

// SetVolumeIcon embeds icns data into the image's resource fork and
// flags the file as having a custom icon.
func SetVolumeIcon(ctx context.Context, o *ImageOptions) error {
	ctx, span := trace.StartSpan(ctx, "diskimage.SetVolumeIcon")
	defer span.End()

	if o.VolumeIcon == "" {
		return errors.New("no volume icon configured")
	}

	// Ensure the icns carries its own icon resource, so DeRez has
	// something to extract.
	if _, err := o.execOut(ctx, "sips", "-i", o.VolumeIcon); err != nil {
		return errors.Wrap(err, "injecting icon resource with sips")
	}

	rsrc, err := o.execOut(ctx, "DeRez", "-only", "icns", o.VolumeIcon)
	if err != nil {
		return errors.Wrap(err, "extracting icns resource with DeRez")
	}

	rsrcFile, err := os.CreateTemp("", "volume-icon.*.rsrc")
	if err != nil {
		return errors.Wrap(err, "creating temp rsrc file")
	}
	defer os.Remove(rsrcFile.Name())

	if _, err := rsrcFile.WriteString(rsrc); err != nil {
		rsrcFile.Close()
		return errors.Wrap(err, "writing rsrc file")
	}
	if err := rsrcFile.Close(); err != nil {
		return errors.Wrap(err, "closing rsrc file")
	}

	if _, err := o.execOut(ctx, "Rez", "-append", rsrcFile.Name(), "-o", o.OutputPath); err != nil {
		return errors.Wrapf(err, "appending icon resource to %s", o.OutputPath)
	}

	if _, err := o.execOut(ctx, "SetFile", "-a", "C", o.OutputPath); err != nil {
		return errors.Wrapf(err, "setting custom icon attribute on %s", o.OutputPath)
	}

	return nil
}

func (o *ImageOptions) createDmgArgs() []string {
	args := []string{
		"--volname", o.VolumeName,
	}

	if o.VolumeIcon != "" {
		args = append(args, "--volicon", o.VolumeIcon)
	}

	if o.Background != "" {
		args = append(args, "--background", o.Background)
	}

	args = append(args,
		"--window-pos", strconv.Itoa(o.WindowPosX), strconv.Itoa(o.WindowPosY),
		"--window-size", strconv.Itoa(o.WindowWidth), strconv.Itoa(o.WindowHeight),
		"--icon-size", strconv.Itoa(o.IconSize),
		"--icon", o.AppName, strconv.Itoa(o.AppIconX), strconv.Itoa(o.AppIconY),
		"--hide-extension", o.AppName,
		"--app-drop-link", strconv.Itoa(o.DropLinkX), strconv.Itoa(o.DropLinkY),
		o.OutputPath,
		o.SourceFolder,
	)

	return args
}

func (o *ImageOptions) createDmg() string {
	if o.createDmgPath != "" {
		return o.createDmgPath
	}
	return "create-dmg"
}

func (o *ImageOptions) execOut(ctx context.Context, argv0 string, args ...string) (string, error) {
	execCC := o.execCC
	if execCC == nil {
		execCC = exec.CommandContext
	}

	cmd := execCC(ctx, argv0, args...)

	stdout, stderr := new(bytes.Buffer), new(bytes.Buffer)
	cmd.Stdout, cmd.Stderr = stdout, stderr
	if err := cmd.Run(); err != nil {
		return "", errors.Wrapf(err, "run command %s %v, stderr=%s", argv0, args, stderr)
	}
	return stdout.String(), nil
}

func isDirectory(d string) error {
	dStat, err := os.Stat(d)

	if os.IsNotExist(err) {
		return errors.Wrapf(err, "missing source folder %s", d)
	}

	if !dStat.IsDir() {
		return errors.Errorf("source folder (%s) isn't a directory", d)
	}

	return nil
}
