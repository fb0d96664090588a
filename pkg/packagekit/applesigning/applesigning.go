// Package applesigning is a light wrapper around signing code under
// macOS. It shells out to codesign, which is the only supported way to
// produce Developer ID signatures.
//
// See https://developer.apple.com/documentation/security/code_signing_services
package applesigning

import (
	"bytes"
	"context"
	"os/exec"
	"strings"

	"github.com/go-kit/kit/log/level"
	"github.com/pkg/errors"

	"github.com/dokumenta/pdfcreator-release/pkg/contexts/ctxlog"
)

// codesignOptions are the options for how we call codesign. These are
// *not* the tool options, but instead our own representation of the
// arguments.
type codesignOptions struct {
	identity        string // the Developer ID certificate identifier, passed as `-s`
	entitlements    string // path to the entitlements plist, if any
	hardenedRuntime bool   // whether to pass `--options runtime`
	timestamp       bool   // whether to request a secure timestamp
	force           bool   // whether to replace an existing signature
	codesignPath    string

	execCC func(context.Context, string, ...string) *exec.Cmd // Allows test overrides
}

type CodesignOpt func(*codesignOptions)

func WithIdentity(identity string) CodesignOpt {
	return func(co *codesignOptions) {
		co.identity = identity
	}
}

func WithEntitlements(path string) CodesignOpt {
	return func(co *codesignOptions) {
		co.entitlements = path
	}
}

func WithHardenedRuntime() CodesignOpt {
	return func(co *codesignOptions) {
		co.hardenedRuntime = true
	}
}

func WithTimestamp() CodesignOpt {
	return func(co *codesignOptions) {
		co.timestamp = true
	}
}

func WithForce() CodesignOpt {
	return func(co *codesignOptions) {
		co.force = true
	}
}

func WithCodesignPath(path string) CodesignOpt {
	return func(co *codesignOptions) {
		co.codesignPath = path
	}
}

func WithExecCC(execCC func(context.Context, string, ...string) *exec.Cmd) CodesignOpt {
	return func(co *codesignOptions) {
		co.execCC = execCC
	}
}

// Sign signs a single file -- a shared library, an app bundle, or a
// disk image. Signing a bundle re-seals the whole container, so the
// caller is responsible for signing embedded libraries first and the
// bundle last.
func Sign(ctx context.Context, file string, opts ...CodesignOpt) error {
	co := newCodesignOptions(opts...)

	if co.identity == "" {
		return errors.New("cannot sign without a signing identity")
	}

	args := []string{"--sign", co.identity}

	if co.force {
		args = append(args, "--force")
	}

	if co.hardenedRuntime {
		args = append(args, "--options", "runtime")
	}

	if co.timestamp {
		args = append(args, "--timestamp")
	}

	if co.entitlements != "" {
		args = append(args, "--entitlements", co.entitlements)
	}

	args = append(args, file)

	if _, _, err := co.execOut(ctx, co.codesignPath, args...); err != nil {
		return errors.Wrapf(err, "signing %s", file)
	}

	return nil
}

// Verify checks the signature on file. Verification failures are
// returned as errors -- the caller decides whether that's fatal.
func Verify(ctx context.Context, file string, opts ...CodesignOpt) error {
	co := newCodesignOptions(opts...)

	args := []string{
		"--verify",
		"--deep",
		"--strict",
		"--verbose=2",
		file,
	}

	if _, _, err := co.execOut(ctx, co.codesignPath, args...); err != nil {
		return errors.Wrapf(err, "verifying signature on %s", file)
	}

	return nil
}

func newCodesignOptions(opts ...CodesignOpt) *codesignOptions {
	co := &codesignOptions{
		codesignPath: "codesign",
		execCC:       exec.CommandContext,
	}

	for _, opt := range opts {
		opt(co)
	}

	return co
}

func (co *codesignOptions) execOut(ctx context.Context, argv0 string, args ...string) (string, string, error) {
	logger := ctxlog.FromContext(ctx)

	cmd := co.execCC(ctx, argv0, args...)

	level.Debug(logger).Log(
		"msg", "execing",
		"cmd", strings.Join(cmd.Args, " "),
	)

	stdout, stderr := new(bytes.Buffer), new(bytes.Buffer)
	cmd.Stdout, cmd.Stderr = stdout, stderr
	if err := cmd.Run(); err != nil {
		return strings.TrimSpace(stdout.String()), strings.TrimSpace(stderr.String()), errors.Wrapf(err, "run command %s %v, stderr=%s", argv0, args, stderr)
	}
	return strings.TrimSpace(stdout.String()), strings.TrimSpace(stderr.String()), nil
}
