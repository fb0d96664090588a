// Package applenotarization is a wrapper around the apple
// notarization tools.
//
// It supports submitting an archive to apple and blocking until the
// service returns a terminal verdict, fetching the detailed scan log,
// and stapling the resulting ticket to a bundle.
//
// Credentials come from a keychain profile created with
// `xcrun notarytool store-credentials`.
package applenotarization

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"

	"github.com/dokumenta/pdfcreator-release/pkg/contexts/ctxlog"
)

const (
	// StatusAccepted is the terminal status of a successful
	// notarization. Anything else is a failure.
	StatusAccepted = "Accepted"

	// StatusInvalid is the terminal status notarytool reports when
	// the scan rejected the archive.
	StatusInvalid = "Invalid"
)

type Notarizer struct {
	profile      string // keychain profile holding the apple id credentials
	fakeResponse string

	execCC func(context.Context, string, ...string) *exec.Cmd // Allows test overrides
}

func New(profile string) *Notarizer {
	n := &Notarizer{
		profile: profile,
		execCC:  exec.CommandContext,
	}

	return n
}

// Submission is the two-field shape the pipeline branches on.
type Submission struct {
	ID     string
	Status string
}

func (s *Submission) Accepted() bool {
	return s.Status == StatusAccepted
}

// StatusError is returned when notarization finished with a status
// other than accepted. LogPath points at the saved scan log, when one
// could be retrieved.
type StatusError struct {
	Status  string
	LogPath string
}

func (e *StatusError) Error() string {
	if e.LogPath != "" {
		return fmt.Sprintf("notarization finished with status %q (details in %s)", e.Status, e.LogPath)
	}
	return fmt.Sprintf("notarization finished with status %q", e.Status)
}

// Submit sends an archive to apple's notarization service and waits,
// inside notarytool, for the terminal verdict. There is no client
// side timeout -- the vendor tool owns the polling. The raw JSON
// response is persisted to infoPath for postmortem inspection before
// it is parsed.
func (n *Notarizer) Submit(ctx context.Context, filePath string, infoPath string) (*Submission, error) {
	logger := log.With(ctxlog.FromContext(ctx),
		"caller", "applenotarization.Submit",
		"file", filePath,
	)

	level.Info(logger).Log("msg", "submitting for notarization, this blocks until apple answers")

	rawResp, err := n.runNotarytool(ctx, "submit", filePath, []string{"--wait"})
	if err != nil {
		return nil, fmt.Errorf("could not run notarytool submit: %w", err)
	}

	if infoPath != "" {
		if werr := os.WriteFile(infoPath, rawResp, 0644); werr != nil {
			return nil, fmt.Errorf("writing notarization info to %s: %w", infoPath, werr)
		}
	}

	var r notarizationResponse
	if err := json.Unmarshal(rawResp, &r); err != nil {
		return nil, fmt.Errorf("could not unmarshal notarization response: %w", err)
	}

	level.Debug(logger).Log(
		"msg", "notarytool returned",
		"id", r.ID,
		"status", r.Status,
	)

	return &Submission{ID: r.ID, Status: r.Status}, nil
}

// FetchLog retrieves the detailed scan log for a submission uuid and
// writes it to logPath. Callers treat failures here as non-fatal --
// the log is diagnostic, not part of the release.
func (n *Notarizer) FetchLog(ctx context.Context, uuid string, logPath string) error {
	if uuid == "" {
		return fmt.Errorf("cannot fetch notarization log without a submission uuid")
	}

	if _, err := n.runNotarytool(ctx, "log", uuid, []string{logPath}); err != nil {
		return fmt.Errorf("fetching notarization log: %w", err)
	}

	return nil
}

// Staple embeds the notarization ticket into the bundle so Gatekeeper
// can verify it offline.
func (n *Notarizer) Staple(ctx context.Context, bundlePath string) error {
	if out, err := n.runXcrun(ctx, "stapler", "staple", bundlePath); err != nil {
		return fmt.Errorf("stapling %s: error `%w`, output `%s`", bundlePath, err, string(out))
	}

	return nil
}

// Validate checks that a ticket is stapled to the bundle.
func (n *Notarizer) Validate(ctx context.Context, bundlePath string) error {
	if out, err := n.runXcrun(ctx, "stapler", "validate", bundlePath); err != nil {
		return fmt.Errorf("validating staple on %s: error `%w`, output `%s`", bundlePath, err, string(out))
	}

	return nil
}

func (n *Notarizer) runNotarytool(ctx context.Context, command string, target string, additionalArgs []string) ([]byte, error) {
	baseArgs := []string{
		"notarytool",
		command,
		target,
		"--keychain-profile", n.profile,
		"--output-format", "json",
	}
	if len(additionalArgs) > 0 {
		baseArgs = append(baseArgs, additionalArgs...)
	}

	if n.fakeResponse != "" {
		return []byte(n.fakeResponse), nil
	}

	out, err := n.runXcrun(ctx, baseArgs...)
	if err != nil {
		return nil, fmt.Errorf("notarizing error: error `%w`, output `%s`", err, string(out))
	}

	return out, nil
}

func (n *Notarizer) runXcrun(ctx context.Context, args ...string) ([]byte, error) {
	cmd := n.execCC(ctx, "xcrun", args...)
	return cmd.CombinedOutput()
}
