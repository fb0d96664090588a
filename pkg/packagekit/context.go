package packagekit

import (
	"context"

	"github.com/pkg/errors"
)

// The release pipeline discovers several values mid-flight -- the
// notarization submission uuid, the app version baked into the bundle,
// the pyinstaller version that produced it. Callers want those after
// the fact, but the pipeline functions are already deep in a call
// stack. So we carry a small mutable map in the context, initialized
// up front with InitContext.

type contextKey string

const (
	ContextNotarizationUuidKey   contextKey = "notarization_uuid"
	ContextAppVersionKey         contextKey = "app_version"
	ContextPyInstallerVersionKey contextKey = "pyinstaller_version"
)

type contextValuesKeyT int

const contextValuesKey contextValuesKeyT = 0

// InitContext returns a context with an empty value store. Values set
// by the pipeline are visible through the parent's copy of the store.
func InitContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, contextValuesKey, map[contextKey]string{})
}

// GetFromContext returns a value recorded during the pipeline run. It
// is an error to call this on a context that did not pass through
// InitContext.
func GetFromContext(ctx context.Context, key contextKey) (string, error) {
	values, ok := ctx.Value(contextValuesKey).(map[contextKey]string)
	if !ok {
		return "", errors.New("context does not contain the packagekit value store")
	}

	return values[key], nil
}

// SetInContext records a value. Silently a no-op when the store is
// missing, so library code doesn't have to care whether the caller
// wants the values.
func SetInContext(ctx context.Context, key contextKey, value string) {
	values, ok := ctx.Value(contextValuesKey).(map[contextKey]string)
	if !ok {
		return
	}

	values[key] = value
}
