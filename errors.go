package offlinecache

import (
	"net/http"

	"github.com/jmgilman/go/errors"
)

var (
	// ErrGenerationRetired is returned when writing to a generation
	// that has been deleted.
	ErrGenerationRetired = errors.New(errors.CodeNotFound, "cache generation retired")
	// ErrVersionInstalled is returned when installing the active or waiting version again.
	ErrVersionInstalled = errors.New(errors.CodeAlreadyExists, "cache version already installed")
	// ErrNothingWaiting is returned by Proceed when no version is waiting to activate.
	ErrNothingWaiting = errors.New(errors.CodeNotFound, "no cache version waiting")
)

// IsNetworkError reports whether the error means that a response could
// be obtained neither from the network nor from the cache.
func IsNetworkError(err error) bool {
	return errors.GetCode(err) == errors.CodeNetwork
}

func networkError(err error, r *http.Request) error {
	if IsNetworkError(err) {
		return err
	}
	return errors.WrapWithContext(err, errors.CodeNetwork, "network request failed",
		map[string]interface{}{"url": r.URL.String()})
}

func notCachedError(r *http.Request) error {
	return errors.WithContext(
		errors.New(errors.CodeNetwork, "resource not cached"),
		"url", r.URL.String())
}
