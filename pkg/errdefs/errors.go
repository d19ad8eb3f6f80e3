// Package errdefs defines sentinel errors shared across the runtime lifecycle
// manager so callers can classify failures with errors.Is instead of string
// matching.
package errdefs

import "errors"

var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotFound        = errors.New("not found")
	ErrUnavailable     = errors.New("unavailable")
	ErrNotImplemented  = errors.New("not implemented")
	ErrUnknown         = errors.New("unknown")

	// ErrNotInitialized is returned when a caller invokes the runtime manager
	// before Initialize has completed successfully.
	ErrNotInitialized = errors.New("runtime manager not initialized")

	// ErrUnsupportedPlatform is returned by the platform/GPU probes and asset
	// resolver when the current OS/arch combination cannot be served.
	ErrUnsupportedPlatform = errors.New("unsupported platform")

	// ErrAssetNotAvailable is returned by the asset resolver when no archive
	// exists for the requested (product, backend, platform, arch, version).
	ErrAssetNotAvailable = errors.New("asset not available")

	// ErrLfsPointer is returned by the downloader when a payload turns out to
	// be a Git LFS pointer file rather than the real artifact.
	ErrLfsPointer = errors.New("downloaded payload is a git-lfs pointer")

	// ErrStartupTimeout is returned by the supervisor when the child process
	// never reports healthy within the configured startup_timeout.
	ErrStartupTimeout = errors.New("server startup timed out")

	// ErrVersionCheckTimeout names a remote version check exceeding
	// version_check_timeout. pkg/update does not return it: a timed-out
	// check is reported as NoUpdateNeeded instead.
	ErrVersionCheckTimeout = errors.New("version check timed out")

	// ErrActivationPathMissing is returned by versionstate.Store.Activate
	// when there is no ready pending artifact to activate (update_ready is
	// not set).
	ErrActivationPathMissing = errors.New("pending artifact path is missing")

	// ErrPoolExhausted is returned by the server pool when max_servers is
	// reached and no idle server can be evicted.
	ErrPoolExhausted = errors.New("server pool exhausted")

	// ErrServerNotReady is returned by pkg/serverclient when a running
	// server answers a request with a non-200 status.
	ErrServerNotReady = errors.New("server not ready")
)

// IsInvalidArgument reports whether err is or wraps ErrInvalidArgument.
func IsInvalidArgument(err error) bool { return errors.Is(err, ErrInvalidArgument) }

// IsNotFound reports whether err is or wraps ErrNotFound.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsUnavailable reports whether err is or wraps ErrUnavailable.
func IsUnavailable(err error) bool { return errors.Is(err, ErrUnavailable) }

// IsNotImplemented reports whether err is or wraps ErrNotImplemented.
func IsNotImplemented(err error) bool { return errors.Is(err, ErrNotImplemented) }

// IsNotInitialized reports whether err is or wraps ErrNotInitialized.
func IsNotInitialized(err error) bool { return errors.Is(err, ErrNotInitialized) }

// IsUnsupportedPlatform reports whether err is or wraps ErrUnsupportedPlatform.
func IsUnsupportedPlatform(err error) bool { return errors.Is(err, ErrUnsupportedPlatform) }

// IsAssetNotAvailable reports whether err is or wraps ErrAssetNotAvailable.
func IsAssetNotAvailable(err error) bool { return errors.Is(err, ErrAssetNotAvailable) }

// IsLfsPointer reports whether err is or wraps ErrLfsPointer.
func IsLfsPointer(err error) bool { return errors.Is(err, ErrLfsPointer) }

// IsStartupTimeout reports whether err is or wraps ErrStartupTimeout.
func IsStartupTimeout(err error) bool { return errors.Is(err, ErrStartupTimeout) }
