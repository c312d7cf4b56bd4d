package config

import (
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

// cborEnvOverride is the environment variable the underlying AWS SDK
// consults to decide whether to encode Kinesis requests as CBOR. It is
// the systems-language analogue of the SDK-global CBOR property the
// source mutates from a constructor.
const cborEnvOverride = "AWS_CBOR_DISABLE"

var (
	cborMu      sync.Mutex
	cborApplied bool
	cborOff     bool
)

// DisableCBOR is the explicit one-shot initializer called during program
// bootstrap when GlobalSettings.DisableCbor is set. It is a named,
// idempotent function so tests and repeated NewFactory calls within one
// process cannot apply it twice. If an external override of the same
// environment variable is already present, the toggle is left alone and
// a warning is logged.
func DisableCBOR() (applied bool) {
	cborMu.Lock()
	defer cborMu.Unlock()

	if cborApplied {
		return false
	}
	cborApplied = true

	if v, ok := os.LookupEnv(cborEnvOverride); ok {
		logrus.WithField(cborEnvOverride, v).Warn("external override of CBOR toggle detected, leaving as-is")
		return false
	}

	if err := os.Setenv(cborEnvOverride, "true"); err != nil {
		logrus.WithError(err).Error("failed to disable CBOR encoding")
		return false
	}
	cborOff = true
	return true
}

// CBORDisabled reports whether this process has applied the CBOR
// disable toggle.
func CBORDisabled() bool {
	cborMu.Lock()
	defer cborMu.Unlock()
	return cborOff
}

// resetCBORForTest clears the one-shot guard. It exists only so this
// package's own tests can exercise DisableCBOR's idempotency repeatedly;
// it is not part of the public surface.
func resetCBORForTest() {
	cborMu.Lock()
	defer cborMu.Unlock()
	cborApplied = false
	cborOff = false
	os.Unsetenv(cborEnvOverride)
}
