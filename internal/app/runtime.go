package app

import (
	"os"
	"sync"
)

// TestModeEnv is set by internal/testing/guard when a test imports main.
const TestModeEnv = "ODYSSEY_TEST_MODE"

var testMode = sync.OnceValue(func() bool {
	return os.Getenv(TestModeEnv) == "1"
})

// InTestMode reports whether binaries should return before opening pools,
// sockets or workers. The environment is read once per process.
func InTestMode() bool {
	return testMode()
}
