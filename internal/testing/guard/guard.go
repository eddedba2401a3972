// Package guard switches the binaries into test mode when imported by a
// test, so exercising main never opens sockets or database pools.
package guard

import (
	"os"
	"sync"
)

const testModeEnv = "ODYSSEY_TEST_MODE"

var once sync.Once

func init() {
	Enable()
}

// Enable sets the test mode flag unless the caller already chose a value.
func Enable() {
	once.Do(func() {
		if os.Getenv(testModeEnv) == "" {
			_ = os.Setenv(testModeEnv, "1")
		}
	})
}
