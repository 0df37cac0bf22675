package server

import (
	"os"
	"testing"

	"github.com/rs/zerolog"
)

// TestMain sets up package-level test state once before any test runs.
// This avoids data races from individual tests writing to the package-level
// logger while goroutines from previous tests may still be reading it.
func TestMain(m *testing.M) {
	SetLogger(zerolog.Nop())

	os.Exit(m.Run())
}
