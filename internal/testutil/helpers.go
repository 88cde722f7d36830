// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package testutil

import (
	"os"
	"testing"
)

// RequireSoak skips the test unless the RINASIM_SOAK environment
// variable is set. This keeps long high-volume impairment runs out of
// the default test pass.
func RequireSoak(t *testing.T) {
	t.Helper()
	if os.Getenv("RINASIM_SOAK") == "" {
		t.Skip("Skipping test: requires RINASIM_SOAK environment")
	}
}
