// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package link

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/rinasim/internal/testutil"
)

// A long run over the congested profile: latency, jitter, loss,
// corruption, reordering and shaping all at once.
func TestCongestedProfileSoak(t *testing.T) {
	testutil.RequireSoak(t)

	cond, _ := Profile("congested")
	a, b, appB, _, cleanup := impairedPair(t, cond, 1234)
	defer cleanup()

	id, err := a.AllocateFlow(b, 5000, nil)
	require.NoError(t, err)

	const n = 1000
	go func() {
		for i := 0; i < n; i++ {
			_, _ = a.SendData(id, []byte(fmt.Sprintf("soak-%04d", i)))
		}
	}()

	assert.Eventually(t, func() bool {
		return appB.ReceivedCount() >= n
	}, 5*time.Minute, 100*time.Millisecond)
}
