// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package link

// Named impairment profiles for common network types.
var profiles = map[string]Conditions{
	"perfect": {},
	"lan": {
		LatencyMs:      2,
		JitterMs:       1,
		PacketLossRate: 0.001,
		BandwidthMbps:  1000,
		CorruptionRate: 0.0001,
		ReorderingRate: 0.001,
	},
	"wifi": {
		LatencyMs:      5,
		JitterMs:       3,
		PacketLossRate: 0.005,
		BandwidthMbps:  100,
		CorruptionRate: 0.001,
		ReorderingRate: 0.002,
	},
	"congested": {
		LatencyMs:      100,
		JitterMs:       40,
		PacketLossRate: 0.05,
		BandwidthMbps:  10,
		CorruptionRate: 0.005,
		ReorderingRate: 0.01,
	},
}

// Profile returns a named impairment profile.
func Profile(name string) (Conditions, bool) {
	c, ok := profiles[name]
	return c, ok
}

// ProfileNames lists the available profiles.
func ProfileNames() []string {
	out := make([]string, 0, len(profiles))
	for name := range profiles {
		out = append(out, name)
	}
	return out
}
