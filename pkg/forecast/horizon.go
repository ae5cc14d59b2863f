package forecast

import "time"

// horizonLadder is the fixed set of lead times, in hours, the horizon-ladder
// measurement distinguishes. Downstream evaluation compares forecast skill
// across exactly these lead times.
var horizonLadder = []float64{0, 1, 4, 8, 24, 47, 50, 144}

// FloorHorizon floors a lead time onto the ladder: the largest ladder entry
// not exceeding h, in hours. ok is false for negative lead times and for
// lead times past the end of the ladder.
func FloorHorizon(h time.Duration) (float64, bool) {
	hours := h.Hours()
	if hours < horizonLadder[0] || hours > horizonLadder[len(horizonLadder)-1] {
		return 0, false
	}

	best := horizonLadder[0]
	for _, step := range horizonLadder {
		if step > hours {
			break
		}
		best = step
	}
	return best, true
}
