package tools

import "time"

// FrameSamples returns how many samples duration spans at rate across
// channels. It uses integer math so rates like 21050 Hz do not lose a
// sample to float rounding. Non-positive inputs yield 0.
func FrameSamples(duration time.Duration, rate, channels int) int {
	if duration <= 0 || rate <= 0 || channels <= 0 {
		return 0
	}
	return int(int64(duration) * int64(rate) * int64(channels) / int64(time.Second))
}
