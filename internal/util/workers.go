package util

import "runtime"

// ReasonableWorkers picks a practical default for background concurrency
// (e.g. asynchronous forwards to an external tier). Heuristic:
// nextPow2(GOMAXPROCS), clamped to [2..64].
func ReasonableWorkers() int {
	p := runtime.GOMAXPROCS(0)
	if p < 1 {
		p = 1
	}
	n := int(NextPow2(uint64(p)))
	if n < 2 {
		n = 2
	}
	if n > 64 {
		n = 64
	}
	return n
}
