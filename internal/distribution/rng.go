package distribution

import (
	"fmt"
	"hash/fnv"
	"math/rand"
	"time"
)

// WorkerRNG returns the generator owned by worker id.
//
// Each worker's seed is the master seed XOR fnv1a64("worker_<id>"), so workers
// draw independent streams and a fixed master seed reproduces a run. A zero
// master seed is replaced by the current time.
//
// The returned *rand.Rand is not safe for concurrent use.
func WorkerRNG(master int64, id int) *rand.Rand {
	if master == 0 {
		master = time.Now().UnixNano()
	}
	return rand.New(rand.NewSource(master ^ fnv1a64(fmt.Sprintf("worker_%d", id))))
}

func fnv1a64(s string) int64 {
	h := fnv.New64a()
	h.Write([]byte(s))
	return int64(h.Sum64())
}
