package supervisor

import (
	"errors"

	"golang.org/x/sys/unix"
)

// cpuSetSize is the number of cores a unix.CPUSet can describe.
const cpuSetSize = 1024

// Topology reports the cores workers may be pinned to.
type Topology interface {
	CPUs() ([]int, error)
}

// SystemTopology reads the affinity mask of the calling process, so a run
// restricted by taskset or a cgroup cpuset only uses the cores it was given.
type SystemTopology struct{}

// CPUs returns the allowed cores in ascending order.
func (SystemTopology) CPUs() ([]int, error) {
	var set unix.CPUSet
	if err := unix.SchedGetaffinity(0, &set); err != nil {
		return nil, err
	}

	cpus := make([]int, 0, set.Count())
	for i := 0; i < cpuSetSize; i++ {
		if set.IsSet(i) {
			cpus = append(cpus, i)
		}
	}
	if len(cpus) == 0 {
		return nil, errors.New("affinity mask is empty")
	}
	return cpus, nil
}

// StaticTopology is a fixed core list.
type StaticTopology []int

// CPUs returns the list.
func (t StaticTopology) CPUs() ([]int, error) {
	if len(t) == 0 {
		return nil, errors.New("no cores available")
	}
	return append([]int(nil), t...), nil
}
