package workload

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// forkExit duplicates the process with a raw clone and makes the child exit
// at once, producing a process-creation event with no exec.
//
// The child shares the parent's memory image but only the calling thread
// survives the clone, so it must not touch the Go runtime: it goes straight
// to exit_group.
func forkExit() (int, error) {
	syscall.ForkLock.Lock()
	pid, errno := rawForkExit()
	syscall.ForkLock.Unlock()
	if errno != 0 {
		return 0, errno
	}
	return int(pid), nil
}

func rawForkExit() (uintptr, syscall.Errno) {
	pid, _, errno := unix.RawSyscall6(unix.SYS_CLONE, uintptr(unix.SIGCHLD), 0, 0, 0, 0, 0)
	if errno == 0 && pid == 0 {
		unix.RawSyscall(unix.SYS_EXIT_GROUP, 0, 0, 0)
	}
	return pid, errno
}
