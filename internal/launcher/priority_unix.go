//go:build unix

package launcher

import "golang.org/x/sys/unix"

// backgroundNice is the niceness applied to backgrounded children.
const backgroundNice = 10

func setPriority(pid int, backgrounded bool) error {
	nice := 0
	if backgrounded {
		nice = backgroundNice
	}
	return unix.Setpriority(unix.PRIO_PROCESS, pid, nice)
}
