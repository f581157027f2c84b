package master

import (
	"os"
	"syscall"
)

// stopSignal is the graceful-stop signal sent to workers. Workers trap
// it, stop accepting, and drain in-flight requests before exiting.
func stopSignal() os.Signal {
	return syscall.SIGTERM
}
