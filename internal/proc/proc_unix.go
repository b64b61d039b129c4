//go:build !windows

package proc

import "syscall"

// SIGTERM lets ffmpeg finalize its current segment before exiting.
var terminateSignal = syscall.SIGTERM
