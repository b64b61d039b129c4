//go:build windows

package proc

import "os"

// Windows has no SIGTERM; Terminate falls straight through to Kill after grace.
var terminateSignal = os.Interrupt
