package taskmanager

import "syscall"

// signalByName resolves the signal names the control plane accepts on
// /tasks/:id/signal to their syscall values. PTY-attached interactive
// programs are the only consumer: pipes-mode tasks are cancelled, not
// signalled directly.
var signalByName = map[string]syscall.Signal{
	"SIGINT":   syscall.SIGINT,
	"SIGTERM":  syscall.SIGTERM,
	"SIGKILL":  syscall.SIGKILL,
	"SIGHUP":   syscall.SIGHUP,
	"SIGQUIT":  syscall.SIGQUIT,
	"SIGUSR1":  syscall.SIGUSR1,
	"SIGUSR2":  syscall.SIGUSR2,
	"SIGWINCH": syscall.SIGWINCH,
}
