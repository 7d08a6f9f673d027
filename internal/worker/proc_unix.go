//go:build !windows

package worker

import (
	"os"
	"os/exec"
	"syscall"
)

// Workers run in their own process group so interpreter children die with
// them and cannot hold the output pipes open.
func configureProcess(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func terminate(p *os.Process) error {
	return syscall.Kill(-p.Pid, syscall.SIGTERM)
}

func kill(p *os.Process) error {
	return syscall.Kill(-p.Pid, syscall.SIGKILL)
}
