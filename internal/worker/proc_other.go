//go:build windows

package worker

import (
	"os"
	"os/exec"
)

func configureProcess(cmd *exec.Cmd) {}

// No graceful signal on this platform; terminate is a hard kill.
func terminate(p *os.Process) error {
	return p.Kill()
}

func kill(p *os.Process) error {
	return p.Kill()
}
