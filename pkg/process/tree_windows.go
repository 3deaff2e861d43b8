//go:build windows

package process

import (
	"os/exec"
	"strconv"
)

func isolate(*exec.Cmd) {}

// killTree kills cmd's process and its descendants with taskkill.
func killTree(cmd *exec.Cmd) error {
	if err := exec.Command("taskkill", "/T", "/F", "/PID", strconv.Itoa(cmd.Process.Pid)).Run(); err != nil {
		return cmd.Process.Kill()
	}
	return nil
}
