//go:build unix

package main

import (
	"os/exec"
	"syscall"
)

// configureDaemonProcess puts partyd in its own process group so it
// survives the shell that ran 'party start'.
func configureDaemonProcess(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}
