//go:build windows

package main

import (
	"os/exec"
	"syscall"
)

// configureDaemonProcess detaches partyd from the console of 'party start'.
func configureDaemonProcess(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP | 0x00000008, // DETACHED_PROCESS
	}
}
