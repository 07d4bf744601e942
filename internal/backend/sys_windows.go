//go:build windows

package backend

import (
	"os/exec"
	"syscall"
)

const createNewProcessGroup = 0x00000200

const processTerminate = 0x0001

var (
	sigTerm = syscall.SIGTERM
	sigKill = syscall.SIGKILL

	kernel32             = syscall.NewLazyDLL("kernel32.dll")
	procOpenProcess      = kernel32.NewProc("OpenProcess")
	procTerminateProcess = kernel32.NewProc("TerminateProcess")
	procCloseHandle      = kernel32.NewProc("CloseHandle")
)

func configureSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: createNewProcessGroup}
}

// signalGroup terminates pid; Windows has no graceful signal for console-less
// children, so both signals end the process.
func signalGroup(pid int, _ syscall.Signal) error {
	if pid <= 0 {
		return nil
	}
	h, _, _ := procOpenProcess.Call(uintptr(processTerminate), 0, uintptr(pid))
	if h == 0 {
		// already gone
		return nil
	}
	defer procCloseHandle.Call(h)
	if ret, _, err := procTerminateProcess.Call(h, 1); ret == 0 {
		return err
	}
	return nil
}

// getShellCommand returns a shell command for Windows systems
func getShellCommand(script string) *exec.Cmd {
	// #nosec G204
	return exec.Command("cmd", "/c", script)
}

// getTrueCommand returns a command that always succeeds on Windows systems
func getTrueCommand() *exec.Cmd {
	// #nosec G204
	return exec.Command("cmd", "/c", "rem")
}
