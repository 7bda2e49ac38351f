// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

//go:build unix

package process

import (
	"errors"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// signalGroup signals the whole group led by p, falling back to p alone
// when the group is already gone.
func signalGroup(p *os.Process, sig unix.Signal) error {
	err := unix.Kill(-p.Pid, sig)
	if errors.Is(err, unix.ESRCH) {
		err = unix.Kill(p.Pid, sig)
	}
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}

func signalTerminate(p *os.Process) error { return signalGroup(p, unix.SIGTERM) }
func signalKill(p *os.Process) error      { return signalGroup(p, unix.SIGKILL) }

// probe sends signal 0, which checks existence and permission only.
func probe(p *os.Process) error {
	if err := unix.Kill(p.Pid, 0); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return ErrExited
		}
		return err
	}
	return nil
}
