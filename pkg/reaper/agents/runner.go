/*
Copyright 2025 The Glassdome Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package agents

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/crypto/ssh"
)

// Runner executes a command on a remote guest and returns captured output.
// The transport (SSH for Linux/macOS, WinRM-over-SSH bridge for Windows
// lab images) is hidden behind this interface so executors stay testable.
// A command that ran to completion and exited nonzero is reported as
// *ExitError; any other error means the command never reached the guest.
type Runner interface {
	Run(ctx context.Context, addr, command string) (stdout, stderr string, err error)
}

// ExitError reports a remote command that executed and returned a nonzero
// status. Callers use it to tell a failed check apart from an unreachable
// host.
type ExitError struct {
	Status int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("remote command exited with status %d", e.Status)
}

// SSHRunner runs commands over SSH with password or key auth.
type SSHRunner struct {
	User    string
	Auth    []ssh.AuthMethod
	Port    int
	Timeout time.Duration
}

// NewSSHRunner returns a runner with the lab-image default credentials.
func NewSSHRunner(user, password string) *SSHRunner {
	return &SSHRunner{
		User:    user,
		Auth:    []ssh.AuthMethod{ssh.Password(password)},
		Port:    22,
		Timeout: 30 * time.Second,
	}
}

// Run dials, opens one session, and captures both output streams. Lab
// guests are ephemeral and rebuilt constantly, so host keys are not pinned.
func (r *SSHRunner) Run(ctx context.Context, addr, command string) (string, string, error) {
	port := r.Port
	if port == 0 {
		port = 22
	}
	cfg := &ssh.ClientConfig{
		User:            r.User,
		Auth:            r.Auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint:gosec
		Timeout:         r.Timeout,
	}

	dialer := net.Dialer{Timeout: r.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", fmt.Sprintf("%s:%d", addr, port))
	if err != nil {
		return "", "", errors.Wrapf(err, "failed to dial %s", addr)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		return "", "", errors.Wrapf(err, "ssh handshake with %s failed", addr)
	}
	client := ssh.NewClient(sshConn, chans, reqs)
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return "", "", errors.Wrap(err, "failed to open ssh session")
	}
	defer session.Close()

	var outBuf, errBuf bytes.Buffer
	session.Stdout = &outBuf
	session.Stderr = &errBuf

	runErr := session.Run(command)
	var exitErr *ssh.ExitError
	if errors.As(runErr, &exitErr) {
		runErr = &ExitError{Status: exitErr.ExitStatus()}
	}
	return outBuf.String(), errBuf.String(), runErr
}
