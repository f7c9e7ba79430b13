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
	"context"
	"strings"
	"testing"

	"github.com/pkg/errors"
	. "github.com/onsi/gomega"

	"github.com/glassdome/glassdome/pkg/reaper"
)

// fakeRunner answers commands from a substring-matched script and records
// everything it ran. failOn simulates a transport fault (the command never
// reaches the guest); exitOn simulates a command that ran and exited nonzero.
type fakeRunner struct {
	responses map[string]string
	failOn    string
	exitOn    string
	commands  []string
}

func (r *fakeRunner) Run(_ context.Context, _, command string) (string, string, error) {
	r.commands = append(r.commands, command)
	if r.failOn != "" && strings.Contains(command, r.failOn) {
		return "", "", errors.New("failed to dial 10.0.0.5: connect: connection refused")
	}
	if r.exitOn != "" && strings.Contains(command, r.exitOn) {
		return "", "command failed", &ExitError{Status: 1}
	}
	for key, out := range r.responses {
		if strings.Contains(command, key) {
			return out, "", nil
		}
	}
	return "", "", nil
}

func linuxTask(action string, params map[string]any) reaper.Task {
	if params == nil {
		params = map[string]any{}
	}
	if _, ok := params["ip_address"]; !ok {
		params["ip_address"] = "10.0.0.5"
	}
	return reaper.Task{ID: "t1", MissionID: "m1", HostID: "h1", Action: action, Params: params}
}

func TestLinuxDiscover(t *testing.T) {
	g := NewWithT(t)
	runner := &fakeRunner{responses: map[string]string{
		"uname":     "5.15.0-generic\n",
		"hostname":  "web01\n",
		"systemctl": "nginx.service loaded active running Web server\nsshd.service loaded active running OpenSSH\n",
		"ss -tln":   "State  Recv-Q Send-Q Local Address:Port Peer\nLISTEN 0      128    0.0.0.0:80   0.0.0.0:*\nLISTEN 0      128    [::]:22      [::]:*\n",
	}}
	exec := NewLinuxExecutor(runner)

	res, err := exec.Discover(context.Background(), linuxTask("linux.discover", nil))
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(res.Data).To(HaveKeyWithValue("kernel", "5.15.0-generic"))
	g.Expect(res.Data).To(HaveKeyWithValue("hostname", "web01"))
	g.Expect(res.Data["services"]).To(ConsistOf("nginx", "sshd"))
	g.Expect(res.Data["open_ports"]).To(ConsistOf(80, 22))
}

func TestLinuxDiscoverFailure(t *testing.T) {
	g := NewWithT(t)
	runner := &fakeRunner{failOn: "uname"}
	exec := NewLinuxExecutor(runner)

	_, err := exec.Discover(context.Background(), linuxTask("linux.discover", nil))
	var step *StepError
	g.Expect(errors.As(err, &step)).To(BeTrue())
	g.Expect(step.Code).To(Equal(reaper.CodeDiscoveryFailed))
	g.Expect(step.Retriable).To(BeTrue())
}

func TestLinuxBaselineRunsCatalog(t *testing.T) {
	g := NewWithT(t)
	runner := &fakeRunner{}
	exec := NewLinuxExecutor(runner)

	res, err := exec.Baseline(context.Background(), linuxTask("linux.baseline", map[string]any{
		"baseline_linux": []any{"harden-ssh", "patch-kernel"},
	}))
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(res.Data["vulnerabilities_injected"]).To(Equal([]string{"harden-ssh", "patch-kernel"}))
	g.Expect(runner.commands).To(HaveLen(2))
	g.Expect(runner.commands[0]).To(Equal("sudo /bin/sh /opt/glassdome/playbooks/harden-ssh.sh"))
}

func TestLinuxInjectFailureIsRetriable(t *testing.T) {
	g := NewWithT(t)
	runner := &fakeRunner{failOn: "weak-creds"}
	exec := NewLinuxExecutor(runner)

	_, err := exec.InjectVuln(context.Background(), linuxTask("linux.inject_vuln", map[string]any{
		"playbooks": []string{"outdated-apache", "weak-creds"},
		"category":  "web",
	}))
	var step *StepError
	g.Expect(errors.As(err, &step)).To(BeTrue())
	g.Expect(step.Code).To(Equal(reaper.CodeInjectionFailed))
	g.Expect(step.Retriable).To(BeTrue())
	g.Expect(step.Err.Error()).To(ContainSubstring("weak-creds"))
}

func TestVerifyVuln(t *testing.T) {
	g := NewWithT(t)

	t.Run("check passes means exploitable", func(t *testing.T) {
		runner := &fakeRunner{}
		exec := NewLinuxExecutor(runner)
		res, err := exec.VerifyVuln(context.Background(), linuxTask("linux.verify_vuln", map[string]any{
			"vuln_name": "outdated-apache",
		}))
		g.Expect(err).NotTo(HaveOccurred())
		g.Expect(res.Data).To(HaveKeyWithValue("exploitable", true))
		g.Expect(runner.commands[0]).To(ContainSubstring("outdated-apache.check"))
	})

	t.Run("check exits nonzero means not exploitable", func(t *testing.T) {
		runner := &fakeRunner{exitOn: ".check"}
		exec := NewLinuxExecutor(runner)
		res, err := exec.VerifyVuln(context.Background(), linuxTask("linux.verify_vuln", map[string]any{
			"vuln_name": "outdated-apache",
		}))
		g.Expect(err).NotTo(HaveOccurred())
		g.Expect(res.Data).To(HaveKeyWithValue("exploitable", false))
	})

	t.Run("unreachable host is a retriable verification failure", func(t *testing.T) {
		runner := &fakeRunner{failOn: ".check"}
		exec := NewLinuxExecutor(runner)
		_, err := exec.VerifyVuln(context.Background(), linuxTask("linux.verify_vuln", map[string]any{
			"vuln_name": "outdated-apache",
		}))
		var step *StepError
		g.Expect(errors.As(err, &step)).To(BeTrue())
		g.Expect(step.Code).To(Equal(reaper.CodeVerificationFailed))
		g.Expect(step.Retriable).To(BeTrue())
		g.Expect(step.Err.Error()).To(ContainSubstring("connection refused"))
	})

	t.Run("missing vuln_name", func(t *testing.T) {
		exec := NewLinuxExecutor(&fakeRunner{})
		_, err := exec.VerifyVuln(context.Background(), linuxTask("linux.verify_vuln", nil))
		var step *StepError
		g.Expect(errors.As(err, &step)).To(BeTrue())
		g.Expect(step.Code).To(Equal(reaper.CodeMissingParam))
		g.Expect(step.Retriable).To(BeFalse())
	})
}

func TestWindowsDiscover(t *testing.T) {
	g := NewWithT(t)
	runner := &fakeRunner{responses: map[string]string{
		"Win32_OperatingSystem": "Microsoft Windows Server 2022\r\n",
		"Win32_ComputerSystem":  "GLASSDOME.LOCAL\r\n",
		"Get-Service":           "W32Time\r\nTermService\r\n",
		"netstat":               "  TCP    0.0.0.0:3389    0.0.0.0:0    LISTENING\r\n  TCP    10.0.0.6:445    0.0.0.0:0    LISTENING\r\n",
	}}
	exec := NewWindowsExecutor(runner)

	res, err := exec.Discover(context.Background(), linuxTask("windows.discover", nil))
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(res.Data).To(HaveKeyWithValue("os_version", "Microsoft Windows Server 2022"))
	g.Expect(res.Data).To(HaveKeyWithValue("domain", "GLASSDOME.LOCAL"))
	g.Expect(res.Data["services"]).To(ConsistOf("W32Time", "TermService"))
	g.Expect(res.Data["open_ports"]).To(ConsistOf(3389, 445))
}

func TestWindowsPlaybookInvocation(t *testing.T) {
	g := NewWithT(t)
	runner := &fakeRunner{}
	exec := NewWindowsExecutor(runner)

	_, err := exec.InjectVuln(context.Background(), linuxTask("windows.inject_vuln", map[string]any{
		"playbooks": []string{"smb-signing-off"},
	}))
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(runner.commands[0]).To(Equal(`powershell -ExecutionPolicy Bypass -File C:\glassdome\playbooks\smb-signing-off.ps1`))
}

func TestPortFromAddr(t *testing.T) {
	g := NewWithT(t)
	cases := []struct {
		addr string
		port int
		ok   bool
	}{
		{"0.0.0.0:80", 80, true},
		{"[::]:22", 22, true},
		{"10.0.0.5.8080", 8080, true},
		{"*:443", 443, true},
		{"0.0.0.0:*", 0, false},
		{"garbage", 0, false},
		{"1.2.3.4:99999", 0, false},
	}
	for _, tc := range cases {
		p, ok := portFromAddr(tc.addr)
		g.Expect(ok).To(Equal(tc.ok), tc.addr)
		g.Expect(p).To(Equal(tc.port), tc.addr)
	}
}

func TestParseListenPortsDeduplicates(t *testing.T) {
	g := NewWithT(t)
	out := "LISTEN 0 128 0.0.0.0:80 0.0.0.0:*\nLISTEN 0 128 [::]:80 [::]:*\n"
	g.Expect(parseListenPorts(out)).To(Equal([]int{80}))
}
