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
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/glassdome/glassdome/pkg/reaper"
)

// defaultPlaybookDir is where lab images stage their playbook scripts.
const defaultPlaybookDir = "/opt/glassdome/playbooks"

// osExecutor is the shared executor machinery. The per-OS constructors
// differ in their discovery command set and playbook invocation.
type osExecutor struct {
	os          string
	runner      Runner
	playbookDir string
	discover    func(ctx context.Context, e *osExecutor, ip string) (StepResult, error)
	runPlaybook func(ctx context.Context, e *osExecutor, ip, name string) (string, string, error)
}

// NewLinuxExecutor returns the executor for reaper-linux.
func NewLinuxExecutor(runner Runner) Executor {
	return &osExecutor{
		os:          "linux",
		runner:      runner,
		playbookDir: defaultPlaybookDir,
		discover:    discoverLinux,
		runPlaybook: runShPlaybook,
	}
}

// NewMacOSExecutor returns the executor for reaper-macos.
func NewMacOSExecutor(runner Runner) Executor {
	return &osExecutor{
		os:          "macos",
		runner:      runner,
		playbookDir: defaultPlaybookDir,
		discover:    discoverMacOS,
		runPlaybook: runShPlaybook,
	}
}

// NewWindowsExecutor returns the executor for reaper-windows.
func NewWindowsExecutor(runner Runner) Executor {
	return &osExecutor{
		os:          "windows",
		runner:      runner,
		playbookDir: `C:\glassdome\playbooks`,
		discover:    discoverWindows,
		runPlaybook: runPowershellPlaybook,
	}
}

func (e *osExecutor) Discover(ctx context.Context, task reaper.Task) (StepResult, error) {
	ip := task.Params["ip_address"].(string)
	return e.discover(ctx, e, ip)
}

func (e *osExecutor) Baseline(ctx context.Context, task reaper.Task) (StepResult, error) {
	playbooks := paramStrings(task.Params["baseline_"+e.os])
	return e.applyPlaybooks(ctx, task, playbooks, "")
}

func (e *osExecutor) InjectVuln(ctx context.Context, task reaper.Task) (StepResult, error) {
	playbooks := paramStrings(task.Params["playbooks"])
	category, _ := task.Params["category"].(string)
	return e.applyPlaybooks(ctx, task, playbooks, category)
}

func (e *osExecutor) VerifyVuln(ctx context.Context, task reaper.Task) (StepResult, error) {
	ip := task.Params["ip_address"].(string)
	name, ok := task.Params["vuln_name"].(string)
	if !ok || name == "" {
		return StepResult{}, &StepError{
			Code:      reaper.CodeMissingParam,
			Retriable: false,
			Err:       fmt.Errorf("verify task %s is missing vuln_name", task.ID),
		}
	}
	stdout, stderr, err := e.runPlaybook(ctx, e, ip, name+".check")
	var exitErr *ExitError
	if err != nil && !errors.As(err, &exitErr) {
		// The check never ran: the host was unreachable or the session
		// failed. That is a verification failure, not a clean negative.
		return StepResult{}, &StepError{
			Code:      reaper.CodeVerificationFailed,
			Retriable: true,
			Stdout:    stdout,
			Stderr:    stderr,
			Err:       fmt.Errorf("verify %s on %s: %w", name, ip, err),
		}
	}
	// A nonzero exit from the check script is a definitive answer: the
	// vulnerability is not exploitable on this host.
	return StepResult{
		Data: map[string]any{
			"vuln_name":   name,
			"exploitable": err == nil,
		},
		Stdout: stdout,
		Stderr: stderr,
	}, nil
}

func (e *osExecutor) applyPlaybooks(ctx context.Context, task reaper.Task, playbooks []string, category string) (StepResult, error) {
	ip := task.Params["ip_address"].(string)
	var injected []string
	var outAll, errAll strings.Builder
	for _, name := range playbooks {
		stdout, stderr, err := e.runPlaybook(ctx, e, ip, name)
		outAll.WriteString(stdout)
		errAll.WriteString(stderr)
		if err != nil {
			return StepResult{}, &StepError{
				Code:      reaper.CodeInjectionFailed,
				Retriable: true,
				Stdout:    outAll.String(),
				Stderr:    errAll.String(),
				Err:       fmt.Errorf("playbook %s on %s: %w", name, ip, err),
			}
		}
		injected = append(injected, name)
	}
	data := map[string]any{"vulnerabilities_injected": injected}
	if category != "" {
		data["category"] = category
	}
	return StepResult{Data: data, Stdout: outAll.String(), Stderr: errAll.String()}, nil
}

func discoverLinux(ctx context.Context, e *osExecutor, ip string) (StepResult, error) {
	kernel, kErr, err := e.runner.Run(ctx, ip, "uname -r")
	if err != nil {
		return StepResult{}, discoveryErr(ip, kernel, kErr, err)
	}
	hostname, _, err := e.runner.Run(ctx, ip, "hostname")
	if err != nil {
		return StepResult{}, discoveryErr(ip, "", "", err)
	}
	svcOut, _, err := e.runner.Run(ctx, ip,
		"systemctl list-units --type=service --state=running --no-legend --plain")
	if err != nil {
		return StepResult{}, discoveryErr(ip, svcOut, "", err)
	}
	portOut, _, err := e.runner.Run(ctx, ip, "ss -tln")
	if err != nil {
		return StepResult{}, discoveryErr(ip, portOut, "", err)
	}
	return StepResult{
		Data: map[string]any{
			"kernel":     strings.TrimSpace(kernel),
			"hostname":   strings.TrimSpace(hostname),
			"services":   parseSystemdServices(svcOut),
			"open_ports": parseListenPorts(portOut),
		},
		Stdout: svcOut + portOut,
	}, nil
}

func discoverMacOS(ctx context.Context, e *osExecutor, ip string) (StepResult, error) {
	version, _, err := e.runner.Run(ctx, ip, "sw_vers -productVersion")
	if err != nil {
		return StepResult{}, discoveryErr(ip, "", "", err)
	}
	hostname, _, err := e.runner.Run(ctx, ip, "hostname")
	if err != nil {
		return StepResult{}, discoveryErr(ip, "", "", err)
	}
	portOut, _, err := e.runner.Run(ctx, ip, "netstat -an -p tcp | grep LISTEN")
	if err != nil {
		return StepResult{}, discoveryErr(ip, portOut, "", err)
	}
	return StepResult{
		Data: map[string]any{
			"os_version": strings.TrimSpace(version),
			"hostname":   strings.TrimSpace(hostname),
			"open_ports": parseNetstatPorts(portOut),
		},
		Stdout: portOut,
	}, nil
}

func discoverWindows(ctx context.Context, e *osExecutor, ip string) (StepResult, error) {
	version, _, err := e.runner.Run(ctx, ip,
		`powershell -Command "(Get-CimInstance Win32_OperatingSystem).Caption"`)
	if err != nil {
		return StepResult{}, discoveryErr(ip, "", "", err)
	}
	domain, _, err := e.runner.Run(ctx, ip,
		`powershell -Command "(Get-CimInstance Win32_ComputerSystem).Domain"`)
	if err != nil {
		return StepResult{}, discoveryErr(ip, "", "", err)
	}
	svcOut, _, err := e.runner.Run(ctx, ip,
		`powershell -Command "Get-Service | Where-Object Status -eq Running | Select-Object -ExpandProperty Name"`)
	if err != nil {
		return StepResult{}, discoveryErr(ip, svcOut, "", err)
	}
	portOut, _, err := e.runner.Run(ctx, ip, "netstat -an -p tcp")
	if err != nil {
		return StepResult{}, discoveryErr(ip, portOut, "", err)
	}
	return StepResult{
		Data: map[string]any{
			"os_version": strings.TrimSpace(version),
			"domain":     strings.TrimSpace(domain),
			"services":   splitLines(svcOut),
			"open_ports": parseNetstatPorts(portOut),
		},
		Stdout: svcOut + portOut,
	}, nil
}

func runShPlaybook(ctx context.Context, e *osExecutor, ip, name string) (string, string, error) {
	return e.runner.Run(ctx, ip, fmt.Sprintf("sudo /bin/sh %s/%s.sh", e.playbookDir, name))
}

func runPowershellPlaybook(ctx context.Context, e *osExecutor, ip, name string) (string, string, error) {
	return e.runner.Run(ctx, ip,
		fmt.Sprintf(`powershell -ExecutionPolicy Bypass -File %s\%s.ps1`, e.playbookDir, name))
}

func discoveryErr(ip, stdout, stderr string, err error) *StepError {
	return &StepError{
		Code:      reaper.CodeDiscoveryFailed,
		Retriable: true,
		Stdout:    stdout,
		Stderr:    stderr,
		Err:       fmt.Errorf("discovery against %s: %w", ip, err),
	}
}

// parseSystemdServices extracts bare service names from plain list-units
// output ("nginx.service loaded active running ...").
func parseSystemdServices(out string) []string {
	var services []string
	for _, line := range splitLines(out) {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		name := strings.TrimSuffix(fields[0], ".service")
		services = append(services, name)
	}
	return services
}

// parseListenPorts extracts local ports from `ss -tln` output.
func parseListenPorts(out string) []int {
	var ports []int
	seen := map[int]struct{}{}
	for _, line := range splitLines(out) {
		fields := strings.Fields(line)
		if len(fields) < 4 || fields[0] == "State" {
			continue
		}
		if p, ok := portFromAddr(fields[3]); ok {
			if _, dup := seen[p]; !dup {
				seen[p] = struct{}{}
				ports = append(ports, p)
			}
		}
	}
	return ports
}

// parseNetstatPorts extracts local ports from netstat output lines that
// carry a LISTEN(ING) state.
func parseNetstatPorts(out string) []int {
	var ports []int
	seen := map[int]struct{}{}
	for _, line := range splitLines(out) {
		if !strings.Contains(line, "LISTEN") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		// Local address column differs between platforms; scan for the
		// first field that yields a port.
		for _, f := range fields[1:] {
			if p, ok := portFromAddr(f); ok {
				if _, dup := seen[p]; !dup {
					seen[p] = struct{}{}
					ports = append(ports, p)
				}
				break
			}
		}
	}
	return ports
}

// portFromAddr pulls the port off "0.0.0.0:80", "[::]:22", or "10.0.0.5.80"
// style local addresses.
func portFromAddr(addr string) (int, bool) {
	idx := strings.LastIndexAny(addr, ":.")
	if idx < 0 || idx == len(addr)-1 {
		return 0, false
	}
	p, err := strconv.Atoi(addr[idx+1:])
	if err != nil || p <= 0 || p > 65535 {
		return 0, false
	}
	return p, true
}

func splitLines(out string) []string {
	var lines []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

// paramStrings normalizes a playbook-list param that may arrive as
// []string or, after JSON transport, []any.
func paramStrings(v any) []string {
	switch vv := v.(type) {
	case []string:
		return vv
	case []any:
		var out []string
		for _, item := range vv {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
