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

// The glassdome binary hosts the control plane (`run`) and a minimal
// status/introspection CLI. Exit code is 0 on success and 1 on any denied
// request or runtime error.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/glassdome/glassdome/pkg/config"
	"github.com/glassdome/glassdome/pkg/manager"
	"github.com/glassdome/glassdome/pkg/overseer"
	"github.com/glassdome/glassdome/pkg/state"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

type cliOptions struct {
	configPath string
	verbosity  int
}

func (o *cliOptions) logger() (logr.Logger, error) {
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(zapcore.Level(-o.verbosity))
	zc.Encoding = "console"
	zl, err := zc.Build()
	if err != nil {
		return logr.Logger{}, errors.Wrap(err, "failed to build logger")
	}
	return zapr.NewLogger(zl), nil
}

func (o *cliOptions) manager() (*manager.Manager, error) {
	cfg, err := config.Load(config.ResolvePath(o.configPath))
	if err != nil {
		return nil, err
	}
	log, err := o.logger()
	if err != nil {
		return nil, err
	}
	return manager.New(cfg, log)
}

func newRootCommand() *cobra.Command {
	opts := &cliOptions{}
	root := &cobra.Command{
		Use:           "glassdome",
		Short:         "Glassdome lab orchestration control plane",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to the YAML config (or $"+config.EnvConfigPath+")")
	root.PersistentFlags().IntVarP(&opts.verbosity, "v", "v", 0, "log verbosity")

	root.AddCommand(
		newRunCommand(opts),
		newStatusCommand(opts),
		newVMsCommand(opts),
		newVMCommand(opts),
		newHostsCommand(opts),
		newRequestsCommand(opts),
		newDeployCommand(opts),
		newDestroyCommand(opts),
	)
	return root
}

func newRunCommand(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the control plane until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			m, err := opts.manager()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return m.Run(ctx)
		},
	}
}

func newStatusCommand(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Summarise system state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			m, err := opts.manager()
			if err != nil {
				return err
			}
			byStatus := map[state.RequestStatus]int{}
			for _, r := range m.State.ListRequests() {
				byStatus[r.Status]++
			}
			missions, err := m.Overseer.ListReaperMissions()
			if err != nil {
				return err
			}
			w := newTable(cmd)
			fmt.Fprintf(w, "VMs\t%d\n", len(m.State.ListVMs()))
			fmt.Fprintf(w, "Hosts\t%d\n", len(m.State.ListHosts()))
			fmt.Fprintf(w, "Requests pending\t%d\n", byStatus[state.RequestPending])
			fmt.Fprintf(w, "Requests approved\t%d\n", byStatus[state.RequestApproved])
			fmt.Fprintf(w, "Requests denied\t%d\n", byStatus[state.RequestDenied])
			fmt.Fprintf(w, "Missions\t%d\n", len(missions))
			return w.Flush()
		},
	}
}

func newVMsCommand(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "vms",
		Short: "List tracked VMs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			m, err := opts.manager()
			if err != nil {
				return err
			}
			w := newTable(cmd)
			fmt.Fprintln(w, "ID\tNAME\tPLATFORM\tSTATUS\tIP\tPRODUCTION")
			for _, vm := range m.State.ListVMs() {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%v\n",
					vm.ID, vm.Name, vm.Platform, vm.Status, vm.IP, vm.Production)
			}
			return w.Flush()
		},
	}
}

func newVMCommand(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "vm <id>",
		Short: "Show one VM",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := opts.manager()
			if err != nil {
				return err
			}
			vm, ok := m.State.GetVM(args[0])
			if !ok {
				return errors.Errorf("VM %s is not tracked", args[0])
			}
			w := newTable(cmd)
			fmt.Fprintf(w, "ID\t%s\n", vm.ID)
			fmt.Fprintf(w, "Name\t%s\n", vm.Name)
			fmt.Fprintf(w, "Platform\t%s\n", vm.Platform)
			fmt.Fprintf(w, "Status\t%s\n", vm.Status)
			fmt.Fprintf(w, "IP\t%s\n", vm.IP)
			fmt.Fprintf(w, "OS\t%s\n", vm.Specs.OS)
			fmt.Fprintf(w, "Cores\t%d\n", vm.Specs.Cores)
			fmt.Fprintf(w, "Memory MiB\t%d\n", vm.Specs.MemoryMiB)
			fmt.Fprintf(w, "Production\t%v\n", vm.Production)
			fmt.Fprintf(w, "Deployed by\t%s\n", vm.DeployedBy)
			for _, svc := range m.State.ListServices(vm.ID) {
				fmt.Fprintf(w, "Service\t%s:%d\n", svc.Name, svc.Port)
			}
			return w.Flush()
		},
	}
}

func newHostsCommand(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "hosts",
		Short: "List hypervisor hosts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			m, err := opts.manager()
			if err != nil {
				return err
			}
			w := newTable(cmd)
			fmt.Fprintln(w, "PLATFORM\tHOST\tSTATUS\tCPU AVAIL\tMEM AVAIL MiB\tDISK AVAIL GiB")
			for _, h := range m.State.ListHosts() {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\n",
					h.Platform, h.Identifier, h.Status,
					h.Resources.CPUAvailable, h.Resources.MemoryAvailableMiB, h.Resources.DiskAvailableGiB)
			}
			return w.Flush()
		},
	}
}

func newRequestsCommand(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "requests",
		Short: "List gated requests, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			m, err := opts.manager()
			if err != nil {
				return err
			}
			w := newTable(cmd)
			fmt.Fprintln(w, "ID\tACTION\tUSER\tSTATUS\tREASON")
			for _, r := range m.State.ListRequests() {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", r.ID, r.Action, r.User, r.Status, r.Reason)
			}
			return w.Flush()
		},
	}
}

func newDeployCommand(opts *cliOptions) *cobra.Command {
	var (
		user     string
		name     string
		cores    int
		memory   int
		disk     int
		count    int
		template string
	)
	cmd := &cobra.Command{
		Use:   "deploy <platform> <os>",
		Short: "Submit a deploy_vm request through the gate and execute it",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := opts.manager()
			if err != nil {
				return err
			}
			specs := map[string]any{"cores": cores, "memory_mib": memory}
			if disk > 0 {
				specs["disk_gib"] = disk
			}
			if name != "" {
				specs["name"] = name
			}
			if template != "" {
				specs["template"] = template
			}
			params := map[string]any{"platform": args[0], "os": args[1], "specs": specs}
			if count > 1 {
				params["count"] = count
			}
			return submit(cmd.Context(), cmd, m.Overseer, m.State, overseer.ActionDeployVM, params, user)
		},
	}
	cmd.Flags().StringVar(&user, "user", "cli", "requesting user for the audit trail")
	cmd.Flags().StringVar(&name, "name", "", "VM name")
	cmd.Flags().IntVar(&cores, "cores", 2, "CPU cores")
	cmd.Flags().IntVar(&memory, "memory", 2048, "memory in MiB")
	cmd.Flags().IntVar(&disk, "disk", 0, "disk in GiB")
	cmd.Flags().IntVar(&count, "count", 1, "number of VMs")
	cmd.Flags().StringVar(&template, "template", "", "image/template to clone")
	return cmd
}

func newDestroyCommand(opts *cliOptions) *cobra.Command {
	var (
		user  string
		force bool
	)
	cmd := &cobra.Command{
		Use:   "destroy <vm_id>",
		Short: "Submit a destroy_vm request through the gate and execute it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := opts.manager()
			if err != nil {
				return err
			}
			params := map[string]any{"vm_id": args[0]}
			if force {
				params["force_production"] = true
			}
			return submit(cmd.Context(), cmd, m.Overseer, m.State, overseer.ActionDestroyVM, params, user)
		},
	}
	cmd.Flags().StringVar(&user, "user", "cli", "requesting user for the audit trail")
	cmd.Flags().BoolVar(&force, "force", false, "override production protection")
	return cmd
}

// submit pushes one request through the gate and, when approved, executes
// it synchronously so the one-shot CLI does not need the run loop.
func submit(ctx context.Context, cmd *cobra.Command, ov *overseer.Overseer, st *state.Store, action string, params map[string]any, user string) error {
	d := ov.ReceiveRequest(ctx, action, params, user)
	if !d.Approved {
		return errors.Errorf("request %s denied: %s", d.RequestID, d.Reason)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "request %s approved (queue position %d)\n", d.RequestID, d.QueuePosition)
	ov.ExecuteNext(ctx)
	req, ok := st.GetRequest(d.RequestID)
	if !ok {
		return errors.Errorf("request %s vanished after execution", d.RequestID)
	}
	if req.Status == state.RequestFailed {
		return errors.Errorf("request %s failed: %s", d.RequestID, req.Result)
	}
	fmt.Fprintln(cmd.OutOrStdout(), req.Result)
	return nil
}

func newTable(cmd *cobra.Command) *tabwriter.Writer {
	return tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
}
