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

// Package proxmox adapts the Proxmox VE REST API to the uniform platform
// client contract. Authentication uses API tokens; power operations are
// accepted asynchronously by Proxmox and converge via the monitor loop.
package proxmox

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/pkg/errors"

	"github.com/glassdome/glassdome/pkg/platform"
)

// Config names one Proxmox VE endpoint. TokenID is the full
// "user@realm!name" token identifier.
type Config struct {
	BaseURL     string `json:"base_url" yaml:"base_url"`
	TokenID     string `json:"token_id" yaml:"token_id"`
	TokenSecret string `json:"token_secret" yaml:"token_secret"`
	Node        string `json:"node" yaml:"node"`
	SkipVerify  bool   `json:"skip_verify,omitempty" yaml:"skip_verify,omitempty"`
}

// Client implements platform.Client against one Proxmox node. VM ids are
// numeric VMIDs rendered as strings.
type Client struct {
	base  string
	node  string
	token string
	http  *http.Client
	log   logr.Logger
}

// NewFactory returns a lazy constructor for the endpoint.
func NewFactory(cfg Config, log logr.Logger) platform.Factory {
	return func(_ context.Context) (platform.Client, error) {
		if cfg.BaseURL == "" || cfg.Node == "" {
			return nil, &platform.ValidationError{Reason: "proxmox base_url and node are required"}
		}
		transport := &http.Transport{}
		if cfg.SkipVerify {
			transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec
		}
		return &Client{
			base:  strings.TrimRight(cfg.BaseURL, "/"),
			node:  cfg.Node,
			token: fmt.Sprintf("PVEAPIToken=%s=%s", cfg.TokenID, cfg.TokenSecret),
			http:  &http.Client{Timeout: 30 * time.Second, Transport: transport},
			log:   log.WithName("proxmox"),
		}, nil
	}
}

// Every Proxmox response wraps its payload in a data envelope.
type envelope struct {
	Data json.RawMessage `json:"data"`
}

type vmRecord struct {
	VMID   int64   `json:"vmid"`
	Name   string  `json:"name"`
	Status string  `json:"status"`
	CPUs   float64 `json:"cpus"`
	MaxMem int64   `json:"maxmem"`
}

type nodeRecord struct {
	Node    string  `json:"node"`
	Status  string  `json:"status"`
	MaxCPU  int     `json:"maxcpu"`
	CPU     float64 `json:"cpu"`
	MaxMem  int64   `json:"maxmem"`
	Mem     int64   `json:"mem"`
	MaxDisk int64   `json:"maxdisk"`
	Disk    int64   `json:"disk"`
}

type netRecord struct {
	Iface string `json:"iface"`
	Type  string `json:"type"`
}

// TestConnection hits the version endpoint.
func (c *Client) TestConnection(ctx context.Context) error {
	var v struct {
		Version string `json:"version"`
	}
	return c.get(ctx, "/api2/json/version", &v)
}

// ListVMs returns every QEMU guest on the node, templates excluded.
func (c *Client) ListVMs(ctx context.Context) ([]platform.VMInfo, error) {
	var records []struct {
		vmRecord
		Template int `json:"template"`
	}
	if err := c.get(ctx, c.nodePath("qemu"), &records); err != nil {
		return nil, err
	}
	out := make([]platform.VMInfo, 0, len(records))
	for _, r := range records {
		if r.Template == 1 {
			continue
		}
		out = append(out, platform.VMInfo{
			ID:    strconv.FormatInt(r.VMID, 10),
			Name:  r.Name,
			State: r.Status,
			Host:  c.node,
		})
	}
	return out, nil
}

// GetVM returns the current status of one guest.
func (c *Client) GetVM(ctx context.Context, id string) (platform.VMInfo, error) {
	var r vmRecord
	if err := c.get(ctx, c.vmPath(id, "status/current"), &r); err != nil {
		return platform.VMInfo{}, c.notFoundOr("vm", id, err)
	}
	name := r.Name
	if name == "" {
		name = id
	}
	return platform.VMInfo{
		ID:    id,
		Name:  name,
		State: r.Status,
		Host:  c.node,
	}, nil
}

// CreateVM clones a template when one is named, otherwise creates an empty
// guest. The VMID is allocated by the cluster.
func (c *Client) CreateVM(ctx context.Context, spec platform.VMSpec) (platform.VMInfo, error) {
	if spec.Name == "" {
		return platform.VMInfo{}, &platform.ValidationError{Reason: "vm name is required"}
	}
	if spec.Cores <= 0 || spec.MemoryMiB <= 0 {
		return platform.VMInfo{}, &platform.ValidationError{Reason: "cores and memory must be positive"}
	}

	var nextID string
	if err := c.get(ctx, "/api2/json/cluster/nextid", &nextID); err != nil {
		return platform.VMInfo{}, err
	}

	if spec.Template != "" {
		form := url.Values{
			"newid": {nextID},
			"name":  {spec.Name},
			"full":  {"1"},
		}
		if err := c.post(ctx, c.vmPath(spec.Template, "clone"), form); err != nil {
			return platform.VMInfo{}, c.notFoundOr("template", spec.Template, err)
		}
	} else {
		form := url.Values{
			"vmid":   {nextID},
			"name":   {spec.Name},
			"cores":  {strconv.Itoa(spec.Cores)},
			"memory": {strconv.FormatInt(spec.MemoryMiB, 10)},
		}
		if spec.Network != "" {
			form.Set("net0", "virtio,bridge="+spec.Network)
		}
		if err := c.post(ctx, c.nodePath("qemu"), form); err != nil {
			return platform.VMInfo{}, err
		}
	}

	return platform.VMInfo{
		ID:    nextID,
		Name:  spec.Name,
		State: "stopped",
		Host:  c.node,
	}, nil
}

// StartVM requests a start. Proxmox accepts the request and runs it as an
// async task; state converges on the next poll.
func (c *Client) StartVM(ctx context.Context, id string) error {
	if err := c.post(ctx, c.vmPath(id, "status/start"), nil); err != nil {
		return c.notFoundOr("vm", id, err)
	}
	return nil
}

// StopVM requests a hard stop.
func (c *Client) StopVM(ctx context.Context, id string) error {
	if err := c.post(ctx, c.vmPath(id, "status/stop"), nil); err != nil {
		return c.notFoundOr("vm", id, err)
	}
	return nil
}

// DeleteVM destroys the guest. A missing guest is a success.
func (c *Client) DeleteVM(ctx context.Context, id string) error {
	err := c.do(ctx, http.MethodDelete, c.vmPath(id, ""), nil, nil)
	if err != nil {
		err = c.notFoundOr("vm", id, err)
		if platform.IsNotFound(err) {
			return nil
		}
		return err
	}
	return nil
}

// RenameVM updates the guest's configured name.
func (c *Client) RenameVM(ctx context.Context, id, name string) error {
	if name == "" {
		return &platform.ValidationError{Reason: "vm name is required"}
	}
	form := url.Values{"name": {name}}
	if err := c.do(ctx, http.MethodPut, c.vmPath(id, "config"), form, nil); err != nil {
		return c.notFoundOr("vm", id, err)
	}
	return nil
}

// GetVMIP asks the QEMU guest agent for interface addresses and returns the
// first non-loopback IPv4.
func (c *Client) GetVMIP(ctx context.Context, id string) (string, error) {
	var payload struct {
		Result []struct {
			Name      string `json:"name"`
			Addresses []struct {
				Type    string `json:"ip-address-type"`
				Address string `json:"ip-address"`
			} `json:"ip-addresses"`
		} `json:"result"`
	}
	if err := c.get(ctx, c.vmPath(id, "agent/network-get-interfaces"), &payload); err != nil {
		return "", c.notFoundOr("vm", id, err)
	}
	for _, iface := range payload.Result {
		if iface.Name == "lo" {
			continue
		}
		for _, addr := range iface.Addresses {
			if addr.Type == "ipv4" {
				return addr.Address, nil
			}
		}
	}
	return "", &platform.TransientError{Op: "get vm ip", Err: errors.Errorf("guest agent on vm %s reported no address", id)}
}

// ListHosts returns the cluster's nodes.
func (c *Client) ListHosts(ctx context.Context) ([]platform.HostInfo, error) {
	var nodes []nodeRecord
	if err := c.get(ctx, "/api2/json/nodes", &nodes); err != nil {
		return nil, err
	}
	out := make([]platform.HostInfo, 0, len(nodes))
	for _, n := range nodes {
		memTotal := n.MaxMem / (1 << 20)
		memUsed := n.Mem / (1 << 20)
		out = append(out, platform.HostInfo{
			ID:                 n.Node,
			Name:               n.Node,
			State:              n.Status,
			CPUTotal:           n.MaxCPU,
			CPUUsed:            int(n.CPU * float64(n.MaxCPU)),
			MemoryTotalMiB:     memTotal,
			MemoryAvailableMiB: memTotal - memUsed,
			DiskTotalGiB:       n.MaxDisk / (1 << 30),
			DiskAvailableGiB:   (n.MaxDisk - n.Disk) / (1 << 30),
		})
	}
	return out, nil
}

// ListNetworks returns the node's bridges.
func (c *Client) ListNetworks(ctx context.Context) ([]platform.NetworkInfo, error) {
	var nets []netRecord
	if err := c.get(ctx, c.nodePath("network"), &nets); err != nil {
		return nil, err
	}
	var out []platform.NetworkInfo
	for _, n := range nets {
		if n.Type != "bridge" {
			continue
		}
		out = append(out, platform.NetworkInfo{ID: n.Iface, Name: n.Iface})
	}
	return out, nil
}

func (c *Client) nodePath(suffix string) string {
	return "/api2/json/nodes/" + c.node + "/" + suffix
}

func (c *Client) vmPath(id, suffix string) string {
	p := c.nodePath("qemu") + "/" + id
	if suffix != "" {
		p += "/" + suffix
	}
	return p
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

func (c *Client) post(ctx context.Context, path string, form url.Values) error {
	return c.do(ctx, http.MethodPost, path, form, nil)
}

func (c *Client) do(ctx context.Context, method, path string, form url.Values, out any) error {
	var body io.Reader
	if form != nil {
		body = bytes.NewBufferString(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return errors.Wrapf(err, "failed to build %s %s", method, path)
	}
	req.Header.Set("Authorization", c.token)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &platform.TransientError{Op: method + " " + path, Err: err}
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return &platform.TransientError{Op: method + " " + path, Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &platform.AuthError{Platform: "proxmox", Err: errors.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(raw)))}
	case resp.StatusCode >= 500:
		// Proxmox reports missing guests as 500s with a "does not exist"
		// message, so the body has to ride along for classification.
		return &platform.TransientError{Op: method + " " + path, Err: errors.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(raw)))}
	case resp.StatusCode >= 400:
		return errors.Errorf("%s %s: %s: %s", method, path, resp.Status, strings.TrimSpace(string(raw)))
	}

	if out == nil {
		return nil
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return errors.Wrapf(err, "failed to parse response from %s", path)
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return errors.Wrapf(err, "failed to parse response data from %s", path)
	}
	return nil
}

// notFoundOr converts Proxmox's "does not exist" 4xx/5xx phrasing into the
// typed NotFoundError and passes everything else through.
func (c *Client) notFoundOr(kind, id string, err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if strings.Contains(msg, "does not exist") || strings.Contains(msg, "not found") {
		return &platform.NotFoundError{Kind: kind, ID: id}
	}
	return err
}
