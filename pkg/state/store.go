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

package state

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Store is the persisted system state. Every mutation rewrites the backing
// JSON document via write-to-temp + rename so a crash never leaves a torn
// file.
type Store struct {
	mu   sync.RWMutex
	path string
	doc  document
}

// Open loads the document at path, or starts empty if it does not exist.
func Open(path string) (*Store, error) {
	s := &Store{
		path: path,
		doc: document{
			VMs:      map[string]*VM{},
			Hosts:    map[string]*Host{},
			Services: map[string]*Service{},
			Requests: map[string]*Request{},
		},
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, errors.Wrapf(err, "failed to read system state from %s", path)
	}
	if err := json.Unmarshal(raw, &s.doc); err != nil {
		return nil, errors.Wrapf(err, "failed to parse system state at %s", path)
	}
	if s.doc.VMs == nil {
		s.doc.VMs = map[string]*VM{}
	}
	if s.doc.Hosts == nil {
		s.doc.Hosts = map[string]*Host{}
	}
	if s.doc.Services == nil {
		s.doc.Services = map[string]*Service{}
	}
	if s.doc.Requests == nil {
		s.doc.Requests = map[string]*Request{}
	}
	return s, nil
}

// Save persists the current document. Exposed so the Overseer can force a
// final write during shutdown.
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked()
}

func (s *Store) saveLocked() error {
	s.doc.LastSaved = time.Now().UTC()
	raw, err := json.MarshalIndent(&s.doc, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to encode system state")
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".state-*.json")
	if err != nil {
		return errors.Wrap(err, "failed to create temp state file")
	}
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return errors.Wrap(err, "failed to write temp state file")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return errors.Wrap(err, "failed to close temp state file")
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		os.Remove(tmp.Name())
		return errors.Wrapf(err, "failed to replace %s", s.path)
	}
	return nil
}

// PutVM upserts a VM record.
func (s *Store) PutVM(vm *VM) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *vm
	s.doc.VMs[cp.ID] = &cp
	return s.saveLocked()
}

// GetVM returns a copy of the VM, if present.
func (s *Store) GetVM(id string) (*VM, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	vm, ok := s.doc.VMs[id]
	if !ok {
		return nil, false
	}
	cp := *vm
	return &cp, true
}

// DeleteVM removes a VM and its services.
func (s *Store) DeleteVM(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.doc.VMs, id)
	for key, svc := range s.doc.Services {
		if svc.VMID == id {
			delete(s.doc.Services, key)
		}
	}
	return s.saveLocked()
}

// ListVMs returns copies of every VM, sorted by id.
func (s *Store) ListVMs() []*VM {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*VM, 0, len(s.doc.VMs))
	for _, vm := range s.doc.VMs {
		cp := *vm
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// PutHost upserts a host record.
func (s *Store) PutHost(h *Host) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *h
	s.doc.Hosts[cp.Key()] = &cp
	return s.saveLocked()
}

// GetHost returns a copy of the host, if present.
func (s *Store) GetHost(platform, identifier string) (*Host, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.doc.Hosts[HostKey(platform, identifier)]
	if !ok {
		return nil, false
	}
	cp := *h
	return &cp, true
}

// ListHosts returns copies of every host, sorted by key.
func (s *Store) ListHosts() []*Host {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Host, 0, len(s.doc.Hosts))
	for _, h := range s.doc.Hosts {
		cp := *h
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

// PutService upserts a service record.
func (s *Store) PutService(svc *Service) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *svc
	s.doc.Services[ServiceKey(cp.VMID, cp.Name)] = &cp
	return s.saveLocked()
}

// ListServices returns copies of every service for a VM.
func (s *Store) ListServices(vmID string) []*Service {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Service
	for _, svc := range s.doc.Services {
		if svc.VMID == vmID {
			cp := *svc
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// PutRequest upserts a request record.
func (s *Store) PutRequest(r *Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *r
	s.doc.Requests[cp.ID] = &cp
	return s.saveLocked()
}

// GetRequest returns a copy of the request, if present.
func (s *Store) GetRequest(id string) (*Request, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.doc.Requests[id]
	if !ok {
		return nil, false
	}
	cp := *r
	return &cp, true
}

// ListRequests returns copies of every request, newest first.
func (s *Store) ListRequests() []*Request {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Request, 0, len(s.doc.Requests))
	for _, r := range s.doc.Requests {
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubmittedAt.After(out[j].SubmittedAt) })
	return out
}

// UpdateRequest applies fn to the stored request under the lock and
// persists. Returns false if the request does not exist.
func (s *Store) UpdateRequest(id string, fn func(*Request)) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.doc.Requests[id]
	if !ok {
		return false, nil
	}
	fn(r)
	return true, s.saveLocked()
}

// HasResources reports whether a host has headroom for the requested specs.
// Hosts with absent availability figures are treated as insufficient.
func (s *Store) HasResources(platform, identifier string, specs VMSpecs) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.doc.Hosts[HostKey(platform, identifier)]
	if !ok {
		return false
	}
	res := h.Resources
	if res.CPUAvailable <= 0 || res.MemoryAvailableMiB <= 0 || res.DiskAvailableGiB <= 0 {
		return false
	}
	return res.CPUAvailable >= specs.Cores &&
		res.MemoryAvailableMiB >= specs.MemoryMiB &&
		res.DiskAvailableGiB >= specs.DiskGiB
}
