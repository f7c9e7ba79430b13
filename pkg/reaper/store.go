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

package reaper

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// MissionStore persists MissionState records. Saving is a full-record
// replace; stored and in-memory copies never share references.
type MissionStore interface {
	Load(missionID string) (*MissionState, error)
	Save(mission *MissionState) error
	Delete(missionID string) error
	ListMissions() ([]string, error)
}

// ErrMissionNotFound is returned by Load for unknown missions.
var ErrMissionNotFound = errors.New("mission not found")

// MemoryMissionStore keeps missions in a map, deep-copying on both Load and
// Save.
type MemoryMissionStore struct {
	mu       sync.RWMutex
	missions map[string]*MissionState
}

// NewMemoryMissionStore returns an empty store.
func NewMemoryMissionStore() *MemoryMissionStore {
	return &MemoryMissionStore{missions: map[string]*MissionState{}}
}

func (s *MemoryMissionStore) Load(missionID string) (*MissionState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.missions[missionID]
	if !ok {
		return nil, errors.Wrap(ErrMissionNotFound, missionID)
	}
	return m.DeepCopy(), nil
}

func (s *MemoryMissionStore) Save(mission *MissionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.missions[mission.MissionID] = mission.DeepCopy()
	return nil
}

func (s *MemoryMissionStore) Delete(missionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.missions, missionID)
	return nil
}

func (s *MemoryMissionStore) ListMissions() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.missions))
	for id := range s.missions {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

// FileMissionStore persists one JSON document per mission under a
// directory, written via temp-file + rename.
type FileMissionStore struct {
	mu  sync.Mutex
	dir string
}

// NewFileMissionStore creates the directory if needed.
func NewFileMissionStore(dir string) (*FileMissionStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "failed to create mission store dir %s", dir)
	}
	return &FileMissionStore{dir: dir}, nil
}

func (s *FileMissionStore) path(missionID string) string {
	return filepath.Join(s.dir, missionID+".json")
}

func (s *FileMissionStore) Load(missionID string) (*MissionState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, err := os.ReadFile(s.path(missionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrap(ErrMissionNotFound, missionID)
		}
		return nil, errors.Wrapf(err, "failed to read mission %s", missionID)
	}
	var m MissionState
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, errors.Wrapf(err, "failed to parse mission %s", missionID)
	}
	return &m, nil
}

func (s *FileMissionStore) Save(mission *MissionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, err := json.MarshalIndent(mission, "", "  ")
	if err != nil {
		return errors.Wrapf(err, "failed to encode mission %s", mission.MissionID)
	}
	tmp, err := os.CreateTemp(s.dir, ".mission-*.json")
	if err != nil {
		return errors.Wrap(err, "failed to create temp mission file")
	}
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return errors.Wrap(err, "failed to write temp mission file")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return errors.Wrap(err, "failed to close temp mission file")
	}
	if err := os.Rename(tmp.Name(), s.path(mission.MissionID)); err != nil {
		os.Remove(tmp.Name())
		return errors.Wrapf(err, "failed to replace mission %s", mission.MissionID)
	}
	return nil
}

func (s *FileMissionStore) Delete(missionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path(missionID)); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "failed to delete mission %s", missionID)
	}
	return nil
}

func (s *FileMissionStore) ListMissions() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list mission store dir %s", s.dir)
	}
	var out []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".json") {
			continue
		}
		out = append(out, strings.TrimSuffix(name, ".json"))
	}
	sort.Strings(out)
	return out, nil
}
