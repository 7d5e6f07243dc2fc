// Copyright 2026 The piv Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package registry is the single source of truth for the set of managed
// projects. It persists as one YAML file under the piv home directory; every
// write uses the atomic temp+rename pattern and mutating operations hold an
// advisory OS file lock so concurrent orchestrators and the supervisor never
// interleave read-modify-write windows.
package registry

import (
	"sort"
	"time"
)

// Status is the lifecycle state of a managed project.
type Status string

const (
	// StatusRunning means an orchestrator is (believed to be) driving the project.
	StatusRunning Status = "running"
	// StatusIdle means the project is registered but no orchestrator is active.
	StatusIdle Status = "idle"
	// StatusComplete means the project finished all phases.
	StatusComplete Status = "complete"
	// StatusFailed means the project was abandoned after an unrecoverable error.
	StatusFailed Status = "failed"
)

// Project is one registry row.
type Project struct {
	Name               string    `yaml:"name"`
	Path               string    `yaml:"path"`
	Status             Status    `yaml:"status"`
	Heartbeat          time.Time `yaml:"heartbeat"`
	CurrentPhase       *int      `yaml:"currentPhase"`
	LastCompletedPhase *int      `yaml:"lastCompletedPhase"`
	PivCommandsVersion string    `yaml:"pivCommandsVersion"`
	OrchestratorPid    *int      `yaml:"orchestratorPid"`
	RegisteredAt       time.Time `yaml:"registeredAt"`
}

// Registry is the full persisted project set.
type Registry struct {
	Projects  map[string]Project `yaml:"projects"`
	UpdatedAt time.Time          `yaml:"updatedAt"`
}

// Empty returns a registry with no projects.
func Empty() *Registry {
	return &Registry{Projects: map[string]Project{}}
}

// ListRunning returns the running projects in stable name order.
func (r *Registry) ListRunning() []Project {
	out := make([]Project, 0, len(r.Projects))
	for _, p := range r.Projects {
		if p.Status == StatusRunning {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// FindByName returns the project with the given name, if registered.
func (r *Registry) FindByName(name string) (Project, bool) {
	p, ok := r.Projects[name]
	return p, ok
}

// FindByPath returns the project rooted at the given path, if registered.
func (r *Registry) FindByPath(path string) (Project, bool) {
	for _, p := range r.Projects {
		if p.Path == path {
			return p, true
		}
	}
	return Project{}, false
}

// Names returns all project names sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.Projects))
	for name := range r.Projects {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
