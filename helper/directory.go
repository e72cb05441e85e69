package helper

import (
	"context"
	"fmt"
	"os"
	"slices"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"helpmarket/geo"
)

// MemoryDirectory serves profiles from memory. Development runs seed it from a
// YAML roster; tests populate it directly.
type MemoryDirectory struct {
	mu       sync.RWMutex
	profiles map[string]Profile
}

func NewMemoryDirectory(profiles ...Profile) *MemoryDirectory {
	d := &MemoryDirectory{profiles: make(map[string]Profile, len(profiles))}
	for _, p := range profiles {
		d.profiles[p.ID] = p
	}
	return d
}

// Put inserts or replaces a profile.
func (d *MemoryDirectory) Put(p Profile) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.profiles[p.ID] = p
}

func (d *MemoryDirectory) GetByID(_ context.Context, id string) (Profile, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.profiles[id]
	if !ok {
		return Profile{}, ErrNotFound
	}
	return p, nil
}

func (d *MemoryDirectory) List(_ context.Context, limit int) ([]Profile, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	all := d.sorted(func(Profile) bool { return true })
	sort.SliceStable(all, func(i, j int) bool { return all[i].Name < all[j].Name })
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func (d *MemoryDirectory) ListEmergencyAvailable(_ context.Context) ([]Profile, error) {
	return d.sorted(Profile.EmergencyQualified), nil
}

func (d *MemoryDirectory) CountAvailable(_ context.Context, category string) (int, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	n := 0
	for _, p := range d.profiles {
		if p.Available && slices.Contains(p.Categories, category) {
			n++
		}
	}
	return n, nil
}

func (d *MemoryDirectory) sorted(keep func(Profile) bool) []Profile {
	d.mu.RLock()
	out := make([]Profile, 0, len(d.profiles))
	for _, p := range d.profiles {
		if keep(p) {
			out = append(out, p)
		}
	}
	d.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

type rosterFile struct {
	Helpers []rosterEntry `yaml:"helpers"`
}

type rosterEntry struct {
	ID                 string       `yaml:"id"`
	Name               string       `yaml:"name"`
	Rating             float64      `yaml:"rating"`
	CompletionRate     float64      `yaml:"completion_rate"`
	AvgResponse        string       `yaml:"avg_response"`
	Location           geo.Location `yaml:"location"`
	Available          bool         `yaml:"available"`
	EmergencyCertified bool         `yaml:"emergency_certified"`
	Categories         []string     `yaml:"categories"`
}

// LoadDirectoryFile reads a YAML roster of the form
//
//	helpers:
//	  - id: h1
//	    name: Dana
//	    rating: 4.8
//	    completion_rate: 0.97
//	    avg_response: 45m
//	    location: {lat: 40.71, lng: -74.0}
//	    available: true
//	    emergency_certified: true
func LoadDirectoryFile(path string) (*MemoryDirectory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("helper: read roster: %w", err)
	}
	return ParseDirectory(data)
}

// ParseDirectory decodes a YAML roster held in memory.
func ParseDirectory(data []byte) (*MemoryDirectory, error) {
	var roster rosterFile
	if err := yaml.Unmarshal(data, &roster); err != nil {
		return nil, fmt.Errorf("helper: decode roster: %w", err)
	}

	d := NewMemoryDirectory()
	for i, e := range roster.Helpers {
		if e.ID == "" {
			return nil, fmt.Errorf("helper: roster entry %d has no id", i)
		}
		if e.Rating < 0 || e.Rating > 5 {
			return nil, fmt.Errorf("helper: roster entry %s has rating %.2f outside 0-5", e.ID, e.Rating)
		}
		if e.CompletionRate < 0 || e.CompletionRate > 1 {
			return nil, fmt.Errorf("helper: roster entry %s has completion rate outside 0-1", e.ID)
		}
		var response time.Duration
		if e.AvgResponse != "" {
			parsed, err := time.ParseDuration(e.AvgResponse)
			if err != nil {
				return nil, fmt.Errorf("helper: roster entry %s: %w", e.ID, err)
			}
			response = parsed
		}
		if err := e.Location.Validate(); err != nil {
			return nil, fmt.Errorf("helper: roster entry %s: %w", e.ID, err)
		}
		d.Put(Profile{
			ID:                 e.ID,
			Name:               e.Name,
			Rating:             e.Rating,
			CompletionRate:     e.CompletionRate,
			AvgResponse:        response,
			Location:           e.Location,
			Available:          e.Available,
			EmergencyCertified: e.EmergencyCertified,
			Categories:         e.Categories,
		})
	}
	return d, nil
}
