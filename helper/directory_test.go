package helper

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

const roster = `
helpers:
  - id: h2
    name: Bo
    rating: 4.1
    completion_rate: 0.8
    avg_response: 2h
    location: {lat: 40.72, lng: -74.0}
    available: true
    emergency_certified: false
  - id: h1
    name: Ana
    rating: 4.9
    completion_rate: 0.97
    avg_response: 30m
    location: {lat: 40.71, lng: -74.0}
    available: true
    emergency_certified: true
  - id: h3
    name: Cy
    rating: 3.5
    completion_rate: 0.5
    location: {lat: 40.70, lng: -74.0}
    available: false
    emergency_certified: true
`

func TestLoadDirectoryFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "helpers.yaml")
	if err := os.WriteFile(path, []byte(roster), 0o600); err != nil {
		t.Fatalf("write roster: %v", err)
	}

	dir, err := LoadDirectoryFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	svc := NewService(dir)
	ctx := context.Background()

	ana, err := svc.GetByID(ctx, "h1")
	if err != nil {
		t.Fatalf("get h1: %v", err)
	}
	if ana.AvgResponse != 30*time.Minute || !ana.EmergencyCertified {
		t.Fatalf("unexpected profile: %+v", ana)
	}

	list, err := svc.List(ctx, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 3 || list[0].Name != "Ana" {
		t.Fatalf("expected name ordering, got %+v", list)
	}

	qualified, err := svc.ListEmergencyAvailable(ctx)
	if err != nil {
		t.Fatalf("list emergency: %v", err)
	}
	if len(qualified) != 1 || qualified[0].ID != "h1" {
		t.Fatalf("expected only h1 to qualify, got %+v", qualified)
	}

	if _, err := svc.GetByID(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestParseDirectory_RejectsBadEntries(t *testing.T) {
	cases := map[string]string{
		"missing id":   "helpers:\n  - name: x\n",
		"bad rating":   "helpers:\n  - id: a\n    rating: 7\n",
		"bad duration": "helpers:\n  - id: a\n    avg_response: soon\n",
		"bad location": "helpers:\n  - id: a\n    location: {lat: 95, lng: 0}\n",
	}
	for name, doc := range cases {
		if _, err := ParseDirectory([]byte(doc)); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestParseDirectory_ResponseTimeOptional(t *testing.T) {
	dir, err := ParseDirectory([]byte(roster))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	ctx := context.Background()
	bo, err := dir.GetByID(ctx, "h2")
	if err != nil {
		t.Fatalf("get h2: %v", err)
	}
	if bo.AvgResponse != 2*time.Hour {
		t.Fatalf("h2 response time = %s, want 2h", bo.AvgResponse)
	}
	cy, err := dir.GetByID(ctx, "h3")
	if err != nil {
		t.Fatalf("get h3: %v", err)
	}
	if cy.AvgResponse != 0 {
		t.Fatalf("h3 without avg_response should have zero response time, got %s", cy.AvgResponse)
	}
}
