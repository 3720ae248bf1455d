package consent

import (
	"errors"
	"testing"
	"time"

	"agentmesh/internal/eventstore"
	"agentmesh/internal/memory"
)

func newGate() (*Gate, *memory.Manager) {
	store := eventstore.NewStore()
	manager := memory.NewManager(store, memory.DefaultConfig())
	return NewGate(manager, eventstore.NewRetentionManager(store)), manager
}

func TestGrantRevokeGrant(t *testing.T) {
	g, _ := newGate()

	if err := g.Grant("u1", PurposeResearch); err != nil {
		t.Fatalf("grant: %v", err)
	}
	g.Revoke("u1", PurposeResearch)
	if g.Has("u1", PurposeResearch) {
		t.Error("consent present after revoke")
	}
	if err := g.Grant("u1", PurposeResearch); err != nil {
		t.Fatalf("re-grant: %v", err)
	}
	if !g.Has("u1", PurposeResearch) {
		t.Error("consent absent after re-grant")
	}
}

func TestGrantUnknownPurpose(t *testing.T) {
	g, _ := newGate()

	err := g.Grant("u1", "surveillance")
	if !errors.Is(err, ErrUnknownPurpose) {
		t.Fatalf("grant(surveillance) err = %v, want ErrUnknownPurpose", err)
	}
}

func TestStoreWithConsentRequiresGrant(t *testing.T) {
	g, _ := newGate()

	_, err := g.StoreWithConsent("k", "v", "u1", PurposeResearch)
	if !errors.Is(err, ErrConsentRequired) {
		t.Fatalf("store without consent err = %v, want ErrConsentRequired", err)
	}
	if g.manager.Store().Count() != 0 {
		t.Error("event appended despite consent failure")
	}

	if err := g.Grant("u1", PurposeResearch); err != nil {
		t.Fatal(err)
	}
	event, err := g.StoreWithConsent("k", "v", "u1", PurposeResearch)
	if err != nil {
		t.Fatalf("store with consent: %v", err)
	}
	if event.Metadata["data_type"] != "gdpr_personal_data" {
		t.Errorf("data_type = %v, want gdpr_personal_data", event.Metadata["data_type"])
	}
	if event.Metadata["contains_pii"] != true {
		t.Error("contains_pii not set")
	}
	if event.Metadata["purpose"] != PurposeResearch {
		t.Errorf("purpose = %v, want research", event.Metadata["purpose"])
	}
}

func TestConsentGatedErasure(t *testing.T) {
	g, m := newGate()

	if err := g.Grant("u1", PurposeResearch); err != nil {
		t.Fatal(err)
	}
	if _, err := g.StoreWithConsent("k1", "v1", "u1", PurposeResearch); err != nil {
		t.Fatal(err)
	}
	if _, err := g.StoreWithConsent("k2", "v2", "u1", PurposeResearch); err != nil {
		t.Fatal(err)
	}

	result := g.RightToErasure("u1")
	if result.Deleted < 2 {
		t.Errorf("deleted = %d, want >= 2", result.Deleted)
	}
	if g.Has("u1", PurposeResearch) {
		t.Error("consent survived erasure")
	}
	for _, e := range m.Store().All() {
		if uid, _ := e.Metadata["user_id"].(string); uid == "u1" {
			t.Errorf("deletable event %s survived erasure", e.ID)
		}
	}
	if results := m.Recall("k1", "auditor", nil); len(results) != 0 {
		t.Errorf("recall after erasure = %d results, want 0", len(results))
	}
}

func TestErasureAnonymisesUndeletable(t *testing.T) {
	g, m := newGate()

	m.Remember("ledger", "tx", map[string]any{
		"user_id":    "u1",
		"can_delete": false,
	}, "u1")

	result := g.RightToErasure("u1")
	if result.Anonymized != 1 {
		t.Errorf("anonymized = %d, want 1", result.Anonymized)
	}
	if result.Deleted != 0 {
		t.Errorf("deleted = %d, want 0", result.Deleted)
	}
	events := m.Store().All()
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1 retained", len(events))
	}
	if events[0].Actor == "u1" {
		t.Error("undeletable event actor not anonymised")
	}
}

func TestErasureIdempotentForUnknownUser(t *testing.T) {
	g, _ := newGate()

	result := g.RightToErasure("ghost")
	if result.Deleted != 0 || result.Anonymized != 0 {
		t.Errorf("erasure of unknown user = %+v, want zeros", result)
	}
}

func TestExportUserData(t *testing.T) {
	g, m := newGate()

	if err := g.Grant("u1", PurposeAnalytics); err != nil {
		t.Fatal(err)
	}
	m.Remember("profile", map[string]any{"value": "x"}, map[string]any{
		"user_id": "u1",
		"purpose": PurposeAnalytics,
	}, "u1")
	m.Store().Append(eventstore.EventMemoryWrite, "raw",
		map[string]any{"value": "y", "_internal": "secret", "system_metadata": "hidden"},
		"u1", map[string]any{"user_id": "u1"})

	export := g.ExportUserData("u1")
	if export.UserID != "u1" {
		t.Errorf("user id = %s", export.UserID)
	}
	if len(export.Data) != 2 {
		t.Fatalf("exported entries = %d, want 2", len(export.Data))
	}
	if _, ok := export.Consents[PurposeAnalytics]; !ok {
		t.Error("consents missing from export")
	}
	for _, entry := range export.Data {
		if _, leak := entry.Data["_internal"]; leak {
			t.Error("_internal leaked into export")
		}
		if _, leak := entry.Data["system_metadata"]; leak {
			t.Error("system_metadata leaked into export")
		}
	}
}

func TestRectificationRequiresLegalConsent(t *testing.T) {
	g, m := newGate()

	_, err := g.RightToRectification("u1", "address", "corrected st 1")
	if !errors.Is(err, ErrConsentRequired) {
		t.Fatalf("rectification err = %v, want ErrConsentRequired", err)
	}

	if err := g.Grant("u1", PurposeLegalCompliance); err != nil {
		t.Fatal(err)
	}
	event, err := g.RightToRectification("u1", "address", "corrected st 1")
	if err != nil {
		t.Fatalf("rectification: %v", err)
	}
	if event.AggregateID != "address_rectified" {
		t.Errorf("aggregate = %s, want address_rectified", event.AggregateID)
	}
	if event.Metadata["original_key"] != "address" {
		t.Errorf("original_key = %v", event.Metadata["original_key"])
	}
	if got := m.TimeTravel("address_rectified", time.Now().UTC()); got != "corrected st 1" {
		t.Errorf("rectified value = %v", got)
	}
}

func TestDataMinimisationCheck(t *testing.T) {
	g, m := newGate()

	m.Remember("dup1", "same payload", nil, "alice")
	m.Remember("dup2", "same payload", nil, "alice")
	m.Store().Append(eventstore.EventMemoryWrite, "leaky",
		map[string]any{"value": "v", "_scratch": "tmp"}, "alice", nil)

	stale := m.Store().Append(eventstore.EventMemoryWrite, "old",
		map[string]any{"value": "ancient"}, "alice", nil)
	stale.Timestamp = time.Now().UTC().Add(-100 * 24 * time.Hour)

	report := g.DataMinimisationCheck()
	if report.TotalEvents < 4 {
		t.Errorf("total events = %d, want >= 4", report.TotalEvents)
	}
	if len(report.RedundantData) == 0 {
		t.Error("duplicate payloads not flagged")
	}
	if len(report.UnnecessaryFields) == 0 {
		t.Error("underscore field not flagged")
	}
	if len(report.ExcessiveRetention) == 0 {
		t.Error("stale event not flagged")
	}
}
