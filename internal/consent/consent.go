package consent

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"agentmesh/internal/eventstore"
	"agentmesh/internal/logging"
	"agentmesh/internal/memory"

	"go.uber.org/zap"
)

// =============================================================================
// CONSENT GATE
// =============================================================================
//
// Wraps the memory manager with purpose-scoped consent plus the mechanical
// data-subject rights: erasure, export, rectification and a minimisation
// report. Policy decisions stay with the caller.

// Purposes a user can consent to. Closed set; grants outside it fail.
const (
	PurposeResearch        = "research"
	PurposeAnalytics       = "analytics"
	PurposeImprovement     = "improvement"
	PurposePersonalization = "personalization"
	PurposeLegalCompliance = "legal_compliance"
)

var validPurposes = map[string]bool{
	PurposeResearch:        true,
	PurposeAnalytics:       true,
	PurposeImprovement:     true,
	PurposePersonalization: true,
	PurposeLegalCompliance: true,
}

var (
	// ErrConsentRequired signals a store or rectification without the
	// required grant. No event is appended on this path.
	ErrConsentRequired = errors.New("consent required")
	// ErrUnknownPurpose signals a purpose outside the closed set.
	ErrUnknownPurpose = errors.New("unknown consent purpose")
)

// exportStripFields are removed from event data before export.
var exportStripFields = []string{"_id", "_internal", "system_metadata"}

// Gate is the consent registry plus the rights operations.
type Gate struct {
	mu       sync.RWMutex
	consents map[string]map[string]time.Time

	manager   *memory.Manager
	retention *eventstore.RetentionManager
	log       *zap.Logger
}

// NewGate wraps a memory manager. The retention manager supplies the class
// periods for the minimisation report.
func NewGate(manager *memory.Manager, retention *eventstore.RetentionManager) *Gate {
	return &Gate{
		consents:  make(map[string]map[string]time.Time),
		manager:   manager,
		retention: retention,
		log:       logging.Get(logging.CategoryConsent),
	}
}

// Grant records a user's consent for a purpose.
func (g *Gate) Grant(userID, purpose string) error {
	if !validPurposes[purpose] {
		return fmt.Errorf("%w: %s", ErrUnknownPurpose, purpose)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.consents[userID] == nil {
		g.consents[userID] = make(map[string]time.Time)
	}
	g.consents[userID][purpose] = time.Now().UTC()
	return nil
}

// Revoke withdraws a consent. Unknown pairs are ignored.
func (g *Gate) Revoke(userID, purpose string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.consents[userID], purpose)
}

// Has reports whether the user has consented to the purpose.
func (g *Gate) Has(userID, purpose string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.consents[userID][purpose]
	return ok
}

// ConsentsFor returns a copy of a user's grants.
func (g *Gate) ConsentsFor(userID string) map[string]time.Time {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make(map[string]time.Time, len(g.consents[userID]))
	for purpose, at := range g.consents[userID] {
		out[purpose] = at
	}
	return out
}

// StoreWithConsent stores personal data under a purpose the user has
// granted. Fails with ErrConsentRequired otherwise; nothing is appended on
// failure.
func (g *Gate) StoreWithConsent(key string, value any, userID, purpose string) (*eventstore.Event, error) {
	if !validPurposes[purpose] {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPurpose, purpose)
	}
	g.mu.RLock()
	grantedAt, ok := g.consents[userID][purpose]
	g.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: user %s, purpose %s", ErrConsentRequired, userID, purpose)
	}

	event := g.manager.Remember(key, value, map[string]any{
		"user_id":           userID,
		"purpose":           purpose,
		"consent_timestamp": grantedAt.Format(time.RFC3339Nano),
		"contains_pii":      true,
		"data_type":         "gdpr_personal_data",
	}, userID)
	return event, nil
}

// ErasureResult reports one right-to-erasure pass.
type ErasureResult struct {
	Deleted    int `json:"deleted"`
	Anonymized int `json:"anonymized"`
}

// RightToErasure removes the user's events (anonymising those flagged
// undeletable), clears their tier and cache entries, and revokes every
// consent.
func (g *Gate) RightToErasure(userID string) ErasureResult {
	var result ErasureResult

	store := g.manager.Store()
	for _, e := range store.All() {
		if uid, _ := e.Metadata["user_id"].(string); uid != userID {
			continue
		}
		if canDelete, ok := e.Metadata["can_delete"].(bool); ok && !canDelete {
			if anon, _ := e.Metadata["anonymized"].(bool); !anon {
				e.Anonymise()
				result.Anonymized++
			}
		}
	}
	result.Deleted = store.Prune(func(e *eventstore.Event) bool {
		uid, _ := e.Metadata["user_id"].(string)
		if uid != userID {
			return false
		}
		canDelete, ok := e.Metadata["can_delete"].(bool)
		return !ok || canDelete
	})

	g.manager.EraseUser(userID)

	g.mu.Lock()
	delete(g.consents, userID)
	g.mu.Unlock()

	g.log.Info("right to erasure executed",
		zap.String("user_id", userID),
		zap.Int("deleted", result.Deleted),
		zap.Int("anonymized", result.Anonymized))
	return result
}

// ExportEntry is one event in a user export.
type ExportEntry struct {
	Timestamp time.Time      `json:"timestamp"`
	Type      string         `json:"type"`
	Data      map[string]any `json:"data"`
	Purpose   string         `json:"purpose,omitempty"`
}

// Export is the user-facing data package.
type Export struct {
	UserID          string               `json:"user_id"`
	ExportTimestamp time.Time            `json:"export_timestamp"`
	Consents        map[string]time.Time `json:"consents"`
	Data            []ExportEntry        `json:"data"`
}

// ExportUserData packages every event attributed to the user, with internal
// fields stripped from the data.
func (g *Gate) ExportUserData(userID string) Export {
	export := Export{
		UserID:          userID,
		ExportTimestamp: time.Now().UTC(),
		Consents:        g.ConsentsFor(userID),
		Data:            []ExportEntry{},
	}
	for _, e := range g.manager.Store().All() {
		if uid, _ := e.Metadata["user_id"].(string); uid != userID {
			continue
		}
		purpose, _ := e.Metadata["purpose"].(string)
		export.Data = append(export.Data, ExportEntry{
			Timestamp: e.Timestamp,
			Type:      string(e.Type),
			Data:      sanitise(e.Data),
			Purpose:   purpose,
		})
	}
	return export
}

// RightToAccess is the access-request form of export.
func (g *Gate) RightToAccess(userID string) Export {
	return g.ExportUserData(userID)
}

// RightToRectification stores a corrected value alongside the original key.
// Requires a legal-compliance grant.
func (g *Gate) RightToRectification(userID, key string, corrected any) (*eventstore.Event, error) {
	if !g.Has(userID, PurposeLegalCompliance) {
		return nil, fmt.Errorf("%w: rectification needs %s consent for user %s",
			ErrConsentRequired, PurposeLegalCompliance, userID)
	}
	event := g.manager.Remember(key+"_rectified", corrected, map[string]any{
		"user_id":       userID,
		"rectification": true,
		"original_key":  key,
	}, userID)
	return event, nil
}

// MinimisationReport flags stored data worth reviewing: duplicate payloads,
// events held past their class retention, and internal-looking fields.
type MinimisationReport struct {
	TotalEvents        int      `json:"total_events"`
	RedundantData      []string `json:"redundant_data"`
	ExcessiveRetention []string `json:"excessive_retention"`
	UnnecessaryFields  []string `json:"unnecessary_fields"`
}

// DataMinimisationCheck builds the report as of now.
func (g *Gate) DataMinimisationCheck() MinimisationReport {
	now := time.Now().UTC()
	events := g.manager.Store().All()
	report := MinimisationReport{TotalEvents: len(events)}

	seen := make(map[string]string)
	for _, e := range events {
		digest := eventstore.HashIdentifier(fmt.Sprintf("%v", e.Data))
		if firstID, dup := seen[digest]; dup {
			report.RedundantData = append(report.RedundantData,
				fmt.Sprintf("%s duplicates %s", e.ID, firstID))
		} else {
			seen[digest] = e.ID
		}

		dataType, _ := e.Metadata["data_type"].(string)
		retention := time.Duration(g.retention.RetentionDays(dataType)) * 24 * time.Hour
		if now.Sub(e.Timestamp) >= retention {
			report.ExcessiveRetention = append(report.ExcessiveRetention, e.ID)
		}

		for field := range e.Data {
			if len(field) > 0 && field[0] == '_' {
				report.UnnecessaryFields = append(report.UnnecessaryFields,
					fmt.Sprintf("%s: %s", e.ID, field))
			}
		}
	}
	return report
}

func sanitise(data map[string]any) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = v
	}
	for _, field := range exportStripFields {
		delete(out, field)
	}
	return out
}
