package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"unify/internal/identity/models"
	dErrors "unify/pkg/domain-errors"
)

// profileResponse is the wire shape of an active profile.
type profileResponse struct {
	ID             string     `json:"id"`
	PrimaryPhone   string     `json:"primary_phone,omitempty"`
	PrimaryEmail   string     `json:"primary_email,omitempty"`
	DisplayName    string     `json:"display_name,omitempty"`
	TotalOrders    int64      `json:"total_orders"`
	TotalSpent     float64    `json:"total_spent"`
	AvgOrderValue  float64    `json:"avg_order_value"`
	LifetimeValue  float64    `json:"lifetime_value"`
	FirstSeenAt    time.Time  `json:"first_seen_at"`
	LastSeenAt     time.Time  `json:"last_seen_at"`
	LastPurchaseAt *time.Time `json:"last_purchase_at,omitempty"`
}

func toProfileResponse(p *models.Profile) profileResponse {
	return profileResponse{
		ID:             p.ID.String(),
		PrimaryPhone:   p.PrimaryPhone,
		PrimaryEmail:   p.PrimaryEmail,
		DisplayName:    p.DisplayName,
		TotalOrders:    p.TotalOrders,
		TotalSpent:     p.TotalSpent,
		AvgOrderValue:  p.AvgOrderValue(),
		LifetimeValue:  p.LifetimeValue(),
		FirstSeenAt:    p.FirstSeenAt,
		LastSeenAt:     p.LastSeenAt,
		LastPurchaseAt: p.LastPurchaseAt,
	}
}

// mergeLogResponse is the wire shape of one merge audit entry.
type mergeLogResponse struct {
	ID             string     `json:"id"`
	SourceID       string     `json:"source_id"`
	TargetID       string     `json:"target_id"`
	MergeType      string     `json:"merge_type"`
	Confidence     float64    `json:"confidence"`
	Reason         string     `json:"reason,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	RolledBack     bool       `json:"rolled_back"`
	RolledBackAt   *time.Time `json:"rolled_back_at,omitempty"`
	RollbackReason string     `json:"rollback_reason,omitempty"`
}

func toMergeLogResponse(e *models.MergeLogEntry) mergeLogResponse {
	return mergeLogResponse{
		ID:             e.ID.String(),
		SourceID:       e.SourceID.String(),
		TargetID:       e.TargetID.String(),
		MergeType:      string(e.MergeType),
		Confidence:     e.Confidence,
		Reason:         e.Reason,
		CreatedAt:      e.CreatedAt,
		RolledBack:     e.RolledBack,
		RolledBackAt:   e.RolledBackAt,
		RollbackReason: e.RollbackReason,
	}
}

// resolveResponse reports which profile an event landed on and how.
type resolveResponse struct {
	Outcome    string            `json:"outcome"`
	Confidence float64           `json:"confidence,omitempty"`
	Profile    profileResponse   `json:"profile"`
	MergeLog   *mergeLogResponse `json:"merge_log,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError centralizes domain error translation so every endpoint returns
// the same JSON error envelope.
func writeError(w http.ResponseWriter, err error) {
	code := dErrors.CodeOf(err)
	message := err.Error()
	if code == dErrors.CodeInternal {
		// Internal causes stay in the logs, not in responses.
		message = "internal error"
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(dErrors.ToHTTPStatus(code))
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":   string(code),
		"message": message,
	})
}
