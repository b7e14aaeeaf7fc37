// Package gate decides whether a proposed mutation may enter or leave
// experimentation. The gate is authoritative and fail-closed: any error on
// the way to a verdict is a veto.
package gate

import "context"

// Verdict is the gate's ruling on one candidate payload.
type Verdict struct {
	Approved   bool     `json:"approved"`
	VetoReason string   `json:"veto_reason,omitempty"`
	Score      float64  `json:"score"`
	Flags      []string `json:"flags,omitempty"`
}

// Gate rules on candidate payloads before proposal and before promotion.
type Gate interface {
	Check(ctx context.Context, payload string) (*Verdict, error)
}
