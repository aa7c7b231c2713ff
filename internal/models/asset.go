package models

import "time"

// AssetView tracks where an asset-shaped operation currently sits.
type AssetView struct {
	AssetKey      string     `json:"asset_key"`
	State         AssetState `json:"state"`
	ItemID        string     `json:"item_id"`
	OperationType string     `json:"operation_type"`
	Reason        string     `json:"reason,omitempty"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// AssetSnapshot is an authoritative server record used to seed reconciliation.
type AssetSnapshot struct {
	AssetKey     string `yaml:"asset_key" json:"asset_key"`
	Description  string `yaml:"description" json:"description"`
	Location     string `yaml:"location" json:"location"`
	Organization string `yaml:"organization" json:"organization"`
}

// AssetFact is a locally observed fact about an asset.
type AssetFact struct {
	AssetKey             string            `json:"asset_key"`
	Description          string            `json:"description,omitempty"`
	RecordedLocation     string            `json:"recorded_location,omitempty"`
	RecordedOrganization string            `json:"recorded_organization,omitempty"`
	ObservedLocation     string            `json:"observed_location,omitempty"`
	ObservedOrganization string            `json:"observed_organization,omitempty"`
	Condition            string            `json:"condition,omitempty"`
	Disposition          string            `json:"disposition,omitempty"`
	Attributes           map[string]string `json:"attributes,omitempty"`
	ObservedAt           time.Time         `json:"observed_at,omitempty"`
}

// ReconciledAsset is a working-set entry merged from observed facts.
type ReconciledAsset struct {
	AssetKey             string            `json:"asset_key"`
	Description          string            `json:"description,omitempty"`
	RecordedLocation     string            `json:"recorded_location,omitempty"`
	RecordedOrganization string            `json:"recorded_organization,omitempty"`
	ObservedLocation     string            `json:"observed_location,omitempty"`
	ObservedOrganization string            `json:"observed_organization,omitempty"`
	Condition            string            `json:"condition,omitempty"`
	Disposition          string            `json:"disposition,omitempty"`
	Attributes           map[string]string `json:"attributes,omitempty"`
	Known                bool              `json:"known"`
	VerifiedAt           *time.Time        `json:"verified_at,omitempty"`
	NeedsResolution      bool              `json:"needs_resolution"`
	UpdatedAt            time.Time         `json:"updated_at"`
}

// Clone returns a deep copy.
func (a ReconciledAsset) Clone() ReconciledAsset {
	out := a
	if a.Attributes != nil {
		out.Attributes = make(map[string]string, len(a.Attributes))
		for k, v := range a.Attributes {
			out.Attributes[k] = v
		}
	}
	if a.VerifiedAt != nil {
		at := *a.VerifiedAt
		out.VerifiedAt = &at
	}
	return out
}

// InventoryStats aggregates the reconciled working set.
type InventoryStats struct {
	Total             int     `json:"total"`
	Inventoried       int     `json:"inventoried"`
	NeedsResolution   int     `json:"needs_resolution"`
	CompletionPercent float64 `json:"completion_percent"`
}
