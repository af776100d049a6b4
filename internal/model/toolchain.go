package model

import "time"

// ToolchainState is the lifecycle state of a ToolchainInstance (spec §3).
type ToolchainState string

const (
	ToolchainPending    ToolchainState = "pending"
	ToolchainReady      ToolchainState = "ready"
	ToolchainBroken      ToolchainState = "broken"
	ToolchainDeprecated ToolchainState = "deprecated"
)

// ToolchainKey identifies one external-builder instance.
type ToolchainKey struct {
	Release   string `json:"release"`
	Target    string `json:"target"`
	Subtarget string `json:"subtarget"`
}

func (k ToolchainKey) String() string {
	return k.Release + "/" + k.Target + "/" + k.Subtarget
}

// ToolchainInstance is one cached, extracted copy of the external builder
// (spec §3).
type ToolchainInstance struct {
	ID            string `json:"id"`
	ToolchainKey

	UpstreamURL      string         `json:"upstream_url"`
	ArchivePath      string         `json:"archive_path"`
	ExtractedRoot    string         `json:"extracted_root"`
	ArchiveHash      string         `json:"archive_hash"`
	SignatureVerified bool          `json:"signature_verified"`
	State            ToolchainState `json:"state"`

	FirstUsedAt time.Time `json:"first_used_at"`
	LastUsedAt  time.Time `json:"last_used_at"`
}
