package models

// AssetMetadata describes the uploaded asset as supplied by the caller
// at begin() time; it is carried through the session and stamped onto
// the memory at finish().
type AssetMetadata struct {
	Name     string            `json:"name,omitempty"`
	MimeType string            `json:"mime_type,omitempty"`
	Tags     map[string]string `json:"tags,omitempty"`
}

// Memory is a logical stored object attached to exactly one capsule. It
// references either an assembled blob (BlobID) or small inline bytes;
// never both.
type Memory struct {
	ID        string `json:"id"`
	CapsuleID string `json:"capsule_id"`
	// Owner mirrors the creating principal for the owner index.
	Owner string `json:"owner"`
	// BlobID references the assembled payload in the blob store.
	BlobID string `json:"blob_id,omitempty"`
	// Inline holds the payload directly for small records.
	Inline []byte `json:"inline,omitempty"`
	// Size and SHA256 of the payload regardless of placement.
	Size   uint64 `json:"size"`
	SHA256 string `json:"sha256,omitempty"`

	Metadata  AssetMetadata `json:"metadata,omitempty"`
	CreatedTS int64         `json:"created_ts,omitempty"`
	UpdatedTS int64         `json:"updated_ts,omitempty"`
}
