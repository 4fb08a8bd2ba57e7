package models

// SessionStatus tracks the one-way lifecycle of an upload session.
// Transitions are Pending -> Committed or Pending -> Aborted; terminal
// states never transition again.
type SessionStatus string

const (
	SessionPending   SessionStatus = "pending"
	SessionCommitted SessionStatus = "committed"
	SessionAborted   SessionStatus = "aborted"
)

// UploadSession is the server-side record of one in-progress chunked
// upload attempt.
type UploadSession struct {
	ID        uint64 `json:"id"`
	CapsuleID string `json:"capsule_id"`
	Caller    string `json:"caller"`
	CreatedTS int64  `json:"created_ts"`

	ExpectedChunks uint32 `json:"expected_chunks"`
	ReceivedChunks uint32 `json:"received_chunks"`
	// ReceivedBytes accounts bytes written so far across all chunks.
	ReceivedBytes uint64 `json:"received_bytes"`

	Status SessionStatus `json:"status"`
	// CommittedTS/AbortedTS record the terminal transition time (ns).
	CommittedTS int64 `json:"committed_ts,omitempty"`
	AbortedTS   int64 `json:"aborted_ts,omitempty"`

	Metadata AssetMetadata `json:"metadata,omitempty"`
	// ProvisionalMemoryID seeds deterministic chunk key derivation and
	// becomes the memory id at commit.
	ProvisionalMemoryID string `json:"provisional_memory_id"`
	ChunkSize           uint64 `json:"chunk_size"`
	IdempotencyKey      string `json:"idempotency_key"`
	// BlobID is set when the session commits.
	BlobID string `json:"blob_id,omitempty"`

	// Commit holds the finish() result so a retried finish can return
	// it unchanged.
	Commit *CommitResult `json:"commit,omitempty"`
}

// CommitResult is the recorded outcome of a successful finish().
type CommitResult struct {
	MemoryID    string `json:"memory_id"`
	BlobID      string `json:"blob_id"`
	Size        uint64 `json:"size"`
	SHA256      string `json:"sha256"`
	CommittedTS int64  `json:"committed_ts"`
}

// BlobMeta describes an assembled, hash-verified blob.
type BlobMeta struct {
	ID        string `json:"id"`
	Size      uint64 `json:"size"`
	SHA256    string `json:"sha256"`
	Chunks    uint32 `json:"chunks"`
	CreatedTS int64  `json:"created_ts"`
}
