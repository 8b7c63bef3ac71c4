// Package storage implements the uniform storage provider contract:
// local, DHT-backed network, and peer-to-peer variants behind a
// strategy-routing manager.
package storage

import (
	"time"

	"github.com/nmxmxh/meshvault/internal/chunk"
)

// StorageType names where a chunk or artifact physically lives.
type StorageType string

const (
	StorageLocal   StorageType = "local"
	StorageNetwork StorageType = "network"
	StorageP2P     StorageType = "p2p"
)

// Strategy selects which provider(s) the manager routes a request
// through.
type Strategy string

const (
	LocalOnly   Strategy = "local-only"
	NetworkOnly Strategy = "network-only"
	P2POnly     Strategy = "p2p-only"
	Hybrid      Strategy = "hybrid"
)

// EncryptionInfo describes an optional encryption applied to an artifact.
type EncryptionInfo struct {
	IV        string `json:"iv"`
	Algorithm string `json:"algorithm"`
}

// CompressionInfo describes an optional compression applied to an artifact.
type CompressionInfo struct {
	Algorithm    string `json:"algorithm"`
	OriginalSize int64  `json:"original_size"`
}

// ChunkLocation records where a chunk's bytes live, independent of its
// identity (owned by chunk.Descriptor).
type ChunkLocation struct {
	NodeID       string    `json:"node_id"`
	StorageType  StorageType `json:"storage_type"`
	Endpoint     string    `json:"endpoint,omitempty"`
	Region       string    `json:"region,omitempty"`
	Availability float64   `json:"availability"`
	LastSeen     time.Time `json:"last_seen"`
	Health       float64   `json:"health"`
}

// ChunkDescriptor composes a chunk's identity (chunk.Descriptor) with
// its placement (ChunkLocation) and replica count.
type ChunkDescriptor struct {
	chunk.Descriptor
	Locations   []ChunkLocation  `json:"locations"`
	Replicas    int              `json:"replicas"`
	Encryption  *EncryptionInfo  `json:"encryption,omitempty"`
	Compression *CompressionInfo `json:"compression,omitempty"`
}

// ArtifactMetadata is the per-artifact metadata record: its chunk set,
// whole-content checksum, and placement summary.
type ArtifactMetadata struct {
	ID          string            `json:"id"`
	Size        int64             `json:"size"`
	Chunks      []ChunkDescriptor `json:"chunks"`
	Created     time.Time         `json:"created"`
	Modified    time.Time         `json:"modified"`
	Checksum    string            `json:"checksum"`
	StorageType StorageType       `json:"storage_type"`
	Replicas    int               `json:"replicas"`
	Encryption  *EncryptionInfo   `json:"encryption,omitempty"`
	Compression *CompressionInfo `json:"compression,omitempty"`
}

// Stats is the shared statistics block reported both per provider
// (GetStats) and per published content record.
type Stats struct {
	TotalDownloads  int64   `json:"total_downloads"`
	ActiveProviders int     `json:"active_providers"`
	TotalSize       int64   `json:"total_size"`
	Reliability     float64 `json:"reliability"`
}

// StoreOptions customizes how Store places an artifact's chunks.
type StoreOptions struct {
	ChunkSize int             `json:"chunk_size,omitempty"`
	Replicas  int             `json:"replicas,omitempty"`
	Encrypt   *EncryptionInfo `json:"encrypt,omitempty"`
	Compress  *CompressionInfo `json:"compress,omitempty"`

	// ArtifactID pins the stored artifact's id instead of deriving a fresh
	// one. The manager sets it when replicating a primary write to
	// secondary providers, so every provider files the copy under the same
	// id.
	ArtifactID string `json:"-"`
}

func (o StoreOptions) artifactID(data []byte, now time.Time) string {
	if o.ArtifactID != "" {
		return o.ArtifactID
	}
	return newArtifactID(data, now)
}

// MinReplicas is the default replica count used when StoreOptions
// leaves Replicas unset.
const MinReplicas = 3

func (o StoreOptions) replicas() int {
	if o.Replicas > 0 {
		return o.Replicas
	}
	return MinReplicas
}

func (o StoreOptions) chunkSize() int {
	if o.ChunkSize > 0 {
		return o.ChunkSize
	}
	return chunk.DefaultSize
}
