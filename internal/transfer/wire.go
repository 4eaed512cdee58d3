package transfer

import "github.com/stacklok/nodesync/internal/dataset"

const (
	// PathPrefix is the mount point of the node-to-node protocol
	PathPrefix = "/sync/v1"

	// ContentTypeSnapshot is the media type of a snapshot package
	ContentTypeSnapshot = "application/vnd.nodesync.snapshot"

	// HeaderCompression declares the encoding of a snapshot body
	HeaderCompression = "X-Nodesync-Compression"

	// CompressionZstd marks a zstd compressed snapshot
	CompressionZstd = "zstd"
	// CompressionNone marks an uncompressed snapshot
	CompressionNone = "none"
)

// ManifestResponse lists the manifests of a node's tables
type ManifestResponse struct {
	NodeID string             `json:"nodeId"`
	Tables []dataset.Manifest `json:"tables"`
}

// Batch is a page of records with its declared manifest
type Batch struct {
	Records  []dataset.Record `json:"records"`
	Manifest dataset.Manifest `json:"manifest"`
}

// NewBatch builds a batch whose manifest describes exactly its records
func NewBatch(table string, records []dataset.Record) Batch {
	if records == nil {
		records = []dataset.Record{}
	}
	return Batch{Records: records, Manifest: dataset.ManifestFor(table, records)}
}

// Size returns the approximate payload size of the batch
func (b Batch) Size() int64 {
	var n int64
	for _, r := range b.Records {
		n += r.Size()
	}
	return n
}
