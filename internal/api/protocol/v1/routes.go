// Package v1 provides the node-to-node sync protocol endpoints. Every route
// requires the registration secret hash of the federation.
package v1

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/stacklok/nodesync/internal/api/common"
	"github.com/stacklok/nodesync/internal/dataset"
	"github.com/stacklok/nodesync/internal/security"
	"github.com/stacklok/nodesync/internal/syncerr"
	"github.com/stacklok/nodesync/internal/transfer"
)

const (
	// DefaultMaxBodySize bounds inbound batch and snapshot bodies
	DefaultMaxBodySize int64 = 512 * 1024 * 1024

	maxBatchLimit = 10000
)

// Routes handles inbound requests from peer nodes
type Routes struct {
	ds          dataset.Dataset
	nodeID      string
	maxBodySize int64
}

// NewRoutes creates a new Routes instance serving the given dataset
func NewRoutes(ds dataset.Dataset, nodeID string, maxBodySize int64) *Routes {
	if maxBodySize <= 0 {
		maxBodySize = DefaultMaxBodySize
	}
	return &Routes{ds: ds, nodeID: nodeID, maxBodySize: maxBodySize}
}

// Router creates the protocol router. Mount it under transfer.PathPrefix.
func Router(ds dataset.Dataset, sec *security.Layer, nodeID string, maxBodySize int64) http.Handler {
	routes := NewRoutes(ds, nodeID, maxBodySize)

	r := chi.NewRouter()
	r.Use(sec.Middleware)

	r.Get("/manifest", routes.manifest)
	r.Route("/tables/{table}/records", func(r chi.Router) {
		r.Get("/", routes.readBatch)
		r.Post("/", routes.applyBatch)
	})
	r.Get("/snapshot", routes.exportSnapshot)
	r.Post("/snapshot", routes.restoreSnapshot)

	return r
}

func (routes *Routes) manifest(w http.ResponseWriter, r *http.Request) {
	tables, err := routes.ds.Tables(dataset.ParseScope(r.URL.Query().Get("scope")))
	if err != nil {
		writeError(w, err)
		return
	}

	resp := transfer.ManifestResponse{NodeID: routes.nodeID, Tables: make([]dataset.Manifest, 0, len(tables))}
	for _, table := range tables {
		m, err := routes.ds.Manifest(r.Context(), table)
		if err != nil {
			writeError(w, err)
			return
		}
		resp.Tables = append(resp.Tables, m)
	}
	common.WriteJSONResponse(w, resp, http.StatusOK)
}

func (routes *Routes) readBatch(w http.ResponseWriter, r *http.Request) {
	table, err := common.GetAndValidateURLParam(r, "table")
	if err != nil {
		common.WriteErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}

	limit := transfer.DefaultBatchSize
	if s := r.URL.Query().Get("limit"); s != "" {
		limit, err = strconv.Atoi(s)
		if err != nil || limit <= 0 || limit > maxBatchLimit {
			common.WriteErrorResponse(w, "Invalid limit parameter: must be between 1 and 10000", http.StatusBadRequest)
			return
		}
	}

	records, err := routes.ds.ReadBatch(r.Context(), table, r.URL.Query().Get("after"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	common.WriteJSONResponse(w, transfer.NewBatch(table, records), http.StatusOK)
}

func (routes *Routes) applyBatch(w http.ResponseWriter, r *http.Request) {
	table, err := common.GetAndValidateURLParam(r, "table")
	if err != nil {
		common.WriteErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}

	var batch transfer.Batch
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, routes.maxBodySize)).Decode(&batch); err != nil {
		common.WriteErrorResponse(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if batch.Manifest.Table != table {
		common.WriteErrorResponse(w, "Manifest table does not match the request path", http.StatusBadRequest)
		return
	}
	if err := security.VerifyPayload(batch.Manifest, batch.Records); err != nil {
		writeError(w, err)
		return
	}

	result, err := routes.ds.Apply(r.Context(), table, batch.Records)
	if err != nil {
		writeError(w, err)
		return
	}

	slog.Debug("Applied inbound batch",
		"table", table,
		"node_id", r.Header.Get(security.HeaderNode),
		"records", len(batch.Records),
		"inserted", result.Inserted,
		"updated", result.Updated)
	common.WriteJSONResponse(w, result, http.StatusOK)
}

func (routes *Routes) exportSnapshot(w http.ResponseWriter, r *http.Request) {
	tables, err := routes.ds.Tables(dataset.ParseScope(r.URL.Query().Get("scope")))
	if err != nil {
		writeError(w, err)
		return
	}
	compress, _ := strconv.ParseBool(r.URL.Query().Get("compress"))

	pkg, _, err := transfer.BuildSnapshot(r.Context(), routes.ds, tables, routes.nodeID, transfer.DefaultBatchSize, compress)
	if err != nil {
		writeError(w, err)
		return
	}

	encoding := transfer.CompressionNone
	if compress {
		encoding = transfer.CompressionZstd
	}
	w.Header().Set("Content-Type", transfer.ContentTypeSnapshot)
	w.Header().Set(transfer.HeaderCompression, encoding)
	w.Header().Set("Content-Length", strconv.Itoa(len(pkg)))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(pkg); err != nil {
		slog.Warn("Failed to send snapshot", "error", err)
	}
}

func (routes *Routes) restoreSnapshot(w http.ResponseWriter, r *http.Request) {
	pkg, err := io.ReadAll(http.MaxBytesReader(w, r.Body, routes.maxBodySize))
	if err != nil {
		common.WriteErrorResponse(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	snap, err := transfer.OpenSnapshot(r.Context(), pkg)
	if err != nil {
		writeError(w, err)
		return
	}

	result, err := routes.ds.Restore(r.Context(), snap.Tables)
	if err != nil {
		writeError(w, err)
		return
	}

	slog.Info("Restored inbound snapshot",
		"source_node_id", snap.SourceNodeID,
		"records", snap.RecordCount(),
		"inserted", result.Inserted,
		"updated", result.Updated,
		"kept_local", result.KeptLocal,
		"duplicates", result.Duplicates)
	common.WriteJSONResponse(w, result, http.StatusOK)
}

// writeError maps engine errors to status codes
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, dataset.ErrUnknownTable):
		common.WriteErrorResponse(w, err.Error(), http.StatusNotFound)
	case syncerr.IsKind(err, syncerr.KindIntegrity):
		common.WriteErrorResponse(w, err.Error(), http.StatusUnprocessableEntity)
	default:
		slog.Error("Peer request failed", "error", err)
		common.WriteErrorResponse(w, err.Error(), http.StatusInternalServerError)
	}
}
