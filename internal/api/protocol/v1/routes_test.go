package v1_test

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/stacklok/nodesync/internal/api/protocol/v1"
	"github.com/stacklok/nodesync/internal/conflict"
	"github.com/stacklok/nodesync/internal/dataset"
	"github.com/stacklok/nodesync/internal/security"
	"github.com/stacklok/nodesync/internal/transfer"
)

type fixture struct {
	ds     *dataset.Memory
	sec    *security.Layer
	router http.Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := newEmptyFixture(t)
	require.NoError(t, f.ds.Put("orders", "1", map[string]any{"id": 1, "total": 10}))
	require.NoError(t, f.ds.Put("orders", "2", map[string]any{"id": 2, "total": 20}))
	require.NoError(t, f.ds.Put("orders", "3", map[string]any{"id": 3, "total": 30}))
	return f
}

func newEmptyFixture(t *testing.T) *fixture {
	t.Helper()

	ds, err := dataset.NewMemory(dataset.Options{Tables: []string{"orders", "products"}}, conflict.NewLastWriterWins(nil))
	require.NoError(t, err)

	sec, err := security.New("federation-secret")
	require.NoError(t, err)

	return &fixture{ds: ds, sec: sec, router: v1.Router(ds, sec, "STORE-001", 0)}
}

func (f *fixture) do(t *testing.T, method, path string, body []byte, signed bool) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if signed {
		f.sec.Sign(req, "STORE-002")
	}
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)
	return rr
}

func TestRouter_RequiresSecret(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	tests := []struct {
		name   string
		method string
		path   string
	}{
		{name: "manifest", method: http.MethodGet, path: "/manifest"},
		{name: "read batch", method: http.MethodGet, path: "/tables/orders/records"},
		{name: "apply batch", method: http.MethodPost, path: "/tables/orders/records"},
		{name: "export snapshot", method: http.MethodGet, path: "/snapshot"},
		{name: "restore snapshot", method: http.MethodPost, path: "/snapshot"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rr := f.do(t, tt.method, tt.path, nil, false)
			assert.Equal(t, http.StatusUnauthorized, rr.Code)
			assert.JSONEq(t, `{"error":"unauthorized"}`, rr.Body.String())
		})
	}
}

func TestRouter_Manifest(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	rr := f.do(t, http.MethodGet, "/manifest?scope=orders", nil, true)
	require.Equal(t, http.StatusOK, rr.Code)

	var resp transfer.ManifestResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "STORE-001", resp.NodeID)
	require.Len(t, resp.Tables, 1)
	assert.Equal(t, "orders", resp.Tables[0].Table)
	assert.Equal(t, int64(3), resp.Tables[0].RecordCount)

	rr = f.do(t, http.MethodGet, "/manifest", nil, true)
	require.Equal(t, http.StatusOK, rr.Code)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Len(t, resp.Tables, 2)

	rr = f.do(t, http.MethodGet, "/manifest?scope=invoices", nil, true)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestRouter_ReadBatch(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	tests := []struct {
		name       string
		path       string
		wantStatus int
		wantKeys   []string
	}{
		{name: "first page", path: "/tables/orders/records?limit=2", wantStatus: http.StatusOK, wantKeys: []string{"1", "2"}},
		{name: "after key", path: "/tables/orders/records?after=2&limit=2", wantStatus: http.StatusOK, wantKeys: []string{"3"}},
		{name: "default limit", path: "/tables/orders/records", wantStatus: http.StatusOK, wantKeys: []string{"1", "2", "3"}},
		{name: "exhausted", path: "/tables/orders/records?after=3", wantStatus: http.StatusOK, wantKeys: []string{}},
		{name: "zero limit", path: "/tables/orders/records?limit=0", wantStatus: http.StatusBadRequest},
		{name: "huge limit", path: "/tables/orders/records?limit=10001", wantStatus: http.StatusBadRequest},
		{name: "non numeric limit", path: "/tables/orders/records?limit=abc", wantStatus: http.StatusBadRequest},
		{name: "unknown table", path: "/tables/invoices/records", wantStatus: http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rr := f.do(t, http.MethodGet, tt.path, nil, true)
			require.Equal(t, tt.wantStatus, rr.Code, rr.Body.String())
			if tt.wantStatus != http.StatusOK {
				return
			}

			var batch transfer.Batch
			require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &batch))
			keys := make([]string, 0, len(batch.Records))
			for _, r := range batch.Records {
				keys = append(keys, r.Key)
			}
			assert.Equal(t, tt.wantKeys, keys)
			assert.NoError(t, security.VerifyPayload(batch.Manifest, batch.Records))
		})
	}
}

func TestRouter_ApplyBatch(t *testing.T) {
	t.Parallel()

	valid := transfer.NewBatch("products", []dataset.Record{
		{Key: "p1", Data: []byte(`{"id":"p1","name":"tea"}`)},
		{Key: "p2", Data: []byte(`{"id":"p2","name":"coffee"}`)},
	})
	tampered := transfer.NewBatch("products", []dataset.Record{
		{Key: "p1", Data: []byte(`{"id":"p1","name":"tea"}`)},
	})
	tampered.Records[0].Data = []byte(`{"id":"p1","name":"poison"}`)

	tests := []struct {
		name       string
		path       string
		body       any
		raw        []byte
		wantStatus int
		wantStored int64
	}{
		{name: "valid batch", path: "/tables/products/records", body: valid, wantStatus: http.StatusOK, wantStored: 2},
		{name: "checksum mismatch", path: "/tables/products/records", body: tampered, wantStatus: http.StatusUnprocessableEntity},
		{name: "manifest for another table", path: "/tables/orders/records", body: valid, wantStatus: http.StatusBadRequest},
		{name: "malformed body", path: "/tables/products/records", raw: []byte("{"), wantStatus: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t)

			body := tt.raw
			if tt.body != nil {
				var err error
				body, err = json.Marshal(tt.body)
				require.NoError(t, err)
			}

			rr := f.do(t, http.MethodPost, tt.path, body, true)
			require.Equal(t, tt.wantStatus, rr.Code, rr.Body.String())

			m, err := f.ds.Manifest(t.Context(), "products")
			require.NoError(t, err)
			assert.Equal(t, tt.wantStored, m.RecordCount)

			if tt.wantStatus == http.StatusOK {
				var result dataset.ApplyResult
				require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &result))
				assert.Equal(t, int64(2), result.Inserted)
			}
		})
	}
}

func TestRouter_SnapshotRoundTrip(t *testing.T) {
	t.Parallel()
	src := newFixture(t)

	for _, compress := range []bool{false, true} {
		rr := src.do(t, http.MethodGet, "/snapshot?scope=orders&compress="+strconv.FormatBool(compress), nil, true)
		require.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, transfer.ContentTypeSnapshot, rr.Header().Get("Content-Type"))
		assert.Equal(t, compress, transfer.IsCompressed(rr.Body.Bytes()))
		if compress {
			assert.Equal(t, transfer.CompressionZstd, rr.Header().Get(transfer.HeaderCompression))
		}

		dst := newEmptyFixture(t)
		require.NoError(t, dst.ds.Put("orders", "2", map[string]any{"id": 2, "total": 20}))

		rr = dst.do(t, http.MethodPost, "/snapshot", rr.Body.Bytes(), true)
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

		var result dataset.ApplyResult
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &result))
		assert.Equal(t, int64(2), result.Inserted)
		assert.Equal(t, int64(1), result.Unchanged)

		mSrc, err := src.ds.Manifest(t.Context(), "orders")
		require.NoError(t, err)
		mDst, err := dst.ds.Manifest(t.Context(), "orders")
		require.NoError(t, err)
		assert.True(t, mSrc.Matches(mDst))
	}
}

func TestRouter_RestoreRejectsGarbage(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	rr := f.do(t, http.MethodPost, "/snapshot", []byte("garbage"), true)
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
}
