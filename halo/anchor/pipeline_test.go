package anchor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"

	"halo-indexer/halo/archive"
	"halo-indexer/halo/batch"
	"halo-indexer/halo/ipfs"
	"halo-indexer/halo/types"
)

func testManifest() batch.Manifest {
	leaves := []types.BatchLeaf{
		{Code: "LAS#00000001", ContentHash: types.ContentHash("a")},
		{Code: "LAS#00000002", ContentHash: types.ContentHash("b")},
	}
	return batch.Manifest{
		Version:     types.Version1,
		BatchNumber: 7,
		BatchCode:   "LASB#00000007",
		MerkleRoot:  batch.MerkleRoot(leaves),
		Leaves:      leaves,
		SealedAt:    1000,
	}
}

func TestPipeline_JournalPinSubmit(t *testing.T) {
	var got Request
	svc := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(Response{TxID: "tx1", BlockHeight: 42})
	}))
	t.Cleanup(svc.Close)
	node := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"Name":"m","Hash":"bafy_m"}`))
	}))
	t.Cleanup(node.Close)

	dir := filepath.Join(t.TempDir(), "manifests")
	p := &Pipeline{
		Journal: archive.New(dir),
		Pinner:  ipfs.New(node.URL + "/api/v0"),
		Service: NewClient(svc.URL),
	}
	m := testManifest()
	res, err := p.Anchor(context.Background(), m)
	if err != nil {
		t.Fatalf("Anchor: %v", err)
	}
	if res.IPFSHash != "bafy_m" || res.TxID != "tx1" || res.BlockHeight != 42 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if got.BatchCode != m.BatchCode || got.MerkleRoot != m.MerkleRoot || got.IPFSHash != "bafy_m" {
		t.Fatalf("unexpected request: %+v", got)
	}
	if len(got.PostCodes) != 2 || got.PostCodes[1] != "LAS#00000002" {
		t.Fatalf("unexpected post codes: %v", got.PostCodes)
	}

	var saved batch.Manifest
	if err := archive.New(dir).Load(m.BatchCode, &saved); err != nil {
		t.Fatalf("journal Load: %v", err)
	}
	if saved.MerkleRoot != m.MerkleRoot || len(saved.Leaves) != 2 {
		t.Fatalf("journal mismatch: %+v", saved)
	}
}

type failingPinner struct{}

func (failingPinner) PutJSON(context.Context, string, any) (string, error) {
	return "", errors.New("node down")
}

func TestPipeline_PinFailureStopsBeforeSubmit(t *testing.T) {
	var called atomic.Bool
	svc := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called.Store(true)
	}))
	t.Cleanup(svc.Close)

	p := &Pipeline{Pinner: failingPinner{}, Service: NewClient(svc.URL)}
	if _, err := p.Anchor(context.Background(), testManifest()); err == nil {
		t.Fatalf("expected pin error")
	}
	if called.Load() {
		t.Fatalf("service should not be called after pin failure")
	}
}

func TestPipeline_NoService(t *testing.T) {
	p := &Pipeline{}
	if _, err := p.Anchor(context.Background(), testManifest()); !errors.Is(err, ErrNoService) {
		t.Fatalf("expected ErrNoService, got %v", err)
	}
}

func TestClient_ErrorStatusAndUnconfirmed(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusBadGateway)
	svc := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if code := int(status.Load()); code != http.StatusOK {
			w.WriteHeader(code)
			_, _ = w.Write([]byte("node offline"))
			return
		}
		_, _ = w.Write([]byte(`{"txId":"tx9","blockHeight":0}`))
	}))
	t.Cleanup(svc.Close)

	c := NewClient(svc.URL)
	if _, err := c.Submit(context.Background(), Request{BatchCode: "LASB#1"}); err == nil {
		t.Fatalf("expected error for 502")
	}
	status.Store(http.StatusOK)
	out, err := c.Submit(context.Background(), Request{BatchCode: "LASB#1"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if out.TxID != "tx9" || out.BlockHeight != 0 {
		t.Fatalf("unexpected response: %+v", out)
	}
}
