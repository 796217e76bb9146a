package sync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ChangesRequest asks a peer for changes on shardID since fromExclusive.
type ChangesRequest struct {
	ShardID       string `json:"shard_id"`
	FromExclusive int64  `json:"from_exclusive"`
}

// ChangesResponse carries a peer's delta payload (already wire-encoded by
// the pkg/delta codec) plus its own latest_change_id for convergence checks.
type ChangesResponse struct {
	DeltaPayload    []byte `json:"delta_payload"`
	LatestChangeID  int64  `json:"latest_change_id"`
}

// PushRequest ships local changes (already delta-encoded) to a peer.
type PushRequest struct {
	ShardID      string `json:"shard_id"`
	DeltaPayload []byte `json:"delta_payload"`
}

// Transport is the sync engine's view of a reliable bidirectional channel to
// one peer. Implementations may be HTTP, gRPC, or an in-process fake for
// tests; the sync session logic is agnostic to the wire protocol.
type Transport interface {
	FetchChanges(ctx context.Context, peerAddr string, req ChangesRequest) (ChangesResponse, error)
	PushChanges(ctx context.Context, peerAddr string, req PushRequest) error
	Ping(ctx context.Context, peerAddr string) error
}

// HTTPTransport is the default Transport, speaking JSON over plain HTTP(S).
// Peers expose POST /changes, POST /push, and GET /ping.
type HTTPTransport struct {
	Client *http.Client
}

// NewHTTPTransport returns an HTTPTransport with a bounded per-request timeout.
func NewHTTPTransport(timeout time.Duration) *HTTPTransport {
	return &HTTPTransport{Client: &http.Client{Timeout: timeout}}
}

func (t *HTTPTransport) FetchChanges(ctx context.Context, peerAddr string, req ChangesRequest) (ChangesResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return ChangesResponse{}, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, peerAddr+"/changes", bytes.NewReader(body))
	if err != nil {
		return ChangesResponse{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := t.Client.Do(httpReq)
	if err != nil {
		return ChangesResponse{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return ChangesResponse{}, fmt.Errorf("sync: peer %s returned status %d", peerAddr, resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return ChangesResponse{}, err
	}
	var out ChangesResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return ChangesResponse{}, err
	}
	return out, nil
}

func (t *HTTPTransport) PushChanges(ctx context.Context, peerAddr string, req PushRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, peerAddr+"/push", bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := t.Client.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("sync: peer %s returned status %d", peerAddr, resp.StatusCode)
	}
	return nil
}

func (t *HTTPTransport) Ping(ctx context.Context, peerAddr string) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, peerAddr+"/ping", nil)
	if err != nil {
		return err
	}
	resp, err := t.Client.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("sync: peer %s ping returned status %d", peerAddr, resp.StatusCode)
	}
	return nil
}
