package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
)

// TargetID identifies a storage or metadata target. Zero is reserved.
type TargetID uint16

// NodeID identifies a server node hosting one or more targets. Zero is reserved.
type NodeID uint16

// GroupID identifies a buddy mirror group. Zero is reserved.
type GroupID uint16

func (t TargetID) String() string { return strconv.FormatUint(uint64(t), 10) }
func (n NodeID) String() string   { return strconv.FormatUint(uint64(n), 10) }
func (g GroupID) String() string  { return strconv.FormatUint(uint64(g), 10) }

// ParseTargetID parses a decimal target ID, rejecting zero and out-of-range values.
func ParseTargetID(s string) (TargetID, error) {
	v, err := parseID(s)
	return TargetID(v), err
}

// ParseGroupID parses a decimal group ID, rejecting zero and out-of-range values.
func ParseGroupID(s string) (GroupID, error) {
	v, err := parseID(s)
	return GroupID(v), err
}

// ParseNodeID parses a decimal node ID, rejecting zero and out-of-range values.
func ParseNodeID(s string) (NodeID, error) {
	v, err := parseID(s)
	return NodeID(v), err
}

func parseID(s string) (uint16, error) {
	v, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, errors.Wrapf(ErrInvalidID, "parse %q", s)
	}
	if v == 0 {
		return 0, errors.Wrap(ErrInvalidID, "id 0 is reserved")
	}
	return uint16(v), nil
}

type NodeInfo struct {
	ID   NodeID `json:"id"`
	Addr string `json:"addr"`
}

// RegisterRequest announces a node and the targets it hosts to the management daemon.
type RegisterRequest struct {
	Node    NodeInfo   `json:"node"`
	Targets []TargetID `json:"targets,omitempty"`
}

// HTTPError is returned by PostJSON/GetJSON for non-2xx responses.
type HTTPError struct {
	URL        string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("http %s: %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("http %s: %d: %s", e.URL, e.StatusCode, e.Body)
}

var httpClient = &http.Client{Timeout: 30 * time.Second}

func PostJSON(ctx context.Context, url string, body any, out any) error {
	reqBody, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return do(req, out)
}

func GetJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	return do(req, out)
}

func do(req *http.Request, out any) error {
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		var buf bytes.Buffer
		_, _ = buf.ReadFrom(io.LimitReader(resp.Body, 4096))
		return &HTTPError{URL: req.URL.String(), StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(buf.Bytes()))}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
