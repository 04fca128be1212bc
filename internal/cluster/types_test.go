package cluster

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestParseIDs verifies that zero and out-of-range IDs are rejected.
func TestParseIDs(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    uint16
		wantErr bool
	}{
		{name: "valid", in: "17", want: 17},
		{name: "max", in: "65535", want: 65535},
		{name: "zero reserved", in: "0", wantErr: true},
		{name: "overflow", in: "65536", wantErr: true},
		{name: "garbage", in: "abc", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target, err := ParseTargetID(tt.in)
			group, gerr := ParseGroupID(tt.in)
			node, nerr := ParseNodeID(tt.in)
			if tt.wantErr {
				assert.True(t, errors.Is(err, ErrInvalidID))
				assert.True(t, errors.Is(gerr, ErrInvalidID))
				assert.True(t, errors.Is(nerr, ErrInvalidID))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, TargetID(tt.want), target)
			assert.Equal(t, GroupID(tt.want), group)
			assert.Equal(t, NodeID(tt.want), node)
		})
	}
}

// TestCodeRoundTrip verifies that every sentinel survives error -> code -> error.
func TestCodeRoundTrip(t *testing.T) {
	for _, ce := range codeErrs {
		t.Run(string(ce.code), func(t *testing.T) {
			wrapped := errors.Wrap(ce.err, "context")
			assert.Equal(t, ce.code, CodeOf(wrapped))
			assert.True(t, errors.Is(ce.code.Err(), ce.err))
		})
	}

	assert.Equal(t, CodeSuccess, CodeOf(nil))
	assert.NoError(t, CodeSuccess.Err())
	assert.Equal(t, CodeInternal, CodeOf(errors.New("something else")))
	assert.True(t, errors.Is(Code("BOGUS").Err(), ErrInternal))
}

// TestCodeUnmarshalNormalizesCase verifies lower-case codes from older peers are accepted.
func TestCodeUnmarshalNormalizesCase(t *testing.T) {
	var out struct {
		Code Code `json:"code"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"code":"not_empty"}`), &out))
	assert.Equal(t, CodeNotEmpty, out.Code)
}

// TestPostJSON tests the PostJSON helper against a test server.
func TestPostJSON(t *testing.T) {
	t.Run("successful post with response", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

			var req RegisterRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, NodeID(3), req.Node.ID)
			assert.Equal(t, []TargetID{301, 302}, req.Targets)

			_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
		}))
		defer srv.Close()

		var out map[string]string
		err := PostJSON(context.Background(), srv.URL, RegisterRequest{
			Node:    NodeInfo{ID: 3, Addr: "http://localhost:9003"},
			Targets: []TargetID{301, 302},
		}, &out)
		require.NoError(t, err)
		assert.Equal(t, "ok", out["status"])
	})

	t.Run("error status returns HTTPError", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "boom", http.StatusInternalServerError)
		}))
		defer srv.Close()

		err := PostJSON(context.Background(), srv.URL, struct{}{}, nil)
		var httpErr *HTTPError
		require.True(t, errors.As(err, &httpErr))
		assert.Equal(t, http.StatusInternalServerError, httpErr.StatusCode)
		assert.Equal(t, "boom", httpErr.Body)
	})

	t.Run("unreachable server", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		url := srv.URL
		srv.Close()

		err := PostJSON(context.Background(), url, struct{}{}, nil)
		require.Error(t, err)
		var httpErr *HTTPError
		assert.False(t, errors.As(err, &httpErr))
	})
}

// TestGetJSON tests the GetJSON helper.
func TestGetJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		_ = json.NewEncoder(w).Encode([]NodeInfo{{ID: 1, Addr: "a"}, {ID: 2, Addr: "b"}})
	}))
	defer srv.Close()

	var nodes []NodeInfo
	require.NoError(t, GetJSON(context.Background(), srv.URL, &nodes))
	assert.Len(t, nodes, 2)
	assert.Equal(t, NodeID(2), nodes[1].ID)
}

// TestTargetMap tests mapping, lookup and listing of targets.
func TestTargetMap(t *testing.T) {
	m := NewTargetMap()

	assert.False(t, m.Map(0, 1), "target 0 is reserved")
	assert.False(t, m.Map(1, 0), "node 0 is reserved")

	assert.True(t, m.Map(102, 1))
	assert.True(t, m.Map(101, 1))
	assert.True(t, m.Map(201, 2))

	node, ok := m.NodeOf(101)
	assert.True(t, ok)
	assert.Equal(t, NodeID(1), node)

	_, ok = m.NodeOf(999)
	assert.False(t, ok)

	assert.Equal(t, []TargetID{101, 102}, m.TargetsOf(1))
	assert.Len(t, m.All(), 3)

	assert.True(t, m.Unmap(102))
	assert.False(t, m.Unmap(102))
	assert.Equal(t, []TargetID{101}, m.TargetsOf(1))
}

// TestNodeStore tests upsert semantics of the node store.
func TestNodeStore(t *testing.T) {
	s := NewNodeStore()

	assert.True(t, s.Upsert(NodeInfo{ID: 1, Addr: "http://a"}))
	assert.False(t, s.Upsert(NodeInfo{ID: 1, Addr: "http://a2"}))
	assert.True(t, s.Upsert(NodeInfo{ID: 2, Addr: "http://b"}))

	n, ok := s.Node(1)
	require.True(t, ok)
	assert.Equal(t, "http://a2", n.Addr)

	_, ok = s.Node(3)
	assert.False(t, ok)
	assert.Len(t, s.All(), 2)
}

func TestCodeHTTPStatus(t *testing.T) {
	tests := []struct {
		code Code
		want int
	}{
		{CodeSuccess, http.StatusOK},
		{CodeInvalidID, http.StatusBadRequest},
		{CodeNotFound, http.StatusNotFound},
		{CodeNotEmpty, http.StatusConflict},
		{CodeAlreadyRunning, http.StatusConflict},
		{CodeCommunication, http.StatusBadGateway},
		{CodeInternal, http.StatusInternalServerError},
		{Code("BOGUS"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.code.HTTPStatus(), string(tt.code))
	}
}
