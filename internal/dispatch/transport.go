package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/dreamware/buddymirror/internal/cluster"
)

// Transport performs one request/response exchange with a node. It returns
// a *PeerError when the peer answered with a non-success result and any other
// error when the peer could not be reached or the exchange broke off.
type Transport interface {
	Call(ctx context.Context, node cluster.NodeInfo, target cluster.TargetID, msgType string, req, resp any) error
}

// PeerError is a non-success result reported by the remote side.
type PeerError struct {
	Code    cluster.Code
	Message string
}

func (e *PeerError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("peer returned %s", e.Code)
	}
	return fmt.Sprintf("peer returned %s: %s", e.Code, e.Message)
}

// Unwrap lets errors.Is match the sentinel behind the code.
func (e *PeerError) Unwrap() error { return e.Code.Err() }

// Envelope is the request body of a message.
type Envelope struct {
	Target  cluster.TargetID `json:"target,omitempty"`
	Payload json.RawMessage  `json:"payload,omitempty"`
}

// Reply is the response body of a message. Peers always answer 200 with a
// Reply; HTTP-level errors mean the message was not processed.
type Reply struct {
	Code    cluster.Code    `json:"code"`
	Message string          `json:"message,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewReply builds the reply for a handler result. A nil err yields SUCCESS
// carrying payload.
func NewReply(payload any, err error) Reply {
	if err != nil {
		return Reply{Code: cluster.CodeOf(err), Message: err.Error()}
	}
	r := Reply{Code: cluster.CodeSuccess}
	if payload != nil {
		b, merr := json.Marshal(payload)
		if merr != nil {
			return Reply{Code: cluster.CodeInternal, Message: merr.Error()}
		}
		r.Payload = b
	}
	return r
}

// DecodeEnvelope unmarshals the payload of an incoming message into out.
func DecodeEnvelope(env Envelope, out any) error {
	if len(env.Payload) == 0 || out == nil {
		return nil
	}
	if err := json.Unmarshal(env.Payload, out); err != nil {
		return errors.Wrapf(cluster.ErrInternal, "decode payload: %v", err)
	}
	return nil
}

// MessagePath returns the HTTP path serving a message type.
func MessagePath(msgType string) string {
	return "/msg/" + msgType
}

// HTTPTransport carries messages as JSON over HTTP: POST {addr}/msg/{type}
// with an Envelope, answered by a Reply.
type HTTPTransport struct{}

func (HTTPTransport) Call(ctx context.Context, node cluster.NodeInfo, target cluster.TargetID, msgType string, req, resp any) error {
	env := Envelope{Target: target}
	if req != nil {
		b, err := json.Marshal(req)
		if err != nil {
			return errors.Wrapf(cluster.ErrInternal, "encode %s request: %v", msgType, err)
		}
		env.Payload = b
	}

	url := strings.TrimRight(node.Addr, "/") + MessagePath(msgType)
	var reply Reply
	if err := cluster.PostJSON(ctx, url, env, &reply); err != nil {
		return errors.Wrapf(err, "%s to node %d", msgType, node.ID)
	}
	if reply.Code != cluster.CodeSuccess {
		return &PeerError{Code: reply.Code, Message: reply.Message}
	}
	if resp != nil && len(reply.Payload) > 0 {
		if err := json.Unmarshal(reply.Payload, resp); err != nil {
			return errors.Wrapf(cluster.ErrInternal, "decode %s reply: %v", msgType, err)
		}
	}
	return nil
}

// AdminError converts a failed admin call into a *PeerError when the
// response body is a Reply. Admin endpoints answer non-2xx with a Reply;
// anything else is a communication error.
func AdminError(err error) error {
	if err == nil {
		return nil
	}
	var he *cluster.HTTPError
	if errors.As(err, &he) {
		var r Reply
		if jerr := json.Unmarshal([]byte(he.Body), &r); jerr == nil && r.Code != "" {
			return &PeerError{Code: r.Code, Message: r.Message}
		}
	}
	return errors.Wrapf(cluster.ErrCommunication, "%v", err)
}
