// Package api defines the signaling protocol between a viewer and the relay.
//
// Each message is a flat JSON object with a mandatory type field and
// a set of the type-specific fields:
//
//	offer       - {"type":"offer","sdp":"v=0...","targetUrl":"http://..."}          viewer -> relay
//	answer      - {"type":"answer","sdp":"v=0..."}                                   relay -> viewer
//	candidate   - {"type":"candidate","candidate":{"candidate":"...","sdpMid":"0"}} both
//	interaction - {"type":"interaction","eventType":"move","eventData":[10,20]}     viewer -> relay
//
// The viewer side may use "icecandidate" as an alias of the candidate type
// and "pointCloudUrl" as an alias of the targetUrl field.
package api

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"
)

type MessageType string

const (
	Offer        MessageType = "offer"
	Answer       MessageType = "answer"
	Candidate    MessageType = "candidate"
	IceCandidate MessageType = "icecandidate"
	Interaction  MessageType = "interaction"
)

var ErrMalformed = errors.New("malformed message")

// In is the first pass of decoding, it reads only the type.
type In struct {
	T MessageType `json:"type"`
}

type OfferRequest struct {
	Sdp           string `json:"sdp"`
	TargetUrl     string `json:"targetUrl,omitempty"`
	PointCloudUrl string `json:"pointCloudUrl,omitempty"`
}

// Target returns the requested target URL.
func (o OfferRequest) Target() string {
	if o.TargetUrl != "" {
		return o.TargetUrl
	}
	return o.PointCloudUrl
}

type CandidateMessage struct {
	T         MessageType              `json:"type"`
	Candidate *webrtc.ICECandidateInit `json:"candidate"`
}

type InteractionRequest struct {
	EventType string `json:"eventType"`
	EventData []any  `json:"eventData"`
}

// Decode reads the type of the message.
func Decode(data []byte) (MessageType, error) {
	var in In
	if err := json.Unmarshal(data, &in); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if in.T == "" {
		return "", fmt.Errorf("%w: no type", ErrMalformed)
	}
	if in.T == IceCandidate {
		in.T = Candidate
	}
	return in.T, nil
}

// Unwrap decodes the message into the specified type.
func Unwrap[T any](data []byte) (*T, error) {
	out := new(T)
	if err := json.Unmarshal(data, out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return out, nil
}

// AnswerMessage encodes the full local description,
// it has the answer type and the SDP.
func AnswerMessage(sd webrtc.SessionDescription) ([]byte, error) { return json.Marshal(sd) }

// CandidateOut encodes a local ICE candidate.
func CandidateOut(c webrtc.ICECandidateInit) ([]byte, error) {
	return json.Marshal(CandidateMessage{T: Candidate, Candidate: &c})
}
