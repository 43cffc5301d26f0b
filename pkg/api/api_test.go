package api

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/pion/webrtc/v4"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		in   string
		want MessageType
		err  bool
	}{
		{in: `{"type":"offer","sdp":"x"}`, want: Offer},
		{in: `{"type":"candidate","candidate":{"candidate":"c"}}`, want: Candidate},
		{in: `{"type":"icecandidate","candidate":{"candidate":"c"}}`, want: Candidate},
		{in: `{"type":"interaction"}`, want: Interaction},
		{in: `{"sdp":"x"}`, err: true},
		{in: `not a json`, err: true},
	}
	for _, test := range tests {
		got, err := Decode([]byte(test.in))
		if test.err {
			if !errors.Is(err, ErrMalformed) {
				t.Errorf("%s: expected malformed error, got %v", test.in, err)
			}
			continue
		}
		if err != nil || got != test.want {
			t.Errorf("%s: got %v, %v, want %v", test.in, got, err, test.want)
		}
	}
}

func TestOfferTarget(t *testing.T) {
	o, err := Unwrap[OfferRequest]([]byte(`{"type":"offer","sdp":"s","pointCloudUrl":"http://a/b"}`))
	if err != nil {
		t.Fatal(err)
	}
	if o.Target() != "http://a/b" {
		t.Errorf("alias target is not used: %v", o.Target())
	}
	o, _ = Unwrap[OfferRequest]([]byte(`{"sdp":"s","targetUrl":"http://x","pointCloudUrl":"http://a/b"}`))
	if o.Target() != "http://x" {
		t.Errorf("targetUrl should win: %v", o.Target())
	}
}

func TestInteraction(t *testing.T) {
	r, err := Unwrap[InteractionRequest]([]byte(`{"type":"interaction","eventType":"move","eventData":[10,20.5]}`))
	if err != nil {
		t.Fatal(err)
	}
	if r.EventType != "move" || len(r.EventData) != 2 || r.EventData[1].(float64) != 20.5 {
		t.Errorf("bad interaction %+v", r)
	}
}

func TestAnswerMessage(t *testing.T) {
	data, err := AnswerMessage(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0"})
	if err != nil {
		t.Fatal(err)
	}
	var m map[string]string
	if err = json.Unmarshal(data, &m); err != nil {
		t.Fatal(err)
	}
	if m["type"] != "answer" || m["sdp"] != "v=0" {
		t.Errorf("bad answer %s", data)
	}
}

func TestCandidateOut(t *testing.T) {
	mid := "0"
	data, err := CandidateOut(webrtc.ICECandidateInit{Candidate: "candidate:1", SDPMid: &mid})
	if err != nil {
		t.Fatal(err)
	}
	typ, err := Decode(data)
	if err != nil || typ != Candidate {
		t.Fatalf("bad type %v %v", typ, err)
	}
	c, err := Unwrap[CandidateMessage](data)
	if err != nil || c.Candidate == nil || c.Candidate.Candidate != "candidate:1" {
		t.Errorf("bad candidate %s", data)
	}
}
