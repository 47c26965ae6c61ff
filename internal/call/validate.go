package call

import (
	"strings"

	"github.com/matheus3301/convsync/internal/syncerr"
	"github.com/pion/ice/v4"
	"github.com/pion/webrtc/v4"
)

// ParseKind accepts "audio" or "video"; empty means audio.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindAudio, "":
		return KindAudio, nil
	case KindVideo:
		return KindVideo, nil
	}
	return "", syncerr.Errorf(syncerr.MalformedPayload, "call.kind", "unknown call kind %q", s)
}

// ValidateSDP checks that sdp parses as a session description.
func ValidateSDP(typ webrtc.SDPType, sdp string) error {
	desc := webrtc.SessionDescription{Type: typ, SDP: sdp}
	if _, err := desc.Unmarshal(); err != nil {
		return syncerr.New(syncerr.MalformedPayload, "call.sdp_"+typ.String(), err)
	}
	return nil
}

// ValidateCandidate checks an ICE candidate line. An empty candidate is
// the end-of-candidates marker and is accepted.
func ValidateCandidate(c webrtc.ICECandidateInit) error {
	if c.Candidate == "" {
		return nil
	}
	if _, err := ice.UnmarshalCandidate(strings.TrimPrefix(c.Candidate, "candidate:")); err != nil {
		return syncerr.New(syncerr.MalformedPayload, "call.candidate", err)
	}
	return nil
}
