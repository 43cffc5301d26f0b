package session

import "errors"

var (
	// ErrProtocol is a malformed or out of order signaling message,
	// the message is rejected and the connection stays.
	ErrProtocol = errors.New("protocol error")
	// ErrAcquisition is a failed browser launch, process spawn or negotiation,
	// the session is rolled back.
	ErrAcquisition = errors.New("resource acquisition error")
	// ErrPipeline is an unexpected end of the transcoder, the session is torn down.
	ErrPipeline = errors.New("pipeline error")
	// ErrBestEffort is a failed ICE candidate or input event.
	ErrBestEffort = errors.New("best effort failure")

	ErrClosed = errors.New("session manager is closed")
)

func kind(err error) string {
	switch {
	case errors.Is(err, ErrProtocol):
		return "protocol"
	case errors.Is(err, ErrAcquisition):
		return "acquisition"
	case errors.Is(err, ErrPipeline):
		return "pipeline"
	case errors.Is(err, ErrBestEffort):
		return "best_effort"
	}
	return "other"
}
