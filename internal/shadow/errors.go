package shadow

import "codeberg.org/mutker/shadowmon/internal/errors"

const (
	ErrConnectFailure     = errors.ErrConnectFailure
	ErrNotConnected       = errors.ErrNotConnected
	ErrSubmissionFailed   = errors.ErrSubmissionFailed
	ErrSubmissionRejected = errors.ErrSubmissionRejected
	ErrSubmissionTimeout  = errors.ErrSubmissionTimeout
	ErrInvalidPayload     = errors.ErrInvalidShadowPayload

	ErrSessionClosed   = errors.ErrorCode("shadow_session_closed")
	ErrTLSConfig       = errors.ErrorCode("shadow_tls_config_failed")
	ErrSigningFailed   = errors.ErrorCode("shadow_websocket_signing_failed")
	ErrSubscribeFailed = errors.ErrorCode("shadow_subscribe_failed")
)

// Err converts a non-accepted outcome into a coded error.
func (o Outcome) Err() error {
	errFactory := errors.New()

	switch o.Status {
	case StatusAccepted:
		return nil
	case StatusRejected:
		return errFactory.WithData(ErrSubmissionRejected, struct {
			Operation Operation
			Token     string
			Code      int
			Message   string
		}{o.Operation, o.Token, o.Code, o.Message})
	default:
		return errFactory.WithData(ErrSubmissionTimeout, struct {
			Operation Operation
			Token     string
		}{o.Operation, o.Token})
	}
}
