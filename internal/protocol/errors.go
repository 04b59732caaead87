package protocol

const (
	ErrProtoBadRequest = "E_PROTO_BAD_REQUEST"
	ErrBadRequest      = "E_BAD_REQUEST"
	ErrTooManyChunks   = "E_TOO_MANY_CHUNKS"
	ErrRateLimit       = "E_RATE_LIMIT"
	ErrShuttingDown    = "E_SHUTTING_DOWN"
	ErrInternal        = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrProtoBadRequest: {},
	ErrBadRequest:      {},
	ErrTooManyChunks:   {},
	ErrRateLimit:       {},
	ErrShuttingDown:    {},
	ErrInternal:        {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}
