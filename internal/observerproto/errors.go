package observerproto

const (
	ErrProtoBadRequest   = "E_PROTO_BAD_REQUEST"
	ErrInvalidParams     = "E_INVALID_PARAMS"
	ErrWorkerUnavailable = "E_WORKER_UNAVAILABLE"
	ErrReconcileMismatch = "E_RECONCILE_MISMATCH"
	ErrInternal          = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrProtoBadRequest:   {},
	ErrInvalidParams:     {},
	ErrWorkerUnavailable: {},
	ErrReconcileMismatch: {},
	ErrInternal:          {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}
