package entity

type ModelState string

const (
	ModelStateNotLoaded ModelState = "NOT_LOADED"
	ModelStateLoading   ModelState = "LOADING"
	ModelStateReady     ModelState = "READY"
	ModelStateError     ModelState = "ERROR"
)

// ModelStatus is the process-wide model availability value published by the
// model service. Error is set only in the ERROR state.
type ModelStatus struct {
	State ModelState `json:"state"`
	Error string     `json:"error,omitempty"`
}

func (s ModelStatus) Ready() bool {
	return s.State == ModelStateReady
}
