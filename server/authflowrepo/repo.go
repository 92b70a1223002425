package authflowrepo

import "time"

// FlowKind distinguishes an interactive login from a silent (prompt=none) renewal
type FlowKind string

const (
	FlowLogin  FlowKind = "login"
	FlowSilent FlowKind = "silent"
)

// AuthFlowState is the data kept for one in-flight redirect round trip, keyed by state
type AuthFlowState struct {
	Kind         FlowKind
	CodeVerifier string
	Nonce        string
	CreatedAt    time.Time
}

type Repo interface {
	Upsert(state string, authState *AuthFlowState) error
	Get(state string) (*AuthFlowState, error)
	// Take returns the state and removes it in one step
	Take(state string) (*AuthFlowState, error)
	Delete(state string) error
	DeleteExpired(before time.Time) (int, error)
}
