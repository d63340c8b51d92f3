package ceremony

import "github.com/louisbranch/passkeys.space/internal/platform/token"

// StepUpGate checks the one-time reauthentication token guarding sensitive
// mutations. Every check consumes the stored token, so a token passes the
// gate at most once and a failed attempt burns whatever was stored.
type StepUpGate struct {
	scope string
}

// NewStepUpGate builds a gate for the default identity scope.
func NewStepUpGate() *StepUpGate {
	return &StepUpGate{scope: DefaultScope}
}

// WithScope overrides the session key scope.
func (g *StepUpGate) WithScope(scope string) *StepUpGate {
	g.scope = scope
	return g
}

// Verify consumes the stored reauthentication token and compares it against
// the supplied one in constant time. A missing stored token, a missing
// supplied token, or any mismatch all answer false the same way.
func (g *StepUpGate) Verify(sess Session, supplied string) bool {
	stored, ok := NewChallengeStore(sess).Consume(ReauthenticationTokenKey(g.scope))
	if !ok {
		return false
	}
	return token.SecureCompare(stored, supplied)
}
