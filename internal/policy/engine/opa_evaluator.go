package engine

import (
	"context"
	"fmt"
	"log"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"

	"messenger-courier/internal/policy/repository"
)

const policyQuery = "data.courier.inbound.allow"

// Default Rego policy: admit everything except oversized payloads (64k
// characters is far past any real chat message). Per-session modules stored
// in the policy repository replace it entirely.
const defaultModule = `package courier.inbound

default allow = true

allow = false if {
	count(input.message.text) > 65536
}
`

// OPAEvaluator evaluates inbound message policies using OPA Rego.
type OPAEvaluator struct {
	policyRepo repository.Repository
}

// NewOPAEvaluator returns an OPA-based inbound policy evaluator. policyRepo
// may be nil; then only the built-in policy applies.
func NewOPAEvaluator(policyRepo repository.Repository) *OPAEvaluator {
	return &OPAEvaluator{policyRepo: policyRepo}
}

// HealthCheck verifies that the in-process OPA Rego engine can compile and
// evaluate the built-in policy. Does not call the policy repo or database.
// Returns nil on success.
func (e *OPAEvaluator) HealthCheck(ctx context.Context) error {
	allowed, err := evaluate(ctx, defaultModule, map[string]interface{}{
		"session": map[string]interface{}{"id": ""},
		"message": map[string]interface{}{
			"sender_id": "",
			"text":      "",
			"group":     false,
		},
	})
	if err != nil {
		return err
	}
	if !allowed {
		return fmt.Errorf("built-in policy rejected the empty message")
	}
	return nil
}

// AllowMessage evaluates the session's inbound policy for one message.
// Policy load and evaluation failures admit the message: a broken policy
// must not silence a session.
func (e *OPAEvaluator) AllowMessage(ctx context.Context, sessionID, senderID, text string, group bool) bool {
	module := defaultModule
	if e.policyRepo != nil {
		p, err := e.policyRepo.GetBySession(ctx, sessionID)
		if err != nil {
			log.Printf("policy: failed to load inbound policy for session %s: %v", sessionID, err)
		} else if p != nil && p.Module != "" {
			module = p.Module
		}
	}

	input := map[string]interface{}{
		"session": map[string]interface{}{"id": sessionID},
		"message": map[string]interface{}{
			"sender_id": senderID,
			"text":      text,
			"group":     group,
		},
	}

	allowed, err := evaluate(ctx, module, input)
	if err != nil {
		log.Printf("policy: evaluation failed for session %s: %v, allowing message", sessionID, err)
		return true
	}
	return allowed
}

func evaluate(ctx context.Context, module string, input map[string]interface{}) (bool, error) {
	compiler, err := ast.CompileModules(map[string]string{"inbound.rego": module})
	if err != nil {
		return false, fmt.Errorf("compile policy: %w", err)
	}
	q := rego.New(
		rego.Query(policyQuery),
		rego.Compiler(compiler),
		rego.Input(input),
	)
	rs, err := q.Eval(ctx)
	if err != nil {
		return false, fmt.Errorf("eval policy: %w", err)
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return false, fmt.Errorf("policy query returned no result")
	}
	v, ok := rs[0].Expressions[0].Value.(bool)
	if !ok {
		return false, fmt.Errorf("policy allow is not a boolean")
	}
	return v, nil
}
