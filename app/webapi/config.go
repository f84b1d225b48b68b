package webapi

import (
	"fmt"
	"log"
	"net/http"
	"os"

	"github.com/go-pkgz/rest"

	"github.com/umputun/classy/app/policy"
)

// getPolicyHandler handles GET /policy request, returns thresholds and minimums in effect
func (s *Server) getPolicyHandler(w http.ResponseWriter, _ *http.Request) {
	rest.RenderJSON(w, policy.Current(s.Classifier))
}

// updatePolicyHandler handles PUT /policy request.
// It replaces the policy with the one from the body, saves it to the policy file if set and drops cached decisions.
// Invalid policy is rejected as a whole, nothing applied.
func (s *Server) updatePolicyHandler(w http.ResponseWriter, r *http.Request) {
	p, err := policy.Load(r.Body)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		rest.RenderJSON(w, rest.JSON{"error": "invalid policy", "details": err.Error()})
		log.Printf("[WARN] rejected policy update: %v", err)
		return
	}

	s.policyLock.Lock()
	defer s.policyLock.Unlock()

	s.applyPolicy(p)
	if s.PolicyFile != "" {
		if err := savePolicyFile(s.PolicyFile, policy.Current(s.Classifier)); err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			rest.RenderJSON(w, rest.JSON{"error": "policy applied but not saved", "details": err.Error()})
			log.Printf("[ERROR] %v", err)
			return
		}
	}
	rest.RenderJSON(w, policy.Current(s.Classifier))
}

// ApplyPolicy sets the policy on the classifier and drops cached decisions made with the previous one
func (s *Server) ApplyPolicy(p *policy.Policy) {
	s.policyLock.Lock()
	defer s.policyLock.Unlock()
	s.applyPolicy(p)
}

func (s *Server) applyPolicy(p *policy.Policy) {
	p.Apply(s.Classifier)
	s.purgeCache()
	log.Printf("[INFO] policy updated, thresholds: %v, minimums: %v", p.Thresholds, p.Minimums)
}

func savePolicyFile(path string, p *policy.Policy) error {
	fh, err := os.Create(path) //nolint gosec // path is controlled by the app
	if err != nil {
		return fmt.Errorf("failed to create policy file %s: %w", path, err)
	}
	if err := p.Save(fh); err != nil {
		_ = fh.Close()
		return fmt.Errorf("failed to save policy to %s: %w", path, err)
	}
	if err := fh.Close(); err != nil {
		return fmt.Errorf("failed to close policy file %s: %w", path, err)
	}
	return nil
}
