package httpapi

import "net/http"

// Stripe billing is an explicit Non-goal: spec.md §1 names it as an
// external collaborator whose contract is limited to the routes below,
// not an integration this service implements. Both routes exist so the
// §6 surface is complete and so a real Stripe client can be dropped in
// behind them later without a routing change; until then they report
// that no Stripe account is configured rather than pretending to proxy
// a billing provider that was never wired up.
func (s *Server) handleStripeProxy(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusNotImplemented, "not_implemented", "Stripe billing integration is not configured")
}

func (s *Server) handleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusNotImplemented, "not_implemented", "Stripe billing integration is not configured")
}
