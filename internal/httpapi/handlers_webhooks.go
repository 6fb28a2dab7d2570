package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/portdaddy/portd/internal/webhooks"
)

func (s *Server) handleWebhookSubscribe(w http.ResponseWriter, r *http.Request, body []byte) {
	var req struct {
		URL      string          `json:"url"`
		Events   []string        `json:"events"`
		Secret   string          `json:"secret"`
		Filter   string          `json:"filter"`
		Metadata json.RawMessage `json:"metadata"`
	}
	if err := decodeJSON(body, &req); err != nil {
		writeError(w, err)
		return
	}
	sub, err := s.Webhooks.Subscribe(r.Context(), webhooks.SubscribeRequest{
		URL: req.URL, Events: req.Events, Secret: req.Secret, Filter: req.Filter, Metadata: req.Metadata,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (s *Server) handleWebhookGet(w http.ResponseWriter, r *http.Request, body []byte) {
	var req struct {
		ID string `json:"id"`
	}
	if err := decodeJSON(body, &req); err != nil {
		writeError(w, err)
		return
	}
	sub, err := s.Webhooks.Get(r.Context(), req.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (s *Server) handleWebhookList(w http.ResponseWriter, r *http.Request, body []byte) {
	var req struct {
		ActiveOnly bool `json:"activeOnly"`
	}
	if err := decodeJSON(body, &req); err != nil {
		writeError(w, err)
		return
	}
	out, err := s.Webhooks.List(r.Context(), req.ActiveOnly)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"subscriptions": out})
}

func (s *Server) handleWebhookUpdate(w http.ResponseWriter, r *http.Request, body []byte) {
	var req struct {
		ID     string   `json:"id"`
		URL    string   `json:"url"`
		Events []string `json:"events"`
		Secret *string  `json:"secret"`
		Filter *string  `json:"filter"`
		Active *bool    `json:"active"`
	}
	if err := decodeJSON(body, &req); err != nil {
		writeError(w, err)
		return
	}
	err := s.Webhooks.Update(r.Context(), req.ID, webhooks.UpdateRequest{
		URL: req.URL, Events: req.Events, Secret: req.Secret, Filter: req.Filter, Active: req.Active,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleWebhookDelete(w http.ResponseWriter, r *http.Request, body []byte) {
	var req struct {
		ID string `json:"id"`
	}
	if err := decodeJSON(body, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.Webhooks.Delete(r.Context(), req.ID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleWebhookDeliveries(w http.ResponseWriter, r *http.Request, body []byte) {
	var req struct {
		SubscriptionID string `json:"subscriptionId"`
		Limit          int    `json:"limit"`
	}
	if err := decodeJSON(body, &req); err != nil {
		writeError(w, err)
		return
	}
	out, err := s.Webhooks.ListDeliveries(r.Context(), req.SubscriptionID, req.Limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deliveries": out})
}

func (s *Server) handleWebhookTest(w http.ResponseWriter, r *http.Request, body []byte) {
	var req struct {
		SubscriptionID string `json:"subscriptionId"`
	}
	if err := decodeJSON(body, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.Webhooks.Test(r.Context(), req.SubscriptionID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
