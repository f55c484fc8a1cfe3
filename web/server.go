// Package web is the local REST surface: the same logical operations as the
// nostr side, exposed to the operator over loopback. Handlers only decode,
// call and encode.
package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"satchel/engine/library"
	"satchel/federation"
	"satchel/fedimint"
	"satchel/nwc"
	"satchel/payments"
	"satchel/policy"
)

type Server struct {
	registry   *federation.Registry
	dispatcher *payments.Dispatcher
	processor  *nwc.Processor
	minter     *nwc.ConnectionMinter
	profiles   *policy.ProfileStore
	adminToken string
}

func NewServer(registry *federation.Registry, dispatcher *payments.Dispatcher, processor *nwc.Processor, minter *nwc.ConnectionMinter, profiles *policy.ProfileStore, adminToken string) *Server {
	return &Server{
		registry:   registry,
		dispatcher: dispatcher,
		processor:  processor,
		minter:     minter,
		profiles:   profiles,
		adminToken: adminToken,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.auth)
		r.Get("/v1/info", s.handleInfo)
		r.Get("/v1/balances", s.handleBalances)
		r.Post("/v1/federations", s.handleJoin)
		r.Delete("/v1/federations/{id}", s.handleLeave)
		r.Post("/v1/pay", s.handlePay)
		r.Post("/v1/invoice", s.handleInvoice)
		r.Get("/v1/pending", s.handlePendingList)
		r.Post("/v1/pending/{eventID}/approve", s.handleApprove)
		r.Post("/v1/pending/{eventID}/deny", s.handleDeny)
		r.Get("/v1/profiles", s.handleProfileList)
		r.Post("/v1/profiles", s.handleProfileCreate)
	})
	return r
}

func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if s.adminToken == "" || token != s.adminToken {
			writeError(w, http.StatusUnauthorized, "invalid admin token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	type fedInfo struct {
		FederationID string            `json:"federation_id"`
		Network      string            `json:"network"`
		Meta         map[string]string `json:"meta,omitempty"`
	}
	var feds []fedInfo
	for _, session := range s.registry.All() {
		feds = append(feds, fedInfo{
			FederationID: session.FederationID(),
			Network:      session.Network(),
			Meta:         session.Meta(),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"pubkey":      s.processor.ServerPubKey(),
		"federations": feds,
	})
}

func (s *Server) handleBalances(w http.ResponseWriter, r *http.Request) {
	balances := s.registry.Balances(r.Context())
	var total int64
	for _, msat := range balances {
		total += msat
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total_msat":  total,
		"federations": balances,
	})
}

func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		InviteCode   string `json:"invite_code"`
		ManualSecret string `json:"manual_secret,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.InviteCode == "" {
		writeError(w, http.StatusBadRequest, "invite_code required")
		return
	}
	id, err := s.registry.Join(r.Context(), req.InviteCode, req.ManualSecret)
	if err != nil {
		if errors.Is(err, federation.ErrInvalidSecret) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"federation_id": id, "prefix": library.PrefixOf(id)})
}

func (s *Server) handleLeave(w http.ResponseWriter, r *http.Request) {
	session, err := s.registry.GetByPrefix(chi.URLParam(r, "id"))
	if err != nil {
		status := http.StatusNotFound
		if errors.Is(err, federation.ErrAmbiguousPrefix) {
			status = http.StatusConflict
		}
		writeError(w, status, err.Error())
		return
	}
	if err := s.registry.Leave(session.FederationID()); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"left": session.FederationID()})
}

// handlePay is the operator pay path: no spending policy, the admin token is
// the authorization. Accepts an invoice, an lnurl or a lightning address.
func (s *Server) handlePay(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Info         string `json:"info"`
		AmountMsat   int64  `json:"amount_msat,omitempty"`
		Comment      string `json:"comment,omitempty"`
		FederationID string `json:"federation_id,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Info == "" {
		writeError(w, http.StatusBadRequest, "info required")
		return
	}
	invoice, err := payments.ResolvePaymentInfo(req.Info, req.AmountMsat, req.Comment)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	bolt11, err := payments.DecodeInvoice(invoice)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	session, err := s.pickSession(r, req.FederationID, bolt11.MSatoshi)
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	gateway, err := payments.SelectGateway(r.Context(), session)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	handle, err := s.dispatcher.PayInvoice(r.Context(), session, gateway, invoice)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	outcome, err := s.dispatcher.AwaitTerminal(r.Context(), session, handle, false)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	if outcome.Status != payments.OutcomeSuccess {
		writeJSON(w, http.StatusPaymentRequired, map[string]string{"error": "payment failed", "reason": outcome.Reason})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"preimage":  outcome.Preimage,
		"fees_msat": outcome.FeeMsat,
	})
}

func (s *Server) handleInvoice(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AmountMsat   int64  `json:"amount_msat"`
		Description  string `json:"description,omitempty"`
		ExpirySecs   int64  `json:"expiry_secs,omitempty"`
		FederationID string `json:"federation_id,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AmountMsat <= 0 {
		writeError(w, http.StatusBadRequest, "positive amount_msat required")
		return
	}
	session, err := s.pickSession(r, req.FederationID, 0)
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	gateway, err := payments.SelectGateway(r.Context(), session)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	expiry := req.ExpirySecs
	if expiry <= 0 {
		expiry = 86400
	}
	operationID, invoice, err := s.dispatcher.MakeInvoice(r.Context(), session, gateway, req.AmountMsat, req.Description, expiry)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"invoice":       invoice,
		"operation_id":  operationID,
		"federation_id": session.FederationID(),
	})
}

func (s *Server) handlePendingList(w http.ResponseWriter, r *http.Request) {
	pending, err := s.processor.PendingApprovals()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pending": pending})
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	if err := s.processor.ApprovePending(r.Context(), chi.URLParam(r, "eventID")); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"approved": chi.URLParam(r, "eventID")})
}

func (s *Server) handleDeny(w http.ResponseWriter, r *http.Request) {
	if err := s.processor.DenyPending(chi.URLParam(r, "eventID")); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"denied": chi.URLParam(r, "eventID")})
}

func (s *Server) handleProfileList(w http.ResponseWriter, r *http.Request) {
	profiles, err := s.profiles.All()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"profiles": profiles})
}

func (s *Server) handleProfileCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Label    string                `json:"label"`
		Commands []string              `json:"commands,omitempty"`
		Policy   policy.SpendingPolicy `json:"policy"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}
	profile, uri, err := s.minter.Mint(req.Label, req.Commands, req.Policy)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.processor.InvalidateProfile(profile.ClientPub)
	writeJSON(w, http.StatusOK, map[string]any{
		"profile":           profile,
		"connection_string": uri,
	})
}

// pickSession resolves an explicit federation id prefix, or falls back to the
// first joined federation whose balance covers the amount.
func (s *Server) pickSession(r *http.Request, id string, amountMsat int64) (fedimint.Session, error) {
	if id != "" {
		return s.registry.GetByPrefix(id)
	}
	for _, candidate := range s.registry.All() {
		msat, berr := candidate.Balance(r.Context())
		if berr != nil {
			continue
		}
		if msat >= amountMsat {
			return candidate, nil
		}
	}
	return nil, federation.ErrNoClientForFederation
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		library.LogCLI(err.Error(), 2)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
