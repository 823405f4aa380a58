package main

import (
	"context"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"walletbridge/internal/domain"
	"walletbridge/internal/usecase/wallet"
	"walletbridge/pkg/cis2"
)

const maxAdminBody = 4 << 10

// Admin routes. They drive the wallet state changes that pages learn about
// through accountChanged, chainChanged and accountDisconnected events.
const (
	routeAdminAccount  = "/admin/account"
	routeAdminNetwork  = "/admin/network"
	routeAdminRevoke   = "/admin/sites/revoke"
	routeAdminReceipts = "/admin/receipts"
)

// walletAdmin is the part of the wallet service the admin routes drive.
type walletAdmin interface {
	SelectedAccount() string
	GenesisHash() string
	SelectAccount(ctx context.Context, account string)
	SwitchNetwork(ctx context.Context, genesisHash string)
	DisconnectSite(ctx context.Context, origin, account string) error
	Receipts() []wallet.Receipt
}

var _ walletAdmin = (*wallet.Service)(nil)

type routeRegistrar interface {
	RegisterHTTPRoute(pattern string, handler http.HandlerFunc)
}

type selectAccountRequest struct {
	Account string `json:"account"`
}

type switchNetworkRequest struct {
	GenesisHash string `json:"genesis_hash"`
}

type revokeSiteRequest struct {
	Origin  string `json:"origin"`
	Account string `json:"account,omitempty"`
}

type adminState struct {
	Account string `json:"account"`
	Genesis string `json:"genesis"`
}

// registerAdminRoutes installs the operator API. Every route requires
// "Authorization: Bearer <token>".
func registerAdminRoutes(r routeRegistrar, token string, w walletAdmin, log *slog.Logger) {
	guard := func(method string, h http.HandlerFunc) http.HandlerFunc {
		return requireAdmin(token, method, h, log)
	}
	r.RegisterHTTPRoute(routeAdminAccount, guard(http.MethodPost, adminSelectAccount(w)))
	r.RegisterHTTPRoute(routeAdminNetwork, guard(http.MethodPost, adminSwitchNetwork(w)))
	r.RegisterHTTPRoute(routeAdminRevoke, guard(http.MethodPost, adminRevokeSite(w, log)))
	r.RegisterHTTPRoute(routeAdminReceipts, guard(http.MethodGet, func(rw http.ResponseWriter, _ *http.Request) {
		writeJSON(rw, http.StatusOK, w.Receipts())
	}))
}

func requireAdmin(token, method string, next http.HandlerFunc, log *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			log.Warn("admin request unauthorized", "path", r.URL.Path, "remote", r.RemoteAddr)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if r.Method != method {
			w.Header().Set("Allow", method)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		next(w, r)
	}
}

func adminSelectAccount(w walletAdmin) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		var req selectAccountRequest
		if err := decodeAdmin(rw, r, &req); err != nil {
			writeError(rw, err)
			return
		}
		if _, err := cis2.ParseAccountAddress(req.Account); err != nil {
			writeError(rw, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err))
			return
		}
		w.SelectAccount(r.Context(), req.Account)
		writeJSON(rw, http.StatusOK, adminState{Account: w.SelectedAccount(), Genesis: w.GenesisHash()})
	}
}

func adminSwitchNetwork(w walletAdmin) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		var req switchNetworkRequest
		if err := decodeAdmin(rw, r, &req); err != nil {
			writeError(rw, err)
			return
		}
		if b, err := hex.DecodeString(req.GenesisHash); err != nil || len(b) != 32 {
			writeError(rw, fmt.Errorf("%w: genesis_hash must be 64 hex characters", domain.ErrInvalidInput))
			return
		}
		w.SwitchNetwork(r.Context(), strings.ToLower(req.GenesisHash))
		writeJSON(rw, http.StatusOK, adminState{Account: w.SelectedAccount(), Genesis: w.GenesisHash()})
	}
}

func adminRevokeSite(w walletAdmin, log *slog.Logger) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		var req revokeSiteRequest
		if err := decodeAdmin(rw, r, &req); err != nil {
			writeError(rw, err)
			return
		}
		if req.Origin == "" {
			writeError(rw, fmt.Errorf("%w: origin is required", domain.ErrInvalidInput))
			return
		}
		if err := w.DisconnectSite(r.Context(), req.Origin, req.Account); err != nil {
			log.Error("revoke site failed", "origin", req.Origin, "error", err)
			writeError(rw, err)
			return
		}
		rw.WriteHeader(http.StatusNoContent)
	}
}

func decodeAdmin(rw http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(rw, r.Body, maxAdminBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}
	return nil
}

func writeError(rw http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if errors.Is(err, domain.ErrInvalidInput) {
		status = http.StatusBadRequest
	}
	writeJSON(rw, status, map[string]string{"error": err.Error()})
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	json.NewEncoder(rw).Encode(v)
}
