// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const maxAdminBodySize = 1 << 16

// AdminAPI exposes connection status and the human-in-the-loop actions
// (QR regeneration, pairing codes, logout) over HTTP.
type AdminAPI struct {
	manager  *Manager
	gatherer prometheus.Gatherer
	log      zerolog.Logger
}

func NewAdminAPI(manager *Manager, gatherer prometheus.Gatherer, log zerolog.Logger) *AdminAPI {
	return &AdminAPI{
		manager:  manager,
		gatherer: gatherer,
		log:      log.With().Str("component", "admin_api").Logger(),
	}
}

// Router returns the HTTP handler for the admin API.
func (a *AdminAPI) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Route("/api", func(r chi.Router) {
		r.Get("/status", a.handleStatus)
		r.Get("/qr", a.handleQR)
		r.Post("/regenerate", a.handleRegenerate)
		r.Post("/pairing-code", a.handlePairingCode)
		r.Post("/logout", a.handleLogout)
	})
	if a.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(a.gatherer, promhttp.HandlerOpts{}))
	}
	return r
}

// ListenAndServe serves the admin API until ctx is cancelled.
func (a *AdminAPI) ListenAndServe(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:         addr,
		Handler:      a.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
	a.log.Info().Str("addr", addr).Msg("Starting admin API")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (a *AdminAPI) handleStatus(w http.ResponseWriter, _ *http.Request) {
	a.writeJSON(w, http.StatusOK, a.manager.Status())
}

// handleQR returns the pending QR code as JSON, or as a PNG with ?format=png.
func (a *AdminAPI) handleQR(w http.ResponseWriter, r *http.Request) {
	code := a.manager.QR()
	if code == "" {
		a.writeError(w, http.StatusNotFound, "no QR code pending")
		return
	}
	if r.URL.Query().Get("format") != "png" {
		a.writeJSON(w, http.StatusOK, map[string]string{"qr": code})
		return
	}
	size := 256
	if raw := r.URL.Query().Get("size"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n >= 64 && n <= 1024 {
			size = n
		}
	}
	png, err := RenderQRPNG(code, size)
	if err != nil {
		a.log.Warn().Err(err).Msg("Failed to render QR PNG")
		a.writeError(w, http.StatusInternalServerError, "failed to render QR code")
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(png)
}

func (a *AdminAPI) handleRegenerate(w http.ResponseWriter, r *http.Request) {
	a.log.Info().Str("remote_addr", r.RemoteAddr).Msg("QR regeneration requested")
	if err := a.manager.ResetReconnect(r.Context()); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, ErrConnectInProgress) {
			status = http.StatusConflict
		} else if errors.Is(err, ErrShuttingDown) {
			status = http.StatusServiceUnavailable
		}
		a.writeError(w, status, err.Error())
		return
	}
	a.writeJSON(w, http.StatusAccepted, a.manager.Status())
}

type pairingCodeRequest struct {
	Phone string `json:"phone"`
}

func (a *AdminAPI) handlePairingCode(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxAdminBodySize)
	defer r.Body.Close()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		a.writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	var req pairingCodeRequest
	if err = json.Unmarshal(body, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	code, err := a.manager.RequestPairingCode(r.Context(), req.Phone)
	switch {
	case errors.Is(err, ErrInvalidPhoneNumber):
		a.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrAlreadyConnected), errors.Is(err, ErrNoSocket):
		a.writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		a.log.Warn().Err(err).Msg("Pairing code request failed")
		a.writeError(w, http.StatusBadGateway, err.Error())
	default:
		a.writeJSON(w, http.StatusOK, map[string]string{"code": code})
	}
}

func (a *AdminAPI) handleLogout(w http.ResponseWriter, r *http.Request) {
	a.log.Info().Str("remote_addr", r.RemoteAddr).Msg("Logout requested")
	if err := a.manager.Logout(r.Context()); err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, ErrNoSocket) {
			status = http.StatusConflict
		}
		a.writeError(w, status, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *AdminAPI) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.log.Warn().Err(err).Msg("Failed to write admin response")
	}
}

func (a *AdminAPI) writeError(w http.ResponseWriter, status int, msg string) {
	a.writeJSON(w, status, map[string]string{"error": msg})
}
