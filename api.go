package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
)

const maxWebhookBody = 1 << 20

type apiStore interface {
	ListOrders(ctx context.Context, status OrderStatus, limit int) ([]Order, error)
	Stats(ctx context.Context, dayStart time.Time) (ShopStats, error)
}

type APIServer struct {
	listenAddr string
	store      apiStore
	gateway    PaymentGateway
	reconcile  *Reconciler
	auth       *Auth
	loc        *time.Location
	log        *logrus.Entry
	now        func() time.Time
}

func NewAPIServer(listenAddr string, store apiStore, gateway PaymentGateway, reconcile *Reconciler, auth *Auth, loc *time.Location, log *logrus.Entry) *APIServer {
	return &APIServer{
		listenAddr: listenAddr,
		store:      store,
		gateway:    gateway,
		reconcile:  reconcile,
		auth:       auth,
		loc:        loc,
		log:        log.WithField("component", "api"),
		now:        time.Now,
	}
}

func (s *APIServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /webhook/{provider}", s.handleWebhook)
	mux.HandleFunc("GET /health", makeHTTPHandleFunc(s.handleHealth))
	mux.HandleFunc("POST /admin/login", makeHTTPHandleFunc(s.handleLogin))
	mux.HandleFunc("GET /admin/stats", s.auth.withJWTauthAdmin(makeHTTPHandleFunc(s.handleStats)))
	mux.HandleFunc("GET /admin/orders", s.auth.withJWTauthAdmin(makeHTTPHandleFunc(s.handleOrders)))
	mux.HandleFunc("GET /admin/orders/export", s.auth.withJWTauthAdmin(makeHTTPHandleFunc(s.handleExport)))
	return mux
}

// Run serves until ctx is canceled.
func (s *APIServer) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.listenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		s.log.WithField("addr", s.listenAddr).Info("http server listening")
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

// handleWebhook answers 200 only once the event is applied or deliberately
// ignored, so the provider redelivers on any other outcome.
func (s *APIServer) handleWebhook(w http.ResponseWriter, r *http.Request) {
	provider := r.PathValue("provider")
	if provider != s.gateway.Name() {
		WriteJSON(w, http.StatusNotFound, ApiError{Error: "unknown provider"})
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		WriteJSON(w, http.StatusBadRequest, ApiError{Error: "read body"})
		return
	}
	log := s.log.WithField("provider", provider)

	event, err := s.gateway.ParseWebhook(r.Header, body)
	switch {
	case errors.Is(err, ErrBadSignature):
		log.Warn("webhook signature mismatch")
		WriteJSON(w, http.StatusForbidden, ApiError{Error: "bad signature"})
		return
	case errors.Is(err, ErrIgnoredEvent):
		WriteJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	case err != nil:
		log.Warnf("decode webhook: %v", err)
		WriteJSON(w, http.StatusBadRequest, ApiError{Error: "bad payload"})
		return
	}

	log = log.WithField("payment_id", event.PaymentID).WithField("event", event.Event)
	res, err := s.reconcile.Apply(r.Context(), event.PaymentID, event.Status)
	if errors.Is(err, ErrNotFound) {
		log.Warn("webhook for unknown payment")
		WriteJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}
	if err != nil {
		log.Errorf("apply webhook: %v", err)
		WriteJSON(w, http.StatusInternalServerError, ApiError{Error: "internal error"})
		return
	}
	log.WithField("changed", res.Changed).Info("webhook applied")
	WriteJSON(w, http.StatusOK, map[string]string{"status": string(res.Status)})
}

func (s *APIServer) handleHealth(w http.ResponseWriter, r *http.Request) error {
	return WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type loginRequest struct {
	Login    string `json:"login"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token string `json:"token"`
}

func (s *APIServer) handleLogin(w http.ResponseWriter, r *http.Request) error {
	req := new(loginRequest)
	if err := json.NewDecoder(r.Body).Decode(req); err != nil {
		return err
	}
	token, err := s.auth.Login(req.Login, req.Password)
	if err != nil {
		s.log.WithField("login", req.Login).Warn("admin login failed")
		return WriteJSON(w, http.StatusForbidden, ApiError{Error: "forbidden"})
	}
	w.Header().Set("X-Authorization", token)
	return WriteJSON(w, http.StatusOK, loginResponse{Token: token})
}

func (s *APIServer) handleStats(w http.ResponseWriter, r *http.Request) error {
	now := s.now().In(s.loc)
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, s.loc)
	st, err := s.store.Stats(r.Context(), dayStart)
	if err != nil {
		return err
	}
	return WriteJSON(w, http.StatusOK, st)
}

func (s *APIServer) handleOrders(w http.ResponseWriter, r *http.Request) error {
	limit := adminOrderLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return fmt.Errorf("limit must be a positive number")
		}
		limit = n
	}
	orders, err := s.store.ListOrders(r.Context(), OrderStatus(r.URL.Query().Get("status")), limit)
	if err != nil {
		return err
	}
	return WriteJSON(w, http.StatusOK, orders)
}

func (s *APIServer) handleExport(w http.ResponseWriter, r *http.Request) error {
	orders, err := s.store.ListOrders(r.Context(), "", exportOrderLimit)
	if err != nil {
		return err
	}
	data, err := ExportOrdersXLSX(orders, s.loc)
	if err != nil {
		return err
	}
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=orders_%s.xlsx", s.now().Format("20060102")))
	_, err = w.Write(data)
	return err
}

type APIfunc func(http.ResponseWriter, *http.Request) error

type ApiError struct {
	Error string `json:"error"`
}

func makeHTTPHandleFunc(f APIfunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := f(w, r); err != nil {
			WriteJSON(w, http.StatusBadRequest, ApiError{Error: err.Error()})
		}
	}
}

func WriteJSON(w http.ResponseWriter, status int, v any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(v)
}
