package httpapi

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/alejandrodnm/criptex/internal/application/referral"
	"github.com/alejandrodnm/criptex/internal/domain"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

// Predictions es la parte del Prediction Service que expone la API.
type Predictions interface {
	CreateManual(ctx context.Context, req domain.ManualRequest) (domain.Prediction, error)
	ListActive(ctx context.Context, owner string, limit int) ([]domain.Prediction, error)
	ListHistory(ctx context.Context, owner string, limit int) ([]domain.Prediction, error)
	ListAutomatic(ctx context.Context, limit int) ([]domain.Prediction, error)
	Get(ctx context.Context, viewer, id string) (domain.Prediction, error)
	Stats(ctx context.Context, owner string) (domain.PredictionStats, error)
}

// Accounts es la parte del Ledger que expone la API.
type Accounts interface {
	EnsureAccount(ctx context.Context, userID string) error
	Balance(ctx context.Context, userID string) (domain.BalanceView, error)
	ClaimDailyBonus(ctx context.Context, userID string) (domain.BonusClaim, error)
	History(ctx context.Context, userID string, limit int) ([]domain.LedgerEntry, error)
}

// Referrals aplica códigos y arma las estadísticas de referidos.
type Referrals interface {
	ApplyReferralCode(ctx context.Context, newUser, code string) error
	Stats(ctx context.Context, userID string) (referral.Stats, error)
}

// OnDemand genera una predicción automática pedida por un usuario.
type OnDemand interface {
	GenerateNow(ctx context.Context, userID, symbol, timeframe string) (domain.Prediction, error)
}

// Config del servidor HTTP.
type Config struct {
	Addr           string
	GatewayToken   string // vacío = sin Authorization
	RequestTimeout time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
}

func (c *Config) setDefaults() {
	if c.Addr == "" {
		c.Addr = "127.0.0.1:8080"
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 20 * time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = c.RequestTimeout + 5*time.Second
	}
}

// Server expone el motor por HTTP/JSON.
type Server struct {
	cfg         Config
	router      *mux.Router
	srv         *http.Server
	predictions Predictions
	accounts    Accounts
	referrals   Referrals
	onDemand    OnDemand
}

// New arma el router. metricsHandler puede ser nil.
func New(cfg Config, predictions Predictions, accounts Accounts, referrals Referrals, onDemand OnDemand, metricsHandler http.Handler) *Server {
	cfg.setDefaults()
	s := &Server{
		cfg:         cfg,
		router:      mux.NewRouter(),
		predictions: predictions,
		accounts:    accounts,
		referrals:   referrals,
		onDemand:    onDemand,
	}
	s.routes(metricsHandler)
	s.srv = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) routes(metricsHandler http.Handler) {
	s.router.Use(s.requestID, s.logging)

	s.router.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)
	if metricsHandler != nil {
		s.router.Handle("/metrics", metricsHandler).Methods(http.MethodGet)
	}

	api := s.router.PathPrefix("/api").Subrouter()
	api.Use(s.timeout, s.identity)

	api.HandleFunc("/predictions", s.createPrediction).Methods(http.MethodPost)
	api.HandleFunc("/predictions/active", s.listActive).Methods(http.MethodGet)
	api.HandleFunc("/predictions/history", s.listHistory).Methods(http.MethodGet)
	api.HandleFunc("/predictions/stats", s.predictionStats).Methods(http.MethodGet)
	api.HandleFunc("/predictions/{id}", s.getPrediction).Methods(http.MethodGet)

	api.HandleFunc("/ai-predictions", s.listAutomatic).Methods(http.MethodGet)
	api.HandleFunc("/ai-predictions/manual", s.generateNow).Methods(http.MethodPost)

	api.HandleFunc("/account", s.account).Methods(http.MethodGet)
	api.HandleFunc("/account/ledger", s.ledger).Methods(http.MethodGet)
	api.HandleFunc("/bonus/claim", s.claimBonus).Methods(http.MethodPost)
	api.HandleFunc("/referral/stats", s.referralStats).Methods(http.MethodGet)
	api.HandleFunc("/referral/use/{code}", s.useReferral).Methods(http.MethodPost)

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, fmt.Errorf("route: %w", domain.ErrNotFound))
	})
}

// Handler devuelve el router (tests).
func (s *Server) Handler() http.Handler { return s.router }

// Run sirve hasta que ctx se cancela y luego apaga con gracia.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", s.cfg.Addr)
		errCh <- s.srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return fmt.Errorf("httpapi.Run: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("httpapi.Run: shutdown: %w", err)
	}
	slog.Info("http server stopped")
	return nil
}

type ctxKey int

const (
	userKey ctxKey = iota
	requestIDKey
)

func userFrom(ctx context.Context) string {
	v, _ := ctx.Value(userKey).(string)
	return v
}

func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()[:8]
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		slog.Debug("http request",
			"id", r.Context().Value(requestIDKey),
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"elapsed", time.Since(start).Round(time.Millisecond),
		)
	})
}

func (s *Server) timeout(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// identity valida el token del gateway y la cabecera X-User-ID, y abre la
// cuenta en el primer request del usuario.
func (s *Server) identity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.GatewayToken != "" {
			token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.GatewayToken)) != 1 {
				writeJSON(w, http.StatusUnauthorized, errorBody{Error: errorDetail{Kind: "Unauthorized", Message: "invalid gateway token"}})
				return
			}
		}

		user := strings.TrimSpace(r.Header.Get("X-User-ID"))
		if user == "" || user == domain.SystemOwner {
			writeError(w, &domain.ValidationError{Field: "X-User-ID", Reason: "a user identity is required"})
			return
		}
		if err := s.accounts.EnsureAccount(r.Context(), user); err != nil {
			writeError(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey, user)))
	})
}
