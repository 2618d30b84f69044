package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/Thorugoh/GoMarketplace/internal/cart"
	"github.com/Thorugoh/GoMarketplace/internal/domain"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// maxReopen bounds how often a mutation follows a cart that keeps being
// released under it.
const maxReopen = 3

type CartHandler struct {
	sessions     SessionStore
	timeout      time.Duration
	flushOnWrite bool
	maxBodyBytes int64
	logger       *zap.Logger
}

type CartHandlerConfig struct {
	Timeout time.Duration
	// FlushOnWrite makes mutations wait until the cart is stored.
	FlushOnWrite bool
	MaxBodyBytes int64
}

func NewCartHandler(sessions SessionStore, cfg CartHandlerConfig, logger *zap.Logger) *CartHandler {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20 // 1MB
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CartHandler{
		sessions:     sessions,
		timeout:      cfg.Timeout,
		flushOnWrite: cfg.FlushOnWrite,
		maxBodyBytes: cfg.MaxBodyBytes,
		logger:       logger,
	}
}

type AddItemRequestDTO struct {
	ID       string  `json:"id"`
	Title    string  `json:"title"`
	ImageURL string  `json:"image_url"`
	Price    float64 `json:"price"`
}

type CartResponseDTO struct {
	Products []domain.LineItem `json:"products"`
	Total    float64           `json:"total"`
}

type SessionResponseDTO struct {
	SessionID string `json:"session_id"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// CreateSession issues a new session id. The cart itself is created lazily on
// first use.
func (h *CartHandler) CreateSession(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusCreated, SessionResponseDTO{SessionID: uuid.NewString()})
}

func (h *CartHandler) GetCart(w http.ResponseWriter, r *http.Request) {
	store, err := cart.FromContext(r.Context())
	if err != nil {
		handleCartError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, cartResponse(store))
}

func (h *CartHandler) AddItem(w http.ResponseWriter, r *http.Request) {
	store, err := cart.FromContext(r.Context())
	if err != nil {
		handleCartError(w, err)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodyBytes)
	var req AddItemRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(w, http.StatusRequestEntityTooLarge, "request_too_large", "request body is too large")
			return
		}
		respondError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}

	req.ID = strings.TrimSpace(req.ID)
	if req.ID == "" {
		respondError(w, http.StatusBadRequest, "invalid_product_id", "id must not be empty")
		return
	}
	if req.Price < 0 {
		respondError(w, http.StatusBadRequest, "invalid_price", "price must not be negative")
		return
	}

	product := domain.Product{
		ID:       req.ID,
		Title:    req.Title,
		ImageURL: req.ImageURL,
		Price:    req.Price,
	}
	store, err = h.apply(r, store, func(s *cart.Store) error { return s.AddToCart(product) })
	if err != nil {
		handleCartError(w, err)
		return
	}
	h.respondMutation(w, r, store, http.StatusCreated)
}

func (h *CartHandler) Increment(w http.ResponseWriter, r *http.Request) {
	h.mutateItem(w, r, (*cart.Store).Increment)
}

func (h *CartHandler) Decrement(w http.ResponseWriter, r *http.Request) {
	h.mutateItem(w, r, (*cart.Store).Decrement)
}

func (h *CartHandler) RemoveItem(w http.ResponseWriter, r *http.Request) {
	h.mutateItem(w, r, (*cart.Store).Remove)
}

func (h *CartHandler) ClearCart(w http.ResponseWriter, r *http.Request) {
	store, err := cart.FromContext(r.Context())
	if err != nil {
		handleCartError(w, err)
		return
	}
	store, err = h.apply(r, store, (*cart.Store).Clear)
	if err != nil {
		handleCartError(w, err)
		return
	}
	h.respondMutation(w, r, store, http.StatusOK)
}

// ReleaseSession stores the cart and drops it from memory. The stored cart is
// loaded again by the next request of the session.
func (h *CartHandler) ReleaseSession(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	if err := h.sessions.Release(ctx, getSessionID(r.Context())); err != nil {
		handleCartError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// mutateItem applies op to the item named in the URL. Unknown ids leave the
// cart as it is.
func (h *CartHandler) mutateItem(w http.ResponseWriter, r *http.Request, op func(*cart.Store, string) error) {
	store, err := cart.FromContext(r.Context())
	if err != nil {
		handleCartError(w, err)
		return
	}

	productID := chi.URLParam(r, "id")
	if productID == "" {
		respondError(w, http.StatusBadRequest, "invalid_product_id", "id must not be empty")
		return
	}

	store, err = h.apply(r, store, func(s *cart.Store) error { return op(s, productID) })
	if err != nil {
		handleCartError(w, err)
		return
	}
	h.respondMutation(w, r, store, http.StatusOK)
}

// apply runs op on the request's cart. If the cart was released while the
// request held it, the session is opened again and op is retried on the
// reloaded cart.
func (h *CartHandler) apply(r *http.Request, store *cart.Store, op func(*cart.Store) error) (*cart.Store, error) {
	for attempt := 0; ; attempt++ {
		err := op(store)
		if !errors.Is(err, cart.ErrClosed) || attempt == maxReopen {
			return store, err
		}

		h.logger.Debug("cart released during request, reopening",
			zap.String("key", store.Key()),
			zap.Int("attempt", attempt+1),
		)
		store, err = h.sessions.Open(r.Context(), getSessionID(r.Context()))
		if err != nil {
			return nil, err
		}
	}
}

// respondMutation answers with the cart after a mutation. With FlushOnWrite it
// first waits for the write and reports a failed one; the change stays in
// memory and is written again with the next mutation.
func (h *CartHandler) respondMutation(w http.ResponseWriter, r *http.Request, store *cart.Store, status int) {
	if h.flushOnWrite {
		ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
		defer cancel()

		if err := store.Flush(ctx); err != nil {
			h.logger.Warn("cart mutation not persisted",
				zap.String("key", store.Key()),
				zap.Error(err),
			)
			handleCartError(w, err)
			return
		}
	}
	respondJSON(w, status, cartResponse(store))
}

func cartResponse(store *cart.Store) CartResponseDTO {
	products := store.Products()
	if products == nil {
		products = []domain.LineItem{}
	}
	return CartResponseDTO{Products: products, Total: store.Total()}
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		zap.L().Warn("failed to encode response", zap.Error(err))
	}
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondErrorDetails(w, status, code, message, "")
}

func respondErrorDetails(w http.ResponseWriter, status int, code, message, details string) {
	respondJSON(w, status, ErrorResponse{
		Error:   message,
		Code:    code,
		Details: details,
	})
}
