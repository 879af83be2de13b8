package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/italolelis/blobtransfer/internal/logctx"
	"github.com/italolelis/blobtransfer/internal/manager"
	"github.com/italolelis/blobtransfer/internal/storage"
	"github.com/italolelis/blobtransfer/internal/transfer"
)

const maxRequestBody = 64 * 1024

// TransferService is the manager surface exposed over HTTP.
type TransferService interface {
	Transfers() []transfer.Transfer
	Transfer(id string) (transfer.Transfer, bool)
	Add(ctx context.Context, t transfer.Transfer) error
	Pause(ctx context.Context, id string) error
	Resume(ctx context.Context, id string) error
	Cancel(ctx context.Context, id string) error
	Remove(ctx context.Context, id string) error
	PauseAll(ctx context.Context) error
	ResumeAll(ctx context.Context) error
	CancelAll(ctx context.Context) error
	RemoveAll(ctx context.Context) error
}

// CreateTransferRequest describes a transfer to enqueue. An empty kind picks
// a single transfer when the payload fits in one block.
type CreateTransferRequest struct {
	Kind        transfer.Kind      `json:"kind,omitempty"`
	Direction   transfer.Direction `json:"direction"`
	Source      string             `json:"source"`
	Destination string             `json:"destination"`
	Size        int64              `json:"size"`
	BlockSize   int64              `json:"block_size,omitempty"`
}

// TransferResponse is the JSON view of a transfer.
type TransferResponse struct {
	transfer.Record
	Fraction float64 `json:"fraction"`
}

// ErrorResponse is the body of every non-2xx answer.
type ErrorResponse struct {
	Error string `json:"error"`
}

type TransfersHandler struct {
	service   TransferService
	blockSize int64
	username  string
	password  string
}

// NewTransfersHandler creates the admin handler. Basic auth is enforced when
// username is not empty.
func NewTransfersHandler(service TransferService, blockSize int64, username, password string) *TransfersHandler {
	return &TransfersHandler{
		service:   service,
		blockSize: blockSize,
		username:  username,
		password:  password,
	}
}

func (h *TransfersHandler) Routes() http.Handler {
	r := chi.NewRouter()

	if h.username != "" {
		r.Use(h.basicAuthMiddleware)
	}

	r.Get("/transfers", h.HandleList)
	r.Post("/transfers", h.HandleCreate)
	r.Delete("/transfers", h.bulk(h.service.RemoveAll))
	r.Post("/transfers:pause", h.bulk(h.service.PauseAll))
	r.Post("/transfers:resume", h.bulk(h.service.ResumeAll))
	r.Post("/transfers:cancel", h.bulk(h.service.CancelAll))

	r.Route("/transfers/{id}", func(r chi.Router) {
		r.Get("/", h.HandleGet)
		r.Delete("/", h.HandleRemove)
		r.Post("/pause", h.action(h.service.Pause))
		r.Post("/resume", h.action(h.service.Resume))
		r.Post("/cancel", h.action(h.service.Cancel))
	})

	return r
}

// HandleList returns every transfer in enqueue order.
func (h *TransfersHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	transfers := h.service.Transfers()

	resp := make([]TransferResponse, 0, len(transfers))
	for _, t := range transfers {
		resp = append(resp, newTransferResponse(t))
	}

	writeJSON(r.Context(), w, http.StatusOK, resp)
}

func (h *TransfersHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	t, ok := h.service.Transfer(chi.URLParam(r, "id"))
	if !ok {
		writeError(r.Context(), w, transfer.ErrNotFound)

		return
	}

	writeJSON(r.Context(), w, http.StatusOK, newTransferResponse(t))
}

func (h *TransfersHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	var req CreateTransferRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		logger.Debug("failed to decode request", "err", err)
		writeJSON(r.Context(), w, http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})

		return
	}

	t, err := h.build(req)
	if err != nil {
		writeJSON(r.Context(), w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})

		return
	}

	if err := h.service.Add(r.Context(), t); err != nil {
		if !isPersistence(err) {
			writeError(r.Context(), w, err)

			return
		}

		logger.Error("transfer queued but not persisted", "transfer_id", t.ID(), "err", err)
	}

	logger.Info("transfer queued", "transfer_id", t.ID(), "direction", t.Direction(), "kind", t.Kind())

	added, ok := h.service.Transfer(t.ID())
	if !ok {
		added = t
	}

	writeJSON(r.Context(), w, http.StatusCreated, newTransferResponse(added))
}

func (h *TransfersHandler) HandleRemove(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Remove(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(r.Context(), w, err)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *TransfersHandler) action(fn func(ctx context.Context, id string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		if err := fn(r.Context(), id); err != nil {
			writeError(r.Context(), w, err)

			return
		}

		t, ok := h.service.Transfer(id)
		if !ok {
			w.WriteHeader(http.StatusNoContent)

			return
		}

		writeJSON(r.Context(), w, http.StatusOK, newTransferResponse(t))
	}
}

func (h *TransfersHandler) bulk(fn func(ctx context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := fn(r.Context()); err != nil {
			writeError(r.Context(), w, err)

			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

func (h *TransfersHandler) build(req CreateTransferRequest) (transfer.Transfer, error) {
	if req.Source == "" || req.Destination == "" {
		return nil, errors.New("source and destination are required")
	}

	blockSize := req.BlockSize
	if blockSize <= 0 {
		blockSize = h.blockSize
	}

	switch req.Kind {
	case "":
		return manager.NewTransfer(req.Direction, req.Source, req.Destination, req.Size, blockSize)
	case transfer.KindSingle, transfer.KindBlob:
	default:
		return nil, fmt.Errorf("unknown kind %q", req.Kind)
	}

	if !req.Direction.Valid() {
		return nil, fmt.Errorf("unknown direction %q", req.Direction)
	}

	if req.Size < 0 {
		return nil, fmt.Errorf("size must not be negative: %d", req.Size)
	}

	if req.Kind == transfer.KindSingle {
		return transfer.NewSingleTransfer(req.Direction, req.Source, req.Destination, req.Size), nil
	}

	if err := transfer.ValidateLayout(req.Direction, req.Size, blockSize); err != nil {
		return nil, err
	}

	return transfer.NewBlobTransfer(req.Direction, req.Source, req.Destination, req.Size, blockSize)
}

func (h *TransfersHandler) basicAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if !ok {
			http.Error(w, "invalid authorization format", http.StatusUnauthorized)

			return
		}

		if username != h.username || password != h.password {
			http.Error(w, "invalid username or password", http.StatusUnauthorized)

			return
		}

		next.ServeHTTP(w, r)
	})
}

func newTransferResponse(t transfer.Transfer) TransferResponse {
	return TransferResponse{Record: t.ToRecord(), Fraction: t.Progress().Fraction()}
}

func isPersistence(err error) bool {
	var perr *storage.PersistenceError

	return errors.As(err, &perr)
}

func statusFor(err error) int {
	var duplicate *transfer.DuplicateTransferError

	switch {
	case errors.Is(err, transfer.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, transfer.ErrNotResumable),
		errors.Is(err, transfer.ErrIllegalTransition),
		errors.As(err, &duplicate):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeError(ctx context.Context, w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		logctx.LoggerFromContext(ctx).Error("request failed", "err", err)
	}

	writeJSON(ctx, w, status, ErrorResponse{Error: err.Error()})
}

func writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		logctx.LoggerFromContext(ctx).Error("failed to encode response", "err", err)
	}
}
