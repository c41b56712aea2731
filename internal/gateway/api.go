package gateway

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/alekspetrov/ticketd/internal/clients/extract"
	"github.com/alekspetrov/ticketd/internal/orchestrator"
	"github.com/alekspetrov/ticketd/internal/store"
	"github.com/alekspetrov/ticketd/internal/ticket"
	"github.com/go-chi/chi/v5"
)

const (
	// maxSubmitBytes bounds a submission body.
	maxSubmitBytes = 1 << 20
	// multipartOverhead leaves room for part headers around an upload.
	multipartOverhead = 64 << 10
)

type submitRequest struct {
	Kind        ticket.Kind     `json:"kind"`
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Priority    string          `json:"priority"`
	Input       json.RawMessage `json:"input"`
}

type listResponse struct {
	Tickets []*ticket.Ticket `json:"tickets"`
	Total   int              `json:"total"`
	Limit   int              `json:"limit"`
	Offset  int              `json:"offset"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"orchestrator": s.tickets.Status(r.Context()),
		"hub":          s.hub.Stats(),
		"connections":  s.clients.Count(),
	})
}

func (s *Server) handleWSStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"active_connections": s.clients.Count(),
		"connected_users":    s.clients.Owners(),
	})
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	owner, _ := OwnerFromContext(r.Context())

	var req submitRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSubmitBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	t, err := s.tickets.Submit(r.Context(), orchestrator.SubmitRequest{
		Owner:       owner,
		Title:       req.Title,
		Description: req.Description,
		Kind:        req.Kind,
		Priority:    req.Priority,
		Input:       req.Input,
	})
	if err != nil {
		if t != nil {
			// Persisted but not queued; startup recovery will pick it up.
			s.log.Warn("Ticket accepted without enqueue",
				slog.String("ticket_id", t.ID),
				slog.Any("error", err))
			writeJSON(w, http.StatusAccepted, t)
			return
		}
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	owner, _ := OwnerFromContext(r.Context())
	q := r.URL.Query()

	f := store.ListFilter{Owner: owner}
	if v := q.Get("state"); v != "" {
		state, err := ticket.ParseState(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		f.State = state
	}
	if v := q.Get("kind"); v != "" {
		kind := ticket.Kind(v)
		if !kind.Valid() {
			writeError(w, http.StatusBadRequest, "unknown kind "+strconv.Quote(v))
			return
		}
		f.Kind = kind
	}
	var err error
	if f.Limit, err = intParam(q.Get("limit")); err != nil {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	if f.Offset, err = intParam(q.Get("offset")); err != nil {
		writeError(w, http.StatusBadRequest, "invalid offset")
		return
	}

	tickets, total, err := s.tickets.List(r.Context(), f)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if tickets == nil {
		tickets = []*ticket.Ticket{}
	}
	writeJSON(w, http.StatusOK, listResponse{
		Tickets: tickets,
		Total:   total,
		Limit:   f.EffectiveLimit(),
		Offset:  f.Offset,
	})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	t, ok := s.ownedTicket(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	t, ok := s.ownedTicket(w, r)
	if !ok {
		return
	}
	if err := s.tickets.Delete(r.Context(), t.ID); err != nil {
		s.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReprocess(w http.ResponseWriter, r *http.Request) {
	t, ok := s.ownedTicket(w, r)
	if !ok {
		return
	}
	updated, err := s.tickets.Reprocess(r.Context(), t.ID)
	if err != nil {
		if updated != nil {
			writeJSON(w, http.StatusAccepted, updated)
			return
		}
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	t, ok := s.ownedTicket(w, r)
	if !ok {
		return
	}
	var req orchestrator.DetailsRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSubmitBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	updated, err := s.tickets.UpdateDetails(r.Context(), t.ID, req)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	owner, _ := OwnerFromContext(r.Context())
	if limit := s.uploads.MaxSize(); limit > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, limit+multipartOverhead)
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, extract.ErrTooLarge.Error())
			return
		}
		writeError(w, http.StatusBadRequest, `multipart form with a "file" field is required`)
		return
	}
	defer func() { _ = file.Close() }()
	if r.MultipartForm != nil {
		defer func() { _ = r.MultipartForm.RemoveAll() }()
	}

	stored, err := s.uploads.Save(owner, header.Filename, file)
	switch {
	case errors.Is(err, extract.ErrTooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, err.Error())
		return
	case errors.Is(err, extract.ErrUnsupportedFormat), errors.Is(err, extract.ErrInvalidName):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		s.writeServiceError(w, err)
		return
	}

	s.log.Info("File uploaded",
		slog.String("owner", owner),
		slog.String("file_ref", stored.FileRef),
		slog.Int64("size_bytes", stored.SizeBytes))
	writeJSON(w, http.StatusCreated, stored)
}

func (s *Server) handleAttempts(w http.ResponseWriter, r *http.Request) {
	t, ok := s.ownedTicket(w, r)
	if !ok {
		return
	}
	attempts, err := s.tickets.Attempts(r.Context(), t.ID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if attempts == nil {
		attempts = []*ticket.Attempt{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ticket_id": t.ID,
		"attempts":  attempts,
	})
}

// ownedTicket loads the ticket named in the path and writes 404 unless it
// belongs to the caller.
func (s *Server) ownedTicket(w http.ResponseWriter, r *http.Request) (*ticket.Ticket, bool) {
	owner, _ := OwnerFromContext(r.Context())
	t, err := s.tickets.Get(r.Context(), chi.URLParam(r, "ticketID"))
	if err != nil {
		s.writeServiceError(w, err)
		return nil, false
	}
	if t.Owner != owner {
		writeError(w, http.StatusNotFound, ticket.ErrNotFound.Error())
		return nil, false
	}
	return t, true
}

func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.log.Error("Request failed", slog.Any("error", err))
		writeError(w, status, "internal error")
		return
	}
	writeError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ticket.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ticket.ErrInvalidInput), errors.Is(err, ticket.ErrUnknownTaskKind):
		return http.StatusBadRequest
	case errors.Is(err, ticket.ErrInvalidReprocessTarget),
		errors.Is(err, ticket.ErrNotTerminal),
		errors.Is(err, ticket.ErrConflict):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func intParam(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, errors.New("must be a non-negative integer")
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
