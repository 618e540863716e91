package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"reportd/services/summarizer/internal/model"
	"reportd/services/summarizer/internal/ports"
	"reportd/services/summarizer/internal/session"
)

const missingFields = "Missing required fields: session_id, email, files"

type degradedItem struct {
	Action string `json:"action"`
	Error  string `json:"error"`
}

type startResponse struct {
	Message           string         `json:"message"`
	ZipURL            string         `json:"zip_url"`
	SessionID         string         `json:"session_id"`
	Status            model.Status   `json:"status"`
	FilesIncluded     []string       `json:"files_included"`
	DuplicatesDropped int            `json:"duplicates_dropped"`
	Degraded          []degradedItem `json:"degraded"`
}

type confirmRequest struct {
	SessionID string `json:"session_id"`
}

type confirmResponse struct {
	SessionID string `json:"session_id"`
	Cancelled bool   `json:"cancelled"`
}

func (a *API) handleStart(w http.ResponseWriter, r *http.Request) {
	var req session.Request
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	req.SessionID = strings.TrimSpace(req.SessionID)
	req.Email = strings.TrimSpace(req.Email)
	if err := req.Validate(); err != nil {
		respondError(w, http.StatusBadRequest, errors.New(missingFields))
		return
	}

	if a.mode == ModeAsync {
		a.startAsync(w, req)
		return
	}

	res, err := a.sessions.Start(r.Context(), req)
	if err != nil {
		respondStartError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, newStartResponse(req.Email, res))
}

func (a *API) startAsync(w http.ResponseWriter, req session.Request) {
	if snap, ok := a.sessions.Status(req.SessionID); ok && !snap.Status.Terminal() {
		respondError(w, http.StatusConflict, fmt.Errorf("%w: %s", session.ErrSessionActive, req.SessionID))
		return
	}

	a.background.Add(1)
	go func() {
		defer a.background.Done()
		if _, err := a.sessions.Start(a.base, req); err != nil {
			a.logger.Error().Err(err).Str("session_id", req.SessionID).Msg("background delivery failed")
		}
	}()
	respondJSON(w, http.StatusAccepted, map[string]string{
		"session_id": req.SessionID,
		"status":     "accepted",
	})
}

func (a *API) handleConfirm(w http.ResponseWriter, r *http.Request) {
	a.confirm(w, r, sessionParam(r))
}

func (a *API) handleConfirmBody(w http.ResponseWriter, r *http.Request) {
	var req confirmRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	a.confirm(w, r, strings.TrimSpace(req.SessionID))
}

func (a *API) confirm(w http.ResponseWriter, r *http.Request, id string) {
	if id == "" {
		respondError(w, http.StatusBadRequest, errors.New("Missing required field: session_id"))
		return
	}
	cancelled, err := a.sessions.Confirm(r.Context(), id)
	switch {
	case errors.Is(err, session.ErrUnknownSession):
		respondError(w, http.StatusNotFound, err)
		return
	case err != nil:
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, confirmResponse{SessionID: id, Cancelled: cancelled})
}

func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := sessionParam(r)
	snap, ok := a.sessions.Status(id)
	if !ok {
		respondError(w, http.StatusNotFound, fmt.Errorf("%w: %s", session.ErrUnknownSession, id))
		return
	}
	respondJSON(w, http.StatusOK, snap)
}

func (a *API) handleHistory(w http.ResponseWriter, r *http.Request) {
	if a.history == nil {
		respondError(w, http.StatusNotImplemented, errors.New("delivery ledger is not configured"))
		return
	}
	id := sessionParam(r)
	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	events, err := a.history.History(ctx, id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	if events == nil {
		events = []model.Event{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"session_id": id, "events": events})
}

func (a *API) handleLink(w http.ResponseWriter, r *http.Request) {
	if a.linker == nil {
		respondError(w, http.StatusNotImplemented, errors.New("remote storage is not configured"))
		return
	}
	id := sessionParam(r)
	snap, ok := a.sessions.Status(id)
	if !ok {
		respondError(w, http.StatusNotFound, fmt.Errorf("%w: %s", session.ErrUnknownSession, id))
		return
	}
	if snap.Status != model.StatusDelivered || snap.ArchiveKey == "" {
		respondError(w, http.StatusConflict, fmt.Errorf("session %s has no downloadable archive (status %s)", id, snap.Status))
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()
	link, err := a.linker.Link(ctx, snap.ArchiveKey)
	if err != nil {
		respondError(w, http.StatusBadGateway, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"session_id": id, "link": link})
}

func respondStartError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrInvalidRequest):
		respondError(w, http.StatusBadRequest, errors.New(missingFields))
	case errors.Is(err, session.ErrSessionActive):
		respondError(w, http.StatusConflict, err)
	case errors.Is(err, context.DeadlineExceeded):
		respondError(w, http.StatusGatewayTimeout, err)
	default:
		respondError(w, http.StatusInternalServerError, err)
	}
}

func newStartResponse(email string, res *session.Result) startResponse {
	msg := fmt.Sprintf("Your reports have been emailed to %s.", email)
	if res.Link != "" {
		msg = fmt.Sprintf("Your reports have been emailed to %s. You can also download them here: %s.", email, res.Link)
	}
	files := res.FilesIncluded
	if files == nil {
		files = []string{}
	}
	return startResponse{
		Message:           msg,
		ZipURL:            res.Link,
		SessionID:         res.Session.ID,
		Status:            res.Session.Status,
		FilesIncluded:     files,
		DuplicatesDropped: res.DuplicatesDropped,
		Degraded:          degradedItems(res.Degraded),
	}
}

func degradedItems(ds ports.Degradations) []degradedItem {
	out := make([]degradedItem, 0, len(ds))
	for _, d := range ds {
		item := degradedItem{Action: d.Action}
		if d.Err != nil {
			item.Error = d.Err.Error()
		}
		out = append(out, item)
	}
	return out
}
