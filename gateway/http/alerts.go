package http

import (
	"fmt"
	"net/http"

	"github.com/T-en1991/demo111/alert"
	"github.com/T-en1991/demo111/errors"
	"github.com/T-en1991/demo111/storage"
)

type createAlertRequest struct {
	Title    string      `json:"title"`
	Message  string      `json:"message"`
	Level    alert.Level `json:"level"`
	Type     string      `json:"type"`
	Source   string      `json:"source"`
	DeviceID *int64      `json:"device_id"`
	UserID   *int64      `json:"user_id"`
	Lat      *float64    `json:"lat"`
	Lon      *float64    `json:"lon"`
}

type updateAlertRequest struct {
	Title   *string       `json:"title"`
	Message *string       `json:"message"`
	Level   *alert.Level  `json:"level"`
	Type    *string       `json:"type"`
	Source  *string       `json:"source"`
	Status  *alert.Status `json:"status"`
}

func (s *Server) listAlerts(w http.ResponseWriter, r *http.Request) {
	q := storage.AlertQuery{
		Status: alert.Status(r.URL.Query().Get("status")),
		Level:  alert.Level(r.URL.Query().Get("level")),
	}
	if q.Status != "" && !q.Status.Valid() {
		s.fail(w, r, errors.WrapInvalid(fmt.Errorf("%w: unknown status %q", errors.ErrInvalidData, q.Status),
			"Server", "listAlerts", "parse filter"))
		return
	}
	if q.Level != "" && !q.Level.Valid() {
		s.fail(w, r, errors.WrapInvalid(fmt.Errorf("%w: unknown level %q", errors.ErrInvalidData, q.Level),
			"Server", "listAlerts", "parse filter"))
		return
	}
	deviceID, err := queryInt64(r, "device_id")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	q.DeviceID = deviceID
	if limit, err := queryInt64(r, "limit"); err != nil {
		s.fail(w, r, err)
		return
	} else if limit != nil {
		q.Limit = int(*limit)
	}

	alerts, err := s.store.ListAlerts(r.Context(), q)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if alerts == nil {
		alerts = []alert.Record{}
	}
	writeJSON(w, http.StatusOK, alerts)
}

func (s *Server) createAlert(w http.ResponseWriter, r *http.Request) {
	var req createAlertRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if req.Level == "" {
		req.Level = alert.LevelInfo
	}
	if req.Source == "" {
		req.Source = "api"
	}
	rec, err := s.sink.CreateAlert(r.Context(), alert.Record{
		Title:    req.Title,
		Message:  req.Message,
		Level:    req.Level,
		Type:     req.Type,
		Source:   req.Source,
		Status:   alert.StatusActive,
		DeviceID: req.DeviceID,
		UserID:   req.UserID,
		Lat:      req.Lat,
		Lon:      req.Lon,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) getAlert(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	rec, err := s.store.GetAlert(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) updateAlert(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var req updateAlertRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	rec, err := s.store.UpdateAlert(r.Context(), id, storage.AlertUpdate{
		Title:   req.Title,
		Message: req.Message,
		Level:   req.Level,
		Type:    req.Type,
		Source:  req.Source,
		Status:  req.Status,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) resolveAlert(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	rec, err := s.store.ResolveAlert(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) acknowledgeAlert(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	rec, err := s.store.AcknowledgeAlert(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) deleteAlert(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.store.DeleteAlert(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) deleteResolvedAlerts(w http.ResponseWriter, r *http.Request) {
	n, err := s.store.DeleteResolvedAlerts(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"deleted": n})
}
