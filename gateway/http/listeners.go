package http

import (
	"fmt"
	"net/http"

	"github.com/T-en1991/demo111/errors"
)

func (s *Server) listListeners(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.ingest.Listeners())
}

func (s *Server) getListener(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	info, ok := s.ingest.Listener(id)
	if !ok {
		s.fail(w, r, errors.WrapInvalid(fmt.Errorf("%w: no listener for device %d", errors.ErrNotFound, id),
			"Server", "getListener", "look up listener"))
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// startListener starts the device's listener from its stored endpoint
func (s *Server) startListener(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	info, err := s.ingest.StartDevice(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) stopListener(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.ingest.StopDevice(id); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
