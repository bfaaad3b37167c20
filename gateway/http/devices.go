package http

import (
	"fmt"
	"net/http"

	"github.com/T-en1991/demo111/errors"
	"github.com/T-en1991/demo111/storage"
)

type createDeviceRequest struct {
	Name   string               `json:"name"`
	Type   string               `json:"type"`
	Status storage.DeviceStatus `json:"status"`
	IP     *string              `json:"ip"`
	Port   *int                 `json:"port"`
}

type updateDeviceRequest struct {
	Name          *string               `json:"name"`
	Type          *string               `json:"type"`
	Status        *storage.DeviceStatus `json:"status"`
	IP            *string               `json:"ip"`
	Port          *int                  `json:"port"`
	ClearEndpoint bool                  `json:"clear_endpoint"`
}

type deleteDevicesRequest struct {
	IDs []int64 `json:"ids"`
}

func (s *Server) listDevices(w http.ResponseWriter, r *http.Request) {
	q := storage.DeviceQuery{
		Name:   r.URL.Query().Get("name"),
		Type:   r.URL.Query().Get("type"),
		Status: storage.DeviceStatus(r.URL.Query().Get("status")),
	}
	if q.Status != "" && !q.Status.Valid() {
		s.fail(w, r, errors.WrapInvalid(fmt.Errorf("%w: unknown status %q", errors.ErrInvalidData, q.Status),
			"Server", "listDevices", "parse filter"))
		return
	}
	devices, err := s.store.ListDevices(r.Context(), q)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if devices == nil {
		devices = []storage.Device{}
	}
	writeJSON(w, http.StatusOK, devices)
}

func (s *Server) getDevice(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	d, err := s.store.GetDevice(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// createDevice stores the device and, when it has an endpoint, starts its
// listener. A listener failure does not undo the create.
func (s *Server) createDevice(w http.ResponseWriter, r *http.Request) {
	var req createDeviceRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if req.Status == "" {
		req.Status = storage.DeviceRunning
	}
	d, err := s.store.CreateDevice(r.Context(), storage.Device{
		Name:   req.Name,
		Type:   req.Type,
		Status: req.Status,
		IP:     req.IP,
		Port:   req.Port,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if _, ok := d.Endpoint(); ok {
		if _, err := s.ingest.StartDevice(r.Context(), d.ID); err != nil {
			s.logger.Warn("Listener not started for new device", "device_id", d.ID, "error", err)
		}
	}
	writeJSON(w, http.StatusCreated, d)
}

// updateDevice applies the change and restarts the listener when the
// endpoint moved
func (s *Server) updateDevice(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var req updateDeviceRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	before, err := s.store.GetDevice(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	after, err := s.store.UpdateDevice(r.Context(), id, storage.DeviceUpdate{
		Name:          req.Name,
		Type:          req.Type,
		Status:        req.Status,
		IP:            req.IP,
		Port:          req.Port,
		ClearEndpoint: req.ClearEndpoint,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.ingest.DeviceUpdated(r.Context(), before, after); err != nil {
		s.logger.Warn("Listener not restarted after device update", "device_id", id, "error", err)
	}
	writeJSON(w, http.StatusOK, after)
}

func (s *Server) deleteDevice(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.store.DeleteDevice(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.ingest.DeviceDeleted(id); err != nil {
		s.logger.Warn("Listener stop failed for deleted device", "device_id", id, "error", err)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) deleteDevices(w http.ResponseWriter, r *http.Request) {
	var req deleteDevicesRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if len(req.IDs) == 0 {
		s.fail(w, r, errors.WrapInvalid(fmt.Errorf("%w: ids must not be empty", errors.ErrInvalidData),
			"Server", "deleteDevices", "validate request"))
		return
	}
	n, err := s.store.DeleteDevices(r.Context(), req.IDs)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	for _, id := range req.IDs {
		if err := s.ingest.DeviceDeleted(id); err != nil {
			s.logger.Warn("Listener stop failed for deleted device", "device_id", id, "error", err)
		}
	}
	writeJSON(w, http.StatusOK, map[string]int64{"deleted": n})
}
