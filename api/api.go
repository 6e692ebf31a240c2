// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

// Package api serves the HTTP API that writes box configurations and exposes
// the connection registry.
package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/apex/log"
	"github.com/goccy/go-json"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sensebox/box-integration-bridge/integration"
	"github.com/sensebox/box-integration-bridge/registry"
	"github.com/sensebox/box-integration-bridge/store"
	"github.com/sensebox/box-integration-bridge/types"
)

// MaxBodySize is the maximum size of a request body
var MaxBodySize int64 = 1 << 20

// API serves the boxes and connections
type API struct {
	ctx      log.Interface
	store    *store.Store
	registry *registry.Registry
}

// New returns a new API
func New(ctx log.Interface, s *store.Store, r *registry.Registry) *API {
	return &API{
		ctx:      ctx.WithField("Component", "API"),
		store:    s,
		registry: r,
	}
}

// Connection is the JSON representation of a registry entry
type Connection struct {
	DeviceID  string            `json:"device_id"`
	State     registry.State    `json:"state"`
	Config    *integration.MQTT `json:"config,omitempty"`
	LastError string            `json:"last_error,omitempty"`
	Since     time.Time         `json:"since"`
}

// redacted returns a copy of the config without broker credentials
func redacted(config *integration.MQTT) *integration.MQTT {
	config = config.Clone()
	if config == nil {
		return nil
	}
	if config.ConnectionOptions != "" {
		config.ConnectionOptions = redactedValue
	}
	if u, err := url.Parse(config.URL); err == nil && u.User != nil {
		u.User = url.User(redactedValue)
		config.URL = u.String()
	}
	return config
}

const redactedValue = "redacted"

func connection(entry registry.Entry) Connection {
	c := Connection{
		DeviceID: entry.DeviceID,
		State:    entry.State,
		Config:   redacted(entry.Config),
		Since:    entry.Since,
	}
	if entry.LastError != nil {
		c.LastError = entry.LastError.Error()
	}
	return c
}

type recoveryLogger struct {
	ctx log.Interface
}

func (l recoveryLogger) Println(v ...interface{}) {
	l.ctx.Error(fmt.Sprint(v...))
}

// Handler returns the HTTP handler of the API
func (a *API) Handler() http.Handler {
	router := mux.NewRouter()
	router.HandleFunc("/boxes", a.listBoxes).Methods(http.MethodGet)
	router.HandleFunc("/boxes/{id}", a.getBox).Methods(http.MethodGet)
	router.HandleFunc("/boxes/{id}", a.putBox).Methods(http.MethodPut)
	router.HandleFunc("/boxes/{id}", a.deleteBox).Methods(http.MethodDelete)
	router.HandleFunc("/boxes/{id}/integrations", a.putIntegrations).Methods(http.MethodPut)
	router.HandleFunc("/boxes/{id}/integrations/validate", a.validateIntegrations).Methods(http.MethodPost)
	router.HandleFunc("/connections", a.listConnections).Methods(http.MethodGet)
	router.HandleFunc("/connections/{id}", a.getConnection).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	return handlers.RecoveryHandler(handlers.RecoveryLogger(recoveryLogger{a.ctx}))(
		handlers.CORS(
			handlers.AllowedMethods([]string{http.MethodGet, http.MethodPut, http.MethodPost, http.MethodDelete}),
			handlers.AllowedHeaders([]string{"Content-Type"}),
		)(handlers.CompressHandler(router)),
	)
}

func (a *API) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.ctx.WithError(err).Warn("Could not write response")
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func (a *API) writeError(w http.ResponseWriter, err error) {
	var validationErr *integration.ValidationError
	switch {
	case errors.As(err, &validationErr):
		a.writeJSON(w, http.StatusUnprocessableEntity, validationErr)
	case errors.Is(err, store.ErrNotFound):
		a.writeJSON(w, http.StatusNotFound, errorResponse{err.Error()})
	case errors.Is(err, store.ErrMissingID), errors.Is(err, errBadRequest):
		a.writeJSON(w, http.StatusBadRequest, errorResponse{err.Error()})
	default:
		a.ctx.WithError(err).Warn("Request failed")
		a.writeJSON(w, http.StatusInternalServerError, errorResponse{err.Error()})
	}
}

var errBadRequest = errors.New("bad request")

func readJSON(r *http.Request, v interface{}) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, MaxBodySize))
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("%w: %s", errBadRequest, err)
	}
	return nil
}

func (a *API) listBoxes(w http.ResponseWriter, r *http.Request) {
	boxes, err := a.store.List()
	if err != nil {
		a.writeError(w, err)
		return
	}
	if boxes == nil {
		boxes = []*types.Box{}
	}
	a.writeJSON(w, http.StatusOK, boxes)
}

func (a *API) getBox(w http.ResponseWriter, r *http.Request) {
	box, err := a.store.Get(mux.Vars(r)["id"])
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, box)
}

func (a *API) putBox(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["id"]
	var box types.Box
	if err := readJSON(r, &box); err != nil {
		a.writeError(w, err)
		return
	}
	if box.ID == "" {
		box.ID = deviceID
	}
	if box.ID != deviceID {
		a.writeError(w, fmt.Errorf("%w: id %q does not match path", errBadRequest, box.ID))
		return
	}
	if _, err := a.store.Save(&box); err != nil {
		a.writeError(w, err)
		return
	}
	a.getBox(w, r)
}

func (a *API) putIntegrations(w http.ResponseWriter, r *http.Request) {
	var config integration.Config
	if err := readJSON(r, &config); err != nil {
		a.writeError(w, err)
		return
	}
	if _, err := a.store.SaveIntegrations(mux.Vars(r)["id"], config); err != nil {
		a.writeError(w, err)
		return
	}
	a.getBox(w, r)
}

func (a *API) validateIntegrations(w http.ResponseWriter, r *http.Request) {
	var config integration.Config
	if err := readJSON(r, &config); err != nil {
		a.writeError(w, err)
		return
	}
	if err := integration.Validate(&config); err != nil {
		a.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) deleteBox(w http.ResponseWriter, r *http.Request) {
	if _, err := a.store.Remove(mux.Vars(r)["id"]); err != nil {
		a.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) listConnections(w http.ResponseWriter, r *http.Request) {
	entries := a.registry.List()
	connections := make([]Connection, len(entries))
	for i, entry := range entries {
		connections[i] = connection(entry)
	}
	a.writeJSON(w, http.StatusOK, connections)
}

func (a *API) getConnection(w http.ResponseWriter, r *http.Request) {
	entry, ok := a.registry.Get(mux.Vars(r)["id"])
	if !ok {
		a.writeJSON(w, http.StatusNotFound, errorResponse{"Connection not found"})
		return
	}
	a.writeJSON(w, http.StatusOK, connection(entry))
}
