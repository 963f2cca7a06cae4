package main

import (
	"encoding/json"
	"net/http"
	"sort"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/speters/ecotouchd/pkg/ecotouch"
	"github.com/speters/ecotouchd/pkg/poller"
)

// api serves the REST interface of the daemon
type api struct {
	clients map[string]*ecotouch.Client
	poller  *poller.Poller
}

func (a *api) router() *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/version", versionInfo).Methods("GET")
	router.HandleFunc("/devices", a.getDevices).Methods("GET")
	router.HandleFunc("/devices/{device}/tags", a.getTags).Methods("GET")
	router.HandleFunc("/devices/{device}/values", a.getValues).Methods("GET")
	router.HandleFunc("/devices/{device}/tags/{tag}", a.getTag).Methods("GET")
	router.HandleFunc("/devices/{device}/tags/{tag}", a.setTag).Methods("POST")
	return router
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=UTF-8")
	w.WriteHeader(status)
	e := json.NewEncoder(w)
	e.SetIndent("", "    ")
	if err := e.Encode(v); err != nil {
		log.Errorf("Encoding response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "text/plain; charset=UTF-8")
	w.WriteHeader(status)
	w.Write([]byte(err.Error()))
}

// errorStatus maps library errors onto http status codes
func errorStatus(err error) int {
	switch {
	case errors.Is(err, ecotouch.ErrUnknownTag):
		return http.StatusNotFound
	case errors.Is(err, ecotouch.ErrInvalidValue):
		return http.StatusBadRequest
	case errors.Is(err, ecotouch.ErrTooManyUsers):
		return http.StatusServiceUnavailable
	case errors.Is(err, ecotouch.ErrTimeout):
		return http.StatusGatewayTimeout
	}
	return http.StatusBadGateway
}

func versionInfo(w http.ResponseWriter, r *http.Request) {
	v := struct {
		Version   string `json:"version"`
		BuildDate string `json:"build_date"`
	}{Version: buildVersion, BuildDate: buildDate}
	writeJSON(w, http.StatusOK, v)
}

type deviceInfo struct {
	Name   string          `json:"name"`
	Family ecotouch.Family `json:"family"`
	Tags   int             `json:"active_tags"`
}

func (a *api) getDevices(w http.ResponseWriter, r *http.Request) {
	names := make([]string, 0, len(a.clients))
	for n := range a.clients {
		names = append(names, n)
	}
	sort.Strings(names)
	devices := make([]deviceInfo, 0, len(names))
	for _, n := range names {
		c := a.clients[n]
		devices = append(devices, deviceInfo{Name: n, Family: c.Registry().Family(), Tags: len(c.ActiveTags())})
	}
	writeJSON(w, http.StatusOK, devices)
}

func (a *api) client(w http.ResponseWriter, r *http.Request) (*ecotouch.Client, bool) {
	name := mux.Vars(r)["device"]
	c, ok := a.clients[name]
	if !ok {
		writeError(w, http.StatusNotFound, errors.Errorf("No such device %v", name))
	}
	return c, ok
}

func (a *api) getTags(w http.ResponseWriter, r *http.Request) {
	c, ok := a.client(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, c.Registry().Tags())
}

func (a *api) getValues(w http.ResponseWriter, r *http.Request) {
	if _, ok := a.client(w, r); !ok {
		return
	}
	name := mux.Vars(r)["device"]
	s, ok := a.poller.Last(name)
	if !ok {
		writeError(w, http.StatusNotFound, errors.Errorf("Device %v not polled yet", name))
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (a *api) getTag(w http.ResponseWriter, r *http.Request) {
	c, ok := a.client(w, r)
	if !ok {
		return
	}
	res, err := c.ReadNamed(r.Context(), mux.Vars(r)["tag"])
	if err != nil {
		writeError(w, errorStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, byName(res))
}

func (a *api) setTag(w http.ResponseWriter, r *http.Request) {
	c, ok := a.client(w, r)
	if !ok {
		return
	}
	name := mux.Vars(r)["tag"]
	t, ok := c.Registry().Get(name)
	if !ok {
		writeError(w, http.StatusNotFound, errors.Errorf("No such tag %v", name))
		return
	}

	var val interface{}
	if err := json.NewDecoder(r.Body).Decode(&val); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	res, err := c.WriteValue(r.Context(), t, val)
	if err != nil {
		writeError(w, errorStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, byName(res))
}

func byName(res map[*ecotouch.Tag]ecotouch.TagResult) map[string]ecotouch.TagResult {
	m := make(map[string]ecotouch.TagResult, len(res))
	for t, r := range res {
		m[t.Name] = r
	}
	return m
}
