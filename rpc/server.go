// Copyright 2024 The Govisor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package rpc

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gdamore/poolvisor"
)

// Source is what the handler reports on.  *poolvisor.Scheduler
// implements it.
type Source interface {
	Snapshot() *poolvisor.Snapshot
	Log() *poolvisor.Log
}

// Handler serves a Source over HTTP.
type Handler struct {
	src Source
	g   prometheus.Gatherer
	r   *mux.Router
}

type HandlerOption func(*Handler)

// WithGatherer exposes g on /metrics.
func WithGatherer(g prometheus.Gatherer) HandlerOption {
	return func(h *Handler) {
		h.g = g
	}
}

func (h *Handler) internalError(w http.ResponseWriter, e error) {
	http.Error(w, e.Error(), http.StatusInternalServerError)
}

func (h *Handler) writeJson(w http.ResponseWriter, v interface{}) {
	if b, e := json.Marshal(v); e != nil {
		h.internalError(w, e)
	} else {
		w.Header().Set("Content-Type", mimeJson)
		w.Write(b)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, e *Error) {
	if b, err := json.Marshal(e); err != nil {
		h.internalError(w, err)
	} else {
		w.Header().Set("Content-Type", mimeJson)
		w.WriteHeader(e.Code)
		w.Write(b)
	}
}

// notModified handles If-None-Match.  It sets the Etag either way.
func notModified(w http.ResponseWriter, r *http.Request, etag string) bool {
	w.Header().Set("Etag", etag)
	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return true
	}
	return false
}

func (h *Handler) snapshot(w http.ResponseWriter) *poolvisor.Snapshot {
	snap := h.src.Snapshot()
	if snap == nil {
		h.writeError(w, &Error{http.StatusServiceUnavailable, "No status available"})
	}
	return snap
}

func snapEtag(snap *poolvisor.Snapshot) string {
	return strconv.FormatInt(snap.Time.UnixNano(), 10)
}

func (h *Handler) getStatus(w http.ResponseWriter, r *http.Request) {
	if snap := h.snapshot(w); snap != nil && !notModified(w, r, snapEtag(snap)) {
		h.writeJson(w, snap)
	}
}

func (h *Handler) listWorkers(w http.ResponseWriter, r *http.Request) {
	snap := h.snapshot(w)
	if snap == nil || notModified(w, r, snapEtag(snap)) {
		return
	}
	workers := snap.Workers
	if workers == nil {
		workers = []poolvisor.WorkerState{}
	}
	h.writeJson(w, workers)
}

func (h *Handler) getWorker(w http.ResponseWriter, r *http.Request) {
	id, e := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if e != nil {
		h.writeError(w, &Error{http.StatusBadRequest, "Bad worker id"})
		return
	}
	snap := h.snapshot(w)
	if snap == nil {
		return
	}
	if st, ok := snap.Worker(poolvisor.WorkerID(id)); !ok {
		h.writeError(w, &Error{http.StatusNotFound, "Worker not found"})
	} else {
		h.writeJson(w, st)
	}
}

// getLog returns the retained log.  A request carrying PollEtagHeader is
// held until the log moves past that etag or PollTimeHeader expires.
func (h *Handler) getLog(w http.ResponseWriter, r *http.Request) {
	l := h.src.Log()
	if tag := r.Header.Get(PollEtagHeader); tag != "" {
		last, e := strconv.ParseInt(tag, 10, 64)
		secs, _ := strconv.Atoi(r.Header.Get(PollTimeHeader))
		if secs > MaxPollTime {
			secs = MaxPollTime
		}
		if e == nil && secs > 0 {
			ctx, cancel := context.WithTimeout(r.Context(), time.Duration(secs)*time.Second)
			l.WatchContext(ctx, last)
			cancel()
		}
	}
	recs, id := l.GetRecords(0)
	if notModified(w, r, strconv.FormatInt(id, 10)) {
		return
	}
	if recs == nil {
		recs = []poolvisor.LogRecord{}
	}
	h.writeJson(w, recs)
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	h.r.ServeHTTP(w, req)
}

func NewHandler(src Source, opts ...HandlerOption) *Handler {
	r := mux.NewRouter()
	h := &Handler{src: src, r: r}
	for _, o := range opts {
		o(h)
	}
	r.HandleFunc("/status", h.getStatus).Methods("GET")
	r.HandleFunc("/workers", h.listWorkers).Methods("GET")
	r.HandleFunc("/workers/{id}", h.getWorker).Methods("GET")
	r.HandleFunc("/log", h.getLog).Methods("GET")
	if h.g != nil {
		r.Handle("/metrics", promhttp.HandlerFor(h.g, promhttp.HandlerOpts{})).Methods("GET")
	}
	return h
}
