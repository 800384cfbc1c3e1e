/*
cell-tester - Charge/discharge tester for rechargeable cells
Copyright (C) 2024, The Cacophony Project

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program. If not, see <http://www.gnu.org/licenses/>.
*/

package status

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/julienschmidt/httprouter"
)

const JSONContentType = "application/json"

var ErrSlotNotFound = errors.New("slot does not exist")

// NewRouter serves the slot API and, when metrics is not nil, /metrics.
func NewRouter(store *Store, metrics *Metrics) *httprouter.Router {
	router := httprouter.New()
	router.GET("/api/slots", newSlotsHandler(store))
	router.GET("/api/slots/:slot", newSlotHandler(store))
	if metrics != nil {
		router.Handler(http.MethodGet, "/metrics", metrics.Handler())
	}
	router.NotFound = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		renderError(w, fmt.Errorf("no resource at %s", r.URL.Path), http.StatusNotFound)
	})
	return router
}

func newSlotsHandler(store *Store) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		renderJSON(w, store.All())
	}
}

func newSlotHandler(store *Store) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		index, err := strconv.Atoi(ps.ByName("slot"))
		if err != nil {
			renderError(w, fmt.Errorf("invalid slot %q", ps.ByName("slot")), http.StatusBadRequest)
			return
		}
		st, ok := store.Get(index)
		if !ok {
			renderError(w, ErrSlotNotFound, http.StatusNotFound)
			return
		}
		renderJSON(w, st)
	}
}

func renderError(w http.ResponseWriter, err error, statusCode int) {
	w.Header().Set("Content-Type", JSONContentType)
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

func renderJSON(w http.ResponseWriter, data interface{}) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		renderError(w, fmt.Errorf("failed to marshal data: %w", err), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", JSONContentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(jsonData)
}
