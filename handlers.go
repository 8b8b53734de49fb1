package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	pathLenMin = 1
	pathLenMax = 256

	// Largest publish body accepted.
	maxPublishSize = 1 << 20
)

func newHandler(h *hub, origin string) http.Handler {
	handler := mux.NewRouter()

	// Route websocket requests
	handler.NewRoute().HeadersRegexp(
		// Requests with these headers will use this handler
		"Connection", "(?i)upgrade",
		"Upgrade", "(?i)websocket",
	).Handler(newWsHandler(h, origin))

	handler.Methods("GET").Path("/metrics").Handler(promhttp.Handler())
	handler.Methods("GET").Path("/health").Handler(healthHandler{h: h})

	// Route other GET and POST requests
	handler.Methods("GET").Handler(getHandler{h: h})
	handler.Methods("POST").Handler(postHandler{h: h})

	return handler
}

type wsHandler struct {
	h        *hub
	upgrader *websocket.Upgrader
}

// newWsHandler accepts any Origin when origin is empty, otherwise only an
// exact match.
func newWsHandler(h *hub, origin string) wsHandler {
	upgrader := &websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024}
	upgrader.CheckOrigin = func(r *http.Request) bool {
		return origin == "" || r.Header.Get("Origin") == origin
	}
	return wsHandler{h: h, upgrader: upgrader}
}

func (wsh wsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := wsh.upgrader.Upgrade(w, r, nil)
	if err != nil {
		wsh.h.log.Debug("websocket upgrade failed", zap.String("url", r.URL.String()), zap.Error(err))
		return
	}
	c := newConnection(websocketInteractor{ws: ws}, wsh.h)
	defer c.recoverPanic("run")
	c.run()
}

type getHandler struct {
	h *hub
}

func (gh getHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !validateRequest(w, r) {
		return
	}
	webTemplate.Execute(w, templateArgs{
		Host:    r.Host,
		Channel: strings.TrimPrefix(r.URL.Path, "/"),
	})
}

type postHandler struct {
	h *hub
}

func (ph postHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxPublishSize))
	if err != nil {
		ph.fail(w, fmt.Errorf("read body: %w", err))
		return
	}
	var req publishRequest
	if err := json.Unmarshal(body, &req); err != nil {
		ph.fail(w, fmt.Errorf("decode body: %w", err))
		return
	}
	if req.Name == "" || req.Channel == "" {
		ph.fail(w, errors.New("name and channel are required"))
		return
	}

	ph.h.publish(req.Channel, eventFrame(req.Name, req.Channel, req.Data))
	eventsPublished.Inc()
	ph.h.log.Info("event published", zap.String("channel", req.Channel), zap.String("event", req.Name))

	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte("{}"))
}

func (ph postHandler) fail(w http.ResponseWriter, err error) {
	ph.h.log.Error("event publishing error", zap.Error(err))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusInternalServerError)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

type healthHandler struct {
	h *hub
}

func (hh healthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":      "ok",
		"channels":    hh.h.channelCount(),
		"connections": hh.h.ticker.count(),
	})
}

func validateRequest(w http.ResponseWriter, r *http.Request) bool {
	if !utf8.ValidString(r.URL.Path) {
		sendBadRequestError(w, "Path must be valid Unicode (UTF-8).")
		return false
	}
	pathLen := utf8.RuneCountInString(r.URL.Path)
	if !(pathLenMin <= pathLen && pathLen <= pathLenMax) {
		sendBadRequestError(w, fmt.Sprintf(
			"Path length must be %d-%d Unicode characters (UTF-8).",
			pathLenMin, pathLenMax))
		return false
	}
	return true
}

func sendBadRequestError(w http.ResponseWriter, str string) {
	http.Error(w,
		fmt.Sprintf("Error: bad request. %s", str),
		http.StatusBadRequest)
}
