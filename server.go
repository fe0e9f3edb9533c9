package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"i4.energy/across/sim800/modem"
)

// Server handles incoming HTTP requests for interacting with the
// configured modem instance
type Server struct {
	Logger *zap.Logger
	Modem  *modem.Modem
}

// ServeHTTP implements the http.Handler interface for the Server struct
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /sms", s.handleSendSMS)
	mux.HandleFunc("GET /sms", s.handleListSMS)
	mux.HandleFunc("DELETE /sms/{index}", s.handleDeleteSMS)
	mux.HandleFunc("POST /fetch", s.handleFetch)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.ServeHTTP(w, r)
}

func (s *Server) sendError(w http.ResponseWriter, message string, statusCode int) {
	if message == "" {
		w.WriteHeader(statusCode)
		return
	}

	type ErrorResponse struct {
		Message string `json:"message"`
	}
	resp := ErrorResponse{Message: message}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(resp)

}

func (s *Server) sendJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// handleSendSMS processes incoming HTTP POST requests to send SMS messages
func (s *Server) handleSendSMS(w http.ResponseWriter, r *http.Request) {
	type SMSRequest struct {
		To      string `json:"to"`
		Message string `json:"message"`
	}

	var req SMSRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, err.Error(), http.StatusBadRequest)
		return
	}

	if req.To == "" || req.Message == "" {
		s.sendError(w, "both 'to' and 'message' fields are required", http.StatusBadRequest)
		return
	}

	if err := s.Modem.SendSMS(r.Context(), req.To, req.Message); err != nil {
		s.Logger.Error("Failed to send SMS", zap.Error(err), zap.String("to", req.To))
		s.sendError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	s.Logger.Info("SMS sent successfully", zap.String("to", req.To), zap.Int("message_length", len(req.Message)))
	w.WriteHeader(http.StatusOK)
}

// handleListSMS lists messages in modem storage. The optional "status"
// query parameter narrows the listing (e.g. "REC UNREAD").
func (s *Server) handleListSMS(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")

	msgs, err := s.Modem.ListMessages(r.Context(), status)
	if err != nil {
		s.Logger.Error("Failed to list SMS", zap.Error(err))
		s.sendError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if msgs == nil {
		msgs = []modem.Message{}
	}
	s.sendJSON(w, msgs)
}

// handleDeleteSMS deletes one message by storage index
func (s *Server) handleDeleteSMS(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(r.PathValue("index"))
	if err != nil {
		s.sendError(w, "index must be a number", http.StatusBadRequest)
		return
	}

	if err := s.Modem.DeleteMessage(r.Context(), index, modem.DeleteIndexed); err != nil {
		s.Logger.Error("Failed to delete SMS", zap.Error(err), zap.Int("index", index))
		s.sendError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleFetch proxies an HTTP request through the modem's GPRS bearer.
// The remote status code and body are returned verbatim.
func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request) {
	type FetchRequest struct {
		Method  string            `json:"method"`
		URL     string            `json:"url"`
		Body    string            `json:"body,omitempty"`
		Headers map[string]string `json:"headers,omitempty"`
	}

	var req FetchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.URL == "" {
		s.sendError(w, "'url' field is required", http.StatusBadRequest)
		return
	}

	var (
		resp *modem.HTTPResponse
		err  error
	)
	switch req.Method {
	case "", "GET":
		resp, err = s.Modem.HTTP().Get(r.Context(), req.URL, req.Headers)
	case "POST":
		resp, err = s.Modem.HTTP().Post(r.Context(), req.URL, []byte(req.Body), "", req.Headers)
	case "HEAD":
		resp, err = s.Modem.HTTP().Head(r.Context(), req.URL, req.Headers)
	default:
		s.sendError(w, "method must be GET, POST or HEAD", http.StatusBadRequest)
		return
	}

	if err != nil {
		s.Logger.Error("Fetch through modem failed", zap.Error(err), zap.String("url", req.URL))
		var serr *modem.StatusError
		if errors.As(err, &serr) {
			// A modem-local completion code never maps to a remote
			// HTTP status; report it as gateway failure.
			s.sendError(w, serr.Error(), http.StatusBadGateway)
			return
		}
		s.sendError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(resp.StatusCode)
	w.Write(resp.Body)
}

// handleStatus reports link health: signal quality, operator, battery
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	type StatusResponse struct {
		SignalPercent int    `json:"signal_percent"`
		Operator      string `json:"operator,omitempty"`
		BatteryLevel  int    `json:"battery_level"`
	}

	var st StatusResponse
	var err error

	if st.SignalPercent, err = s.Modem.SignalStrength(r.Context()); err != nil {
		s.sendError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if st.Operator, err = s.Modem.Operator(r.Context()); err != nil {
		s.Logger.Warn("Operator query failed", zap.Error(err))
	}
	if st.BatteryLevel, err = s.Modem.BatteryLevel(r.Context()); err != nil {
		s.Logger.Warn("Battery query failed", zap.Error(err))
	}

	s.sendJSON(w, st)
}
