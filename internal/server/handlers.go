package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/marlowe/crmsync/internal/models"
	"github.com/marlowe/crmsync/internal/serverdb"
)

// changeLimit caps one change poll batch.
const changeLimit = 500

// --- Settings ---

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	doc, err := s.store.GetDocument(vars["tenant"], vars["user"])
	if err != nil {
		writeError(w, http.StatusInternalServerError, errCodeInternal, err.Error())
		return
	}
	if doc == nil {
		writeError(w, http.StatusNotFound, errCodeNotFound, "no settings document")
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	tenantID, userID := vars["tenant"], vars["user"]

	var doc models.SettingsDocument
	if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
		writeError(w, http.StatusBadRequest, errCodeBadRequest, "malformed document: "+err.Error())
		return
	}
	doc.TenantID = tenantID
	doc.UserID = userID
	if doc.UpdatedAt.IsZero() {
		writeError(w, http.StatusBadRequest, errCodeBadRequest, "document missing updated_at")
		return
	}
	// lastSynced must never run ahead of updatedAt.
	if doc.LastSyncedAt.IsZero() || doc.LastSyncedAt.After(doc.UpdatedAt) {
		doc.LastSyncedAt = doc.UpdatedAt
	}

	sourceDevice := r.Header.Get("X-Device-ID")
	seq, err := s.store.UpsertDocument(&doc, sourceDevice)
	if err != nil {
		writeError(w, http.StatusInternalServerError, errCodeInternal, err.Error())
		return
	}

	s.notify.wake(tenantID + "/" + userID)
	writeJSON(w, http.StatusOK, map[string]int64{"seq": seq})
}

// changesResponse mirrors the client's poll body.
type changesResponse struct {
	Changes []models.Change `json:"changes"`
	NextSeq int64           `json:"next_seq"`
}

// handleChanges serves the long-poll change feed. The request parks until a
// change lands for the user, the wait window expires, or the client leaves.
func (s *Server) handleChanges(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	tenantID, userID := vars["tenant"], vars["user"]
	key := tenantID + "/" + userID

	afterSeq, _ := strconv.ParseInt(r.URL.Query().Get("after_seq"), 10, 64)
	excludeDevice := r.URL.Query().Get("exclude_device")

	wait := s.config.MaxPollWait
	if v := r.URL.Query().Get("wait"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
			if d := time.Duration(secs) * time.Second; d < wait {
				wait = d
			}
		}
	}
	deadline := time.NewTimer(wait)
	defer deadline.Stop()

	for {
		// Register before reading so a write between the read and the park
		// cannot be missed. Every exit releases the waiter so timed-out or
		// disconnected pollers do not pile up in the notifier.
		woken, release := s.notify.wait(key)

		cur, err := s.store.CurrentSeq(tenantID, userID)
		if err != nil {
			release()
			writeError(w, http.StatusInternalServerError, errCodeInternal, err.Error())
			return
		}
		if cur > afterSeq {
			release()
			changes, err := s.store.ChangesAfter(tenantID, userID, afterSeq, excludeDevice, changeLimit)
			if err != nil {
				writeError(w, http.StatusInternalServerError, errCodeInternal, err.Error())
				return
			}
			next := cur
			if len(changes) == changeLimit {
				next = changes[len(changes)-1].Seq
			}
			// An empty batch still advances the cursor past suppressed echoes.
			writeJSON(w, http.StatusOK, changesResponse{Changes: changes, NextSeq: next})
			return
		}

		select {
		case <-woken:
		case <-deadline.C:
			release()
			writeJSON(w, http.StatusOK, changesResponse{NextSeq: afterSeq})
			return
		case <-r.Context().Done():
			release()
			return
		}
	}
}

// --- Devices ---

func (s *Server) handleRegisterDevice(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DeviceID    string `json:"device_id"`
		UserID      string `json:"user_id"`
		TenantID    string `json:"tenant_id"`
		Fingerprint string `json:"fingerprint"`
		DeviceType  string `json:"device_type"`
		MFAVerified bool   `json:"mfa_verified"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errCodeBadRequest, "malformed registration: "+err.Error())
		return
	}
	if req.DeviceID == "" || req.UserID == "" {
		writeError(w, http.StatusBadRequest, errCodeBadRequest, "device_id and user_id are required")
		return
	}

	rec, err := s.store.RegisterDevice(req.DeviceID, req.UserID, req.TenantID, req.Fingerprint, req.DeviceType, req.MFAVerified)
	if err != nil {
		writeError(w, http.StatusInternalServerError, errCodeInternal, err.Error())
		return
	}
	s.logSecurityEvent("device_registered", req.DeviceID, true, map[string]string{
		"user_id":     req.UserID,
		"trust_level": string(rec.TrustLevel),
	})
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, errCodeBadRequest, "user_id is required")
		return
	}
	recs, err := s.store.ListDevices(userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, errCodeInternal, err.Error())
		return
	}
	if recs == nil {
		recs = []models.DeviceRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleVerifyDevice(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["id"]
	var req struct {
		UserID     string `json:"user_id"`
		TrustLevel string `json:"trust_level"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errCodeBadRequest, "malformed request: "+err.Error())
		return
	}

	err := s.store.VerifyDevice(deviceID, models.TrustLevel(req.TrustLevel))
	switch {
	case errors.Is(err, serverdb.ErrDeviceNotFound):
		writeError(w, http.StatusNotFound, errCodeNotFound, err.Error())
		return
	case errors.Is(err, serverdb.ErrTrustRegression):
		s.logSecurityEvent("trust_verify", deviceID, false, map[string]string{
			"user_id": req.UserID,
			"to":      req.TrustLevel,
		})
		writeError(w, http.StatusConflict, errCodeTrust, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusBadRequest, errCodeBadRequest, err.Error())
		return
	}

	s.logSecurityEvent("trust_verify", deviceID, true, map[string]string{
		"user_id": req.UserID,
		"to":      req.TrustLevel,
	})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRevokeDevice(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["id"]
	var req struct {
		UserID string `json:"user_id"`
	}
	json.NewDecoder(r.Body).Decode(&req)

	err := s.store.RevokeDevice(deviceID)
	if errors.Is(err, serverdb.ErrDeviceNotFound) {
		writeError(w, http.StatusNotFound, errCodeNotFound, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, errCodeInternal, err.Error())
		return
	}

	s.logSecurityEvent("device_revoked", deviceID, true, map[string]string{"user_id": req.UserID})
	w.WriteHeader(http.StatusNoContent)
}

// --- Credentials ---

func (s *Server) handleGetCredential(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	layer := models.CredentialLayer(r.URL.Query().Get("layer"))

	value, found, err := s.store.GetCredential(vars["tenant"], vars["user"], layer, vars["name"])
	if err != nil {
		writeError(w, http.StatusInternalServerError, errCodeInternal, err.Error())
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, errCodeNotFound, "no record at layer")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"value": value, "present": true})
}

func (s *Server) handlePutCredential(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	layer := models.CredentialLayer(r.URL.Query().Get("layer"))

	var req struct {
		Value string `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errCodeBadRequest, "malformed request: "+err.Error())
		return
	}

	if err := s.store.SetCredential(vars["tenant"], vars["user"], layer, vars["name"], req.Value); err != nil {
		writeError(w, http.StatusInternalServerError, errCodeInternal, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteCredential(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	layer := models.CredentialLayer(r.URL.Query().Get("layer"))

	if err := s.store.DeleteCredential(vars["tenant"], vars["user"], layer, vars["name"]); err != nil {
		writeError(w, http.StatusInternalServerError, errCodeInternal, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// logSecurityEvent records to the durable sink. Sink failures are logged,
// never propagated to the request.
func (s *Server) logSecurityEvent(action, resource string, success bool, details map[string]string) {
	if err := s.store.InsertSecurityEvent(action, resource, success, details); err != nil {
		slog.Error("record security event", "action", action, "err", err)
	}
}
