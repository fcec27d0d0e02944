package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/BTreeMap/CarePipe/internal/models"
)

// readBody reads a bounded request body.
func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	return io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
}

// authorize verifies the webhook signature. It writes a 401 and returns false on failure.
func (s *Server) authorize(w http.ResponseWriter, r *http.Request, body []byte) bool {
	err := VerifySignature(body, r.Header.Get(s.opts.SignatureHeader), s.opts.WebhookSecret)
	if err == nil {
		return true
	}
	if s.opts.AllowUnsigned {
		slog.Debug("Server.authorize: accepting unsigned webhook", "path", r.URL.Path, "reason", err)
		return true
	}
	slog.Warn("Server.authorize: webhook rejected", "path", r.URL.Path, "error", err)
	writeJSONResponse(w, http.StatusUnauthorized, models.Error(err.Error()))
	return false
}

// inboundWebhookHandler handles POST /webhooks/inbound
func (s *Server) inboundWebhookHandler(w http.ResponseWriter, r *http.Request) {
	slog.Debug("Server.inboundWebhookHandler: processing inbound webhook", "method", r.Method, "path", r.URL.Path)
	body, err := readBody(w, r)
	if err != nil {
		slog.Warn("Server.inboundWebhookHandler: failed to read body", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Failed to read request body"))
		return
	}
	if !s.authorize(w, r, body) {
		return
	}

	msg, err := ParseInbound(body, r.Header.Get("Content-Type"), s.now())
	if err != nil {
		// Acknowledge so the gateway does not redeliver a payload we can never handle.
		slog.Warn("Server.inboundWebhookHandler: malformed payload dropped", "error", err)
		writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Payload ignored", nil))
		return
	}

	// Processing continues even if the gateway hangs up.
	res := s.inbound.Handle(context.WithoutCancel(r.Context()), msg)
	writeJSONResponse(w, http.StatusOK, models.Success(res))
}

// statusWebhookHandler handles POST /webhooks/status
func (s *Server) statusWebhookHandler(w http.ResponseWriter, r *http.Request) {
	slog.Debug("Server.statusWebhookHandler: processing status webhook", "method", r.Method, "path", r.URL.Path)
	body, err := readBody(w, r)
	if err != nil {
		slog.Warn("Server.statusWebhookHandler: failed to read body", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Failed to read request body"))
		return
	}
	if !s.authorize(w, r, body) {
		return
	}

	update, err := ParseStatus(body, r.Header.Get("Content-Type"))
	if err != nil {
		slog.Warn("Server.statusWebhookHandler: malformed payload dropped", "error", err)
		writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Payload ignored", nil))
		return
	}
	action, ok := models.DeliveryActionFor(update.Status)
	if !ok {
		slog.Debug("Server.statusWebhookHandler: status ignored", "providerID", update.ProviderID, "status", update.Status)
		writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Status ignored", nil))
		return
	}

	result, err := s.tracker.RecordDeliveryByGatewayID(r.Context(), update.ProviderID, action, update.Raw, map[string]string{"status": string(update.Status)})
	if errors.Is(err, models.ErrReminderNotFound) {
		// Status callbacks also arrive for replies and verification messages.
		slog.Debug("Server.statusWebhookHandler: no reminder for provider id", "providerID", update.ProviderID)
		writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("No matching reminder", nil))
		return
	}
	if err != nil {
		slog.Error("Server.statusWebhookHandler: failed to record delivery", "providerID", update.ProviderID, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to record delivery status"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Recorded(result))
}

// dispatchReminderHandler handles POST /reminders/{id}/dispatch
func (s *Server) dispatchReminderHandler(w http.ResponseWriter, r *http.Request) {
	reminderID := r.PathValue("id")
	slog.Debug("Server.dispatchReminderHandler: processing dispatch request", "reminderID", reminderID)

	rem, err := s.st.GetReminder(r.Context(), reminderID)
	if err != nil {
		writeError(w, err, "Failed to load reminder")
		return
	}
	if rem.IsDeleted() {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Reminder not found"))
		return
	}

	now := s.now()
	jobID, err := s.enqueuer.EnqueueReminder(r.Context(), reminderID, now, "manual:"+reminderID+":"+strconv.FormatInt(now.UnixNano(), 10))
	if err != nil {
		writeError(w, err, "Failed to queue reminder")
		return
	}
	slog.Info("Server.dispatchReminderHandler: reminder queued", "reminderID", reminderID, "jobID", jobID)
	writeJSONResponse(w, http.StatusAccepted, models.ScheduledWithMessage("Reminder dispatch queued", map[string]string{"job_id": jobID}))
}

// reminderStatusHandler handles GET /reminders/{id}/status
func (s *Server) reminderStatusHandler(w http.ResponseWriter, r *http.Request) {
	reminderID := r.PathValue("id")
	status, err := s.tracker.Status(r.Context(), reminderID)
	if err != nil {
		writeError(w, err, "Failed to derive reminder status")
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(status))
}

// confirmationHandler handles POST /confirmations
func (s *Server) confirmationHandler(w http.ResponseWriter, r *http.Request) {
	slog.Debug("Server.confirmationHandler: processing confirmation", "method", r.Method, "path", r.URL.Path)
	defer r.Body.Close()

	var req models.ReminderConfirmationRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		slog.Warn("Server.confirmationHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if err := req.Validate(); err != nil {
		slog.Warn("Server.confirmationHandler: validation failed", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	if _, err := s.st.GetPatient(r.Context(), req.PatientID); err != nil {
		writeError(w, err, "Failed to load patient")
		return
	}

	c, err := s.tracker.RecordConfirmation(r.Context(), req.PatientID, req.ReminderID, *req.Taken, req.Notes, models.ConfirmationSourceVolunteer)
	if err != nil {
		writeError(w, err, "Failed to record confirmation")
		return
	}
	writeJSONResponse(w, http.StatusCreated, models.Recorded(c))
}

// verificationHandler handles POST /patients/{id}/verification
func (s *Server) verificationHandler(w http.ResponseWriter, r *http.Request) {
	patientID := r.PathValue("id")
	if _, err := s.st.GetPatient(r.Context(), patientID); err != nil {
		writeError(w, err, "Failed to load patient")
		return
	}

	now := s.now()
	jobID, err := s.enqueuer.EnqueueVerification(r.Context(), patientID, "verification:"+patientID+":"+strconv.FormatInt(now.UnixNano(), 10))
	if err != nil {
		writeError(w, err, "Failed to queue verification")
		return
	}
	slog.Info("Server.verificationHandler: verification queued", "patientID", patientID, "jobID", jobID)
	writeJSONResponse(w, http.StatusAccepted, models.ScheduledWithMessage("Verification message queued", map[string]string{"job_id": jobID}))
}

// healthHandler handles GET /healthz
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	result := map[string]string{"status": "ok"}
	if s.health != nil {
		result["transport"] = s.health.TransportName()
		result["breaker"] = string(s.health.Breaker().State())
	}
	writeJSONResponse(w, http.StatusOK, models.Success(result))
}
