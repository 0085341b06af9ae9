package main

import (
	"cmp"
	"context"
	"fmt"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/oszuidwest/zwfm-wakeword/internal/audio"
	"github.com/oszuidwest/zwfm-wakeword/internal/capture"
	"github.com/oszuidwest/zwfm-wakeword/internal/config"
	"github.com/oszuidwest/zwfm-wakeword/internal/eventlog"
	"github.com/oszuidwest/zwfm-wakeword/internal/notify"
	"github.com/oszuidwest/zwfm-wakeword/internal/server"
	"github.com/oszuidwest/zwfm-wakeword/internal/types"
	"github.com/oszuidwest/zwfm-wakeword/internal/util"
)

const (
	defaultEventLimit  = 100
	webhookTestTimeout = 15 * time.Second
)

// StatusResponse is the body of GET /healthz and the first WebSocket message.
type StatusResponse struct {
	Status         string             `json:"status"`
	Version        string             `json:"version"`
	Commit         string             `json:"commit"`
	BuildTime      string             `json:"build_time"`
	Uptime         string             `json:"uptime"`
	Platform       string             `json:"platform"`
	Models         []types.ModelView  `json:"models"`
	Recording      *capture.Recording `json:"recording,omitempty"`
	PendingUploads int                `json:"pending_uploads"`
	Subscribers    int                `json:"subscribers"`
}

// SettingsResponse is the body of GET /api/settings.
type SettingsResponse struct {
	SecondStageEnabled bool   `json:"second_stage_enabled"`
	Matcher            string `json:"matcher"`
	WebhookURL         string `json:"webhook_url"`
	EngineType         string `json:"engine_type"`
	CaptureDevice      string `json:"capture_device"`
	SampleRate         int    `json:"sample_rate"`
}

// modelName returns the {name} path value, rejecting names that could
// escape the model directory.
func modelName(r *http.Request) (string, error) {
	name := r.PathValue("name")
	if err := util.ValidateName("name", name); err != nil {
		return "", err
	}
	return name, nil
}

func (s *Server) status() StatusResponse {
	resp := StatusResponse{
		Status:      "ok",
		Version:     Version,
		Commit:      Commit,
		BuildTime:   util.FormatHumanTime(BuildTime),
		Uptime:      util.FormatUptime(time.Since(s.started)),
		Platform:    runtime.GOOS,
		Models:      s.svc.Models(),
		Subscribers: s.svc.Events().Subscribers(),
	}
	if s.captures != nil {
		resp.PendingUploads = s.captures.PendingUploads()
	}
	if rec, ok := s.svc.Recording(); ok {
		resp.Recording = &rec
	}
	return resp
}

// handleHealth returns the daemon status.
// GET /healthz
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	server.WriteJSON(w, http.StatusOK, s.status())
}

// handleListModels returns every known sound model.
// GET /api/models
func (s *Server) handleListModels(w http.ResponseWriter, _ *http.Request) {
	server.WriteJSON(w, http.StatusOK, map[string]any{"models": s.svc.Models()})
}

// handleGetModel returns a single model.
// GET /api/models/{name}
func (s *Server) handleGetModel(w http.ResponseWriter, r *http.Request) {
	name, err := modelName(r)
	if err != nil {
		server.WriteError(w, err)
		return
	}
	view, err := s.svc.Model(name)
	if err != nil {
		server.WriteError(w, err)
		return
	}
	server.WriteJSON(w, http.StatusOK, view)
}

// handleRescan rescans the model directory.
// POST /api/models/rescan
func (s *Server) handleRescan(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.Rescan(r.Context())
	if err != nil {
		server.WriteError(w, err)
		return
	}
	names := func(models []*types.SoundModel) []string {
		out := make([]string, 0, len(models))
		for _, m := range models {
			out = append(out, m.Name)
		}
		return out
	}
	server.WriteJSON(w, http.StatusOK, map[string]any{
		"added":   names(res.Added),
		"updated": names(res.Updated),
		"removed": names(res.Removed),
		"models":  s.svc.Models(),
	})
}

// handleGetConfidence returns the thresholds applied to a model.
// GET /api/models/{name}/confidence
func (s *Server) handleGetConfidence(w http.ResponseWriter, r *http.Request) {
	name, err := modelName(r)
	if err != nil {
		server.WriteError(w, err)
		return
	}
	conf, err := s.svc.Confidence(name)
	if err != nil {
		server.WriteError(w, err)
		return
	}
	server.WriteJSON(w, http.StatusOK, conf)
}

// handleSetConfidence stores new thresholds for a model.
// PUT /api/models/{name}/confidence
func (s *Server) handleSetConfidence(w http.ResponseWriter, r *http.Request) {
	name, err := modelName(r)
	if err != nil {
		server.WriteError(w, err)
		return
	}
	var conf types.ConfidenceConfig
	if err := server.DecodeAndValidate(r, &conf); err != nil {
		server.WriteError(w, err)
		return
	}
	if err := s.svc.SetConfidence(r.Context(), name, conf); err != nil {
		server.WriteError(w, err)
		return
	}
	server.WriteJSON(w, http.StatusOK, conf)
}

// handleTrigger injects a simulated detection.
// POST /api/models/{name}/trigger
func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	name, err := modelName(r)
	if err != nil {
		server.WriteError(w, err)
		return
	}
	var req server.TriggerRequest
	if err := server.DecodeAndValidate(r, &req); err != nil {
		server.WriteError(w, err)
		return
	}
	if err := s.svc.Trigger(r.Context(), name, req.Engine()); err != nil {
		server.WriteError(w, err)
		return
	}
	server.WriteJSON(w, http.StatusAccepted, map[string]string{"model": name, "status": types.StatusOK.String()})
}

// handleEstablish loads and starts a model.
// POST /api/sessions/{name}
func (s *Server) handleEstablish(w http.ResponseWriter, r *http.Request) {
	s.sessionOp(w, r, s.svc.EstablishSession)
}

// handleTerminate stops and unloads a model.
// DELETE /api/sessions/{name}
func (s *Server) handleTerminate(w http.ResponseWriter, r *http.Request) {
	s.sessionOp(w, r, s.svc.TerminateSession)
}

func (s *Server) sessionOp(w http.ResponseWriter, r *http.Request, op func(context.Context, string) error) {
	name, err := modelName(r)
	if err != nil {
		server.WriteError(w, err)
		return
	}
	if err := op(r.Context(), name); err != nil {
		server.WriteError(w, err)
		return
	}
	s.writeSession(w, name)
}

// handleSessionStatus reports whether recognition is active for a model.
// GET /api/sessions/{name}
func (s *Server) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	name, err := modelName(r)
	if err != nil {
		server.WriteError(w, err)
		return
	}
	s.writeSession(w, name)
}

// handleRestart restarts recognition for a started model.
// POST /api/sessions/{name}/restart
func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	name, err := modelName(r)
	if err != nil {
		server.WriteError(w, err)
		return
	}
	if !s.svc.RestartRecognition(r.Context(), name) {
		server.WriteError(w, fmt.Errorf("restart recognition for %s: %w", name, types.ErrFailure))
		return
	}
	s.writeSession(w, name)
}

func (s *Server) writeSession(w http.ResponseWriter, name string) {
	status, err := s.svc.Status(name)
	if err != nil {
		server.WriteError(w, err)
		return
	}
	server.WriteJSON(w, http.StatusOK, map[string]any{
		"model":              name,
		"status":             status,
		"recognition_active": s.svc.IsRecognitionActive(name),
	})
}

// handleRecordingStatus returns the active recording, if any.
// GET /api/recording
func (s *Server) handleRecordingStatus(w http.ResponseWriter, _ *http.Request) {
	rec, ok := s.svc.Recording()
	if !ok {
		server.WriteJSON(w, http.StatusOK, map[string]any{"active": false})
		return
	}
	server.WriteJSON(w, http.StatusOK, map[string]any{"active": true, "recording": rec})
}

// handleStartRecording starts a capture recording.
// POST /api/recording/start
func (s *Server) handleStartRecording(w http.ResponseWriter, r *http.Request) {
	var req server.RecordingStartRequest
	if err := server.DecodeAndValidate(r, &req); err != nil {
		server.WriteError(w, err)
		return
	}
	if err := s.svc.StartRecording(r.Context(), req.Trigger()); err != nil {
		server.WriteError(w, err)
		return
	}
	rec, _ := s.svc.Recording()
	server.WriteJSON(w, http.StatusOK, map[string]any{"active": true, "recording": rec})
}

// handleStopRecording stops the active recording.
// POST /api/recording/stop
func (s *Server) handleStopRecording(w http.ResponseWriter, _ *http.Request) {
	s.svc.StopRecording()
	server.WriteJSON(w, http.StatusOK, map[string]any{"active": false})
}

// handleEvents returns the newest event log entries.
// GET /api/events?limit=&offset=&type=
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := queryInt(q.Get("limit"), defaultEventLimit)
	if err != nil {
		server.WriteError(w, err)
		return
	}
	offset, err := queryInt(q.Get("offset"), 0)
	if err != nil {
		server.WriteError(w, err)
		return
	}

	path := s.config.Snapshot().Notifications.EventLogPath
	events, more, err := eventlog.ReadLast(path, limit, offset, q.Get("type"))
	if err != nil {
		server.WriteError(w, err)
		return
	}
	server.WriteJSON(w, http.StatusOK, map[string]any{
		"events":   events,
		"has_more": more,
		"limit":    min(limit, eventlog.MaxReadLimit),
	})
}

func queryInt(v string, def int) (int, error) {
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %q is not a non-negative integer", types.ErrInvalidParameter, v)
	}
	return n, nil
}

// handleDevices lists the available capture devices.
// GET /api/devices
func (s *Server) handleDevices(w http.ResponseWriter, _ *http.Request) {
	server.WriteJSON(w, http.StatusOK, map[string]any{
		"devices":  audio.Devices(),
		"platform": runtime.GOOS,
		"current":  s.config.Snapshot().Capture.Device,
	})
}

func settingsResponse(cfg *config.Snapshot) SettingsResponse {
	return SettingsResponse{
		SecondStageEnabled: cfg.SecondStage.Enabled,
		Matcher:            cfg.SecondStage.Matcher,
		WebhookURL:         cfg.Notifications.WebhookURL,
		EngineType:         cfg.Engine.Type,
		CaptureDevice:      cfg.Capture.Device,
		SampleRate:         cfg.Capture.SampleRate,
	}
}

// handleGetSettings returns the runtime-adjustable settings.
// GET /api/settings
func (s *Server) handleGetSettings(w http.ResponseWriter, _ *http.Request) {
	cfg := s.config.Snapshot()
	server.WriteJSON(w, http.StatusOK, settingsResponse(&cfg))
}

// handleSettings updates the runtime-adjustable settings.
// POST /api/settings
func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	var req server.SettingsUpdateRequest
	if err := server.DecodeAndValidate(r, &req); err != nil {
		server.WriteError(w, err)
		return
	}
	if req.SecondStageEnabled != nil {
		if err := s.config.SetSecondStageEnabled(*req.SecondStageEnabled); err != nil {
			server.WriteError(w, err)
			return
		}
	}
	if req.WebhookURL != nil {
		if err := s.config.SetWebhookURL(*req.WebhookURL); err != nil {
			server.WriteError(w, err)
			return
		}
	}
	cfg := s.config.Snapshot()
	server.WriteJSON(w, http.StatusOK, settingsResponse(&cfg))
}

// handleTestWebhook sends a test payload to the given or configured webhook.
// POST /api/notifications/test
func (s *Server) handleTestWebhook(w http.ResponseWriter, r *http.Request) {
	var req server.WebhookTestRequest
	if err := server.DecodeAndValidate(r, &req); err != nil {
		server.WriteError(w, err)
		return
	}

	url := cmp.Or(req.URL, s.config.Snapshot().Notifications.WebhookURL)
	hook := notify.NewWebhook(func() string { return url }, nil)

	ctx, cancel := context.WithTimeout(r.Context(), webhookTestTimeout)
	defer cancel()
	if err := hook.SendTest(ctx); err != nil {
		server.WriteJSON(w, http.StatusOK, map[string]any{"success": false, "error": err.Error()})
		return
	}
	server.WriteJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// handleRegenerateKey replaces the API key. The caller must use the returned
// key for subsequent requests.
// POST /api/apikey/regenerate
func (s *Server) handleRegenerateKey(w http.ResponseWriter, _ *http.Request) {
	newKey, err := config.GenerateAPIKey()
	if err != nil {
		server.WriteMessage(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := s.config.SetAPIKey(newKey); err != nil {
		server.WriteMessage(w, http.StatusInternalServerError, err.Error())
		return
	}
	server.WriteJSON(w, http.StatusOK, map[string]string{"api_key": newKey})
}
