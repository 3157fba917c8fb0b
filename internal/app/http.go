package app

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/MrWong99/captioner/internal/observe"
	"github.com/MrWong99/captioner/internal/speaker"
	"github.com/MrWong99/captioner/internal/transcript"
	"github.com/MrWong99/captioner/pkg/store"
)

// maxBodyBytes limits request bodies of the JSON endpoints.
const maxBodyBytes = 1 << 16

type speakerView struct {
	Label    string `json:"label"`
	Name     string `json:"name"`
	Segments int    `json:"segments"`
	State    string `json:"state"`
}

type speakersResponse struct {
	Speakers []speakerView     `json:"speakers"`
	Names    map[string]string `json:"names"`
}

type renameRequest struct {
	Name string `json:"name"`
}

type lineView struct {
	Speaker string  `json:"speaker"`
	Label   string  `json:"label"`
	Text    string  `json:"text"`
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
}

// Handler returns the HTTP surface: speaker listing and renames, the
// transcript, session control and the health endpoints, instrumented with
// [observe.Middleware].
//
//	GET  /speakers
//	POST /speakers/{label}    {"name": "Alice"}
//	GET  /transcript[?session=ID]
//	GET  /session
//	POST /session/flush
//	POST /session/stop
//	GET  /healthz, /readyz
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /speakers", a.handleSpeakers)
	mux.HandleFunc("POST /speakers/{label}", a.handleRename)
	mux.HandleFunc("GET /transcript", a.handleTranscript)
	mux.HandleFunc("GET /session", a.handleSession)
	mux.HandleFunc("POST /session/flush", a.handleFlush)
	mux.HandleFunc("POST /session/stop", a.handleStop)
	a.health.Register(mux)
	return observe.Middleware(a.metrics)(mux)
}

func (a *App) handleSpeakers(w http.ResponseWriter, _ *http.Request) {
	resp := speakersResponse{Speakers: []speakerView{}, Names: a.Names()}
	if mgr := a.sessions.Speakers(); mgr != nil {
		for _, p := range mgr.Profiles() {
			resp.Speakers = append(resp.Speakers, speakerView{
				Label:    p.Label,
				Name:     p.Name(),
				Segments: p.Segments,
				State:    p.State.String(),
			})
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *App) handleRename(w http.ResponseWriter, r *http.Request) {
	label := r.PathValue("label")
	var req renameRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	if err := a.Rename(r.Context(), label, req.Name); err != nil {
		if errors.Is(err, speaker.ErrInvalidLabel) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		observe.Logger(r.Context()).Error("rename failed", "label", label, "err", err)
		writeError(w, http.StatusInternalServerError, "rename failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"label": label, "name": req.Name})
}

func (a *App) handleTranscript(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("session")
	if id == "" || id == a.sessions.Info().SessionID {
		writeJSON(w, http.StatusOK, fromTranscript(a.sessions.Lines()))
		return
	}
	if a.store == nil {
		writeError(w, http.StatusNotFound, "storage is disabled")
		return
	}
	lines, err := a.store.Lines(r.Context(), id)
	if err != nil {
		observe.Logger(r.Context()).Error("load transcript failed", "session_id", id, "err", err)
		writeError(w, http.StatusInternalServerError, "load transcript failed")
		return
	}
	writeJSON(w, http.StatusOK, fromStore(lines))
}

func (a *App) handleSession(w http.ResponseWriter, _ *http.Request) {
	info := a.sessions.Info()
	if info.SessionID == "" {
		writeError(w, http.StatusNotFound, ErrNoSession.Error())
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (a *App) handleFlush(w http.ResponseWriter, r *http.Request) {
	if err := a.sessions.Flush(r.Context()); err != nil {
		if errors.Is(err, ErrNoSession) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, a.sessions.Info())
}

func (a *App) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := a.sessions.Stop(r.Context()); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, a.sessions.Info())
}

func fromTranscript(lines []transcript.Line) []lineView {
	out := make([]lineView, 0, len(lines))
	for _, l := range lines {
		out = append(out, lineView{l.Speaker, l.Label, l.Text, l.Start.Seconds(), l.End.Seconds()})
	}
	return out
}

func fromStore(lines []store.Line) []lineView {
	out := make([]lineView, 0, len(lines))
	for _, l := range lines {
		out = append(out, lineView{l.Speaker, l.Label, l.Text, l.Start.Seconds(), l.End.Seconds()})
	}
	return out
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("write response failed", "err", err)
	}
}
