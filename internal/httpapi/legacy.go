package httpapi

import (
	"errors"
	"net/http"

	"github.com/ent0n29/avatarbridge/internal/heygen"
)

// Handlers for the /api routes. Each one acts on the bridge session chosen by
// bridgeSelector, the default slot when none is named.

type startAvatarRequest struct {
	AvatarName string `json:"avatar_name"`
	VoiceID    string `json:"voice_id"`
}

type avatarSessionPayload struct {
	SessionID   string `json:"session_id"`
	URL         string `json:"url"`
	AccessToken string `json:"access_token"`
}

type textRequest struct {
	Text string `json:"text"`
}

func (s *Server) handleVideoStart(w http.ResponseWriter, r *http.Request) {
	var req startAvatarRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	stream, err := s.bridge.StartAvatar(r.Context(), bridgeSelector(r), heygen.SessionOptions{
		AvatarName: req.AvatarName,
		VoiceID:    req.VoiceID,
	})
	if err != nil {
		s.fail(w, r, err, "Failed to initialize video agent session")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"session": avatarSessionPayload{
			SessionID:   stream.SessionID,
			URL:         stream.URL,
			AccessToken: stream.AccessToken,
		},
	})
}

func (s *Server) handleVideoStartStream(w http.ResponseWriter, r *http.Request) {
	if err := s.bridge.StartStream(r.Context(), bridgeSelector(r)); err != nil {
		s.fail(w, r, err, "Failed to start HeyGen stream")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleVideoTalk(w http.ResponseWriter, r *http.Request) {
	var req textRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "body must be a JSON object with text")
		return
	}
	res, err := s.bridge.Talk(r.Context(), bridgeSelector(r), req.Text)
	if err != nil {
		s.fail(w, r, err, "Failed to send text to HeyGen avatar")
		return
	}
	body := map[string]any{"success": true}
	if res.HasDuration {
		body["duration_ms"] = res.DurationMS
	}
	respondJSON(w, http.StatusOK, body)
}

func (s *Server) handleVideoEnd(w http.ResponseWriter, r *http.Request) {
	if err := s.bridge.EndAvatar(r.Context(), bridgeSelector(r)); err != nil {
		s.fail(w, r, err, "Failed to end HeyGen session")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleChatStart(w http.ResponseWriter, r *http.Request) {
	chatID, err := s.bridge.StartChat(r.Context(), bridgeSelector(r))
	if err != nil {
		s.fail(w, r, err, "Failed to create Retell chat")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"success": true, "chatId": chatID})
}

func (s *Server) handleChatTalk(w http.ResponseWriter, r *http.Request) {
	var req textRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "body must be a JSON object with text")
		return
	}
	res, err := s.turns.HandleTurn(r.Context(), bridgeSelector(r), req.Text)
	if err != nil {
		s.fail(w, r, err, "Failed to send message to Retell")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"success":     true,
		"agentReply":  res.ReplyText,
		"duration_ms": res.TotalDurationMS,
		"turn_id":     res.TurnID,
	})
}

func (s *Server) handleChatEnd(w http.ResponseWriter, r *http.Request) {
	if err := s.bridge.EndChat(bridgeSelector(r)); err != nil {
		s.fail(w, r, err, "Failed to clear Retell chat session")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Retell chat session cleared"})
}
