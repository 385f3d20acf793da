package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/nexusctl/nexus/internal/messaging"
	"github.com/nexusctl/nexus/internal/router"
	"github.com/nexusctl/nexus/internal/store"
)

// handleWebhookVerify answers the Meta subscription handshake: echo the
// challenge when the verify token matches, 403 otherwise.
func (s *Server) handleWebhookVerify(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("hub.verify_token") != s.verifyToken {
		http.Error(w, "verification failed", http.StatusForbidden)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte(r.URL.Query().Get("hub.challenge")))
}

// handleWebhook processes inbound messages. It always answers 200: the
// messaging platform retries non-2xx responses, and a user-level failure is
// reported to the user, not to Meta.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)

	var payload messaging.WebhookPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		s.logger.Warn("webhook payload decode failed", "error", err)
		w.WriteHeader(http.StatusOK)
		return
	}

	for _, msg := range payload.Messages() {
		s.processInbound(r.Context(), msg)
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) processInbound(ctx context.Context, msg messaging.InboundMessage) {
	identity := strings.TrimPrefix(msg.From, "+")

	var text string
	switch msg.Type {
	case "text":
		if msg.Text != nil {
			text = msg.Text.Body
		}
	case "audio":
		if msg.Audio == nil {
			return
		}
		audio, _, err := s.messenger.DownloadMedia(ctx, msg.Audio.ID)
		if err != nil {
			s.logger.Warn("voice note download failed", "identity", identity, "error", err)
			s.reply(ctx, identity, "Sorry, I could not fetch your voice note. Please try again.")
			return
		}
		text, err = s.classifier.Transcribe(ctx, "voice-note.ogg", audio)
		if err != nil {
			s.logger.Warn("transcription failed", "identity", identity, "error", err)
			s.reply(ctx, identity, "Sorry, I could not understand your voice note. Please try again.")
			return
		}
	default:
		s.logger.Debug("ignoring inbound message", "identity", identity, "type", msg.Type)
		return
	}
	if text == "" {
		return
	}

	s.logger.Info("inbound message", "identity", identity)

	// Classifier context is the window before this message; the message
	// itself goes in as the newest user turn.
	history := s.history.Context(identity, s.contextTurns)
	s.history.Append(identity, "user", text)

	// Pairing trigger takes priority over everything else.
	if strings.Contains(strings.ToLower(text), s.triggerPhrase) {
		code, err := s.codes.Issue(identity)
		if err != nil {
			s.logger.Error("pairing code issue failed", "identity", identity, "error", err)
			s.reply(ctx, identity, "Sorry, something went wrong. Please try again.")
			return
		}
		s.audit(ctx, store.ActionPairingIssued, "", identity, "", nil)
		s.replyAndRecord(ctx, identity, fmt.Sprintf(
			"To connect your computer:\n1. Run the device agent.\n2. Enter this code: %s", code))
		return
	}

	if !s.router.Connected(identity) {
		s.replyAndRecord(ctx, identity,
			fmt.Sprintf("No device connected. Send %q to pair your computer.", s.triggerPhrase))
		return
	}

	intent, err := s.classifier.Parse(ctx, text, history)
	if err != nil {
		s.logger.Warn("intent classification failed", "identity", identity, "error", err)
		s.reply(ctx, identity, "Sorry, I could not process that. Please try again.")
		return
	}

	// Chat is answered relay-side; the device is not involved.
	if intent.Action == "chat" {
		response, err := s.classifier.Chat(ctx, text, history)
		if err != nil {
			s.logger.Warn("chat response failed", "identity", identity, "error", err)
			s.reply(ctx, identity, "Sorry, I could not process that. Please try again.")
			return
		}
		s.replyAndRecord(ctx, identity, response)
		return
	}

	if _, err := s.router.Route(ctx, identity, intent, router.OriginIssuer); err != nil {
		// Device dropped between the Connected check and dispatch.
		s.replyAndRecord(ctx, identity,
			fmt.Sprintf("No device connected. Send %q to pair your computer.", s.triggerPhrase))
	}
}

// reply sends a text to the issuer without recording a conversation turn.
func (s *Server) reply(ctx context.Context, identity, text string) {
	if err := s.messenger.SendText(ctx, identity, text); err != nil {
		s.logger.Warn("reply delivery failed", "identity", identity, "error", err)
	}
}

// replyAndRecord sends a text and appends it as an assistant turn.
func (s *Server) replyAndRecord(ctx context.Context, identity, text string) {
	s.reply(ctx, identity, text)
	s.history.Append(identity, "assistant", text)
}
