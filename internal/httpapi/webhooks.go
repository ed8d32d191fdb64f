package httpapi

import (
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/qendev/iacreg/internal/metrics"
	"github.com/qendev/iacreg/internal/telemetry"
	"github.com/qendev/iacreg/internal/webhookv"
)

const maxWebhookBodyBytes = 2 << 20 // 2 MiB

func (s *Server) handleGitHubWebhook(w http.ResponseWriter, r *http.Request) {
	s.handleWebhook(w, r, webhookv.ProviderGitHub, s.deps.Webhooks.GitHubSecret, "X-Hub-Signature-256")
}

func (s *Server) handleGitLabWebhook(w http.ResponseWriter, r *http.Request) {
	s.handleWebhook(w, r, webhookv.ProviderGitLab, s.deps.Webhooks.GitLabToken, "X-Gitlab-Token")
}

func (s *Server) handleBitbucketWebhook(w http.ResponseWriter, r *http.Request) {
	s.handleWebhook(w, r, webhookv.ProviderBitbucket, s.deps.Webhooks.BitbucketSecret, "X-Hub-Signature")
}

// handleWebhook implements the shared verify -> parse -> ingest pipeline
// (spec.md §4.5) independent of the calling provider. An unconfigured
// secret disables the endpoint outright, matching internal/config's
// WebhooksConfig doc comment.
//
// Every outcome past that point answers 200 with an opaque message: a
// hostile caller probing this surface must not be able to distinguish a
// signature mismatch from a parse failure or a successful ingest. The
// real outcome goes to logs and metrics only.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request, provider webhookv.Provider, secret, signatureHeader string) {
	if secret == "" {
		http.NotFound(w, r)
		return
	}

	ctx, span := telemetry.StartWebhookSpan(r.Context(), string(provider), "push")
	defer span.End()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBodyBytes))
	if err != nil {
		metrics.RecordWebhookDelivery(string(provider), "read_error")
		writeWebhookOK(w)
		return
	}

	if err := webhookv.Verify(provider, body, r.Header.Get(signatureHeader), secret); err != nil {
		metrics.RecordWebhookDelivery(string(provider), "rejected")
		s.log.Warn("webhook signature verification failed", zap.String("provider", string(provider)), zap.Error(err))
		writeWebhookOK(w)
		return
	}

	event, err := webhookv.ParsePushEvent(provider, body)
	if err != nil {
		metrics.RecordWebhookDelivery(string(provider), "bad_payload")
		writeWebhookOK(w)
		return
	}

	result, err := s.deps.Ingestor.Ingest(ctx, event)
	if err != nil {
		metrics.RecordWebhookDelivery(string(provider), "error")
		s.log.Error("webhook ingestion failed", zap.String("provider", string(provider)), zap.Error(err))
		writeWebhookOK(w)
		return
	}

	metrics.RecordWebhookDelivery(string(provider), "accepted")
	s.log.Info("webhook ingested",
		zap.String("provider", string(provider)),
		zap.Int("matched_artifacts", result.MatchedArtifacts),
		zap.Strings("versions_created", result.VersionsCreated),
		zap.Strings("versions_approved", result.VersionsApproved))
	writeWebhookOK(w)
}

func writeWebhookOK(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, map[string]any{"message": "webhook received"})
}
