package httpserver

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"wapipe/internal/domain"
	"wapipe/internal/phone"
	sqsqueue "wapipe/internal/queue/sqs"
	"wapipe/internal/util"
)

// Correlations looks up a provider message id without the identity fallback.
type Correlations interface {
	ResolveQuoted(ctx context.Context, providerMessageID string) (domain.CorrelationEntry, bool)
}

// API is the internal surface used by the conversation service.
type API struct {
	Queue        Publisher
	Correlations Correlations
}

type enqueueResponse struct {
	ActivityID string `json:"activityId"`
	Hash       string `json:"hash"`
}

func (a *API) Register(mux *mux.Router) {
	mux.HandleFunc("/v1/outbound", a.handleEnqueueOutbound).Methods(http.MethodPost)
	mux.HandleFunc("/v1/correlations/{providerMessageId}", a.handleGetCorrelation).Methods(http.MethodGet)
}

func (a *API) handleEnqueueOutbound(w http.ResponseWriter, r *http.Request) {
	var job domain.OutboundJob
	if err := json.NewDecoder(r.Body).Decode(&job); err != nil {
		http.Error(w, ErrInvalidJSON, http.StatusBadRequest)
		return
	}
	if job.ChannelToken == "" || job.Activity.MemberID == "" {
		http.Error(w, ErrMissingFields, http.StatusBadRequest)
		return
	}
	act := &job.Activity
	act.ChannelToken = job.ChannelToken
	if act.ID == "" {
		act.ID = util.NewActivityID()
	}
	if act.Hash == "" {
		act.Hash = util.NewHash()
	}
	if act.Timestamp.IsZero() {
		act.Timestamp = util.NowUTC()
	}

	err := a.Queue.Send(r.Context(), sqsqueue.Message{
		Topic:    domain.OutboundTopic,
		Data:     job,
		GroupKey: job.ChannelToken + ":" + phone.Canonical(act.MemberID),
		DedupID:  act.ID,
	})
	if err != nil {
		slog.Error("enqueue outbound failed",
			"err", err,
			"channel_token", job.ChannelToken,
			"activity_id", act.ID,
			"hash", act.Hash,
		)
		http.Error(w, ErrDependency, http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(enqueueResponse{ActivityID: act.ID, Hash: act.Hash})
}

func (a *API) handleGetCorrelation(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["providerMessageId"]
	if id == "" {
		http.Error(w, ErrMissingID, http.StatusBadRequest)
		return
	}
	entry, found := a.Correlations.ResolveQuoted(r.Context(), id)
	if !found {
		http.Error(w, ErrNotFound, http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(entry)
}
