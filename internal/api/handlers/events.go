package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/waddlebot/router/internal/metrics"
	"github.com/waddlebot/router/internal/workerpool"
	"github.com/waddlebot/router/pkg/models"
)

const batchIngestPoolSize = 10

// PostEvent processes a single inbound chat/platform event through CommandProc.
func (h *Handlers) PostEvent(w http.ResponseWriter, r *http.Request) {
	var ev models.InboundEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := h.CommandProc.Process(r.Context(), &ev)
	if err != nil {
		metrics.EventsProcessedTotal.WithLabelValues(string(ev.Platform), "error").Inc()
		respondFromError(w, err)
		return
	}

	outcome := "processed"
	if !result.Success {
		outcome = "rejected"
	}
	metrics.EventsProcessedTotal.WithLabelValues(string(ev.Platform), outcome).Inc()
	respondJSON(w, http.StatusOK, result)
}

// PostEventBatch processes a batch of inbound events concurrently, bounded by
// batchIngestPoolSize, and reports each event's outcome in request order.
func (h *Handlers) PostEventBatch(w http.ResponseWriter, r *http.Request) {
	var events []models.InboundEvent
	if err := json.NewDecoder(r.Body).Decode(&events); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(events) == 0 {
		respondError(w, http.StatusBadRequest, "empty event batch")
		return
	}

	respondJSON(w, http.StatusOK, processBatch(h, r, events))
}

type batchOutcome struct {
	Index   int    `json:"index"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

func processBatch(h *Handlers, r *http.Request, events []models.InboundEvent) []batchOutcome {
	type indexed struct {
		index int
		event models.InboundEvent
	}
	items := make([]indexed, len(events))
	for i, ev := range events {
		items[i] = indexed{index: i, event: ev}
	}

	outcomes := make([]batchOutcome, len(events))
	workerpool.Run(batchIngestPoolSize, items, func(it indexed) error {
		result, err := h.CommandProc.Process(r.Context(), &it.event)
		if err != nil {
			outcomes[it.index] = batchOutcome{Index: it.index, Success: false, Error: err.Error()}
			metrics.EventsProcessedTotal.WithLabelValues(string(it.event.Platform), "error").Inc()
			log.Warn().Err(err).Int("index", it.index).Msg("batch event failed")
			return err
		}
		outcomes[it.index] = batchOutcome{Index: it.index, Success: result.Success}
		outcome := "processed"
		if !result.Success {
			outcome = "rejected"
		}
		metrics.EventsProcessedTotal.WithLabelValues(string(it.event.Platform), outcome).Inc()
		return nil
	})
	return outcomes
}
