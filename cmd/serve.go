package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/shelfdata/curator/internal/annotator"
	"github.com/shelfdata/curator/internal/model"
	"github.com/shelfdata/curator/internal/monitoring"
	"github.com/shelfdata/curator/internal/store"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the insight API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		collector := monitoring.NewCollector(env.Store)
		alerter := monitoring.NewAlerter(cfg.Monitoring)
		checker := monitoring.NewChecker(collector, alerter, cfg.Monitoring)
		go checker.Run(ctx)

		mux := buildMux(env, collector, cfg.Monitoring.LookbackWindowHours)

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: mux,
		}

		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			srv.Shutdown(ctx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func jsonError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// buildMux assembles the API routes. Extracted from the serve command
// so handler behavior is testable without a listener.
func buildMux(env *curatorEnv, collector *monitoring.Collector, lookbackHours int) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	mux.HandleFunc("GET /metrics", func(w http.ResponseWriter, r *http.Request) {
		snap, err := collector.Collect(r.Context(), lookbackHours)
		if err != nil {
			zap.L().Error("metrics collection failed", zap.Error(err))
			jsonError(w, http.StatusInternalServerError, "metrics collection failed")
			return
		}
		writeJSON(w, http.StatusOK, snap)
	})

	mux.HandleFunc("GET /api/v1/insights", func(w http.ResponseWriter, r *http.Request) {
		filter, err := filterFromQuery(r)
		if err != nil {
			jsonError(w, http.StatusBadRequest, err.Error())
			return
		}
		insights, err := env.Store.ListInsights(r.Context(), filter)
		if err != nil {
			zap.L().Error("list insights failed", zap.Error(err))
			jsonError(w, http.StatusInternalServerError, "list insights failed")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"count":    len(insights),
			"insights": insights,
		})
	})

	mux.HandleFunc("GET /api/v1/insights/random", func(w http.ResponseWriter, r *http.Request) {
		filter, err := filterFromQuery(r)
		if err != nil {
			jsonError(w, http.StatusBadRequest, err.Error())
			return
		}
		ins, err := env.Store.RandomInsight(r.Context(), filter)
		if err != nil {
			zap.L().Error("random insight failed", zap.Error(err))
			jsonError(w, http.StatusInternalServerError, "random insight failed")
			return
		}
		if ins == nil {
			jsonError(w, http.StatusNotFound, "no insight matches the filter")
			return
		}
		writeJSON(w, http.StatusOK, ins)
	})

	mux.HandleFunc("GET /api/v1/insights/{id}", func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		ins, err := env.Store.GetInsight(r.Context(), id)
		if err != nil {
			zap.L().Error("get insight failed", zap.String("id", id), zap.Error(err))
			jsonError(w, http.StatusInternalServerError, "get insight failed")
			return
		}
		if ins == nil {
			jsonError(w, http.StatusNotFound, "insight not found")
			return
		}
		events, err := env.Store.ListEvents(r.Context(), id)
		if err != nil {
			zap.L().Error("list events failed", zap.String("id", id), zap.Error(err))
			jsonError(w, http.StatusInternalServerError, "list events failed")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"insight": ins,
			"events":  events,
		})
	})

	mux.HandleFunc("POST /api/v1/insights/annotate", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			InsightID   string `json:"insight_id"`
			Annotation  int    `json:"annotation"`
			CompletedBy string `json:"completed_by"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			jsonError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if req.InsightID == "" {
			jsonError(w, http.StatusBadRequest, "insight_id is required")
			return
		}

		result, err := env.Annotator.Annotate(r.Context(), req.InsightID, req.Annotation, annotator.Options{
			CompletedBy: req.CompletedBy,
		})
		if err != nil {
			zap.L().Error("annotate failed",
				zap.String("insight_id", req.InsightID),
				zap.Error(err))
			jsonError(w, http.StatusInternalServerError, "annotate failed")
			return
		}
		writeJSON(w, annotationStatusCode(result.Status), result)
	})

	mux.HandleFunc("POST /api/v1/predictions/import", func(w http.ResponseWriter, r *http.Request) {
		var preds []model.Prediction
		if err := json.NewDecoder(r.Body).Decode(&preds); err != nil {
			jsonError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if len(preds) == 0 {
			jsonError(w, http.StatusBadRequest, "no predictions supplied")
			return
		}

		result, err := env.Importer.ImportPredictions(r.Context(), preds)
		if err != nil {
			zap.L().Error("import predictions failed", zap.Error(err))
			jsonError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, result)
	})

	return mux
}

func annotationStatusCode(status model.AnnotationStatus) int {
	switch status {
	case model.StatusSaved, model.StatusUpdated:
		return http.StatusOK
	case model.StatusUnknownInsight:
		return http.StatusNotFound
	case model.StatusAlreadyAnnotated:
		return http.StatusConflict
	default:
		return http.StatusBadRequest
	}
}

func filterFromQuery(r *http.Request) (store.InsightFilter, error) {
	q := r.URL.Query()
	filter := store.InsightFilter{
		Barcode:  q.Get("barcode"),
		Type:     model.InsightType(q.Get("type")),
		ValueTag: q.Get("value_tag"),
	}

	if filter.Type != "" && !filter.Type.Valid() {
		return filter, eris.Errorf("unknown insight type %q", filter.Type)
	}

	if v := q.Get("annotated"); v != "" {
		annotated, err := strconv.ParseBool(v)
		if err != nil {
			return filter, eris.Errorf("invalid annotated value %q", v)
		}
		filter.Annotated = &annotated
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			return filter, eris.Errorf("invalid limit %q", v)
		}
		filter.Limit = limit
	}
	if v := q.Get("offset"); v != "" {
		offset, err := strconv.Atoi(v)
		if err != nil || offset < 0 {
			return filter, eris.Errorf("invalid offset %q", v)
		}
		filter.Offset = offset
	}

	return filter, nil
}
