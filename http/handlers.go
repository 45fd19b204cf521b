package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"houseprice/apperrors"
	"houseprice/db"
	"houseprice/housing"
	"houseprice/serving"
	"houseprice/training"
)

// Predictor 预测服务，*serving.Predictor 满足该接口
type Predictor interface {
	Ready() error
	Status() serving.Status
	Predict(ctx context.Context, records []housing.RawRecord) ([]serving.Prediction, error)
	PredictOne(ctx context.Context, record housing.RawRecord) (decimal.Decimal, error)
}

// TrainingRunner 后台训练，*training.Trainer 满足该接口
type TrainingRunner interface {
	Start(ctx context.Context, done func(*training.Report, error)) (string, error)
	Running() bool
}

// RunStore 训练记录与预测日志，*db.Registry 满足该接口
type RunStore interface {
	ListRuns(ctx context.Context, limit int) ([]db.TrainingRun, error)
	SavePredictions(ctx context.Context, logs []db.PredictionLog) error
}

// Deps API 依赖，除 Predictor 外均可为空
type Deps struct {
	Predictor Predictor
	Trainer   TrainingRunner
	Runs      RunStore
	// Events 训练进度 WebSocket 处理器
	Events  http.Handler
	Metrics http.Handler
	Logger  *zap.Logger
	// MaxBatch 单次批量预测的最大记录数
	MaxBatch       int
	LogPredictions bool
	// BaseContext 后台训练使用的上下文，服务关闭时取消
	BaseContext context.Context
	Timeout     time.Duration
}

// API HTTP 处理器集合
type API struct {
	Deps
}

func NewAPI(deps Deps) *API {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.BaseContext == nil {
		deps.BaseContext = context.Background()
	}
	if deps.MaxBatch <= 0 {
		deps.MaxBatch = 1000
	}
	return &API{Deps: deps}
}

// Register 注册所有路由
func (a *API) Register(mux *http.ServeMux) {
	timeout := func(h http.HandlerFunc) http.Handler {
		if a.Timeout <= 0 {
			return h
		}
		return TimeoutMiddleware(a.Timeout)(h)
	}

	mux.HandleFunc("GET /{$}", a.handleRoot)
	mux.HandleFunc("GET /api/health", a.handleHealth)
	mux.HandleFunc("GET /api/ready", a.handleReady)
	mux.Handle("POST /api/predict", timeout(a.handlePredict))
	mux.Handle("POST /predict", timeout(a.handlePredict))
	mux.Handle("POST /predict/{$}", timeout(a.handlePredict))
	mux.Handle("POST /api/predict/batch", timeout(a.handlePredictBatch))
	mux.HandleFunc("POST /api/train", a.handleTrain)
	mux.HandleFunc("GET /api/training/runs", a.handleListRuns)
	if a.Events != nil {
		mux.Handle("GET /api/ws/training", a.Events)
	}
	if a.Metrics != nil {
		mux.Handle("GET /metrics", a.Metrics)
	}
}

func (a *API) handleRoot(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"message": "Welcome to the House Price Prediction API!"})
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReady 模型可用时返回200，否则503
func (a *API) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := a.Predictor.Ready(); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
		"model":  a.Predictor.Status(),
	})
}

type predictResponse struct {
	PredictedPrice float64 `json:"predicted_price"`
}

// handlePredict 单条预测
func (a *API) handlePredict(w http.ResponseWriter, r *http.Request) {
	var req PredictRequest
	if apiErr := decodeJSON(r, &req); apiErr != nil {
		respondJSON(w, apiErr.StatusCode, apiErr)
		return
	}

	record := req.Record()
	price, err := a.Predictor.PredictOne(r.Context(), record)
	if err != nil {
		a.logFailure(r, err)
		respondError(w, err)
		return
	}
	a.logPredictions(r.Context(), []serving.Prediction{{Row: 0, Price: price}})
	respondJSON(w, http.StatusOK, predictResponse{PredictedPrice: price.InexactFloat64()})
}

type batchPrediction struct {
	Row            int     `json:"row"`
	PredictedPrice float64 `json:"predicted_price"`
}

type batchResponse struct {
	Predictions []batchPrediction `json:"predictions"`
	// Dropped 因销售日期无法解析而没有结果的记录数
	Dropped int `json:"dropped"`
}

// handlePredictBatch 批量预测
func (a *API) handlePredictBatch(w http.ResponseWriter, r *http.Request) {
	var req BatchPredictRequest
	if apiErr := decodeJSON(r, &req); apiErr != nil {
		respondJSON(w, apiErr.StatusCode, apiErr)
		return
	}
	if len(req.Records) > a.MaxBatch {
		respondError(w, apperrors.Wrapf(apperrors.ErrValidation, "batch of %d records exceeds the limit of %d", len(req.Records), a.MaxBatch))
		return
	}

	records := make([]housing.RawRecord, len(req.Records))
	for i := range req.Records {
		records[i] = req.Records[i].Record()
	}
	preds, err := a.Predictor.Predict(r.Context(), records)
	if err != nil {
		a.logFailure(r, err)
		respondError(w, err)
		return
	}
	a.logPredictions(r.Context(), preds)

	resp := batchResponse{
		Predictions: make([]batchPrediction, len(preds)),
		Dropped:     len(records) - len(preds),
	}
	for i, p := range preds {
		resp.Predictions[i] = batchPrediction{Row: p.Row, PredictedPrice: p.Price.InexactFloat64()}
	}
	respondJSON(w, http.StatusOK, resp)
}

// handleTrain 异步启动一次训练，已有训练在运行时返回409
func (a *API) handleTrain(w http.ResponseWriter, r *http.Request) {
	if a.Trainer == nil {
		respondJSON(w, http.StatusServiceUnavailable, &apperrors.APIError{
			StatusCode: http.StatusServiceUnavailable,
			ErrorCode:  "TRAINING_DISABLED",
			Message:    "training is not enabled on this server",
		})
		return
	}

	runID, err := a.Trainer.Start(a.BaseContext, func(report *training.Report, err error) {
		if err != nil {
			a.Logger.Error("background training failed", zap.Error(err))
			return
		}
		a.Logger.Info("background training finished", zap.String("run_id", report.RunID))
	})
	if errors.Is(err, training.ErrRunInProgress) {
		respondJSON(w, http.StatusConflict, &apperrors.APIError{
			StatusCode: http.StatusConflict,
			ErrorCode:  "TRAINING_IN_PROGRESS",
			Message:    err.Error(),
		})
		return
	}
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"run_id": runID, "status": "started"})
}

// handleListRuns 训练历史，limit 默认20
func (a *API) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if a.Runs == nil {
		respondJSON(w, http.StatusServiceUnavailable, &apperrors.APIError{
			StatusCode: http.StatusServiceUnavailable,
			ErrorCode:  "REGISTRY_DISABLED",
			Message:    "run registry is not configured",
		})
		return
	}

	limit := 20
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 || n > 500 {
			respondError(w, apperrors.Wrapf(apperrors.ErrValidation, "limit must be an integer in [1, 500]"))
			return
		}
		limit = n
	}

	runs, err := a.Runs.ListRuns(r.Context(), limit)
	if err != nil {
		respondError(w, err)
		return
	}
	if runs == nil {
		runs = []db.TrainingRun{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"runs": runs, "running": a.Trainer != nil && a.Trainer.Running()})
}

// logPredictions 记录预测结果，失败只写日志
func (a *API) logPredictions(ctx context.Context, preds []serving.Prediction) {
	if !a.LogPredictions || a.Runs == nil || len(preds) == 0 {
		return
	}
	var runID string
	if meta := a.Predictor.Status().Meta; meta != nil {
		runID = meta.RunID
	}
	now := time.Now().UTC()
	logs := make([]db.PredictionLog, len(preds))
	for i, p := range preds {
		logs[i] = db.PredictionLog{
			ModelRunID: runID,
			Source:     "api",
			Row:        p.Row,
			Price:      p.Price.StringFixed(2),
			CreatedAt:  now,
		}
	}
	if err := a.Runs.SavePredictions(ctx, logs); err != nil {
		a.Logger.Warn("save predictions failed", zap.Error(err))
	}
}

func (a *API) logFailure(r *http.Request, err error) {
	fields := []zap.Field{zap.String("request_id", GetRequestID(r.Context())), zap.Error(err)}
	if apperrors.HTTPStatus(err) >= http.StatusInternalServerError {
		a.Logger.Error("prediction failed", fields...)
		return
	}
	a.Logger.Warn("prediction rejected", fields...)
}

// respondJSON 统一JSON响应
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// respondError 按错误类型映射状态码
func respondError(w http.ResponseWriter, err error) {
	apiErr := apperrors.FromError(err)
	respondJSON(w, apiErr.StatusCode, apiErr)
}
