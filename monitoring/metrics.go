package monitoring

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "houseprice"

// Metrics 服务指标，注册在独立的 registry 上便于测试
type Metrics struct {
	registry *prometheus.Registry

	predictions       *prometheus.CounterVec
	predictionLatency prometheus.Histogram
	cacheLookups      *prometheus.CounterVec
	modelReloads      *prometheus.CounterVec
	modelLoaded       prometheus.Gauge

	trainingRuns     *prometheus.CounterVec
	trainingDuration prometheus.Histogram
	trainingRound    prometheus.Gauge
	lastRMSE         prometheus.Gauge
	lastR2           prometheus.Gauge

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// NewMetrics 创建并注册所有指标
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		predictions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "predictions_total",
			Help:      "Predicted rows by source and outcome.",
		}, []string{"source", "outcome"}),
		predictionLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "prediction_duration_seconds",
			Help:      "Time spent serving one prediction call.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
		cacheLookups: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "prediction_cache_lookups_total",
			Help:      "Prediction cache lookups by result.",
		}, []string{"result"}),
		modelReloads: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "model_reloads_total",
			Help:      "Pipeline artifact loads by result.",
		}, []string{"result"}),
		modelLoaded: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "model_loaded",
			Help:      "1 when a fitted pipeline is available for serving.",
		}),
		trainingRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "training_runs_total",
			Help:      "Training runs by final status.",
		}, []string{"status"}),
		trainingDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "training_duration_seconds",
			Help:      "Wall time of training runs.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}),
		trainingRound: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "training_round",
			Help:      "Boosting round of the run in progress.",
		}),
		lastRMSE: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "training_last_rmse",
			Help:      "Test RMSE of the last evaluated run.",
		}),
		lastR2: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "training_last_r2",
			Help:      "Test R² of the last evaluated run.",
		}),
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status code.",
		}, []string{"method", "route", "code"}),
		httpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

// Handler 返回 /metrics 处理器
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObservePrediction 记录一次预测调用
func (m *Metrics) ObservePrediction(source string, rows int, err error, elapsed time.Duration) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
		rows = 1
	}
	m.predictions.WithLabelValues(source, outcome).Add(float64(rows))
	m.predictionLatency.Observe(elapsed.Seconds())
}

func (m *Metrics) CacheHit()  { m.cacheLookups.WithLabelValues("hit").Inc() }
func (m *Metrics) CacheMiss() { m.cacheLookups.WithLabelValues("miss").Inc() }

// ObserveReload 记录模型加载结果
func (m *Metrics) ObserveReload(err error, available bool) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.modelReloads.WithLabelValues(result).Inc()
	if available {
		m.modelLoaded.Set(1)
	} else {
		m.modelLoaded.Set(0)
	}
}

func (m *Metrics) TrainingRound(round int) {
	m.trainingRound.Set(float64(round))
}

// ObserveTraining 记录训练运行结果，rmse/r2 为 nil 时表示未评估
func (m *Metrics) ObserveTraining(status string, elapsed time.Duration, rmse, r2 *float64) {
	m.trainingRuns.WithLabelValues(status).Inc()
	m.trainingDuration.Observe(elapsed.Seconds())
	m.trainingRound.Set(0)
	if rmse != nil {
		m.lastRMSE.Set(*rmse)
	}
	if r2 != nil {
		m.lastR2.Set(*r2)
	}
}

// ObserveHTTP 记录 HTTP 请求
func (m *Metrics) ObserveHTTP(method, route string, code int, elapsed time.Duration) {
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}
