package metrics

import (
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

// 全局 Registry，供 API/Worker 注册与暴露
var DefaultRegistry = prometheus.NewRegistry()

func init() {
	DefaultRegistry.MustRegister(
		JobsSubmittedTotal, ClaimTotal, ClaimLatencySeconds,
		JobStateGauge, JobDurationSeconds, LeaseAgeSeconds,
		HeartbeatTotal, ReapedTotal,
		OutboxDeliveredTotal, OutboxDeliveryFailTotal,
		LoopErrorTotal, WorkerBusy,
	)
}

// JobsSubmittedTotal 提交的 Job 总数（按租户）
var JobsSubmittedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "jobq_jobs_submitted_total",
		Help: "提交的 Job 总数（按租户）",
	},
	[]string{"tenant"},
)

// ClaimTotal Claim 调用总数（按租户与是否命中）
var ClaimTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "jobq_claim_total",
		Help: "Claim 调用总数",
	},
	[]string{"tenant", "acquired"}, // acquired: true | false
)

// ClaimLatencySeconds Claim 调用耗时（秒）
var ClaimLatencySeconds = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "jobq_claim_latency_seconds",
		Help:    "Claim 调用耗时（秒）",
		Buckets: prometheus.DefBuckets,
	},
)

// JobStateGauge 各状态 Job 数量（Dispatcher 周期刷新）
var JobStateGauge = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "jobq_jobs",
		Help: "各状态 Job 数量",
	},
	[]string{"state"}, // pending | leased | succeeded | dlq | canceled
)

// JobDurationSeconds Job 执行耗时（秒，Worker 内部派发模式）
var JobDurationSeconds = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "jobq_job_duration_seconds",
		Help:    "Job 执行耗时（秒）",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"queue", "outcome"}, // outcome: succeeded | failed | canceled
)

// LeaseAgeSeconds 被回收租约的年龄（秒），Reaper 回收时观测
var LeaseAgeSeconds = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "jobq_lease_age_seconds",
		Help:    "被回收租约的年龄（秒）",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
	},
)

// HeartbeatTotal Heartbeat 总数（按结果）
var HeartbeatTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "jobq_heartbeat_total",
		Help: "Heartbeat 总数",
	},
	[]string{"result"}, // ok | lease_invalid | deadline_exceeded
)

// ReapedTotal Reaper 回收的 Job 总数（按去向）
var ReapedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "jobq_reaped_total",
		Help: "Reaper 回收的 Job 总数",
	},
	[]string{"disposition"}, // requeued | dlq
)

// OutboxDeliveredTotal Outbox 投递成功的事件总数
var OutboxDeliveredTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "jobq_outbox_delivered_total",
		Help: "Outbox 投递成功的事件总数",
	},
)

// OutboxDeliveryFailTotal Outbox 投递失败（将按 backoff 重试）的总数
var OutboxDeliveryFailTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "jobq_outbox_delivery_fail_total",
		Help: "Outbox 投递失败总数",
	},
)

// LoopErrorTotal 后台循环错误总数（按循环名）
var LoopErrorTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "jobq_loop_error_total",
		Help: "后台循环错误总数",
	},
	[]string{"loop"}, // reaper | outbox | dispatcher | aging
)

// WorkerBusy 当前正在执行的 Job 数（每 Worker）
var WorkerBusy = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "jobq_worker_busy",
		Help: "当前正在执行的 Job 数",
	},
	[]string{"worker_id"},
)

// WritePrometheus 将 Prometheus 文本格式写入 w（供 Hertz 等复用）
func WritePrometheus(w io.Writer) error {
	metrics, err := DefaultRegistry.Gather()
	if err != nil {
		return err
	}
	enc := expfmt.NewEncoder(w, expfmt.FmtText)
	for _, mf := range metrics {
		if err := enc.Encode(mf); err != nil {
			return err
		}
	}
	return nil
}
