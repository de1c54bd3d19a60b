package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

const namespace = "cmsadmin"

// Registry 本服务使用的指标注册表
var Registry = prometheus.NewRegistry()

var (
	// CacheLookups 缓存查询次数，result: hit|miss|stale
	CacheLookups = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "access",
		Name:      "cache_lookups_total",
		Help:      "Permission and profile cache lookups by outcome.",
	}, []string{"cache", "result"})

	// UpstreamFailures 上游请求失败次数，kind: auth|other
	UpstreamFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "access",
		Name:      "upstream_failures_total",
		Help:      "Failed upstream fetches by resolver and failure kind.",
	}, []string{"resolver", "kind"})

	// Decisions 访问判定结果
	Decisions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "access",
		Name:      "decisions_total",
		Help:      "Access gate decisions.",
	}, []string{"action", "allowed"})

	// RealtimeTransitions 实时通道状态迁移
	RealtimeTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "realtime",
		Name:      "transitions_total",
		Help:      "Realtime invalidator state transitions by target state.",
	}, []string{"state"})

	// RealtimeInvalidations 实时通知触发的缓存失效
	RealtimeInvalidations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "realtime",
		Name:      "invalidations_total",
		Help:      "Cache invalidations triggered by change notifications.",
	}, []string{"table"})

	// ActiveSessions 活跃管理会话数
	ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_sessions",
		Help:      "Admin sessions currently held by the gateway.",
	})
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		CacheLookups,
		UpstreamFailures,
		Decisions,
		RealtimeTransitions,
		RealtimeInvalidations,
		ActiveSessions,
	)
}

// Handler fasthttp 形式的 /metrics 处理器
func Handler() fasthttp.RequestHandler {
	return fasthttpadaptor.NewFastHTTPHandler(promhttp.HandlerFor(Registry, promhttp.HandlerOpts{}))
}
