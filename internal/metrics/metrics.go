// metrics — prometheus-метрики менеджера сессии.
//
// Все методы безопасны для nil-получателя: nil *Metrics отключает инструментирование,
// поэтому компоненты принимают метрики опционально.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/pribylovaa/betforbes-session/internal/models"
)

const namespace = "session"

// Результаты refresh для метки result.
const (
	RefreshSuccess   = "success"
	RefreshRejected  = "rejected"
	RefreshError     = "error"
	RefreshNoSession = "no_session"
)

// Metrics — набор коллекторов.
type Metrics struct {
	refreshTotal  *prometheus.CounterVec
	refreshJoined prometheus.Counter
	retries       prometheus.Counter
	requests      *prometheus.CounterVec
	state         *prometheus.GaugeVec
	syncEvents    *prometheus.CounterVec
}

// New регистрирует коллекторы в reg (nil — prometheus.DefaultRegisterer).
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		refreshTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refresh_total",
			Help:      "Refresh network calls by result.",
		}, []string{"result"}),
		refreshJoined: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refresh_joined_total",
			Help:      "Refresh callers that awaited an in-flight refresh instead of issuing their own.",
		}),
		retries: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "request_retries_total",
			Help:      "Requests re-issued after a successful refresh.",
		}),
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Authorized HTTP requests by final status code.",
		}, []string{"code"}),
		state: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "state",
			Help:      "Current session state (1 for the active state).",
		}, []string{"state"}),
		syncEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_events_total",
			Help:      "Cross-process storage events applied, by slot and kind.",
		}, []string{"slot", "kind"}),
	}
}

func (m *Metrics) RefreshResult(result string) {
	if m == nil {
		return
	}
	m.refreshTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) RefreshJoined() {
	if m == nil {
		return
	}
	m.refreshJoined.Inc()
}

func (m *Metrics) Retry() {
	if m == nil {
		return
	}
	m.retries.Inc()
}

// Request учитывает итоговый статус запроса; 0 — транспортная ошибка.
func (m *Metrics) Request(code int) {
	if m == nil {
		return
	}

	label := "error"
	if code > 0 {
		label = strconv.Itoa(code)
	}
	m.requests.WithLabelValues(label).Inc()
}

// SetState выставляет 1 для текущего состояния и 0 для остальных.
func (m *Metrics) SetState(s models.State) {
	if m == nil {
		return
	}

	for _, st := range models.States {
		v := 0.0
		if st == s {
			v = 1
		}
		m.state.WithLabelValues(st.String()).Set(v)
	}
}

// SyncEvent учитывает применённое событие синхронизации (kind: set|cleared).
func (m *Metrics) SyncEvent(slot, kind string) {
	if m == nil {
		return
	}
	m.syncEvents.WithLabelValues(slot, kind).Inc()
}
