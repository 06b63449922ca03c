package johm

import "github.com/prometheus/client_golang/prometheus"

var SaveCount = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "johm",
	Subsystem: "engine",
	Name:      "saves",
}, []string{"type", "result"})

var DeleteCount = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "johm",
	Subsystem: "engine",
	Name:      "deletes",
}, []string{"type", "result"})

var FindCount = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "johm",
	Subsystem: "engine",
	Name:      "finds",
}, []string{"type", "result"})

var PlanCount = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "johm",
	Subsystem: "engine",
	Name:      "plans",
}, []string{"type", "plan"})

var RollbackCount = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "johm",
	Subsystem: "engine",
	Name:      "rollbacks",
}, []string{"type", "result"})
