// SPDX-License-Identifier: Apache-2.0
// Copyright (C) 2023 Nordix Foundation.

// Package metrics holds the prometheus collectors of the switch table managers
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "netc"

// Result label values
const (
	ResultSuccess = "success"
	ResultError   = "error"
)

var (
	// Registry is the registry every collector of this package is registered with
	Registry = prometheus.NewRegistry()

	// EidPoolInUse tracks the number of allocated entry id groups per table
	EidPoolInUse = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "eid_pool_in_use",
		Help:      "Number of allocated entry id groups",
	}, []string{"table"})

	// EidPoolSize tracks the capacity of each entry id pool
	EidPoolSize = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "eid_pool_size",
		Help:      "Capacity of the entry id pool",
	}, []string{"table"})

	// ShadowEntries tracks the size of the software shadow tables
	ShadowEntries = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "shadow_entries",
		Help:      "Number of entries in the shadow table",
	}, []string{"table"})

	// TableOps counts hardware table operations
	TableOps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "table_ops_total",
		Help:      "Hardware table operations by table, operation and result",
	}, []string{"table", "op", "result"})

	// AgingSweeps counts aging sweeps
	AgingSweeps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "aging_sweeps_total",
		Help:      "FDB aging sweeps by result",
	}, []string{"result"})

	// VlanRollbacks counts VLAN egress rule transactions that were unwound
	VlanRollbacks = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "vlan_rollbacks_total",
		Help:      "VLAN egress rule transactions rolled back",
	})
)

func init() {
	Registry.MustRegister(EidPoolInUse, EidPoolSize, ShadowEntries, TableOps, AgingSweeps, VlanRollbacks)
}

// ObserveOp records the result of one hardware table operation
func ObserveOp(table, op string, err error) {
	result := ResultSuccess
	if err != nil {
		result = ResultError
	}
	TableOps.WithLabelValues(table, op, result).Inc()
}

// Handler returns the http handler exposing the registry
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
