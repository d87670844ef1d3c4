/*
 * Copyright 2025 SREDiag Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package at

import "github.com/prometheus/client_golang/prometheus"

var (
	transactionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "atsock",
		Subsystem: "at",
		Name:      "transactions_total",
		Help:      "Total number of command/response transactions issued.",
	})
	transactionErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "atsock",
		Subsystem: "at",
		Name:      "transaction_errors_total",
		Help:      "Transactions that ended in a module error or timeout.",
	})
	notificationsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "atsock",
		Subsystem: "at",
		Name:      "notifications_total",
		Help:      "Unsolicited notifications routed to a subscriber.",
	})
	notificationsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "atsock",
		Subsystem: "at",
		Name:      "notifications_dropped_total",
		Help:      "Lines that matched no transaction and no subscriber.",
	})
)

func init() {
	prometheus.MustRegister(
		transactionsTotal,
		transactionErrors,
		notificationsTotal,
		notificationsDropped,
	)
}
