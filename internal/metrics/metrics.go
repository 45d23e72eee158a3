// Package metrics holds the service's own Prometheus collectors. HTTP
// request metrics come from the echoprometheus middleware.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	InboundEmails = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "userbird",
			Name:      "inbound_emails_total",
			Help:      "Inbound emails processed, by resolution strategy or failure reason",
		},
		[]string{"strategy"},
	)

	DNSChecks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "userbird",
			Name:      "dns_checks_total",
			Help:      "Custom email setting verifications, by outcome",
		},
		[]string{"result"},
	)

	OutboundEmails = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "userbird",
			Name:      "outbound_emails_total",
			Help:      "Notification emails sent, by kind and outcome",
		},
		[]string{"kind", "result"},
	)

	AttachmentUploads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "userbird",
			Name:      "attachment_uploads_total",
			Help:      "Inbound attachments rehosted to object storage",
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(InboundEmails, DNSChecks, OutboundEmails, AttachmentUploads)
}
