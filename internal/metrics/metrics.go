package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	EmailsSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mailout_emails_sent_total",
			Help: "Total mailout emails accepted by the relay",
		},
	)

	EmailFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mailout_email_failures_total",
			Help: "Total mailout emails rejected for a single recipient",
		},
	)

	JobsFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailout_jobs_finished_total",
			Help: "Mailout jobs that reached a terminal state",
		},
		[]string{"state"},
	)

	JobProgress = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mailout_job_progress_percent",
			Help: "Progress of the mailout job currently being sent",
		},
	)
)

func Init() {
	prometheus.MustRegister(EmailsSent)
	prometheus.MustRegister(EmailFailures)
	prometheus.MustRegister(JobsFinished)
	prometheus.MustRegister(JobProgress)
}
