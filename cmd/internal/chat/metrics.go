package chat

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricMessagesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "slate_chat_messages_sent_total",
		Help: "Messages persisted by the messaging service.",
	})

	metricMessagesRead = promauto.NewCounter(prometheus.CounterOpts{
		Name: "slate_chat_messages_read_total",
		Help: "Messages transitioned to read (single and bulk paths).",
	})

	metricMessagesDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "slate_chat_messages_deleted_total",
		Help: "Messages soft-deleted by their sender.",
	})

	metricSendRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "slate_chat_send_rejected_total",
		Help: "Sends rejected before persistence, by reason.",
	}, []string{"reason"})
)
