package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Chat metrics for monitoring the encrypt/decrypt pipeline and delivery paths
var (
	// Message lifecycle
	MessageEncodedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cipherchat_message_encoded_total",
		Help: "Total number of outgoing messages encoded",
	}, []string{"message_type", "encrypted"})

	MessageDecodedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cipherchat_message_decoded_total",
		Help: "Total number of stored messages decoded",
	}, []string{"outcome"}) // "plaintext", "decrypted", "self_copy", "failed"

	MessagePersistedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cipherchat_message_persisted_total",
		Help: "Total number of messages persisted to the document store",
	}, []string{"status"})

	SendDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cipherchat_send_duration_seconds",
		Help:    "Time taken to encode and persist a message",
		Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	}, []string{"step"}) // "encode", "persist"

	// Batch decode pipeline
	BatchDecodeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "cipherchat_batch_decode_duration_seconds",
		Help:    "Time for a full snapshot of messages to settle",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	})

	BatchDecodeSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "cipherchat_batch_decode_size",
		Help:    "Number of messages per decoded snapshot",
		Buckets: prometheus.ExponentialBuckets(1, 2, 10),
	})

	// Key directory
	DirectoryLookupTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cipherchat_directory_lookup_total",
		Help: "Total number of public key directory lookups",
	}, []string{"outcome"}) // "hit", "miss", "error"

	KeyRotationTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cipherchat_key_rotation_total",
		Help: "Total number of identity key rotations",
	})

	// Transport bridge
	TransportState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cipherchat_transport_state",
		Help: "Transport bridge state (0=uninitialized 1=connecting 2=connected 3=reconnecting 4=fallback)",
	})

	TransportReconnectTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cipherchat_transport_reconnect_total",
		Help: "Total number of transport reconnect attempts",
	})

	TransportQueueLength = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cipherchat_transport_queue_length",
		Help: "Current number of messages queued for fallback delivery",
	})

	TransportFallbackSendTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cipherchat_transport_fallback_send_total",
		Help: "Total number of messages replayed through the document store path",
	}, []string{"status"})

	TransportPingLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "cipherchat_transport_ping_latency_seconds",
		Help:    "Observed realtime channel ping/pong latency",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
	})

	// Media
	MediaUploadBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cipherchat_media_upload_bytes_total",
		Help: "Total encrypted media bytes uploaded",
	})

	MediaUploadTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cipherchat_media_upload_total",
		Help: "Total number of encrypted media uploads",
	}, []string{"status"})
)
