package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/austindbirch/signal_hook/internal/logging"
	"github.com/austindbirch/signal_hook/internal/metrics"
)

// Stats is the part of the nsqd /stats?format=json answer the monitor reads.
type Stats struct {
	Topics []struct {
		TopicName string `json:"topic_name"`
		Depth     int64  `json:"depth"`
		Channels  []struct {
			ChannelName   string `json:"channel_name"`
			Depth         int64  `json:"depth"`
			InFlightCount int64  `json:"in_flight_count"`
		} `json:"channels"`
	} `json:"topics"`
}

// Monitor polls nsqd stats and exports the worker backlog and per-channel
// depth and in-flight gauges.
type Monitor struct {
	client   *http.Client
	statsURL string
	topics   map[string]bool
	topic    string
	channel  string
	logger   *logging.Logger
}

// NewMonitor watches topic/channel for the backlog gauge. Channels of the
// extra topics only get depth and in-flight gauges.
func NewMonitor(nsqdHTTPAddr, topic, channel string, logger *logging.Logger, extra ...string) *Monitor {
	base := nsqdHTTPAddr
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	topics := map[string]bool{topic: true}
	for _, t := range extra {
		topics[t] = true
	}
	return &Monitor{
		client:   &http.Client{Timeout: 5 * time.Second},
		statsURL: strings.TrimRight(base, "/") + "/stats?format=json",
		topics:   topics,
		topic:    topic,
		channel:  channel,
		logger:   logger,
	}
}

// Poll reads the stats once and updates the gauges.
func (m *Monitor) Poll(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.statsURL, nil)
	if err != nil {
		return err
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to get NSQ stats: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("NSQ stats returned %d", resp.StatusCode)
	}

	var stats Stats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return fmt.Errorf("failed to decode NSQ stats: %w", err)
	}

	for _, topic := range stats.Topics {
		if !m.topics[topic.TopicName] {
			continue
		}
		for _, ch := range topic.Channels {
			if topic.TopicName == m.topic && ch.ChannelName == m.channel {
				metrics.UpdateQueueBacklog(float64(ch.Depth))
			}
			metrics.UpdateNSQChannelDepth(topic.TopicName, ch.ChannelName, float64(ch.Depth))
			metrics.UpdateNSQChannelInflight(topic.TopicName, ch.ChannelName, float64(ch.InFlightCount))
		}
	}
	return nil
}

// Run polls every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.Poll(ctx); err != nil && ctx.Err() == nil {
				m.logger.Plain().WithError(err).Error("queue stats poll failed")
			}
		}
	}
}
