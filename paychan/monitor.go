package paychan

import (
	"context"
	"strconv"
	"time"

	"github.com/streamer-network/payment-channel/pkg/log"
	"github.com/streamer-network/payment-channel/paychan/metrics"
)

func (s *Service) channelsMonitor() {
	for {
		select {
		case <-s.globalCtx.Done():
			return
		case <-time.After(5 * time.Second):
		}

		list, err := s.db.ListChannels(context.Background())
		if err != nil {
			log.Error().Err(err).Msg("failed to list channels")
			continue
		}

		counts := map[Stage]float64{}
		for _, ch := range list {
			stage, _, _ := s.stageOf(ch)
			counts[stage]++
		}

		for _, stage := range Stages[1:] {
			metrics.ChannelsByStage.WithLabelValues(stage.String()).Set(counts[stage])
		}
	}
}

func (s *Service) taskMonitor() {
	taskStats := map[string]map[bool]map[bool]float64{}

	for {
		select {
		case <-s.globalCtx.Done():
			return
		case <-time.After(5 * time.Second):
		}

		list, err := s.db.ListActiveTasks(context.Background(), WebhooksTaskPool)
		if err != nil {
			log.Error().Err(err).Msg("failed to list active tasks")
			continue
		}

		for _, task := range list {
			hasError := task.LastError != ""
			executeLater := task.ExecuteAfter.After(time.Now())

			typeStats, exists := taskStats[task.Type]
			if !exists {
				typeStats = map[bool]map[bool]float64{}
				taskStats[task.Type] = typeStats
			}

			errorStats, exists := typeStats[hasError]
			if !exists {
				errorStats = map[bool]float64{}
				typeStats[hasError] = errorStats
			}

			errorStats[executeLater] += 1
		}

		for jobType, errorStats := range taskStats {
			for hasError, timingStats := range errorStats {
				for executeLater, taskCount := range timingStats {
					metrics.QueuedTasks.WithLabelValues(jobType, strconv.FormatBool(hasError), strconv.FormatBool(executeLater)).Set(taskCount)

					timingStats[executeLater] = 0 // reset to calc in next iteration
				}
			}
		}
	}
}
