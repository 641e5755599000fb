package services

import (
	"github.com/mirchat/mir-backend/internal/metrics"
	"github.com/mirchat/mir-backend/internal/models"
	"github.com/mirchat/mir-backend/internal/session"
	"github.com/mirchat/mir-backend/internal/writebehind"
)

// Services holds the service instances the HTTP layer depends on.
type Services struct {
	Chat     *ChatService
	Sessions *session.Store
	Health   *HealthMonitor
	Metrics  *metrics.Collector

	UserQueue    *writebehind.Queue[models.UserUpsert]
	ChatLogQueue *writebehind.Queue[models.ChatLog]
}

// QueueStats reports write-behind backlog.
type QueueStats struct {
	Name     string `json:"name"`
	Length   int    `json:"length"`
	Capacity int    `json:"capacity"`
}

// Queues returns the current backlog of every write-behind queue.
func (s *Services) Queues() []QueueStats {
	var out []QueueStats
	if s.UserQueue != nil {
		out = append(out, QueueStats{s.UserQueue.Name(), s.UserQueue.Len(), s.UserQueue.Cap()})
	}
	if s.ChatLogQueue != nil {
		out = append(out, QueueStats{s.ChatLogQueue.Name(), s.ChatLogQueue.Len(), s.ChatLogQueue.Cap()})
	}
	return out
}
