package websocket

import (
	"time"

	"planwatch/internal/models"
)

// Типы сообщений, рассылаемых подписчикам
const (
	MsgPlanEvent = "plan_event" // событие жизненного цикла плана
	MsgHeartbeat = "heartbeat"  // периодический пинг с количеством подписчиков
)

// Message - конверт сообщения для подписчиков
type Message struct {
	Type      string      `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload,omitempty"`
}

// PlanEventPayload - событие плана
type PlanEventPayload struct {
	PlanID  string  `json:"plan_id"`
	Symbol  string  `json:"symbol"`
	Status  string  `json:"status"`
	Event   string  `json:"event"`
	Message string  `json:"message,omitempty"`
	Entry   float64 `json:"entry_price"`
	Ticket  string  `json:"ticket,omitempty"`
}

// HeartbeatPayload - содержимое heartbeat
type HeartbeatPayload struct {
	Clients int `json:"clients"`
}

// newPlanEvent собирает конверт события плана
func newPlanEvent(plan *models.Plan, event, message string) Message {
	ticket := plan.Ticket
	if ticket == "" {
		ticket = plan.PendingTicket
	}
	return Message{
		Type:      MsgPlanEvent,
		Timestamp: time.Now(),
		Payload: PlanEventPayload{
			PlanID:  plan.ID,
			Symbol:  plan.Symbol,
			Status:  plan.Status,
			Event:   event,
			Message: message,
			Entry:   plan.EntryPrice,
			Ticket:  ticket,
		},
	}
}
