package websocket

import (
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"

	"planwatch/internal/models"
	"planwatch/pkg/utils"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Hub - реестр websocket-подписчиков на события планов.
// Реализует monitor.NotificationPort: NotifyPlanEvent не блокирует
// и не возвращает ошибок, медленный подписчик отключается.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]bool
	log     *utils.Logger

	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client
	stop       chan struct{}
	stopOnce   sync.Once
}

// NewHub создаёт hub
func NewHub(log *utils.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		log:        log.WithComponent("websocket"),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		stop:       make(chan struct{}),
	}
}

// Run крутит цикл hub'а; запускается в goroutine
func (h *Hub) Run() {
	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-h.stop:
			h.closeAll()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.log.Info("websocket client connected", utils.Count(h.ClientCount()))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			h.log.Info("websocket client disconnected", utils.Count(h.ClientCount()))

		case data := <-h.broadcast:
			h.fanOut(data)

		case <-heartbeat.C:
			h.send(Message{
				Type:      MsgHeartbeat,
				Timestamp: time.Now(),
				Payload:   HeartbeatPayload{Clients: h.ClientCount()},
			})
		}
	}
}

// Stop останавливает hub и закрывает всех подписчиков
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.stop) })
}

// NotifyPlanEvent рассылает событие плана. Fire-and-forget:
// переполненный канал broadcast молча роняет сообщение.
func (h *Hub) NotifyPlanEvent(plan *models.Plan, event, message string) {
	h.send(newPlanEvent(plan, event, message))
}

// ClientCount возвращает количество подключённых подписчиков
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) send(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.log.Error("failed to marshal websocket message", utils.Err(err))
		return
	}

	select {
	case h.broadcast <- data:
	default:
		h.log.Warn("websocket broadcast channel full, dropping message")
	}
}

// fanOut раздаёт сообщение подписчикам; заткнувшийся клиент отключается
func (h *Hub) fanOut(data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		select {
		case client.send <- data:
		default:
			delete(h.clients, client)
			close(client.send)
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
}
