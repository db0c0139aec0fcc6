package handlers

import (
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/traffic-boost/traffic-boost-go/internal/domain"
	"github.com/traffic-boost/traffic-boost-go/internal/executor"
)

// ProgressHandler 任务进度 WebSocket 推送
// 订阅 Tracker 的进度事件，实时推给关注对应任务的客户端
type ProgressHandler struct {
	logger      *logrus.Logger
	upgrader    websocket.Upgrader
	clients     map[*websocket.Conn]string // conn -> task_id（"all" 表示订阅全部）
	clientMutex sync.RWMutex
	broadcast   chan *domain.TaskProgress
}

// NewProgressHandler 创建进度推送处理器
func NewProgressHandler(tracker *executor.Tracker, logger *logrus.Logger) *ProgressHandler {
	h := &ProgressHandler{
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // 来源限制由网关承担
			},
		},
		clients:   make(map[*websocket.Conn]string),
		broadcast: make(chan *domain.TaskProgress, 100),
	}

	// 进度事件来自执行引擎协程，入队即返回，满了丢弃
	tracker.Subscribe(func(p *domain.TaskProgress) {
		select {
		case h.broadcast <- p:
		default:
		}
	})

	return h
}

// Start 启动广播协程
func (h *ProgressHandler) Start() {
	go h.runBroadcaster()
}

func (h *ProgressHandler) runBroadcaster() {
	for p := range h.broadcast {
		var stale []*websocket.Conn

		h.clientMutex.RLock()
		for conn, taskID := range h.clients {
			if taskID != "all" && taskID != p.TaskID {
				continue
			}
			if err := conn.WriteJSON(p); err != nil {
				h.logger.WithError(err).Warn("Failed to write to WebSocket client")
				stale = append(stale, conn)
			}
		}
		h.clientMutex.RUnlock()

		if len(stale) > 0 {
			h.clientMutex.Lock()
			for _, conn := range stale {
				conn.Close()
				delete(h.clients, conn)
			}
			h.clientMutex.Unlock()
		}
	}
}

// HandleWebSocket 处理 WebSocket 连接
// GET /ws/progress/:task_id（task_id 为 all 时订阅全部任务）
func (h *ProgressHandler) HandleWebSocket(c *gin.Context) {
	taskID := c.Param("task_id")
	if taskID == "" {
		taskID = "all"
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.WithError(err).Error("Failed to upgrade to WebSocket")
		return
	}
	defer conn.Close()

	h.clientMutex.Lock()
	h.clients[conn] = taskID
	h.clientMutex.Unlock()

	h.logger.WithField("task_id", taskID).Info("Progress WebSocket client connected")

	// 保持连接，客户端消息直接丢弃
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.WithError(err).Warn("WebSocket error")
			}
			break
		}
	}

	h.clientMutex.Lock()
	delete(h.clients, conn)
	h.clientMutex.Unlock()

	h.logger.WithField("task_id", taskID).Info("Progress WebSocket client disconnected")
}
