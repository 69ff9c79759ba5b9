package websocket

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	gorillaWS "github.com/gorilla/websocket"
)

var upgrader = gorillaWS.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// 在生产环境中应该检查 Origin
		return true
	},
}

// Handler WebSocket 处理器
// 客户端连接 /ws/batches/:id 后接收该批次的进度事件流
func Handler(hub *Hub) gin.HandlerFunc {
	return func(c *gin.Context) {
		batchID := c.Param("id")
		if batchID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "missing batch id"})
			return
		}

		// 升级连接
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to upgrade connection"})
			return
		}

		// 创建并注册客户端
		client := NewClient(uuid.New().String(), batchID, hub, conn)
		hub.Register <- client

		// 启动 readPump 和 writePump
		go client.ReadPump()
		go client.WritePump()
	}
}
