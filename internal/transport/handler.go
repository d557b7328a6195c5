package transport

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/koopa0/system-design/14-room-join/internal/join"
	"github.com/koopa0/system-design/14-room-join/internal/protocol"
	apperrors "github.com/koopa0/system-design/14-room-join/pkg/errors"
	"github.com/koopa0/system-design/14-room-join/pkg/logger"
)

// Handler HTTP 請求處理器
type Handler struct {
	coordinator *join.Coordinator
	rooms       join.RoomStore
	gateway     *Gateway
	logger      *slog.Logger
}

// NewHandler 創建 HTTP 處理器
//
// gateway 為 nil 時不掛載 /ws。
func NewHandler(coordinator *join.Coordinator, rooms join.RoomStore, gateway *Gateway, logger *slog.Logger) *Handler {
	return &Handler{
		coordinator: coordinator,
		rooms:       rooms,
		gateway:     gateway,
		logger:      logger,
	}
}

// Routes 設定路由
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	// 中間件鏈
	wrap := func(handler http.HandlerFunc) http.HandlerFunc {
		return h.recoverer(h.loggerMiddleware(handler))
	}

	// 房間與加入 API
	mux.HandleFunc("POST /api/v1/rooms", wrap(h.createRoom))
	mux.HandleFunc("GET /api/v1/rooms/{room_code}", wrap(h.getRoom))
	mux.HandleFunc("POST /api/v1/join", wrap(h.join))
	mux.HandleFunc("DELETE /api/v1/connections/{connection_id}", wrap(h.leave))

	// WebSocket 需要 Hijacker，不經過 responseWriter 包裝
	if h.gateway != nil {
		mux.HandleFunc("GET /ws", h.recoverer(h.gateway.ServeWS))
	}

	// 健康檢查與指標
	mux.HandleFunc("GET /health", wrap(h.health))
	mux.Handle("GET /metrics", promhttp.Handler())

	return mux
}

type createRoomRequest struct {
	RoomCode string `json:"roomCode"`
}

// createRoom 建立房間（已存在時不變更）
func (h *Handler) createRoom(w http.ResponseWriter, r *http.Request) {
	var req createRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.errorResponse(w, "無效的請求格式", http.StatusBadRequest)
		return
	}
	if req.RoomCode == "" {
		h.errorResponse(w, "房間碼不能為空", http.StatusBadRequest)
		return
	}

	if err := h.rooms.CreateRoom(r.Context(), req.RoomCode); err != nil {
		h.logger.ErrorContext(r.Context(), "建立房間失敗", "room_code", req.RoomCode, "error", err)
		h.errorResponse(w, "建立房間失敗", http.StatusInternalServerError)
		return
	}

	h.jsonResponse(w, map[string]any{
		"roomCode": req.RoomCode,
	}, http.StatusCreated)
}

// getRoom 讀取房間名單
func (h *Handler) getRoom(w http.ResponseWriter, r *http.Request) {
	roomCode := r.PathValue("room_code")

	room, err := h.rooms.GetRoom(r.Context(), roomCode)
	if err != nil {
		if errors.Is(err, apperrors.ErrRoomNotFound) {
			h.errorResponse(w, "房間不存在", http.StatusNotFound)
			return
		}
		h.logger.ErrorContext(r.Context(), "讀取房間失敗", "room_code", roomCode, "error", err)
		h.errorResponse(w, "讀取房間失敗", http.StatusInternalServerError)
		return
	}

	h.jsonResponse(w, room, http.StatusOK)
}

// join 加入房間
//
// 成功 → 200 "Success!"；任何失敗 → 500 "some error happened"。
// 失敗分類只出現在日誌與指標。
func (h *Handler) join(w http.ResponseWriter, r *http.Request) {
	var req join.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.jsonResponse(w, protocol.Failure(), http.StatusInternalServerError)
		return
	}

	result := h.coordinator.Join(r.Context(), req)
	if !result.OK() {
		h.jsonResponse(w, protocol.AckFor(result), http.StatusInternalServerError)
		return
	}
	h.jsonResponse(w, protocol.AckFor(result), http.StatusOK)
}

// leave 釋放 HTTP 加入留下的連線綁定
//
// 等同 WebSocket 斷線：先標記離線，再刪除登記記錄。
func (h *Handler) leave(w http.ResponseWriter, r *http.Request) {
	connectionID := r.PathValue("connection_id")

	_, err := h.coordinator.Leave(r.Context(), connectionID)
	switch {
	case err == nil:
		h.jsonResponse(w, protocol.Success(), http.StatusOK)
	case errors.Is(err, apperrors.ErrConnectionNotFound):
		h.errorResponse(w, "連線不存在", http.StatusNotFound)
	default:
		h.logger.ErrorContext(r.Context(), "釋放連線失敗", "connection_id", connectionID, "error", err)
		h.errorResponse(w, "釋放連線失敗", http.StatusInternalServerError)
	}
}

// health 健康檢查
func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"status": "healthy",
		"time":   time.Now().Unix(),
	}
	if h.gateway != nil {
		body["connections"] = h.gateway.ConnectionCount()
	}
	h.jsonResponse(w, body, http.StatusOK)
}

// jsonResponse 返回 JSON 響應
func (h *Handler) jsonResponse(w http.ResponseWriter, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("編碼 JSON 失敗", "error", err)
	}
}

// errorResponse 返回錯誤響應
func (h *Handler) errorResponse(w http.ResponseWriter, message string, status int) {
	h.jsonResponse(w, map[string]any{
		"error": message,
	}, status)
}

// loggerMiddleware 日誌中間件（附帶 request_id）
func (h *Handler) loggerMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)
		r = r.WithContext(logger.WithRequestID(r.Context(), requestID))

		// 包裝 ResponseWriter 以獲取狀態碼
		ww := &responseWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next(ww, r)

		h.logger.InfoContext(r.Context(), "HTTP 請求",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.statusCode,
			"duration", time.Since(start))
	}
}

// recoverer panic 恢復中間件
func (h *Handler) recoverer(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				h.logger.Error("處理請求時發生 panic",
					"error", err,
					"method", r.Method,
					"path", r.URL.Path)

				h.errorResponse(w, "內部伺服器錯誤", http.StatusInternalServerError)
			}
		}()

		next(w, r)
	}
}

// responseWriter 包裝 ResponseWriter 以獲取狀態碼
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *responseWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}
