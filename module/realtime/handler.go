// Package realtime exposes the gateway over HTTP: the chat WebSocket, the
// notification SSE stream and the internal push API used by the rest of the
// marketplace.
package realtime

import (
	"context"
	"net/http"
	"time"

	"ShiftChat/global"
	"ShiftChat/middleware"
	midsec "ShiftChat/middleware/security"
	"ShiftChat/service/chat"
	"ShiftChat/service/notify"
	"ShiftChat/tools/decode"
	"ShiftChat/tools/errs"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// PresenceLookup answers "which node holds this user" across the cluster.
// storage.RedisPresence implements it.
type PresenceLookup interface {
	Lookup(ctx context.Context, userID string) (nodeID string, online bool, err error)
}

// Publisher reaches notification streams held by other nodes.
// notify.Bridge implements it.
type Publisher interface {
	PublishUser(ctx context.Context, userID string, ev notify.Event) error
	PublishBroadcast(ctx context.Context, ev notify.Event) error
}

// Handler 持有各组件；Bridge、Presence 可以为 nil（单节点部署）
type Handler struct {
	Chat     *chat.Server
	Hub      *notify.Hub
	Bridge   Publisher
	Presence PresenceLookup
	NodeID   string
	Log      *zap.Logger

	metrics *gatewayMetrics
}

// Register mounts every route on r. Auth must already be installed with
// middleware.SetAuth.
func (h *Handler) Register(r gin.IRouter) {
	if h.Log == nil {
		h.Log = zap.NewNop()
	}
	h.metrics = newGatewayMetrics(h)
	auth := middleware.RouteOpt{IsAuth: true}

	middleware.GET(r, "/healthz", h.Health, middleware.RouteOpt{})
	middleware.GET(r, "/metrics", h.Metrics, middleware.RouteOpt{})
	middleware.GET(r, "/ws/chat", h.Chat.HandleWS, auth)
	middleware.GET(r, "/sse/notifications", h.Hub.HandleSSE, auth)

	api := r.Group("/api")
	middleware.GET(api, "/presence/:id", h.serviceOnly(h.GetPresence), auth)
	middleware.POST(api, "/deliver/:id", h.serviceOnly(h.Deliver), auth)
	middleware.POST(api, "/notify/:id", h.serviceOnly(h.Notify), auth)
	middleware.POST(api, "/broadcast", h.serviceOnly(h.Broadcast), auth)
}

// RoleService marks tokens minted for other marketplace services. Only they
// may call the push API.
const RoleService = "service"

// serviceOnly rejects end-user tokens on the push API.
func (h *Handler) serviceOnly(next gin.HandlerFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		if role := midsec.Role(c); role != RoleService {
			h.fail(c, errs.ErrForbidden.WrapMsg("push api needs a service token", "role", role))
			return
		}
		next(c)
	}
}

// PushReq is the body of the deliver, notify and broadcast calls.
type PushReq struct {
	Type string `json:"type"`
	Data any    `json:"data"`
	// Channel selects the broadcast target: chat, notify or all (default).
	Channel string `json:"channel"`
}

const (
	ChannelChat   = "chat"
	ChannelNotify = "notify"
	ChannelAll    = "all"
)

type PresenceResp struct {
	UserID      string `json:"user_id"`
	Online      bool   `json:"online"`
	Connections int    `json:"connections"`
	Streaming   bool   `json:"streaming"`
	Node        string `json:"node,omitempty"`
}

func (h *Handler) GetPresence(c *gin.Context) {
	userID := c.Param("id")
	resp := PresenceResp{
		UserID:      userID,
		Connections: len(h.Chat.Registry().ConnectionsFor(userID)),
		Streaming:   h.Hub.Online(userID),
	}
	resp.Online = resp.Connections > 0
	if resp.Online {
		resp.Node = h.NodeID
	} else if h.Presence != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		node, online, err := h.Presence.Lookup(ctx, userID)
		cancel()
		if err != nil {
			// 集群视图不可用时退回本地结果
			h.Log.Warn("presence lookup failed", zap.String("user", userID), zap.Error(err))
		} else {
			resp.Online, resp.Node = online, node
		}
	}
	c.JSON(http.StatusOK, global.Success(resp))
}

// Deliver pushes one envelope to every chat connection of the user on this
// node. delivered=false means the user has no live connection here.
func (h *Handler) Deliver(c *gin.Context) {
	req, ok := h.bind(c)
	if !ok {
		return
	}
	if req.Type == "" {
		req.Type = chat.TypeNotification
	}
	delivered := h.Chat.DeliverToUser(c.Param("id"), chat.Encode(req.Type, req.Data))
	h.metrics.inc("deliver", outcome(delivered))
	c.JSON(http.StatusOK, global.Success(gin.H{"delivered": delivered}))
}

// Notify sends a notification event to the user's SSE stream. With a bridge
// configured the event goes through NATS so whichever node holds the stream
// receives it.
func (h *Handler) Notify(c *gin.Context) {
	req, ok := h.bind(c)
	if !ok {
		return
	}
	userID := c.Param("id")
	ev := notify.Event{Type: req.Type, Data: req.Data}
	if ev.Type == "" {
		ev.Type = notify.TypeNotification
	}
	if h.Bridge != nil {
		if err := h.Bridge.PublishUser(c.Request.Context(), userID, ev); err != nil {
			h.metrics.inc("notify", resultFailed)
			h.fail(c, errs.ErrUpstream.WrapMsg(err.Error()))
			return
		}
		h.metrics.inc("notify", resultPublished)
		c.JSON(http.StatusOK, global.Success(gin.H{"published": true}))
		return
	}
	delivered := h.Hub.Push(userID, ev)
	h.metrics.inc("notify", outcome(delivered))
	c.JSON(http.StatusOK, global.Success(gin.H{"delivered": delivered}))
}

func (h *Handler) Broadcast(c *gin.Context) {
	req, ok := h.bind(c)
	if !ok {
		return
	}
	if req.Channel == "" {
		req.Channel = ChannelAll
	}
	if req.Channel != ChannelChat && req.Channel != ChannelNotify && req.Channel != ChannelAll {
		h.fail(c, errs.ErrArgs.WrapMsg("unknown channel", "channel", req.Channel))
		return
	}

	out := gin.H{}
	if req.Channel != ChannelNotify {
		typ := req.Type
		if typ == "" {
			typ = chat.TypeNotification
		}
		out["connections"] = h.Chat.Broadcast(chat.Encode(typ, req.Data))
	}
	if req.Channel != ChannelChat {
		ev := notify.Event{Type: req.Type, Data: req.Data}
		if ev.Type == "" {
			ev.Type = notify.TypeNotification
		}
		if h.Bridge != nil {
			if err := h.Bridge.PublishBroadcast(c.Request.Context(), ev); err != nil {
				h.metrics.inc("broadcast", resultFailed)
				h.fail(c, errs.ErrUpstream.WrapMsg(err.Error()))
				return
			}
			out["published"] = true
		} else {
			out["streams"] = h.Hub.Broadcast(ev)
		}
	}
	h.metrics.inc("broadcast", resultDelivered)
	c.JSON(http.StatusOK, global.Success(out))
}

func outcome(delivered bool) string {
	if delivered {
		return resultDelivered
	}
	return resultOffline
}

func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, global.Success(gin.H{
		"status":      "ok",
		"node":        h.NodeID,
		"connections": h.Chat.Registry().Count(),
		"users":       len(h.Chat.Registry().AllOnline()),
		"streams":     h.Hub.Count(),
	}))
}

func (h *Handler) bind(c *gin.Context) (*PushReq, bool) {
	raw, err := c.GetRawData()
	if err != nil {
		h.fail(c, errs.ErrArgs.WrapMsg(err.Error()))
		return nil, false
	}
	req, err := decode.DecodeRaw[PushReq](raw)
	if err != nil {
		h.fail(c, errs.ErrArgs.WrapMsg(err.Error()))
		return nil, false
	}
	return req, true
}

func (h *Handler) fail(c *gin.Context, err error) {
	h.Log.Warn("api call failed", zap.String("path", c.FullPath()), zap.Error(err))
	c.AbortWithStatusJSON(errs.HTTPStatus(err), global.Fail(err))
}
