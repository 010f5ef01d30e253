package routes

import (
	"encoding/json"

	"github.com/gofiber/fiber/v3"
	"github.com/mitchellh/mapstructure"
	"github.com/sirupsen/logrus"

	"github.com/aetherflow/edgeworker/internal/bucket"
	"github.com/aetherflow/edgeworker/internal/lifecycle"
	"github.com/aetherflow/edgeworker/internal/notify"
	"github.com/aetherflow/edgeworker/internal/syncqueue"
)

// 控制面消息类型，对应页面与 worker 之间的跨上下文协议。
const (
	MessageSkipWaiting = "SKIP_WAITING"
	MessageGetVersion  = "GET_VERSION"
)

// ControlDeps 聚合控制面路由的依赖，便于测试按需注入。
type ControlDeps struct {
	Lifecycle *lifecycle.Manager
	Store     bucket.Store
	Queue     syncqueue.Queue
	Replayer  *syncqueue.Replayer
	Notifier  *notify.Notifier
	Logger    *logrus.Logger
}

// controlMessage 是 /-/control 的统一消息信封；未知类型静默忽略。
type controlMessage struct {
	Type string `mapstructure:"type"`
}

// RegisterControlRoutes 暴露 /-/ 控制面：版本查询、强制激活、同步触发、
// 推送投递与运行状态。控制面路径不经过缓存路由。
func RegisterControlRoutes(app *fiber.App, deps ControlDeps) {
	if app == nil || deps.Lifecycle == nil {
		return
	}

	app.Get("/-/version", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{"version": deps.Lifecycle.PrecacheBucketName()})
	})

	app.Post("/-/control", func(c fiber.Ctx) error {
		msg, err := decodeControlMessage(c.Body())
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_message"})
		}

		switch msg.Type {
		case MessageSkipWaiting:
			if err := deps.Lifecycle.SkipWaiting(c.Context()); err != nil {
				logControlError(deps.Logger, msg.Type, err)
				return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "activation_failed"})
			}
			return c.JSON(fiber.Map{"state": string(deps.Lifecycle.State())})
		case MessageGetVersion:
			return c.JSON(fiber.Map{"version": deps.Lifecycle.PrecacheBucketName()})
		default:
			// 未定义的消息类型按协议静默忽略。
			return c.SendStatus(fiber.StatusNoContent)
		}
	})

	app.Post("/-/sync", func(c fiber.Ctx) error {
		if deps.Replayer == nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "sync_unavailable"})
		}
		replayed, err := deps.Replayer.Replay(c.Context())
		if err != nil {
			logControlError(deps.Logger, "sync", err)
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "sync_failed"})
		}
		return c.JSON(fiber.Map{"replayed": replayed})
	})

	app.Post("/-/push", func(c fiber.Ctx) error {
		if deps.Notifier == nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "push_unavailable"})
		}
		var notification notify.Notification
		if err := json.Unmarshal(c.Body(), &notification); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_payload"})
		}
		delivered := deps.Notifier.Publish(c.Context(), notification)
		return c.JSON(fiber.Map{"delivered": delivered})
	})

	app.Post("/-/push/subscribe", func(c fiber.Ctx) error {
		if deps.Notifier == nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "push_unavailable"})
		}
		var payload struct {
			Endpoint string `json:"endpoint"`
		}
		if err := json.Unmarshal(c.Body(), &payload); err != nil || payload.Endpoint == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_payload"})
		}
		if err := deps.Notifier.Subscribe(payload.Endpoint); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_endpoint"})
		}
		return c.JSON(fiber.Map{"subscribers": deps.Notifier.Subscribers()})
	})

	app.Get("/-/status", func(c fiber.Ctx) error {
		payload := fiber.Map{
			"state":   string(deps.Lifecycle.State()),
			"version": deps.Lifecycle.PrecacheBucketName(),
		}
		if deps.Store != nil {
			if names, err := deps.Store.Buckets(c.Context()); err == nil {
				payload["buckets"] = names
			}
		}
		if deps.Queue != nil {
			if depth, err := deps.Queue.Depth(c.Context()); err == nil {
				payload["queue_depth"] = depth
			}
		}
		return c.JSON(payload)
	})
}

// decodeControlMessage 先解出松散 JSON，再经 mapstructure 映射到消息信封，
// 额外字段被忽略，方便协议向后兼容。
func decodeControlMessage(body []byte) (controlMessage, error) {
	raw := map[string]interface{}{}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &raw); err != nil {
			return controlMessage{}, err
		}
	}
	var msg controlMessage
	if err := mapstructure.Decode(raw, &msg); err != nil {
		return controlMessage{}, err
	}
	return msg, nil
}

func logControlError(logger *logrus.Logger, messageType string, err error) {
	if logger == nil {
		return
	}
	logger.WithError(err).WithFields(logrus.Fields{
		"action":       "control",
		"message_type": messageType,
	}).Error("control message failed")
}
