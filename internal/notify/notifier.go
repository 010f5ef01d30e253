package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"github.com/sirupsen/logrus"
)

// Notification 是推送载荷；Actions 对应客户端展示的固定按钮。
type Notification struct {
	Title   string   `json:"title"`
	Body    string   `json:"body"`
	Actions []string `json:"actions,omitempty"`
}

// DefaultActions 是通知默认携带的两个动作。
func DefaultActions() []string {
	return []string{"open", "close"}
}

// Notifier 把通知 fan-out 到已订阅的 webhook；单个订阅者失败只记日志，
// 不影响其余订阅者投递。
type Notifier struct {
	client *http.Client
	logger *logrus.Logger

	mu          sync.RWMutex
	subscribers map[string]struct{}
}

// NewNotifier 构造空订阅表的通知器。
func NewNotifier(client *http.Client, logger *logrus.Logger) *Notifier {
	if logger == nil {
		logger = logrus.New()
	}
	return &Notifier{
		client:      client,
		logger:      logger,
		subscribers: make(map[string]struct{}),
	}
}

// Subscribe 注册一个 webhook 地址，重复注册幂等。
func (n *Notifier) Subscribe(endpoint string) error {
	parsed, err := url.Parse(endpoint)
	if err != nil || !parsed.IsAbs() {
		return fmt.Errorf("invalid subscriber endpoint: %s", endpoint)
	}

	n.mu.Lock()
	n.subscribers[parsed.String()] = struct{}{}
	n.mu.Unlock()
	return nil
}

// Subscribers 返回当前订阅者数量。
func (n *Notifier) Subscribers() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.subscribers)
}

// Publish 将通知投递给全部订阅者，返回成功数。
func (n *Notifier) Publish(ctx context.Context, notification Notification) int {
	if len(notification.Actions) == 0 {
		notification.Actions = DefaultActions()
	}

	payload, err := json.Marshal(notification)
	if err != nil {
		n.logger.WithError(err).Warn("notification encode failed")
		return 0
	}

	n.mu.RLock()
	targets := make([]string, 0, len(n.subscribers))
	for endpoint := range n.subscribers {
		targets = append(targets, endpoint)
	}
	n.mu.RUnlock()

	delivered := 0
	for _, endpoint := range targets {
		if err := n.deliver(ctx, endpoint, payload); err != nil {
			n.logger.WithError(err).WithFields(logrus.Fields{
				"action":   "push_deliver",
				"endpoint": endpoint,
			}).Warn("push delivery failed")
			continue
		}
		delivered++
	}
	return delivered
}

func (n *Notifier) deliver(ctx context.Context, endpoint string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("subscriber returned %d", resp.StatusCode)
	}
	return nil
}
