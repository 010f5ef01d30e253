package syncqueue

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/sirupsen/logrus"
)

// Replayer 把队列中的动作逐条重放为上游 HTTP 请求：成功（2xx）即出队，
// 失败只记日志并继续下一条。没有退避，也不提供入队顺序之外的保证。
type Replayer struct {
	queue    Queue
	client   *http.Client
	upstream *url.URL
	logger   *logrus.Logger
}

// NewReplayer 构造重放器；upstream 用于解析相对路径动作。
func NewReplayer(queue Queue, client *http.Client, upstream *url.URL, logger *logrus.Logger) *Replayer {
	if logger == nil {
		logger = logrus.New()
	}
	return &Replayer{
		queue:    queue,
		client:   client,
		upstream: upstream,
		logger:   logger,
	}
}

// Replay 执行一轮重放，返回成功出队的动作数。
func (r *Replayer) Replay(ctx context.Context) (int, error) {
	actions, err := r.queue.ListPending(ctx)
	if err != nil {
		return 0, err
	}

	replayed := 0
	for _, action := range actions {
		if err := ctx.Err(); err != nil {
			return replayed, err
		}
		if err := r.replayOne(ctx, action); err != nil {
			r.logger.WithError(err).WithFields(logrus.Fields{
				"action":    "sync_replay",
				"action_id": action.ID,
				"url":       action.URL,
			}).Warn("replay failed, keeping action queued")
			continue
		}
		if err := r.queue.Remove(ctx, action.ID); err != nil {
			r.logger.WithError(err).WithField("action_id", action.ID).Warn("dequeue failed")
			continue
		}
		replayed++
	}
	return replayed, nil
}

func (r *Replayer) replayOne(ctx context.Context, action Action) error {
	target, err := url.Parse(action.URL)
	if err != nil {
		return err
	}
	if !target.IsAbs() && r.upstream != nil {
		target = r.upstream.ResolveReference(target)
	}

	req, err := http.NewRequestWithContext(ctx, action.Method, target.String(), bytes.NewReader(action.Body))
	if err != nil {
		return err
	}
	for key, values := range action.Header {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &replayStatusError{status: resp.StatusCode}
	}
	return nil
}

type replayStatusError struct {
	status int
}

func (e *replayStatusError) Error() string {
	return fmt.Sprintf("upstream returned %d", e.status)
}
