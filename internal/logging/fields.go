package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供策略/桶/命中状态字段，供网关请求日志复用。
func RequestFields(strategy, bucket, url string, cacheHit bool) logrus.Fields {
	return logrus.Fields{
		"strategy":  strategy,
		"bucket":    bucket,
		"url":       url,
		"cache_hit": cacheHit,
	}
}
