package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供资源键/路由策略/响应来源/命中状态字段，供代理请求日志复用。
func RequestFields(resourceKey, route, source string, cacheHit bool) logrus.Fields {
	return logrus.Fields{
		"resource_key": resourceKey,
		"route":        route,
		"source":       source,
		"cache_hit":    cacheHit,
	}
}

// LifecycleFields 描述 agent 版本的生命周期事件（install/activate/reconcile）。
func LifecycleFields(action, version, state string) logrus.Fields {
	return logrus.Fields{
		"action":        action,
		"agent_version": version,
		"agent_state":   state,
	}
}
