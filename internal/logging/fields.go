package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供 app/domain/命名空间/响应来源字段，供代理请求日志复用。
func RequestFields(app, domain, namespace, source string, navigation, cacheable bool) logrus.Fields {
	return logrus.Fields{
		"app":        app,
		"domain":     domain,
		"namespace":  namespace,
		"source":     source,
		"navigation": navigation,
		"cacheable":  cacheable,
	}
}

// LifecycleFields 提供 install/activate/message 日志的公共字段。
func LifecycleFields(action, app, namespace string) logrus.Fields {
	return logrus.Fields{
		"action":    action,
		"app":       app,
		"namespace": namespace,
	}
}
