// Package audit 记录后台操作日志
package audit

import (
	"context"
	"fmt"

	"github.com/cmsadmin/pkg/backend"
	"github.com/cmsadmin/pkg/logger"
	"github.com/cmsadmin/pkg/session"
	"go.uber.org/zap"
)

// Action 操作类型
type Action string

const (
	ActionCreate Action = "CREATE"
	ActionUpdate Action = "UPDATE"
	ActionDelete Action = "DELETE"
)

// Valid 是否为已知操作
func (a Action) Valid() bool {
	switch a {
	case ActionCreate, ActionUpdate, ActionDelete:
		return true
	}
	return false
}

// Logger 审计日志记录器，失败只写日志，不影响业务
type Logger struct {
	backend  backend.Backend
	sessions *session.Store
	log      *zap.Logger
}

// New 创建记录器
func New(b backend.Backend, sessions *session.Store) *Logger {
	return &Logger{
		backend:  b,
		sessions: sessions,
		log:      logger.Named("audit"),
	}
}

// LogAction 记录一次操作，操作人取当前认证用户
func (l *Logger) LogAction(ctx context.Context, action Action, resource string, targetID any, previous, next map[string]any) {
	if !action.Valid() {
		l.log.Warn("未知的审计操作类型", zap.String("action", string(action)))
		return
	}

	sess := l.sessions.Get()
	if sess == nil {
		l.log.Warn("审计日志：未找到已认证用户", zap.String("resource", resource))
		return
	}

	user, err := l.backend.GetUser(ctx, sess.AccessToken)
	if err != nil || user == nil || user.ID == "" {
		l.log.Warn("审计日志：未找到已认证用户", zap.String("resource", resource), zap.Error(err))
		return
	}

	entry := &backend.AuditEntry{
		OperatorID: user.ID,
		Action:     string(action),
		Resource:   resource,
		TargetID:   fmt.Sprint(targetID),
	}
	// 未提供的快照写为 null
	if previous != nil {
		entry.PreviousData = previous
	}
	if next != nil {
		entry.NewData = next
	}

	if err := l.backend.InsertAuditLog(ctx, sess.AccessToken, entry); err != nil {
		l.log.Error("审计日志写入失败",
			zap.String("user_id", user.ID),
			zap.String("action", string(action)),
			zap.String("resource", resource),
			zap.Error(err),
		)
		return
	}

	l.log.Debug("审计日志已写入",
		zap.String("user_id", user.ID),
		zap.String("action", string(action)),
		zap.String("resource", resource),
		zap.String("target_id", entry.TargetID),
	)
}
