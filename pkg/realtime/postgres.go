package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/cmsadmin/pkg/backend"
	"github.com/jackc/pgx/v5"
)

// PostgresTransport 通过 LISTEN/NOTIFY 订阅数据库触发器发出的变更
type PostgresTransport struct {
	connString string
	channel    string
}

// NewPostgresTransport 创建传输
func NewPostgresTransport(connString, channel string) *PostgresTransport {
	return &PostgresTransport{connString: connString, channel: channel}
}

// String 传输名
func (t *PostgresTransport) String() string { return "postgres" }

// Subscribe 建立专用连接并执行 LISTEN
func (t *PostgresTransport) Subscribe(ctx context.Context, target Target) (Subscription, error) {
	conn, err := pgx.Connect(ctx, t.connString)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{t.channel}.Sanitize()); err != nil {
		_ = conn.Close(context.Background())
		return nil, fmt.Errorf("listen %s: %w", t.channel, err)
	}

	readCtx, cancel := context.WithCancel(context.Background())
	var closeOnce sync.Once
	done := make(chan struct{})
	sub := newSubscription(func() error {
		var err error
		closeOnce.Do(func() {
			cancel()
			<-done
			err = conn.Close(context.Background())
		})
		return err
	})

	go func() {
		var err error
		defer func() {
			close(done)
			sub.finish(err)
		}()

		for {
			n, waitErr := conn.WaitForNotification(readCtx)
			if waitErr != nil {
				err = waitErr
				return
			}
			var ch backend.Change
			if jsonErr := json.Unmarshal([]byte(n.Payload), &ch); jsonErr != nil {
				continue
			}
			if !sub.deliver(readCtx, ch) {
				err = readCtx.Err()
				return
			}
		}
	}()

	return sub, nil
}

// NotifyTriggerSQL 创建通知函数与触发器
//
// 触发器参数为对外暴露的表名，casbin_rule 以 cms_role_permissions 的名义通知
func NotifyTriggerSQL(channel string) []string {
	fn := fmt.Sprintf(`CREATE OR REPLACE FUNCTION cms_notify_change() RETURNS trigger AS $$
BEGIN
  PERFORM pg_notify(%s, json_build_object(
    'table', TG_ARGV[0],
    'event', TG_OP,
    'record', CASE WHEN TG_OP = 'DELETE' THEN NULL ELSE row_to_json(NEW) END,
    'old_record', CASE WHEN TG_OP = 'INSERT' THEN NULL ELSE row_to_json(OLD) END
  )::text);
  RETURN NULL;
END;
$$ LANGUAGE plpgsql`, quoteLiteral(channel))

	return []string{
		fn,
		`DROP TRIGGER IF EXISTS cms_profiles_notify ON profiles`,
		fmt.Sprintf(`CREATE TRIGGER cms_profiles_notify AFTER UPDATE ON profiles
FOR EACH ROW EXECUTE FUNCTION cms_notify_change(%s)`, quoteLiteral(backend.TableProfiles)),
		`DROP TRIGGER IF EXISTS cms_role_permissions_notify ON casbin_rule`,
		fmt.Sprintf(`CREATE TRIGGER cms_role_permissions_notify AFTER INSERT OR UPDATE OR DELETE ON casbin_rule
FOR EACH ROW EXECUTE FUNCTION cms_notify_change(%s)`, quoteLiteral(backend.TableRolePermissions)),
	}
}

func quoteLiteral(s string) string {
	out := []byte{'\''}
	for i := 0; i < len(s); i++ {
		if s[i] == '\'' {
			out = append(out, '\'')
		}
		out = append(out, s[i])
	}
	return string(append(out, '\''))
}
