package audit

import (
	"context"
	"errors"
	"fmt"

	"AgentVault-Chain/internal/config"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
)

// Publisher 将审计事件广播给外部订阅者。广播是尽力而为的，失败
// 不影响账本落库。
type Publisher interface {
	Publish(ctx context.Context, event []byte) error
	Close() error
}

// NewPublisher 根据配置创建事件流驱动。driver 为 none 时返回 nil，
// 表示不广播。
func NewPublisher(cfg config.AuditStreamConfig) (Publisher, error) {
	switch cfg.Driver {
	case "", "none":
		return nil, nil
	case "redis":
		return newRedisPublisher(cfg.Redis)
	case "rabbitmq":
		return newRabbitPublisher(cfg.RabbitMQ)
	default:
		return nil, fmt.Errorf("不支持的审计事件流驱动: %s", cfg.Driver)
	}
}

// redisPublisher 使用 Redis PUBLISH 广播审计事件。
type redisPublisher struct {
	client  *redis.Client
	channel string
}

func newRedisPublisher(cfg config.RedisStreamConfig) (*redisPublisher, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	channel := cfg.Channel
	if channel == "" {
		channel = "agentvault:audit"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return &redisPublisher{client: client, channel: channel}, nil
}

func (p *redisPublisher) Publish(ctx context.Context, event []byte) error {
	if err := p.client.Publish(ctx, p.channel, event).Err(); err != nil {
		return fmt.Errorf("Redis 广播审计事件失败: %w", err)
	}
	return nil
}

func (p *redisPublisher) Close() error {
	if p == nil || p.client == nil {
		return nil
	}
	return p.client.Close()
}

// rabbitPublisher 将审计事件投递到 RabbitMQ 队列。
type rabbitPublisher struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
}

func newRabbitPublisher(cfg config.RabbitStreamConfig) (*rabbitPublisher, error) {
	if cfg.URL == "" {
		return nil, errors.New("RabbitMQ URL 不能为空")
	}
	queue := cfg.Queue
	if queue == "" {
		queue = "agentvault.audit"
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("连接 RabbitMQ 失败: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("创建 RabbitMQ channel 失败: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, cfg.Durable, cfg.AutoDelete, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("声明 RabbitMQ 队列失败: %w", err)
	}
	return &rabbitPublisher{conn: conn, ch: ch, queue: queue}, nil
}

func (p *rabbitPublisher) Publish(ctx context.Context, event []byte) error {
	if p == nil || p.ch == nil {
		return errors.New("RabbitMQ 事件流未初始化")
	}
	return p.ch.PublishWithContext(ctx, "", p.queue, false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        event,
	})
}

func (p *rabbitPublisher) Close() error {
	if p == nil {
		return nil
	}
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}
