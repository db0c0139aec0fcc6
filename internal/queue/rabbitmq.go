package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"

	"github.com/traffic-boost/traffic-boost-go/internal/config"
)

// Client 多队列 RabbitMQ 客户端
// 访问任务和风险检测走同一条连接上的不同队列，
// 连接断开后由 watcher 触发重连，队列在每次连接时重新声明
type Client struct {
	cfg           *config.RabbitMQConfig
	conn          *amqp.Connection
	channel       *amqp.Channel
	logger        *logrus.Logger
	queues        []string
	reconnect     chan bool
	maxRetries    int
	prefetchCount int // 应与 worker 数量匹配

	mu            sync.RWMutex
	closed        bool
	connNotify    chan *amqp.Error
	channelNotify chan *amqp.Error
}

// NewClient 创建客户端并声明所有队列
func NewClient(cfg *config.RabbitMQConfig, prefetchCount int, logger *logrus.Logger) (*Client, error) {
	if prefetchCount <= 0 {
		prefetchCount = 1
	}

	c := &Client{
		cfg:           cfg,
		logger:        logger,
		queues:        []string{cfg.TaskQueue, cfg.DetectionQueue},
		reconnect:     make(chan bool, 10),
		maxRetries:    10,
		prefetchCount: prefetchCount,
	}

	if err := c.connect(); err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	return c, nil
}

func (c *Client) connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	url := fmt.Sprintf("amqp://%s:%s@%s:%d/%s",
		c.cfg.User,
		c.cfg.Password,
		c.cfg.Host,
		c.cfg.Port,
		c.cfg.VHost,
	)

	conn, err := amqp.DialConfig(url, amqp.Config{
		Heartbeat: 10 * time.Second,
		Locale:    "en_US",
	})
	if err != nil {
		return fmt.Errorf("failed to dial: %w", err)
	}
	c.conn = conn

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open channel: %w", err)
	}
	c.channel = ch

	// QoS 与 worker 数量匹配，支持并行消费
	if err := ch.Qos(c.prefetchCount, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("failed to set QoS: %w", err)
	}

	// 声明全部队列（持久化）
	for _, name := range c.queues {
		_, err = ch.QueueDeclare(
			name,
			true,  // durable
			false, // delete when unused
			false, // exclusive
			false, // no-wait
			nil,
		)
		if err != nil {
			ch.Close()
			conn.Close()
			return fmt.Errorf("failed to declare queue %s: %w", name, err)
		}
	}

	c.connNotify = make(chan *amqp.Error, 1)
	c.channelNotify = make(chan *amqp.Error, 1)
	c.conn.NotifyClose(c.connNotify)
	c.channel.NotifyClose(c.channelNotify)

	c.logger.WithFields(logrus.Fields{
		"host":           c.cfg.Host,
		"port":           c.cfg.Port,
		"queues":         c.queues,
		"prefetch_count": c.prefetchCount,
	}).Info("Connected to RabbitMQ")

	return nil
}

// StartConnectionWatcher 启动连接监听器
// 同时监听 Connection 和 Channel 关闭事件，触发重连信号
func (c *Client) StartConnectionWatcher() {
	go func() {
		for {
			c.mu.RLock()
			if c.closed {
				c.mu.RUnlock()
				c.logger.Info("Connection watcher stopped: RabbitMQ client closed")
				return
			}
			connNotify := c.connNotify
			channelNotify := c.channelNotify
			c.mu.RUnlock()

			select {
			case err, ok := <-connNotify:
				if !ok && c.isClosed() {
					return
				}
				if err != nil {
					c.logger.WithError(err).Error("RabbitMQ connection closed unexpectedly")
				} else {
					c.logger.Warn("RabbitMQ connection closed")
				}
				c.triggerReconnect()

			case err, ok := <-channelNotify:
				if !ok && c.isClosed() {
					return
				}
				if err != nil {
					c.logger.WithError(err).Error("RabbitMQ channel closed unexpectedly")
				} else {
					c.logger.Warn("RabbitMQ channel closed")
				}
				c.triggerReconnect()
			}
		}
	}()
}

func (c *Client) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

// triggerReconnect 触发重连信号（非阻塞）
func (c *Client) triggerReconnect() {
	select {
	case c.reconnect <- true:
		c.logger.Debug("Reconnect signal sent")
	default:
		c.logger.Debug("Reconnect signal already pending")
	}
}

// Reconnect 重新连接，线性退避
func (c *Client) Reconnect() error {
	c.closeConnections()

	retries := 0
	for retries < c.maxRetries {
		c.logger.Infof("Attempting to reconnect to RabbitMQ (attempt %d/%d)", retries+1, c.maxRetries)

		if err := c.connect(); err != nil {
			c.logger.WithError(err).Error("Failed to reconnect")
			retries++
			time.Sleep(time.Duration(retries) * time.Second)
			continue
		}

		c.logger.Info("Successfully reconnected to RabbitMQ")
		return nil
	}

	return fmt.Errorf("failed to reconnect after %d attempts", c.maxRetries)
}

// closeConnections 关闭现有连接（不设置 closed 标志）
func (c *Client) closeConnections() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.channel != nil {
		c.channel.Close()
		c.channel = nil
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

// Publish 向指定队列发布持久化消息
func (c *Client) Publish(ctx context.Context, queueName string, body []byte) error {
	c.mu.RLock()
	ch := c.channel
	c.mu.RUnlock()

	if ch == nil {
		return fmt.Errorf("channel is nil")
	}

	return ch.PublishWithContext(
		ctx,
		"",        // exchange
		queueName, // routing key
		false,     // mandatory
		false,     // immediate
		amqp.Publishing{
			DeliveryMode: amqp.Persistent,
			ContentType:  "application/json",
			Body:         body,
			Timestamp:    time.Now(),
		},
	)
}

// Consume 消费指定队列（手动确认）
func (c *Client) Consume(queueName string) (<-chan amqp.Delivery, error) {
	c.mu.RLock()
	ch := c.channel
	c.mu.RUnlock()

	if ch == nil {
		return nil, fmt.Errorf("channel is nil")
	}

	msgs, err := ch.Consume(
		queueName,
		"",    // consumer
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to consume %s: %w", queueName, err)
	}

	return msgs, nil
}

// QueueStats 获取指定队列的消息数和消费者数
func (c *Client) QueueStats(queueName string) (messageCount, consumerCount int, err error) {
	c.mu.RLock()
	ch := c.channel
	c.mu.RUnlock()

	if ch == nil {
		return 0, 0, fmt.Errorf("channel is nil")
	}

	queue, err := ch.QueueInspect(queueName)
	if err != nil {
		return 0, 0, err
	}

	return queue.Messages, queue.Consumers, nil
}

// PurgeQueue 清空指定队列
// 服务启动时用来保证队列与数据库状态一致
func (c *Client) PurgeQueue(queueName string) (int, error) {
	c.mu.RLock()
	ch := c.channel
	c.mu.RUnlock()

	if ch == nil {
		return 0, fmt.Errorf("channel is nil")
	}

	count, err := ch.QueuePurge(queueName, false)
	if err != nil {
		return 0, fmt.Errorf("failed to purge queue: %w", err)
	}

	c.logger.WithFields(logrus.Fields{
		"queue":        queueName,
		"purged_count": count,
	}).Info("Queue purged successfully")

	return count, nil
}

// GetReconnectChan 获取重连信号通道
func (c *Client) GetReconnectChan() <-chan bool {
	return c.reconnect
}

// IsConnected 检查连接状态
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil && !c.conn.IsClosed()
}

// Close 关闭连接
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	channel := c.channel
	conn := c.conn
	c.mu.Unlock()

	if channel != nil {
		if err := channel.Close(); err != nil {
			c.logger.WithError(err).Error("Failed to close channel")
		}
	}
	if conn != nil {
		if err := conn.Close(); err != nil {
			c.logger.WithError(err).Error("Failed to close connection")
		}
	}

	c.logger.Info("RabbitMQ connection closed")
	return nil
}
