package broker

import (
	"errors"
	"fmt"

	"github.com/streadway/amqp"
	"go.uber.org/zap"

	"github.com/zoff-tech/go-exchange/pkg/config"
)

var errChannelClosed = errors.New("amqp channel closed")

type pooledChannel struct {
	channel     amqpChannel
	notifyClose chan *amqp.Error
	confirms    chan amqp.Confirmation
}

var newConnection = func(settings *config.BrokerSettings, logger *zap.Logger) (amqpConnection, error) {
	conn, err := amqp.Dial(settings.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	// Set up a channel to handle connection close notifications
	notifyClose := make(chan *amqp.Error)
	conn.NotifyClose(notifyClose)
	go func() {
		for err := range notifyClose {
			logger.Warn("RabbitMQ connection closed", zap.Error(err))
		}
	}()

	return connectionAdapter{conn}, nil
}

// openChannel opens a channel in confirm mode.
func openChannel(conn amqpConnection) (*pooledChannel, error) {
	if conn == nil {
		return nil, errChannelClosed
	}
	channel, err := conn.Channel()
	if err != nil {
		return nil, err
	}
	if err := channel.Confirm(false); err != nil {
		channel.Close()
		return nil, fmt.Errorf("failed to enable publisher confirms: %w", err)
	}
	return &pooledChannel{
		channel:     channel,
		notifyClose: channel.NotifyClose(make(chan *amqp.Error, 1)),
		confirms:    channel.NotifyPublish(make(chan amqp.Confirmation, 1)),
	}, nil
}

func (r *rabbitMqBroker) connectAndInitialize() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Close existing connection if it exists
	if r.connection != nil && !r.connection.IsClosed() {
		r.connection.Close()
	}

	connection, err := newConnection(r.settings, r.logger)
	if err != nil {
		return err
	}
	r.connection = connection

	r.drainPool()
	for i := 0; i < r.settings.PoolSize; i++ {
		pooled, err := openChannel(connection)
		if err != nil {
			return err
		}
		r.channelPool <- pooled
	}

	r.logger.Info("RabbitMQ connection and channel pool initialized", zap.Int("pool_size", r.settings.PoolSize))
	return nil
}

// drainPool closes every idle channel. Channels checked out from a dead
// connection are discarded on release.
func (r *rabbitMqBroker) drainPool() {
	for {
		select {
		case pooled := <-r.channelPool:
			pooled.channel.Close()
		default:
			return
		}
	}
}

func (r *rabbitMqBroker) recoverConnection() {
	for {
		select {
		case <-r.reconnectTicker.C:
			if r.currentConnection() == nil || r.currentConnection().IsClosed() {
				r.logger.Info("Attempting to reconnect to RabbitMQ")
				if err := r.connectAndInitialize(); err != nil {
					r.logger.Error("Failed to reconnect to RabbitMQ", zap.Error(err))
				} else {
					r.logger.Info("Reconnected to RabbitMQ successfully")
				}
			}
		case <-r.stopReconnect:
			r.logger.Debug("Stopping RabbitMQ connection recovery")
			return
		}
	}
}

func (r *rabbitMqBroker) currentConnection() amqpConnection {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connection
}

func (r *rabbitMqBroker) getChannel() (*pooledChannel, error) {
	for {
		select {
		case pooledChan := <-r.channelPool:
			select {
			case err := <-pooledChan.notifyClose:
				// Channel is closed, discard it
				r.logger.Debug("Discarding closed channel", zap.Error(err))
				continue
			default:
				return pooledChan, nil
			}
		default:
			// Create a new channel if none are available
			r.logger.Debug("Creating new channel")
			return openChannel(r.currentConnection())
		}
	}
}

func (r *rabbitMqBroker) releaseChannel(pooledChan *pooledChannel) {
	select {
	case err := <-pooledChan.notifyClose:
		// Channel is closed, discard it
		r.logger.Debug("Discarding closed channel", zap.Error(err))
		return
	default:
	}

	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		pooledChan.channel.Close()
		return
	}

	select {
	case r.channelPool <- pooledChan:
	default:
		// Pool is full, close the channel
		r.logger.Debug("Closing channel as pool is full")
		pooledChan.channel.Close()
	}
}

// discardChannel closes a channel whose confirm stream can no longer be trusted.
func (r *rabbitMqBroker) discardChannel(pooledChan *pooledChannel) {
	pooledChan.channel.Close()
}
