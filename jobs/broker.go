package jobs

import (
	"fmt"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Broker is a NATS connection plus, when no external server was configured,
// the embedded server behind it.
type Broker struct {
	Conn     *nats.Conn
	embedded *server.Server
}

// ConnectBroker connects to url. An empty url starts an in-process server
// that listens only on the loopback interface.
func ConnectBroker(url string, logger *zap.Logger) (*Broker, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Broker{}
	if url == "" {
		ns, err := server.NewServer(&server.Options{
			ServerName: "imagegen-embedded",
			Host:       "127.0.0.1",
			Port:       server.RANDOM_PORT,
			NoLog:      true,
			NoSigs:     true,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create embedded nats server: %w", err)
		}
		go ns.Start()
		if !ns.ReadyForConnections(10 * time.Second) {
			ns.Shutdown()
			return nil, fmt.Errorf("embedded nats server did not become ready")
		}
		b.embedded = ns
		url = ns.ClientURL()
		logger.Info("started embedded nats server", zap.String("url", url))
	}

	conn, err := nats.Connect(url,
		nats.Name("imagegen-backend"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		if b.embedded != nil {
			b.embedded.Shutdown()
		}
		return nil, fmt.Errorf("failed to connect to nats at %s: %w", url, err)
	}
	b.Conn = conn
	return b, nil
}

// Embedded reports whether the broker runs in-process.
func (b *Broker) Embedded() bool { return b.embedded != nil }

// Healthy reports whether the connection is usable.
func (b *Broker) Healthy() bool {
	return b.Conn != nil && b.Conn.IsConnected()
}

// Close flushes pending publishes, closes the connection and stops the
// embedded server.
func (b *Broker) Close() error {
	var err error
	if b.Conn != nil && !b.Conn.IsClosed() {
		if b.Conn.IsConnected() {
			err = b.Conn.FlushTimeout(5 * time.Second)
		}
		b.Conn.Close()
	}
	if b.embedded != nil {
		b.embedded.Shutdown()
		b.embedded.WaitForShutdown()
	}
	return err
}
