// Package transport carries replication traffic between nodes over NATS
// request/reply. Each node listens on its own replicate subject and
// acknowledges deliveries it has made locally durable.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/driftfs/metarepl/config"
	"github.com/driftfs/metarepl/core"
)

const (
	// kindHeader tags each request with the payload kind so the receiver
	// can decode without sniffing the body.
	kindHeader = "Metarepl-Kind"

	ackOK  = "+OK"
	errPfx = "-ERR "
)

// Handler is the receive-side hookup: the manager implements both methods.
type Handler interface {
	ApplyReplicatedEntry(ctx context.Context, payload core.ReplicationPayload) error
	HandlePeerStatus(status core.PeerStatusPayload)
}

// NATSTransport implements core.ReplicationTransport over NATS.
type NATSTransport struct {
	nodeID  string
	conn    *nats.Conn
	prefix  string
	timeout time.Duration
	logger  *slog.Logger
	sub     *nats.Subscription
}

var _ core.ReplicationTransport = (*NATSTransport)(nil)

// NewNATSTransport connects to the configured NATS servers with infinite
// reconnection and failover across all URLs.
func NewNATSTransport(nodeID string, cfg config.TransportConfig, logger *slog.Logger) (*NATSTransport, error) {
	if nodeID == "" {
		return nil, fmt.Errorf("node id must not be empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "nats_transport", "node_id", nodeID)

	opts := []nats.Option{
		nats.Name("metarepl-" + nodeID),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DontRandomize(),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", "error", err)
			}
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			logger.Info("NATS connection closed")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			if sub != nil {
				logger.Error("NATS async error", "subject", sub.Subject, "error", err)
			} else {
				logger.Error("NATS async error", "error", err)
			}
		}),
	}
	if cfg.Credentials != "" {
		opts = append(opts, nats.UserCredentials(cfg.Credentials))
	}

	conn, err := nats.Connect(strings.Join(cfg.URLs, ","), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	logger.Info("NATS connected", "url", conn.ConnectedUrl())

	prefix := cfg.SubjectPrefix
	if prefix == "" {
		prefix = "metarepl"
	}
	return &NATSTransport{
		nodeID:  nodeID,
		conn:    conn,
		prefix:  prefix,
		timeout: config.ParseDuration(cfg.RequestTimeout, 5*time.Second, logger),
		logger:  logger,
	}, nil
}

// ReplicateToPeer delivers one payload to a peer and waits for its
// acknowledgement. Any transport failure, timeout, or negative reply is a
// failed attempt; the policy layer decides what that means.
func (t *NATSTransport) ReplicateToPeer(ctx context.Context, peerID string, payload []byte, kind core.PayloadKind) bool {
	msg := nats.NewMsg(ReplicateSubject(t.prefix, peerID))
	msg.Data = payload
	msg.Header.Set(kindHeader, string(kind))

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	reply, err := t.conn.RequestMsgWithContext(ctx, msg)
	if err != nil {
		t.logger.Debug("replication request failed", "peer_id", peerID, "kind", kind, "error", err)
		return false
	}
	if string(reply.Data) != ackOK {
		t.logger.Debug("peer rejected replication request",
			"peer_id", peerID, "kind", kind, "reply", string(reply.Data))
		return false
	}
	return true
}

// InitializeDistributedState announces this node's presence so running
// peers learn about it before the first sync cycle.
func (t *NATSTransport) InitializeDistributedState(ctx context.Context) error {
	if err := t.conn.Publish(PresenceSubject(t.prefix), []byte(t.nodeID)); err != nil {
		return fmt.Errorf("failed to announce presence: %w", err)
	}
	if err := t.conn.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("failed to flush presence announcement: %w", err)
	}
	return nil
}

// Serve subscribes to this node's replicate subject and dispatches incoming
// payloads to the handler. It returns after the subscription is in place;
// delivery runs on NATS callbacks until Close.
func (t *NATSTransport) Serve(handler Handler) error {
	if t.sub != nil {
		return fmt.Errorf("transport is already serving")
	}

	sub, err := t.conn.Subscribe(ReplicateSubject(t.prefix, t.nodeID), func(msg *nats.Msg) {
		t.dispatch(handler, msg)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to replicate subject: %w", err)
	}
	t.sub = sub
	t.logger.Info("serving replication requests", "subject", sub.Subject)
	return nil
}

func (t *NATSTransport) dispatch(handler Handler, msg *nats.Msg) {
	kind := core.PayloadKind(msg.Header.Get(kindHeader))
	var err error
	switch kind {
	case core.PayloadJournalEntry:
		var payload core.ReplicationPayload
		if err = json.Unmarshal(msg.Data, &payload); err == nil {
			err = handler.ApplyReplicatedEntry(context.Background(), payload)
		}
	case core.PayloadPeerStatus:
		var status core.PeerStatusPayload
		if err = json.Unmarshal(msg.Data, &status); err == nil {
			handler.HandlePeerStatus(status)
		}
	default:
		err = fmt.Errorf("unknown payload kind %q", kind)
	}

	if msg.Reply == "" {
		if err != nil {
			t.logger.Warn("failed to apply fire-and-forget payload", "kind", kind, "error", err)
		}
		return
	}
	if err != nil {
		t.logger.Warn("rejecting replication request", "kind", kind, "error", err)
		if respondErr := msg.Respond([]byte(errPfx + err.Error())); respondErr != nil {
			t.logger.Error("failed to respond to replication request", "error", respondErr)
		}
		return
	}
	if respondErr := msg.Respond([]byte(ackOK)); respondErr != nil {
		t.logger.Error("failed to acknowledge replication request", "error", respondErr)
	}
}

// Close drains the subscription so in-flight deliveries finish, then closes
// the connection.
func (t *NATSTransport) Close() error {
	if t.sub != nil {
		if err := t.sub.Drain(); err != nil {
			t.logger.Warn("failed to drain replicate subscription", "error", err)
		}
		t.sub = nil
	}
	return t.conn.Drain()
}

// ReplicateSubject is the subject a node listens on for payloads addressed
// to it.
func ReplicateSubject(prefix, peerID string) string {
	return prefix + ".replicate." + peerID
}

// PresenceSubject carries new-node announcements.
func PresenceSubject(prefix string) string {
	return prefix + ".presence"
}
