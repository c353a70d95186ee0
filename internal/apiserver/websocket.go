package apiserver

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coldbell/vault/backend/internal/engine"
	"github.com/gagliardetto/solana-go"
	"github.com/gorilla/websocket"
)

// Channels: "vaults" receives every committed event, "vault.<pubkey>" only
// the events of one vault and a snapshot when subscribing.
const (
	channelAllVaults   = "vaults"
	channelVaultPrefix = "vault."
)

type websocketSubscribeRequest struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`
}

type websocketEnvelope struct {
	Type    string `json:"type"`
	Channel string `json:"channel,omitempty"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	TS      int64  `json:"ts"`
}

var websocketUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

const (
	websocketReadTimeout = 90 * time.Second
	websocketPingPeriod  = 30 * time.Second
)

func (s *Service) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}
	upgrader := websocketUpgrader
	upgrader.CheckOrigin = func(req *http.Request) bool {
		origin := strings.TrimSpace(req.Header.Get("Origin"))
		return s.isOriginAllowed(origin)
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	events, unsubscribe := s.engine.Subscribe(256)
	defer unsubscribe()

	subs := newSubscriptionSet()
	subscribed := make(chan string, 16)
	readErrCh := make(chan error, 1)
	go s.websocketReadLoop(ctx, conn, subs, subscribed, readErrCh)

	ping := time.NewTicker(websocketPingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-readErrCh:
			if err != nil {
				s.logger.Debug("websocket read loop ended", "err", err)
			}
			return
		case channel := <-subscribed:
			if err := s.writeSnapshot(ctx, conn, channel); err != nil {
				return
			}
		case event, ok := <-events:
			if !ok {
				return
			}
			for _, channel := range eventChannels(event) {
				if !subs.Has(channel) {
					continue
				}
				if err := writeWebsocketJSON(conn, websocketEnvelope{Type: "event", Channel: channel, Data: event, TS: time.Now().Unix()}); err != nil {
					return
				}
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
				return
			}
		}
	}
}

func (s *Service) websocketReadLoop(
	ctx context.Context,
	conn *websocket.Conn,
	subs *subscriptionSet,
	subscribed chan<- string,
	readErrCh chan<- error,
) {
	conn.SetReadLimit(64 * 1024)
	if err := conn.SetReadDeadline(time.Now().Add(websocketReadTimeout)); err == nil {
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(websocketReadTimeout))
		})
	}
	for {
		var message websocketSubscribeRequest
		if err := conn.ReadJSON(&message); err != nil {
			readErrCh <- err
			return
		}
		message.Type = strings.ToLower(strings.TrimSpace(message.Type))
		message.Channel = strings.TrimSpace(message.Channel)
		if message.Channel == "" {
			continue
		}
		switch message.Type {
		case "subscribe":
			subs.Add(message.Channel)
			select {
			case subscribed <- message.Channel:
			case <-ctx.Done():
				readErrCh <- nil
				return
			}
		case "unsubscribe":
			subs.Remove(message.Channel)
		}
	}
}

// writeSnapshot acknowledges a subscription. For a single vault channel it
// carries the current record, or an error if the channel is unusable.
func (s *Service) writeSnapshot(ctx context.Context, conn *websocket.Conn, channel string) error {
	envelope := websocketEnvelope{Type: "subscribed", Channel: channel, TS: time.Now().Unix()}
	switch {
	case channel == channelAllVaults:
	case strings.HasPrefix(channel, channelVaultPrefix):
		key, err := solana.PublicKeyFromBase58(strings.TrimPrefix(channel, channelVaultPrefix))
		if err != nil {
			envelope.Type = "error"
			envelope.Error = "invalid vault pubkey"
			break
		}
		state, err := s.engine.Vault(ctx, key)
		if err != nil {
			// Not initialized yet; events will follow once it is.
			break
		}
		envelope.Data = vaultResponse{Pubkey: key.String(), State: *state}
	default:
		envelope.Type = "error"
		envelope.Error = "unknown channel"
	}
	return writeWebsocketJSON(conn, envelope)
}

func eventChannels(event engine.Event) []string {
	return []string{channelAllVaults, channelVaultPrefix + event.Vault.String()}
}

func writeWebsocketJSON(conn *websocket.Conn, payload websocketEnvelope) error {
	if err := conn.SetWriteDeadline(time.Now().Add(10 * time.Second)); err != nil {
		return err
	}
	return conn.WriteJSON(payload)
}

type subscriptionSet struct {
	mu    sync.RWMutex
	items map[string]struct{}
}

func newSubscriptionSet() *subscriptionSet {
	return &subscriptionSet{items: map[string]struct{}{}}
}

func (s *subscriptionSet) Add(channel string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[channel] = struct{}{}
}

func (s *subscriptionSet) Remove(channel string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, channel)
}

func (s *subscriptionSet) Has(channel string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.items[channel]
	return ok
}
