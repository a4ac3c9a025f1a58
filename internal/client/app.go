// Package client composes the relay session with the presence, call, and
// chat components a signed-in user needs.
package client

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"callrelay-backend/internal/client/call"
	"callrelay-backend/internal/client/chat"
	"callrelay-backend/internal/client/presence"
	"callrelay-backend/internal/client/restapi"
	"callrelay-backend/internal/client/transport"
	"callrelay-backend/pkg/config"
	"callrelay-backend/pkg/jwt"
	"callrelay-backend/pkg/logger"
)

// App is one signed-in user's client. Components share a single Session
// and are torn down in reverse dependency order.
type App struct {
	UserID      string
	DisplayName string

	Session    *transport.Session
	Presence   *presence.Watcher
	Calls      *call.Client
	Controller *call.Controller
	Chat       *chat.Pipeline
	API        *restapi.Client

	cfg           *config.ClientConfig
	controllerSub *transport.Subscription
	cancel        context.CancelFunc
	wg            sync.WaitGroup
	closeOnce     sync.Once
}

// New builds an App for the credential in cfg.Token. Nothing is dialed
// until Connect.
func New(cfg *config.ClientConfig, devices call.MediaDevices) (*App, error) {
	claims, err := jwt.Identity(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("invalid relay token: %w", err)
	}

	session := transport.NewSession(transport.Config{
		URL:               cfg.RelayURL,
		ReconnectAttempts: cfg.ReconnectAttempts,
		ReconnectDelay:    cfg.ReconnectDelay,
		AckTimeout:        cfg.AckTimeout,
		ReadTimeout:       cfg.ReadTimeout,
	})
	api := restapi.NewClient(cfg.APIBaseURL, cfg.Token, cfg.HTTPTimeout)

	calls := call.NewClient(call.Config{
		RingTimeout:  cfg.RingTimeout,
		NetworkGrace: cfg.NetworkGrace,
	}, session)
	controller := call.NewController(devices)

	a := &App{
		UserID:      claims.UserID,
		DisplayName: claims.DisplayName,
		Session:     session,
		Presence:    presence.NewWatcher(session),
		Calls:       calls,
		Controller:  controller,
		Chat:        chat.NewPipeline(chat.Config{TypingIdle: cfg.TypingIdle}, claims.UserID, session, api),
		API:         api,
		cfg:         cfg,
	}
	a.controllerSub = calls.OnTransition(controller.Handle)
	return a, nil
}

// Connect dials the relay and starts the presence heartbeat
func (a *App) Connect(ctx context.Context) error {
	if err := a.Session.Connect(ctx, a.cfg.Token); err != nil {
		return err
	}

	if a.cfg.HeartbeatInterval > 0 && a.cancel == nil {
		hbCtx, cancel := context.WithCancel(context.Background())
		a.cancel = cancel
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.Presence.RunHeartbeat(hbCtx, a.cfg.HeartbeatInterval)
		}()
	}

	logger.Info("Connected to relay",
		zap.String("user_id", a.UserID),
		zap.String("relay_url", a.cfg.RelayURL))
	return nil
}

// Close tears down presence subscriptions, then the call (releasing
// media), then chat, and finally the transport.
func (a *App) Close() error {
	var err error
	a.closeOnce.Do(func() {
		if a.cancel != nil {
			a.cancel()
		}
		a.wg.Wait()

		a.Presence.Close()
		a.Calls.Close()
		a.controllerSub.Unsubscribe()
		a.Controller.Close()
		a.Chat.Close()
		err = a.Session.Close()

		logger.Info("Client closed", zap.String("user_id", a.UserID))
	})
	return err
}
