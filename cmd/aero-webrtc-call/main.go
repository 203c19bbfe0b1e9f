package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/binder"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/call"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/direct"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/media"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/peer"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/recorder"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/signaling"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	cmd, err := parseCommand(cfg.Args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	id, err := localID(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	if err := run(cfg, cmd, id, logger); err != nil {
		logger.Error("call client exited", "err", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, cmd command, id string, logger *slog.Logger) error {
	if err := cfg.ICEConfigError(); err != nil {
		return fmt.Errorf("ice config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	devices, err := media.NewSystemDevices(cfg.CameraDevices, logger)
	if err != nil {
		return err
	}
	devices.LogDevices()

	// Construct the WebRTC API early so misconfigurations are caught on
	// startup. ICE sockets are only created with each connection.
	api, err := peer.NewAPI(cfg, peer.APIOptions{
		PopulateMediaEngine: devices.PopulateMediaEngine,
		Logger:              logger,
	})
	if err != nil {
		return fmt.Errorf("configure webrtc: %w", err)
	}
	newConn := func() (peer.Connection, error) {
		return peer.NewConnection(api, cfg.ICEServers)
	}

	var renderTarget call.RenderTargetFunc
	if cfg.RecordDir != "" {
		rec, err := recorder.New(cfg.RecordDir, logger)
		if err != nil {
			return err
		}
		renderTarget = func(remoteID string, _ peer.RemoteTrack, requestKeyframe func(webrtc.SSRC) error) binder.Target {
			return rec.Target(remoteID, requestKeyframe)
		}
	}

	sig, err := signaling.Dial(ctx, cfg.SignalingURL, signaling.ClientOptions{
		Credential:      cfg.Credential,
		ParticipantID:   cfg.ParticipantID,
		PingInterval:    cfg.SignalingWSPingInterval,
		IdleTimeout:     cfg.SignalingWSIdleTimeout,
		MaxMessageBytes: cfg.MaxSignalingMessageBytes,
		Logger:          logger,
	})
	if err != nil {
		return err
	}
	defer sig.Close()

	transport := direct.New(direct.Options{
		LocalID:       id,
		Signaler:      sig,
		NewConnection: newConn,
		Logger:        logger,
	})
	defer transport.Close()

	ended := make(chan call.Session, 1)
	controller := media.NewController(devices, logger)
	var m *call.Manager
	ready := make(chan struct{})
	manager := func() *call.Manager {
		<-ready
		return m
	}
	m = call.New(call.Options{
		LocalID:       id,
		Signaler:      sig,
		Transport:     transport,
		Media:         controller,
		NewConnection: newConn,
		Binder: binder.New(binder.Options{
			RetryDelay: cfg.PlaybackRetryDelay,
			Logger:     logger,
		}),
		RenderTarget: renderTarget,
		Hooks:        clientHooks(ctx, cmd, logger, controller, manager, ended),
		Logger:       logger,
	})
	close(ready)
	defer m.Close()

	logger.Info("call client ready", "local_id", id, "action", cmd.action, "target", cmd.target, "video", cmd.video)

	switch cmd.action {
	case actionDial:
		if _, err := m.Dial(ctx, cmd.target, cmd.video); err != nil {
			return fmt.Errorf("dial %s: %w", cmd.target, err)
		}
	case actionJoin:
		if _, err := m.JoinGroup(ctx, cmd.target, cmd.video); err != nil {
			return fmt.Errorf("join %s: %w", cmd.target, err)
		}
	}

	for {
		select {
		case s := <-ended:
			logger.Info("call ended", "session_id", s.ID, "reason", s.EndReason)
			if cmd.action != actionWait {
				return nil
			}
		case <-sig.Done():
			return fmt.Errorf("signaling connection lost: %w", sig.Err())
		case <-ctx.Done():
			logger.Info("shutdown signal received")
			hangCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
			defer cancel()
			if err := m.HangUp(hangCtx); err != nil {
				logger.Warn("hang up failed", "err", err)
			}
			return nil
		}
	}
}

// clientHooks logs session progress. In wait mode incoming calls are answered
// and group rings joined. Hooks run on the manager's loop, so manager calls
// happen on their own goroutines.
func clientHooks(ctx context.Context, cmd command, logger *slog.Logger, local *media.Controller, manager func() *call.Manager, ended chan<- call.Session) call.Hooks {
	return call.Hooks{
		OnStateChange: func(s call.Session) {
			st := local.State()
			logger.Info("session update", "session_id", s.ID, "mode", s.Mode, "state", s.State, "participants", s.Participants,
				"mic", st.MicEnabled, "camera", st.CamEnabled, "facing", st.FacingMode)
			if s.State == call.StateEnded {
				select {
				case ended <- s:
				default:
				}
			}
		},
		OnIncoming: func(from string, video bool) {
			logger.Info("incoming call", "from", from, "video", video)
			if cmd.action != actionWait {
				return
			}
			go func() {
				if err := manager().Answer(ctx); err != nil {
					logger.Warn("answer failed", "from", from, "err", err)
				}
			}()
		},
		OnGroupRing: func(sessionID, from string, video bool) {
			logger.Info("group ring", "session_id", sessionID, "from", from, "video", video)
			if cmd.action != actionWait {
				return
			}
			go func() {
				if _, err := manager().JoinGroup(ctx, sessionID, video); err != nil {
					logger.Warn("joining group failed", "session_id", sessionID, "err", err)
				}
			}()
		},
		OnRemoteStream: func(remoteID string, track peer.RemoteTrack) {
			logger.Info("remote stream", "remote_id", remoteID, "track_id", track.ID(), "kind", track.Kind())
		},
		OnPeerLeft: func(remoteID string) {
			logger.Info("participant left", "remote_id", remoteID)
		},
		OnPeerFailed: func(remoteID string, err error) {
			logger.Warn("participant link failed", "remote_id", remoteID, "err", err)
		},
	}
}
