package main

import (
	"log/slog"

	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/config"
)

func logStartupWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.AuthMode == config.AuthModeNone {
		logger.Warn("startup security warning: AUTH_MODE=none lets any client claim any participant id",
			"warning_code", "auth_mode_none",
			"auth_mode", cfg.AuthMode,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.RosterBackend == config.RosterBackendMemory {
		logger.Warn("startup warning: ROSTER_BACKEND=memory while --mode=prod; participants on other relay instances are unreachable",
			"warning_code", "memory_roster_in_prod",
			"roster_backend", cfg.RosterBackend,
			"mode", cfg.Mode,
		)
	}

	if cfg.ICEConfigError() == nil && !cfg.HasTURN() {
		logger.Warn("startup warning: no TURN server configured; calls between peers behind symmetric NATs will fail to connect",
			"warning_code", "no_turn_server",
			"ice_servers", len(cfg.ICEServers),
			"mode", cfg.Mode,
		)
	}

	if cfg.MaxSignalingMessageBytes > 1<<20 { // 1MiB
		logger.Warn("startup security warning: MAX_SIGNALING_MESSAGE_BYTES is very large",
			"warning_code", "signaling_message_limit_large",
			"max_signaling_message_bytes", cfg.MaxSignalingMessageBytes,
			"mode", cfg.Mode,
		)
	}
}
