package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/dkeye/Relay/internal/adapters/rtc"
	"github.com/dkeye/Relay/internal/adapters/wsclient"
	"github.com/dkeye/Relay/internal/call"
	"github.com/dkeye/Relay/internal/config"
	"github.com/dkeye/Relay/internal/domain"
	"github.com/dkeye/Relay/internal/protocol"
)

// logStore stands in for the conversation store.
type logStore struct{}

func (logStore) AppendSystemMessage(_ context.Context, conversationID string, msg call.SystemMessage) error {
	log.Info().Str("module", "callbot").Str("room", conversationID).Str("message", string(msg)).Msg("system message")
	return nil
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	fs := pflag.NewFlagSet("callbot", pflag.ExitOnError)
	config.ClientFlags(fs)
	_ = fs.Parse(os.Args[1:])

	cfg, err := config.LoadClient(fs)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	client, err := wsclient.Dial(ctx, cfg.ServerURL, nil)
	if err != nil {
		log.Fatal().Err(err).Msg("dial relay")
	}

	self := domain.UserID(cfg.UserID)
	mgr := call.NewManager(call.Options{
		Self:        self,
		Signaler:    client,
		Media:       rtc.SyntheticSource{},
		Negotiators: rtc.Factory(rtc.DefaultWebRTCConfig(cfg.ICEServers...)),
		Store:       logStore{},
		RingTimeout: cfg.RingTimeout,
	})
	defer mgr.Close()

	mgr.OnEvent(func(ev call.Event) {
		switch {
		case ev.State == call.IncomingRinging && cfg.AutoAccept:
			go func() {
				if err := mgr.Accept(ctx, ev.RoomID); err != nil {
					log.Warn().Err(err).Str("module", "callbot").Msg("accept")
				}
			}()
		case ev.State == call.Ended && cfg.CallTo != "":
			cancel()
		}
	})
	client.OnSignal(mgr.HandleSignal)
	client.OnEvent(func(t protocol.Type, raw []byte) {
		log.Debug().Str("module", "callbot").Str("type", string(t)).RawJSON("event", raw).Msg("event")
	})

	go func() {
		if err := client.Run(ctx); err != nil {
			log.Error().Err(err).Str("module", "callbot").Msg("connection lost")
		}
		cancel()
	}()

	if err := client.Identify(ctx, self); err != nil {
		log.Fatal().Err(err).Msg("identify")
	}
	if err := client.JoinRoom(ctx, cfg.RoomID); err != nil {
		log.Fatal().Err(err).Msg("join room")
	}
	if cfg.CallTo != "" {
		if err := mgr.StartCall(ctx, cfg.RoomID, call.Kind(cfg.Kind), domain.UserID(cfg.CallTo)); err != nil {
			log.Fatal().Err(err).Msg("start call")
		}
	}

	<-ctx.Done()
	log.Info().Str("module", "callbot").Msg("exiting")
}
