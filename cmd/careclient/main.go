// careclient is a headless demo dashboard: it connects to the relay,
// logs in, replays remote events through the shared reducer, and can
// originate a sample reminder so two instances can be watched converging.
package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/doyleh/care-sync/internal/client"
	"github.com/doyleh/care-sync/internal/config"
	"github.com/doyleh/care-sync/internal/logging"
	"github.com/doyleh/care-sync/internal/policy"
	"github.com/doyleh/care-sync/internal/protocol"
	"github.com/doyleh/care-sync/internal/reducer"
)

func main() {
	remind := flag.String("remind", "", "dispatch an ADD_REMINDER with this title after login")
	flag.Parse()

	cfg := config.Load()
	log := logging.New(cfg.LogFile, cfg.Dev)
	defer func() { _ = log.Sync() }()

	store := reducer.NewStore()
	transport := client.NewTransport(client.WebsocketDialer(), log)
	dispatcher := policy.NewDispatcher(transport, store, log)

	viewContext := func() policy.ViewContext {
		st := store.State()
		vc := policy.ViewContext{View: st.CurrentView}
		if st.CurrentUser != nil {
			vc.Identity = st.CurrentUser.Identity
			vc.Role = st.CurrentUser.Role
		}
		return vc
	}

	transport.Subscribe(func(ev protocol.Event) {
		if ev.Kind == protocol.EvLoginSuccess {
			// Login confirmation is a local marker, not a remote replay.
			dispatcher.DispatchLocal(viewContext(), ev)
			log.Info("logged in", zap.String("identity", cfg.Identity), zap.String("room", cfg.Room))
			return
		}
		dispatcher.OnRemote(viewContext(), ev)
		st := store.State()
		log.Info("state",
			zap.String("event", ev.Kind),
			zap.Int("reminders", len(st.Reminders)),
			zap.Int("alerts", len(st.Alerts)),
			zap.Int("voiceMessages", len(st.VoiceMessages)))
	})
	transport.OnStatus(func(connected bool) {
		log.Info("relay connection", zap.Bool("connected", connected))
	})

	transport.Connect(cfg.RelayURL)
	transport.Login(cfg.Identity, "", cfg.Room)

	view, _ := protocol.NewEvent(protocol.EvSetViewMode, string(cfg.Role))
	dispatcher.DispatchLocal(viewContext(), view)

	if *remind != "" {
		ev, err := protocol.NewEvent(protocol.EvAddReminder, reducer.Reminder{
			ID:    uuid.NewString(),
			Title: *remind,
		})
		if err != nil {
			log.Fatal("bad reminder payload", zap.Error(err))
		}
		dispatcher.DispatchLocal(viewContext(), ev)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	transport.Disconnect()
}
