package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	orchestration "github.com/koscakluka/ema-pipeline/core"
	"github.com/koscakluka/ema-pipeline/core/transport/websocket"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(a *app) *cobra.Command {
	var address string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve voice sessions over websockets",
		Long: `Serve accepts websocket connections and runs one support conversation per
connection. Clients stream their audio in and play the agent's audio as it
arrives, echoing marks once the audio before them was played.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if address != "" {
				a.cfg.Server.Address = address
			}
			return a.serve(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&address, "address", "", "address to listen on")
	return cmd
}

func (a *app) serve(ctx context.Context) error {
	if err := a.cfg.RequireDeepgram(); err != nil {
		return err
	}
	agent, err := newAgent(a.cfg, a.log)
	if err != nil {
		return err
	}
	defer agent.Close()

	server := websocket.NewServer(agent.runSession, websocket.WithEncodingInfo(agent.encoding()))
	mux := http.NewServeMux()
	mux.Handle(a.cfg.Server.Path, server.Handler())
	httpServer := &http.Server{
		Addr:              a.cfg.Server.Address,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.log.WithField("address", httpServer.Addr).WithField("path", a.cfg.Server.Path).Info("serving sessions")
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// runSession runs the support agent on a client connection until the client
// leaves or the connection breaks.
func (a *agent) runSession(ctx context.Context, transport *websocket.Transport) error {
	transcriber, speaker, err := a.speech(transport.EncodingInfo())
	if err != nil {
		return err
	}

	opts, err := a.options(
		orchestration.WithInputStages(transport, transcriber),
		orchestration.WithAudioOutput(transport),
		orchestration.WithTextToSpeech(speaker),
	)
	if err != nil {
		return err
	}
	orchestrator := orchestration.NewOrchestrator(opts...)
	transport.OnStop(orchestrator.EndSession)

	log := a.log.WithField("session_id", orchestrator.SessionID())
	log.Info("session started")
	err = orchestrator.Orchestrate(ctx)
	log.WithField("messages", len(orchestrator.Conversation())).Info("session ended")
	return err
}
