package main

import (
	"context"

	orchestration "github.com/koscakluka/ema-pipeline/core"
	"github.com/koscakluka/ema-pipeline/core/transport/device"
	"github.com/spf13/cobra"
)

const localParticipant = "local"

func newVoiceCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "voice",
		Short: "Talk to the agent with this machine's microphone and speakers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.voice(cmd.Context())
		},
	}
}

func (a *app) voice(ctx context.Context) error {
	agent, err := newAgent(a.cfg, a.log)
	if err != nil {
		return err
	}
	defer agent.Close()

	dev, err := device.New(device.WithSampleRate(a.cfg.Audio.SampleRate))
	if err != nil {
		return err
	}
	defer dev.Close()

	transcriber, speaker, err := agent.speech(dev.EncodingInfo())
	if err != nil {
		return err
	}
	opts, err := agent.options(
		orchestration.WithInputStages(dev, transcriber),
		orchestration.WithAudioOutput(dev),
		orchestration.WithTextToSpeech(speaker),
	)
	if err != nil {
		return err
	}

	orchestrator := orchestration.NewOrchestrator(opts...)
	if err := orchestrator.ParticipantJoined(localParticipant); err != nil {
		return err
	}

	a.log.WithField("session_id", orchestrator.SessionID()).Info("listening, press ctrl+c to stop")
	return orchestrator.Orchestrate(ctx)
}
