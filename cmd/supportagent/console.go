package main

import (
	"context"
	"errors"
	"io"

	tea "github.com/charmbracelet/bubbletea"
	orchestration "github.com/koscakluka/ema-pipeline/core"
	"github.com/koscakluka/ema-pipeline/core/frames"
	"github.com/spf13/cobra"
)

const consoleParticipant = "console"

func newConsoleCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "console",
		Short: "Chat with the agent in the terminal",
		Long: `Console runs the support agent without speech. What you type is handed to
the agent as a finished utterance and its answers stream in as text.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.console(cmd.Context())
		},
	}
}

func (a *app) console(ctx context.Context) error {
	agent, err := newAgent(a.cfg, a.log)
	if err != nil {
		return err
	}
	defer agent.Close()

	// the interface owns the terminal, errors are shown in it
	a.log.SetOutput(io.Discard)

	var program *tea.Program
	opts, err := agent.options(
		orchestration.WithTailSink(func(frame frames.Frame) { program.Send(frameMsg{frame: frame}) }),
		orchestration.WithErrorCallback(func(err error) { program.Send(errorMsg{err: err}) }),
	)
	if err != nil {
		return err
	}
	orchestrator := orchestration.NewOrchestrator(opts...)
	program = tea.NewProgram(newConsoleModel(orchestrator), tea.WithContext(ctx))

	if err := orchestrator.ParticipantJoined(consoleParticipant); err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() {
		err := orchestrator.Orchestrate(ctx)
		program.Send(sessionEndedMsg{err: err})
		done <- err
	}()

	_, runErr := program.Run()
	orchestrator.EndSession()
	sessionErr := <-done

	if runErr != nil && !errors.Is(runErr, tea.ErrProgramKilled) {
		return errors.Join(runErr, sessionErr)
	}
	return sessionErr
}
