package agents

import (
	"context"
	"errors"
	"sync"

	realtime "github.com/bt-bridge/realtime-voice"
	"github.com/bt-bridge/realtime-voice/audio"
	"github.com/bt-bridge/realtime-voice/shared"
	"github.com/charmbracelet/lipgloss"
	"github.com/goccy/go-yaml"
	"go.uber.org/zap"
)

var (
	userStyle      = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("14"))
	assistantStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("10"))
	warnStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
)

// CLIOptions customizes the agent. A nil Device opens the system default
// microphone and speaker through malgo.
type CLIOptions struct {
	Device        realtime.AudioDevice
	DeviceOptions audio.DeviceOptions
	Capabilities  *realtime.Capabilities
	Metrics       *realtime.Metrics
	// Dialer replaces the websocket dialer, mainly in tests.
	Dialer realtime.Dialer
}

// CLIAgent runs one voice session and prints its transcript.
type CLIAgent struct {
	logger  shared.LoggerAdapter
	printer *shared.Printer
	session *realtime.Session

	mu     sync.Mutex
	closed bool
}

// Spawn starts the session and returns once the model is listening.
func (a *CLIAgent) Spawn(
	ctx context.Context,
	logger shared.LoggerAdapter,
	cfg realtime.SessionConfig,
	printer *shared.Printer,
	opts CLIOptions,
) error {
	if logger == nil {
		return shared.ErrNoLogger
	}
	if printer == nil {
		return errors.New("no printer provided")
	}
	a.logger = logger.With(zap.String("component", "cli-agent"))
	a.printer = printer
	a.logger.Info("spawning CLI agent")
	a.println("🤖 Spawning CLI agent...\n", 0)

	a.println("📋 Session Config\n", 0)
	yamlBytes, err := yaml.MarshalWithOptions(cfg, yaml.UseJSONMarshaler())
	if err != nil {
		a.logger.Error("marshaling session config to yaml", err)
		return err
	}
	if err := a.printer.Write(string(yamlBytes), 1); err != nil {
		a.logger.Error("printing session config", err)
	}

	device := opts.Device
	if device == nil {
		device, err = audio.NewDevice(a.logger, opts.DeviceOptions)
		if err != nil {
			a.logger.Error("creating audio device", err)
			return err
		}
	}
	sessionOpts := []realtime.Option{
		realtime.WithCapabilities(opts.Capabilities),
		realtime.WithMetrics(opts.Metrics),
	}
	if opts.Dialer != nil {
		sessionOpts = append(sessionOpts, realtime.WithDialer(opts.Dialer))
	}
	session, err := realtime.NewSession(a.logger, device, sessionOpts...)
	if err != nil {
		a.logger.Error("creating session", err)
		return err
	}
	if err := session.RegisterTranscriptSink(a.printTranscript); err != nil {
		return err
	}
	if err := session.RegisterErrorHook(a.printServerError); err != nil {
		return err
	}

	a.println("\n\n🎤 Opening microphone and connecting...", 0)
	if err := session.Start(ctx, cfg); err != nil {
		a.logger.Error("starting session", err)
		if shared.KindOf(err) == shared.KindStartup && errors.Is(err, shared.ErrProtocol) {
			a.println("❌ The server rejected the session configuration.\n", 0)
		} else {
			a.println("❌ Unable to start the voice session. Check your microphone and network connection.\n", 0)
		}
		return err
	}
	a.mu.Lock()
	a.session = session
	a.mu.Unlock()
	a.logger.Info("session active")
	a.println("✅ Listening. Press Ctrl+C to quit.\n", 0)
	return nil
}

// Done is closed when the session has ended, whatever the reason.
func (a *CLIAgent) Done() <-chan struct{} {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.session == nil {
		done := make(chan struct{})
		close(done)
		return done
	}
	return a.session.Done()
}

// Err is the reason the session ended on its own.
func (a *CLIAgent) Err() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.session == nil {
		return nil
	}
	return a.session.Err()
}

func (a *CLIAgent) Close() error {
	a.mu.Lock()
	if a.closed || a.session == nil {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	session := a.session
	a.mu.Unlock()

	a.println("\n👋 Closing session...", 0)
	if err := session.Stop(); err != nil {
		a.logger.Error("stopping session", err)
		return err
	}
	a.logger.Info("CLI agent closed")
	return nil
}

func (a *CLIAgent) printTranscript(role realtime.Role, text string) {
	a.println(formatTranscript(role, text), 1)
}

func (a *CLIAgent) printServerError(err error) {
	a.println(warnStyle.Render("⚠️  "+err.Error()), 1)
}

func (a *CLIAgent) println(s string, ind int) {
	if err := a.printer.Writeln(s, ind); err != nil {
		a.logger.Error("printing", err)
	}
}

func formatTranscript(role realtime.Role, text string) string {
	switch role {
	case realtime.RoleUser:
		return userStyle.Render("[USER]") + " " + text
	default:
		return assistantStyle.Render("[ASSISTANT]") + " " + text
	}
}
