// Package lantern wires the timeline engine, stores, and terminal view into
// the lantern command.
package lantern

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/term"

	"github.com/lanternchat/lantern/internal/config"
	"github.com/lanternchat/lantern/internal/logging"
	"github.com/lanternchat/lantern/internal/readstate"
	"github.com/lanternchat/lantern/internal/store"
	"github.com/lanternchat/lantern/internal/timeline"
	"github.com/lanternchat/lantern/internal/view"
)

type options struct {
	configPath   string
	url          string
	conversation string
	self         string
	target       string
	logLevel     string
	demoEvents   int
	noCache      bool
}

// selfID resolves the local user identity, falling back to the demo identity
// when no --self was given.
func (o options) selfID() string {
	if o.self != "" {
		return o.self
	}
	return demoSelf
}

// Execute runs the lantern CLI.
func Execute(version string) error {
	return newRootCmd(version).Execute()
}

func newRootCmd(version string) *cobra.Command {
	opts := options{}
	cmd := &cobra.Command{
		Use:           "lantern",
		Short:         "Terminal conversation viewer",
		Long:          "lantern renders a conversation timeline with windowed scrollback, live tail, and read markers.",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(opts)
		},
	}
	cmd.Flags().StringVar(&opts.configPath, "config", "", "config file (default: lantern.yaml in XDG config dirs)")
	cmd.Flags().StringVar(&opts.url, "url", "", "websocket event server URL; empty runs the built-in demo conversation")
	cmd.Flags().StringVar(&opts.conversation, "conversation", "demo", "conversation ID for read markers and the event cache")
	cmd.Flags().StringVar(&opts.self, "self", "", "local user ID; own messages never advance the read marker")
	cmd.Flags().StringVar(&opts.target, "target", "", "event ID to open at (default: live tail)")
	cmd.Flags().StringVar(&opts.logLevel, "log-level", "", "log level override (debug, info, warn, error)")
	cmd.Flags().IntVar(&opts.demoEvents, "demo-events", 400, "history size for the demo conversation")
	cmd.Flags().BoolVar(&opts.noCache, "no-cache", false, "disable the sqlite event cache")
	return cmd
}

func run(opts options) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	if opts.logLevel != "" {
		cfg.Logging.Level = opts.logLevel
	}
	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	log := logging.Component("lantern")

	if !term.IsTerminal(int(os.Stdout.Fd())) {
		return errors.New("lantern requires a terminal")
	}

	reads := readstate.New(cfg.StateFile)
	if err := reads.Load(); err != nil {
		log.Warn().Err(err).Msg("read state unavailable, starting fresh")
	}
	defer func() {
		if err := reads.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to flush read state")
		}
	}()

	st, stopFeeder, err := openStore(opts, cfg)
	if err != nil {
		return err
	}
	defer func() {
		stopFeeder()
		_ = st.Close()
	}()

	filters := timeline.Filters{
		SuppressMembership:     cfg.Timeline.SuppressMembership,
		SuppressProfileChanges: cfg.Timeline.SuppressProfileChanges,
	}
	var conv *view.Conversation
	coord := timeline.NewCoordinator(st, filters, func() int {
		if conv == nil {
			return 1
		}
		return conv.Capacity()
	}, timeline.CoordinatorConfig{
		PageSize: cfg.Timeline.PageSize,
		Step:     cfg.Timeline.Step,
	})

	conv = view.NewConversation(view.ConversationConfig{
		Conversation: opts.conversation,
		Self:         opts.selfID(),
		Target:       opts.target,
		Reconciler: view.ReconcilerConfig{
			NearTopPx:        cfg.View.NearTopPx,
			NearBottomPx:     cfg.View.NearBottomPx,
			AvgEventHeightPx: cfg.View.AvgEventHeightPx,
			Overscan:         cfg.View.Overscan,
		},
	}, coord, reads)

	if _, err := tea.NewProgram(conv, tea.WithAltScreen()).Run(); err != nil {
		return fmt.Errorf("terminal UI failed: %w", err)
	}
	return nil
}

// openStore builds the event store: a remote websocket store when a URL was
// given, else the in-memory demo conversation, either one wrapped in the
// sqlite cache unless disabled.
func openStore(opts options, cfg *config.Config) (store.Store, func(), error) {
	stop := func() {}

	var inner store.Store
	if opts.url != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		remote, err := store.DialRemote(ctx, opts.url, nil)
		if err != nil {
			return nil, nil, err
		}
		inner = remote
	} else {
		key := make([]byte, chacha20poly1305.KeySize)
		if _, err := rand.Read(key); err != nil {
			return nil, nil, fmt.Errorf("generate demo key: %w", err)
		}
		mem, err := store.NewMemoryStore(store.MemoryConfig{
			PageSize: cfg.Timeline.PageSize,
			Key:      key,
		}, demoHistory(opts.demoEvents))
		if err != nil {
			return nil, nil, err
		}
		stop = startDemoFeeder(mem)
		inner = mem
	}

	if opts.noCache || cfg.CachePath == "" {
		return inner, stop, nil
	}
	cached, err := store.OpenCache(cfg.CachePath, opts.conversation, inner)
	if err != nil {
		stop()
		_ = inner.Close()
		return nil, nil, err
	}
	return cached, stop, nil
}
