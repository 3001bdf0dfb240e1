// -- cmd/run.go --
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kexley/coinloop/internal/browser"
	"github.com/kexley/coinloop/internal/bus"
	"github.com/kexley/coinloop/internal/humanoid"
	"github.com/kexley/coinloop/internal/loader"
	"github.com/kexley/coinloop/internal/network"
	"github.com/kexley/coinloop/internal/observability"
	"github.com/kexley/coinloop/internal/solver"
	"github.com/kexley/coinloop/internal/state"
	"github.com/kexley/coinloop/internal/storage"
	"github.com/kexley/coinloop/internal/transcribe"
	"github.com/kexley/coinloop/internal/workflow"
)

// moduleDataPrefix namespaces the key-value slice scripts may touch. Scripts
// never see keys outside it.
const moduleDataPrefix = "modules/data/"

// moduleFetchLimit caps how much a script-initiated fetch may read.
const moduleFetchLimit = 256 << 10

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the earning loop against the configured site",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runBot(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runBot(parent context.Context) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	logger := observability.GetLogger()

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	kv, err := storage.Open(cfg.Storage.Path, logger)
	if err != nil {
		return err
	}
	defer kv.Close()

	st, err := state.NewStore(ctx, kv, cfg.Workflow.HistoryLimit, logger)
	if err != nil {
		return err
	}

	msgBus := bus.New(logger)

	netCfg := network.NewDefaultClientConfig(logger)
	netCfg.RequestTimeout = cfg.Network.RequestTimeout
	netCfg.IgnoreTLSErrors = cfg.Network.IgnoreTLSErrors
	httpClient := network.NewClient(netCfg)

	registry, err := loader.New(cfg.Loader, loader.DefaultDescriptors(), kv, httpClient,
		moduleCapabilities(ctx, kv, httpClient, logger), logger)
	if err != nil {
		return err
	}
	if err := registry.LoadAll(ctx); err != nil {
		return err
	}

	pool, err := transcribe.NewServerPool(ctx, cfg.Transcribe.Endpoints, kv, cfg.Transcribe.StatsResetAge, logger)
	if err != nil {
		return err
	}
	stt := transcribe.NewClient(cfg.Transcribe, pool, httpClient, logger)
	stt.ProbeLatency(ctx)

	mgr, err := browser.NewManager(ctx, cfg.Browser, logger)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := mgr.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Browser shutdown failed", zap.Error(err))
		}
	}()

	tabCtx, closeTab := mgr.NewTab()
	defer closeTab()

	mainPage := workflow.NewCDPPage(tabCtx, logger)
	if cfg.Workflow.TargetURL != "" {
		if err := mainPage.Navigate(ctx, cfg.Workflow.TargetURL); err != nil {
			return fmt.Errorf("failed to open target site: %w", err)
		}
	}

	pacer := humanoid.NewPacer(cfg.Browser.Humanoid, nil)
	sel := workflow.NewSelectors(registry)
	wf := workflow.New(cfg.Workflow, mainPage, sel, st, msgBus, pacer, logger)

	challengePage := solver.NewCDPPage(tabCtx, logger)
	sv := solver.New(cfg.Solver, challengePage, stt, st, msgBus, logger)

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	g, gCtx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		// The workflow finishing (target reached) ends the whole run.
		defer cancelRun()
		return wf.Run(gCtx)
	})
	g.Go(func() error {
		return superviseSolver(gCtx, sv, logger)
	})
	g.Go(func() error {
		return serveCredentialRequests(gCtx, st, msgBus, logger)
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}

	snapshot := st.Snapshot()
	logger.Info("Run finished",
		zap.Int("cycles", snapshot.TotalCycles),
		zap.Int("coins", snapshot.TotalCoins),
		zap.Error(err))
	return err
}

// superviseSolver restarts the solver across cooldowns and blocks. The loop
// exits when the challenge is solved, the attempt budget is spent, or the run
// context ends.
func superviseSolver(ctx context.Context, sv *solver.Solver, logger *zap.Logger) error {
	log := logger.Named("supervisor")
	for {
		status, err := sv.Run(ctx)
		switch {
		case ctx.Err() != nil:
			return ctx.Err()
		case status == solver.StatusCompleted:
			return nil
		case status == solver.StatusFailed:
			// Attempt budget spent. The workflow keeps earning without a
			// solved challenge where the site allows it.
			log.Warn("Solver gave up", zap.Error(err))
			return nil
		case status == solver.StatusCooldown:
			// A restart mid-window only owes the remainder, not a full
			// cooldown.
			wait := sv.CooldownRemaining()
			if wait <= 0 {
				wait = cfg.Solver.PollInterval
			}
			log.Info("Solver cooling down before retry", zap.Duration("wait", wait))
			if err := humanoid.Sleep(ctx, wait); err != nil {
				return err
			}
		default:
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Warn("Solver stopped, retrying", zap.String("status", status.String()), zap.Error(err))
			}
			if err := humanoid.Sleep(ctx, cfg.Solver.PollInterval); err != nil {
				return err
			}
		}
	}
}

// serveCredentialRequests answers credentials_request messages from the store.
// It covers credentials saved while the run is already going, e.g. via
// `coinloop login` in another terminal; an empty store leaves the request
// unanswered and the requester retries on its next cycle.
func serveCredentialRequests(ctx context.Context, st *state.Store, b *bus.Bus, logger *zap.Logger) error {
	log := logger.Named("credentials")
	requests, cancel := b.Subscribe(bus.TypeCredentialsRequest)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case req, ok := <-requests:
			if !ok {
				return nil
			}
			if _, stored, err := st.LoadCredentials(ctx); err == nil && stored {
				b.Publish(bus.Message{
					Type:      bus.TypeCredentialsReady,
					InReplyTo: req.ID,
					Origin:    "store",
				})
				continue
			}
			log.Info("Credentials requested but none stored; run `coinloop login`")
		}
	}
}

// moduleCapabilities is the host surface scripts receive: a size-capped HTTP
// fetch, a namespaced slice of the key-value store, and a logger.
func moduleCapabilities(ctx context.Context, kv *storage.Store, client *http.Client, logger *zap.Logger) loader.Capabilities {
	log := logger.Named("module")
	return loader.Capabilities{
		Fetch: func(url string) (string, error) {
			reqCtx, cancel := context.WithTimeout(ctx, cfg.Loader.FetchTimeout)
			defer cancel()
			req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
			if err != nil {
				return "", err
			}
			resp, err := client.Do(req)
			if err != nil {
				return "", err
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return "", fmt.Errorf("unexpected status %d from %s", resp.StatusCode, url)
			}
			body, err := io.ReadAll(io.LimitReader(resp.Body, moduleFetchLimit))
			if err != nil {
				return "", err
			}
			return string(body), nil
		},
		Get: func(key string) (string, bool, error) {
			return kv.Get(ctx, moduleDataPrefix+key)
		},
		Set: func(key, value string) error {
			return kv.Set(ctx, moduleDataPrefix+key, value)
		},
		Remove: func(key string) error {
			return kv.Delete(ctx, moduleDataPrefix+key)
		},
		Log: func(msg string) {
			log.Info(msg)
		},
	}
}
