package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"emperror.dev/errors"
	"github.com/apex/log"
	"github.com/apex/log/handlers/cli"
	"github.com/go-co-op/gocron/v2"
	"github.com/spf13/cobra"

	"github.com/priyxstudio/forge/config"
	"github.com/priyxstudio/forge/events"
	"github.com/priyxstudio/forge/internal/database"
	"github.com/priyxstudio/forge/internal/models"
	"github.com/priyxstudio/forge/ledger"
	"github.com/priyxstudio/forge/modpack"
	"github.com/priyxstudio/forge/modules"
	"github.com/priyxstudio/forge/notifications"
	"github.com/priyxstudio/forge/permissions"
	"github.com/priyxstudio/forge/router"
	"github.com/priyxstudio/forge/system"
)

var (
	configPath = config.DefaultLocation
	debug      = false
)

var rootCommand = &cobra.Command{
	Use:   "forge",
	Short: "Runs the module packaging, lifecycle and governance daemon.",
	PreRun: func(cmd *cobra.Command, args []string) {
		initConfig()
		initLogging()
	},
	Run: rootCmdRun,
}

var versionCommand = &cobra.Command{
	Use:   "version",
	Short: "Prints the current version.",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(system.Version)
	},
}

var checkCommand = &cobra.Command{
	Use:   "check",
	Short: "Runs the module consistency check once and exits.",
	PreRun: func(cmd *cobra.Command, args []string) {
		initConfig()
		initLogging()
	},
	Run: checkCmdRun,
}

func init() {
	rootCommand.PersistentFlags().StringVar(&configPath, "config", config.DefaultLocation, "set the location for the configuration file")
	rootCommand.PersistentFlags().BoolVar(&debug, "debug", false, "pass in order to run in debug mode")

	rootCommand.AddCommand(versionCommand)
	rootCommand.AddCommand(checkCommand)
}

// Execute calls cobra to handle cli commands.
func Execute() {
	if err := rootCommand.Execute(); err != nil {
		log.WithField("error", err).Fatal("failed to execute command")
	}
}

// Reads the configuration from the disk and then sets up the global singleton
// with all the configuration values.
func initConfig() {
	if err := config.FromFile(configPath); err != nil {
		if !os.IsNotExist(errors.Cause(err)) {
			log.WithField("error", err).Fatal("failed to load configuration")
		}
		c, cerr := config.NewAtPath(configPath)
		if cerr != nil {
			log.WithField("error", cerr).Fatal("failed to build default configuration")
		}
		config.Set(c)
		log.WithField("path", configPath).Warn("no configuration file found, using defaults")
	}
	if debug {
		config.Update(func(c *config.Configuration) {
			c.Debug = true
		})
	}
}

func initLogging() {
	log.SetHandler(cli.Default)
	if config.Get().Debug {
		log.SetLevel(log.DebugLevel)
	} else {
		log.SetLevel(log.InfoLevel)
	}
}

func rootCmdRun(cmd *cobra.Command, _ []string) {
	cfg := config.Get()
	log.WithField("version", system.Version).Info("starting forge daemon")

	if err := config.ConfigureDirectories(); err != nil {
		log.WithField("error", err).Fatal("failed to configure system directories")
	}
	if err := database.Initialize(); err != nil {
		log.WithField("error", err).Fatal("failed to initialize database")
	}

	bus := events.NewBus()
	acl := permissions.NewRegistry()
	nr := notifications.NewRegistry()
	led := ledger.New(database.Instance())

	manager := modules.NewManager(modules.Options{
		DB:          database.Instance(),
		Bus:         bus,
		ACL:         acl,
		Ledger:      led,
		ModulesRoot: cfg.System.ModulesDirectory,
		Extractor: &modpack.Extractor{
			MaxFileSize:    cfg.Modules.MaxFileSize << 20,
			MaxArchiveSize: cfg.Modules.MaxArchiveSize << 20,
		},
		ExtractWorkers: cfg.Modules.ExtractWorkers,
	})
	defer manager.StopWait()

	// Re-run registration hooks for every module that was active when the
	// daemon last stopped, so the shared registries are populated at boot.
	if err := restoreActiveModules(cmd.Context(), manager); err != nil {
		log.WithField("error", err).Error("failed to restore active modules")
	}

	scheduler, err := gocron.NewScheduler()
	if err != nil {
		log.WithField("error", err).Fatal("failed to create background scheduler")
	}
	interval := time.Duration(cfg.Modules.CheckInterval) * time.Minute
	if _, err := scheduler.NewJob(gocron.DurationJob(interval), gocron.NewTask(func() {
		if _, err := manager.CheckConsistency(context.Background()); err != nil {
			log.WithField("error", err).Warn("module consistency sweep failed")
		}
	})); err != nil {
		log.WithField("error", err).Fatal("failed to schedule module consistency sweep")
	}
	scheduler.Start()
	defer func() {
		if err := scheduler.Shutdown(); err != nil {
			log.WithField("error", err).Warn("failed to shut down background scheduler")
		}
	}()

	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Api.Host, cfg.Api.Port),
		Handler: router.Configure(manager, acl, nr),
	}

	go func() {
		log.WithField("address", srv.Addr).Info("api server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithField("error", err).Fatal("api server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.WithField("error", err).Warn("failed to gracefully shut down api server")
	}
}

// checkCmdRun performs a single on-disk consistency sweep without starting
// the daemon, for use from cron or an operator shell.
func checkCmdRun(cmd *cobra.Command, _ []string) {
	cfg := config.Get()
	if err := database.Initialize(); err != nil {
		log.WithField("error", err).Fatal("failed to initialize database")
	}
	manager := modules.NewManager(modules.Options{
		DB:          database.Instance(),
		Bus:         events.NewBus(),
		ACL:         permissions.NewRegistry(),
		Ledger:      ledger.New(database.Instance()),
		ModulesRoot: cfg.System.ModulesDirectory,
	})
	defer manager.StopWait()

	disabled, err := manager.CheckConsistency(cmd.Context())
	if err != nil {
		log.WithField("error", err).Fatal("module consistency check failed")
	}
	if len(disabled) == 0 {
		log.Info("all module package directories are present")
		return
	}
	for _, slug := range disabled {
		log.WithField("module", slug).Warn("module package directory missing, module disabled")
	}
}

// restoreActiveModules re-invokes registration hooks for modules recorded
// active, mirroring what activation did originally. Modules without a linked
// hook keep their state but contribute nothing to the registries.
func restoreActiveModules(ctx context.Context, manager *modules.Manager) error {
	mods, err := manager.List(ctx)
	if err != nil {
		return err
	}
	for _, mod := range mods {
		if mod.Status != models.ModuleStatusActive {
			continue
		}
		if err := manager.RunRegistrationHook(mod.Slug); err != nil {
			log.WithFields(log.Fields{
				"module": mod.Slug,
				"error":  err,
			}).Error("failed to run registration hook during boot restore")
		}
	}
	return nil
}
