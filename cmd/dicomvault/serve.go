package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/dicomvault/internal/api"
	"github.com/mesh-intelligence/dicomvault/internal/archive"
	"github.com/mesh-intelligence/dicomvault/internal/index"
	"github.com/mesh-intelligence/dicomvault/internal/ingest"
	"github.com/mesh-intelligence/dicomvault/internal/jobs"
	"github.com/mesh-intelligence/dicomvault/internal/paths"
	"github.com/mesh-intelligence/dicomvault/internal/qr"
	"github.com/mesh-intelligence/dicomvault/internal/storage"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the server",
	Long:  `Run the REST server, the job engine and the stability scanner.`,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	if flagVerbose {
		logrus.SetLevel(logrus.DebugLevel)
	}
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	configDir, err := paths.ResolveConfigDir(flagConfigDir)
	if err != nil {
		return fmt.Errorf("resolve config dir: %w", err)
	}
	cfg, err := loadConfig(configDir)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := resolveDataPaths(cfg, flagDataDir); err != nil {
		return fmt.Errorf("resolve data dir: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	log := logrus.WithField("component", "server")
	log.WithFields(logrus.Fields{
		"data-dir": cfg.DataDir,
		"addr":     cfg.HTTPAddr,
	}).Info("starting dicomvault")

	area, err := storage.NewFilesystemArea(cfg.StorageDir)
	if err != nil {
		return fmt.Errorf("open storage area: %w", err)
	}
	idx, err := index.Open(cfg.IndexPath, cfg.Salt)
	if err != nil {
		return fmt.Errorf("open index: %w", err)
	}
	defer idx.Close()

	pipeline := ingest.New(cfg, area, idx)
	repo := jobs.NewRepository(idx, area, pipeline)

	scanner := ingest.NewScanner(idx, cfg.StableAge)
	scanner.Start()
	defer scanner.Stop()

	// No DICOM wire backend ships with the core; the modality endpoints
	// answer 503 until one is plugged in.
	var dicomClient jobs.DicomClient

	engine := jobs.NewEngine(idx, cfg.JobWorkers, cfg.JobCheckpointInterval)
	engine.RegisterUnserializer(jobs.PeerStoreJobType, jobs.PeerStoreUnserializer(repo))
	engine.RegisterUnserializer(jobs.ModalityStoreJobType, jobs.ModalityStoreUnserializer(repo, dicomClient))
	engine.RegisterUnserializer(jobs.MoveScuJobType, jobs.MoveScuUnserializer(dicomClient))
	engine.RegisterUnserializer(jobs.ModificationJobType, jobs.ModificationUnserializer(repo))
	engine.RegisterUnserializer(jobs.SplitJobType, jobs.SplitUnserializer(repo))
	engine.RegisterUnserializer(jobs.MergeJobType, jobs.MergeUnserializer(repo))
	if err := engine.Start(); err != nil {
		return fmt.Errorf("start job engine: %w", err)
	}
	defer engine.Stop()

	server := api.NewServer(api.Deps{
		Config:   cfg,
		Index:    idx,
		Area:     area,
		Pipeline: pipeline,
		Exporter: archive.NewExporter(idx, area),
		Engine:   engine,
		Repo:     repo,
		Queries:  qr.NewArchive(dicomClient, 0, 0),
		Dicom:    dicomClient,
	})

	httpServer := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: server.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case sig := <-stop:
		log.WithField("signal", sig.String()).Info("shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
