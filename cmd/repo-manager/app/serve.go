package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-logr/zapr"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"sigs.k8s.io/controller-runtime/pkg/client"
	ctrllog "sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/crpaas/repo-manager/internal/api"
	"github.com/crpaas/repo-manager/internal/config"
	"github.com/crpaas/repo-manager/internal/jobs"
	"github.com/crpaas/repo-manager/internal/opengrok"
	"github.com/crpaas/repo-manager/internal/reindex"
	"github.com/crpaas/repo-manager/internal/service"
	"github.com/crpaas/repo-manager/internal/store"
	"github.com/crpaas/repo-manager/internal/telemetry"
	"github.com/crpaas/repo-manager/internal/worker"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the repository manager API server",
	Long: `Start the repository manager API server and its background workers.

The server requires a configuration file (--config) that specifies:
- Database connection settings
- Kubernetes namespace and shared volume claim for cloner Jobs
- OpenGrok endpoints for reindexing and status reporting

See examples/ directory for sample configurations.`,
}

const (
	defaultGracefulTimeout = 30 * time.Second // Kubernetes-friendly shutdown time
	serverRequestTimeout   = 10 * time.Second // Repository API should respond quickly
	serverReadTimeout      = 10 * time.Second // Enough for headers and small requests
	serverWriteTimeout     = 15 * time.Second // Must be > serverRequestTimeout to let middleware handle timeout
	serverIdleTimeout      = 60 * time.Second // Keep connections alive for reuse
)

func init() {
	serveCmd.RunE = runServe
	serveCmd.Flags().String("address", ":8080", "Address to listen on")
	serveCmd.Flags().String("config", "", "Path to configuration file (YAML format, required)")

	if err := viper.BindPFlag("address", serveCmd.Flags().Lookup("address")); err != nil {
		slog.Error("Failed to bind address flag", "error", err)
		os.Exit(1)
	}
	if err := viper.BindPFlag("config", serveCmd.Flags().Lookup("config")); err != nil {
		slog.Error("Failed to bind config flag", "error", err)
		os.Exit(1)
	}

	if err := serveCmd.MarkFlagRequired("config"); err != nil {
		slog.Error("Failed to mark config flag as required", "error", err)
		os.Exit(1)
	}
}

// getKubernetesConfig returns a Kubernetes REST config, preferring the
// in-cluster config and falling back to kubeconfig.
func getKubernetesConfig() (*rest.Config, error) {
	restConfig, err := rest.InClusterConfig()
	if err == nil {
		return restConfig, nil
	}

	loadingRules := clientcmd.NewDefaultClientConfigLoadingRules()
	configOverrides := &clientcmd.ConfigOverrides{}
	kubeConfig := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(loadingRules, configOverrides)
	return kubeConfig.ClientConfig()
}

func runServe(_ *cobra.Command, _ []string) error {
	ctx := context.Background()

	zapLog, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("failed to create controller-runtime logger: %w", err)
	}
	ctrllog.SetLogger(zapr.NewLogger(zapLog))

	configPath := viper.GetString("config")
	cfg, err := config.LoadConfig(config.WithConfigPath(configPath))
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	address := viper.GetString("address")
	if cfg.Address != "" && !serveCmd.Flags().Changed("address") {
		address = cfg.Address
	}

	slog.Info("Starting repository manager",
		"address", address,
		"namespace", cfg.Kubernetes.Namespace,
		"config", configPath)

	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer pool.Close()

	k8sRestConfig, err := getKubernetesConfig()
	if err != nil {
		return fmt.Errorf("failed to create kubernetes config: %w", err)
	}

	scheme := runtime.NewScheme()
	if err := clientgoscheme.AddToScheme(scheme); err != nil {
		return fmt.Errorf("failed to add Kubernetes core types to scheme: %w", err)
	}

	k8sClient, err := client.New(k8sRestConfig, client.Options{Scheme: scheme})
	if err != nil {
		return fmt.Errorf("failed to create Kubernetes client: %w", err)
	}
	clientset, err := kubernetes.NewForConfig(k8sRestConfig)
	if err != nil {
		return fmt.Errorf("failed to create Kubernetes clientset: %w", err)
	}

	st := store.New(pool)
	driver := jobs.NewDriver(k8sClient, cfg.Kubernetes, cfg.Cloner)
	logReader := jobs.NewLogReader(clientset, cfg.Kubernetes.Namespace)

	metrics := telemetry.NewMetrics()
	svc := service.New(st, driver, logReader, metrics)

	executor := opengrok.NewSPDYExecutor(clientset, k8sRestConfig, cfg.Kubernetes.Namespace)
	ogProvider := opengrok.NewProvider(clientset, executor, cfg.Kubernetes.Namespace, cfg.OpenGrok)

	trigger := reindex.NewHTTPTrigger(cfg.OpenGrok.ReindexURL)

	poller := worker.NewPoller(st, driver, trigger, metrics, cfg.Worker.GetPollInterval())
	sweeper := worker.NewSweeper(st, svc, metrics, cfg.Worker.GetSweepSchedule())
	scheduler := worker.NewScheduler(st, svc, metrics, cfg.Worker.GetAutoSyncInterval())

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	go func() {
		if err := poller.Start(workerCtx); err != nil {
			slog.Error("Poller failed", "error", err)
		}
	}()
	go func() {
		if err := sweeper.Start(workerCtx); err != nil {
			slog.Error("Sweeper failed", "error", err)
		}
	}()
	go func() {
		if err := scheduler.Start(workerCtx); err != nil {
			slog.Error("Scheduler failed", "error", err)
		}
	}()

	router := api.NewServer(svc, ogProvider, cfg.OpenGrok.BaseURL,
		api.WithMiddlewares(
			middleware.RequestID,
			middleware.RealIP,
			middleware.Recoverer,
			middleware.Timeout(serverRequestTimeout),
			api.LoggingMiddleware,
		),
		api.WithMetrics(metrics),
	)

	server := &http.Server{
		Addr:         address,
		Handler:      router,
		ReadTimeout:  serverReadTimeout,
		WriteTimeout: serverWriteTimeout,
		IdleTimeout:  serverIdleTimeout,
	}

	go func() {
		slog.Info("Server listening", "address", address)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Failed to start server", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("Shutting down server...")

	if err := poller.Stop(); err != nil {
		slog.Error("Failed to stop poller", "error", err)
	}
	if err := sweeper.Stop(); err != nil {
		slog.Error("Failed to stop sweeper", "error", err)
	}
	if err := scheduler.Stop(); err != nil {
		slog.Error("Failed to stop scheduler", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultGracefulTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		return err
	}

	slog.Info("Server shutdown complete")
	return nil
}
