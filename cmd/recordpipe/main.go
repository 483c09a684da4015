package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/dharsanguruparan/recordpipe/internal/api"
	"github.com/dharsanguruparan/recordpipe/internal/config"
	"github.com/dharsanguruparan/recordpipe/internal/database"
	"github.com/dharsanguruparan/recordpipe/internal/mq"
	"github.com/dharsanguruparan/recordpipe/internal/processor"
	"github.com/dharsanguruparan/recordpipe/internal/repository"
	"github.com/dharsanguruparan/recordpipe/internal/splitter"
	"github.com/dharsanguruparan/recordpipe/internal/storage"
)

var verbose bool

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "recordpipe: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "recordpipe",
		Short: "Data pipeline for ingesting product datasets",
		Long: `recordpipe ingests large JSON dataset files. The api accepts uploads, the
splitter streams each file into record batches, and the processor validates
and upserts records into the product store. The three services communicate
over RabbitMQ and can run in any number of instances.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	cmd.AddCommand(
		newAPICmd(),
		newSplitterCmd(),
		newProcessorCmd(),
	)
	return cmd
}

func newAPICmd() *cobra.Command {
	return &cobra.Command{
		Use:   "api",
		Short: "Run the upload and lookup HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, log, pool, err := bootstrap(ctx, "api")
			if err != nil {
				return err
			}
			defer pool.Close()

			store, err := newStore(ctx, cfg)
			if err != nil {
				return err
			}
			pub := mq.NewPublisher(cfg.AMQPURL(), api.AppID, log)
			if err := pub.Connect(mq.Exchange); err != nil {
				return err
			}
			defer pub.Close()

			srv := api.New(cfg,
				repository.NewUploadedFileRepository(pool),
				repository.NewProductRepository(pool),
				store, pub, log)
			return srv.Run(ctx)
		},
	}
}

func newSplitterCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "splitter",
		Short: "Run the file splitting worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, log, pool, err := bootstrap(ctx, "file_splitter")
			if err != nil {
				return err
			}
			defer pool.Close()

			store, err := newStore(ctx, cfg)
			if err != nil {
				return err
			}
			pub := mq.NewPublisher(cfg.AMQPURL(), splitter.AppID, log)
			if err := pub.Connect(mq.Exchange); err != nil {
				return err
			}
			defer pub.Close()

			sp := splitter.New(repository.NewUploadedFileRepository(pool), store, pub, cfg.BatchSize, log)
			consumer := mq.NewConsumer(cfg.AMQPURL(), mq.QueueFileUploaded, mq.Exchange, sp.Handle, log)
			return consumer.Run(ctx)
		},
	}
}

func newProcessorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "processor",
		Short: "Run the record processing worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, log, pool, err := bootstrap(ctx, "data_processor")
			if err != nil {
				return err
			}
			defer pool.Close()

			proc := processor.New(
				repository.NewUploadedFileRepository(pool),
				repository.NewProductRepository(pool),
				log)
			consumer := mq.NewConsumer(cfg.AMQPURL(), mq.QueueDataProcessing, mq.Exchange, proc.Handle, log)
			return consumer.Run(ctx)
		},
	}
}

// bootstrap loads config, builds the component logger and connects the
// database pool with the schema in place.
func bootstrap(ctx context.Context, component string) (*config.Config, *logrus.Entry, *pgxpool.Pool, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load config: %w", err)
	}
	log := newLogger(component)

	pool, err := database.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("connect database: %w", err)
	}
	if err := database.EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, nil, nil, fmt.Errorf("ensure schema: %w", err)
	}
	return cfg, log, pool, nil
}

func newLogger(component string) *logrus.Entry {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if verbose {
		logger.SetLevel(logrus.DebugLevel)
	}
	return logger.WithField("component", component)
}

func newStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	if cfg.StorageBackend == "minio" {
		store, err := storage.NewMinioStore(cfg)
		if err != nil {
			return nil, err
		}
		if err := store.EnsureBucket(ctx); err != nil {
			return nil, err
		}
		return store, nil
	}
	return storage.NewLocalStore(cfg.LocalDir)
}
