package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/getsentry/sentry-go"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/bitmark-inc/config-loader"
	"github.com/fvlaenix/duplicate-images/blobstore"
	"github.com/fvlaenix/duplicate-images/log"
	"github.com/fvlaenix/duplicate-images/migrator"
	"github.com/fvlaenix/duplicate-images/store"
)

func main() {
	config.LoadConfig("DUPLICATE_IMAGES")
	if err := log.Initialize(viper.GetString("log.level"), viper.GetBool("debug")); err != nil {
		panic(fmt.Errorf("fail to initialize logger with error: %s", err.Error()))
	}

	if err := sentry.Init(sentry.ClientOptions{
		Dsn: viper.GetString("sentry.dsn"),
	}); err != nil {
		log.Fatal("Sentry initialization failed", zap.Error(err))
	}

	s, err := store.Open(viper.GetString("store.dsn"))
	if err != nil {
		log.Fatal("fail to open store", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := s.Migrate(ctx); err != nil {
		log.Fatal("fail to migrate database schema", zap.Error(err))
	}

	sess, err := session.NewSession(&aws.Config{
		Region: aws.String(viper.GetString("aws.region")),
	})
	if err != nil {
		log.Fatal("fail to create aws session", zap.Error(err))
	}
	blobs := blobstore.NewS3Store(sess, viper.GetString("aws.s3.bucket"))

	pageSize := viper.GetInt("migrator.page_size")
	if pageSize <= 0 {
		pageSize = 100
	}
	workers := viper.GetInt("migrator.workers")
	if workers <= 0 {
		workers = 8
	}

	res, err := migrator.New(s, blobs, pageSize, workers).Run(ctx)
	if err != nil {
		log.Fatal("migration aborted", zap.Error(err),
			zap.Int("scanned", res.Scanned), zap.Int("migrated", res.Migrated))
	}

	log.Info("s3 migrator terminated",
		zap.Int("scanned", res.Scanned),
		zap.Int("migrated", res.Migrated),
		zap.Int("skipped", res.Skipped),
		zap.Int("failed", res.Failed))
	_ = log.Sync()
}
