// Package archive periodically exports the market table to S3 as parquet.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"marketsync/config"
	"marketsync/logger"
	"marketsync/models"
)

// Source is the read side of the store the archiver exports.
type Source interface {
	List(filter string) []models.Market
}

// Uploader is the subset of the S3 client the archiver needs.
type Uploader interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type Archiver struct {
	cfg      config.ArchiveConfig
	version  string
	source   Source
	uploader Uploader
	log      *logger.Log
	now      func() time.Time

	ctx     context.Context
	wg      sync.WaitGroup
	mu      sync.RWMutex
	running bool
}

// NewArchiver builds the S3 client from the archive configuration.
func NewArchiver(ctx context.Context, cfg *config.Config, src Source) (*Archiver, error) {
	log := logger.GetLogger()
	ac := cfg.Archive

	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(ac.Region)}
	if ac.AccessKeyID != "" && ac.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(ac.AccessKeyID, ac.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		log.WithComponent("archive").WithError(err).Warn("failed to load AWS configuration")
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if ac.Endpoint != "" {
			o.BaseEndpoint = aws.String(ac.Endpoint)
		}
		o.UsePathStyle = ac.PathStyle
	})

	log.WithComponent("archive").WithFields(logger.Fields{
		"bucket":     ac.Bucket,
		"region":     ac.Region,
		"endpoint":   ac.Endpoint,
		"path_style": ac.PathStyle,
	}).Info("archive initialized")

	return newArchiver(ac, cfg.MarketSync.Version, src, client), nil
}

func newArchiver(cfg config.ArchiveConfig, version string, src Source, up Uploader) *Archiver {
	return &Archiver{
		cfg:      cfg,
		version:  version,
		source:   src,
		uploader: up,
		log:      logger.GetLogger(),
		now:      time.Now,
	}
}

func (a *Archiver) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return fmt.Errorf("archiver already running")
	}
	a.running = true
	a.ctx = ctx
	a.mu.Unlock()

	a.wg.Add(1)
	go a.flushWorker()

	a.log.WithComponent("archive").WithFields(logger.Fields{"interval": a.cfg.Interval.String()}).Info("archiver started")
	return nil
}

func (a *Archiver) Stop() {
	a.mu.Lock()
	a.running = false
	a.mu.Unlock()

	a.wg.Wait()
	a.log.WithComponent("archive").Info("archiver stopped")
}

func (a *Archiver) flushWorker() {
	defer a.wg.Done()

	log := a.log.WithComponent("archive").WithFields(logger.Fields{"worker": "flush"})
	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-a.ctx.Done():
			if _, _, err := a.Flush(context.WithoutCancel(a.ctx)); err != nil {
				log.WithError(err).Warn("final archive flush failed")
			}
			return
		case <-ticker.C:
			if _, _, err := a.Flush(a.ctx); err != nil {
				log.WithError(err).Error("archive flush failed")
			}
		}
	}
}

// Flush uploads the current market table. An empty table uploads nothing
// and returns an empty key.
func (a *Archiver) Flush(ctx context.Context) (string, int, error) {
	start := a.now()
	markets := a.source.List("")
	if len(markets) == 0 {
		return "", 0, nil
	}

	data, err := encodeMarkets(markets, start.UnixMilli(), a.cfg.Compression)
	if err != nil {
		return "", 0, err
	}

	key := a.objectKey(start)
	log := a.log.WithComponent("archive").WithFields(logger.Fields{
		"operation": "flush",
		"s3_key":    key,
		"rows":      len(markets),
		"file_size": len(data),
	})

	_, err = a.uploader.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
		Metadata: map[string]string{
			"content-type":       "parquet",
			"compression":        a.cfg.Compression,
			"marketsync-version": a.version,
		},
	})
	if err != nil {
		log.WithError(err).Error("failed to upload archive")
		return "", 0, fmt.Errorf("failed to upload to S3 bucket %s: %w", a.cfg.Bucket, err)
	}

	logger.LogDataFlowEntry(log, "state", "s3", len(markets), "markets")
	logger.LogPerformanceEntry(log, "archive", "flush", a.now().Sub(start), nil)
	return key, len(markets), nil
}

// objectKey partitions archives by UTC date and hour.
func (a *Archiver) objectKey(t time.Time) string {
	t = t.UTC()
	return path.Join(
		a.cfg.Prefix,
		fmt.Sprintf("date=%s", t.Format("2006-01-02")),
		fmt.Sprintf("hour=%02d", t.Hour()),
		fmt.Sprintf("markets_%s.parquet", t.Format("20060102150405")),
	)
}
