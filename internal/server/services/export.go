package services

import (
	"bufio"
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/dmitrijs2005/regstate/internal/filex"
	"github.com/dmitrijs2005/regstate/internal/logging"
	sc "github.com/dmitrijs2005/regstate/internal/server/config"
	"github.com/dmitrijs2005/regstate/internal/server/event"
	"github.com/dmitrijs2005/regstate/internal/server/model"
	"github.com/dmitrijs2005/regstate/internal/server/repositories/repomanager"
	"github.com/google/uuid"
)

type objectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

var (
	loadDefaultAWSConfig = config.LoadDefaultConfig

	newS3Client = func(cfg aws.Config, optFns ...func(*s3.Options)) objectPutter {
		return s3.NewFromConfig(cfg, optFns...)
	}
)

// ExportResult describes one written export file.
type ExportResult struct {
	Path        string `json:"path"`
	Events      int    `json:"events"`
	LastEventID int64  `json:"last_event_id"`
	ArchiveKey  string `json:"archive_key,omitempty"`
}

// ExportService writes the event log of a collection in the line format
// sourceId|header|body and optionally archives it to object storage.
type ExportService struct {
	db          *sql.DB
	repomanager repomanager.RepositoryManager
	registry    *model.Registry
	config      *sc.Config
	logger      logging.Logger
	chunk       int
	now         func() time.Time
}

func NewExportService(db *sql.DB, repomanager repomanager.RepositoryManager, registry *model.Registry,
	config *sc.Config, logger logging.Logger) *ExportService {
	return &ExportService{
		db:          db,
		repomanager: repomanager,
		registry:    registry,
		config:      config,
		logger:      logger.With("module", "export"),
		chunk:       chunkSize(config.ChunkSize),
		now:         time.Now,
	}
}

// Export writes every event of the collection, all sources, in id order.
func (s *ExportService) Export(ctx context.Context, catalogue, collection string) (*ExportResult, error) {
	ctx, span := tracer.Start(ctx, "export")
	defer span.End()

	if _, err := s.registry.Collection(catalogue, collection); err != nil {
		return nil, err
	}
	dir, err := filex.EnsureDir(s.config.ExportDir)
	if err != nil {
		return nil, fmt.Errorf("create export dir: %w", err)
	}

	res := &ExportResult{Path: filepath.Join(dir, catalogue+"_"+collection+".ndjson")}
	f, err := os.Create(res.Path)
	if err != nil {
		return nil, fmt.Errorf("create export file: %w", err)
	}
	defer f.Close()

	var archive bytes.Buffer
	w := bufio.NewWriter(f)
	repo := s.repomanager.Events(s.db)
	for {
		events, err := repo.ReadForExport(ctx, catalogue, collection, res.LastEventID, s.chunk)
		if err != nil {
			return nil, err
		}
		if len(events) == 0 {
			break
		}
		for _, e := range events {
			line, err := event.MarshalLine(e)
			if err != nil {
				return nil, fmt.Errorf("event %d: %w", e.ID, err)
			}
			if _, err := w.WriteString(line + "\n"); err != nil {
				return nil, fmt.Errorf("write export file: %w", err)
			}
			if s.config.ArchiveExports {
				archive.WriteString(line + "\n")
			}
			res.LastEventID = e.ID
			res.Events++
		}
	}
	if err := w.Flush(); err != nil {
		return nil, fmt.Errorf("write export file: %w", err)
	}
	if err := f.Sync(); err != nil {
		return nil, fmt.Errorf("sync export file: %w", err)
	}

	if s.config.ArchiveExports {
		if res.ArchiveKey, err = s.archive(ctx, catalogue, collection, archive.Bytes()); err != nil {
			return nil, err
		}
	}
	s.logger.Info(ctx, "events exported", "catalogue", catalogue, "collection", collection,
		"events", res.Events, "path", res.Path, "archive_key", res.ArchiveKey)
	return res, nil
}

func (s *ExportService) archiveKey(catalogue, collection string) string {
	d := s.now().UTC()
	return fmt.Sprintf("exports/%s/%s/%d/%02d/%02d/%v.ndjson.gz", catalogue, collection, d.Year(), d.Month(), d.Day(), uuid.New())
}

func (s *ExportService) client(ctx context.Context) (objectPutter, error) {
	cfg, err := loadDefaultAWSConfig(ctx,
		config.WithRegion(s.config.S3Region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			s.config.S3RootUser,
			s.config.S3RootPassword,
			"",
		)))
	if err != nil {
		return nil, fmt.Errorf("load storage config: %w", err)
	}
	return newS3Client(cfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(s.config.S3BaseEndpoint)
		o.UsePathStyle = true
	}), nil
}

func (s *ExportService) archive(ctx context.Context, catalogue, collection string, contents []byte) (string, error) {
	gz, err := event.Compress(contents)
	if err != nil {
		return "", fmt.Errorf("compress export: %w", err)
	}
	client, err := s.client(ctx)
	if err != nil {
		return "", err
	}
	key := s.archiveKey(catalogue, collection)
	_, err = client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:          aws.String(s.config.S3Bucket),
		Key:             aws.String(key),
		Body:            bytes.NewReader(gz),
		ContentType:     aws.String("application/x-ndjson"),
		ContentEncoding: aws.String("gzip"),
	})
	if err != nil {
		return "", fmt.Errorf("upload export: %w", err)
	}
	return key, nil
}
