// Copyright (C) pymscada-sub000 contributors.
// All rights reserved. This file is part of pymscada-sub000.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package history

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/jamie0walton/pymscada-sub000/internal/config"
	"github.com/jamie0walton/pymscada-sub000/internal/metrics"
	"github.com/jamie0walton/pymscada-sub000/pkg/log"
)

// Archiver ships rolled-off history files (every file except the one
// currently being appended to) to S3-compatible cold storage
// (SPEC_FULL.md section 2.8). It is optional: a Service runs without one
// when config.ArchiveConfig.Enabled() is false.
type Archiver struct {
	client            *s3.Client
	bucket            string
	prefix            string
	deleteAfterUpload bool
	metrics           *metrics.History
}

// NewArchiver builds an Archiver from cfg. Callers must check
// cfg.Enabled() first; NewArchiver does not.
func NewArchiver(cfg config.ArchiveConfig, m *metrics.History) (*Archiver, error) {
	region := cfg.S3Region
	if region == "" {
		region = "us-east-1"
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("history: archive: load AWS config: %w", err)
	}
	return &Archiver{
		client:            s3.NewFromConfig(awsCfg),
		bucket:            cfg.S3Bucket,
		prefix:            cfg.S3Prefix,
		deleteAfterUpload: cfg.DeleteAfterUpload,
		metrics:           m,
	}, nil
}

// SweepDir uploads every *.dat file under dir except those named in skip
// (the files each Store is currently appending to, which must never be
// shipped mid-write). It is meant to run periodically from
// internal/schedule.
func (a *Archiver) SweepDir(ctx context.Context, dir string, skip map[string]bool) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("history: archive: reading %s: %w", dir, err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".dat") || skip[e.Name()] {
			continue
		}
		if err := a.uploadFile(ctx, filepath.Join(dir, e.Name()), e.Name()); err != nil {
			return err
		}
	}
	return nil
}

func (a *Archiver) uploadFile(ctx context.Context, path, name string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("history: archive: reading %s: %w", path, err)
	}

	key := name
	if a.prefix != "" {
		key = a.prefix + "/" + name
	}
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
	})
	if err != nil {
		return fmt.Errorf("history: archive: put object %q: %w", key, err)
	}
	if a.metrics != nil {
		a.metrics.ArchiveShips.Inc()
	}
	log.Infof("history: archived %s to s3://%s/%s", path, a.bucket, key)

	if a.deleteAfterUpload {
		if err := os.Remove(path); err != nil {
			log.Warnf("history: archive: removing %s after upload: %v", path, err)
		}
	}
	return nil
}
