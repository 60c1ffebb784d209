package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	usersim "github.com/usersim/usersim-go"
	"github.com/usersim/usersim-go/audit"
	"github.com/usersim/usersim-go/config"
	"github.com/usersim/usersim-go/interchange"
	"github.com/usersim/usersim-go/report"
	"github.com/usersim/usersim-go/runner"
)

func newReportCommand() *Command {
	reportCmd := &Command{
		Name:        "report",
		Description: "Render artifacts from a results document",
		FlagSet:     flag.NewFlagSet("report", flag.ExitOnError),
	}

	cfgPath := reportCmd.FlagSet.String("config", "", "Project file (optional, supplies observer roles and the audit)")
	resultsPath := reportCmd.FlagSet.String("results", "", "Results document ('-' reads stdin)")
	factsPath := reportCmd.FlagSet.String("facts", "", "Perceptions document for dead-fact analysis (optional)")
	htmlOut := reportCmd.FlagSet.String("html", "", "Write an HTML report to this file")
	parquetOut := reportCmd.FlagSet.String("parquet", "", "Write matrix cells as Parquet to this file")
	s3Bucket := reportCmd.FlagSet.String("s3-bucket", "", "Upload artifacts to this S3 bucket")
	s3Region := reportCmd.FlagSet.String("s3-region", "", "S3 bucket region")
	s3Prefix := reportCmd.FlagSet.String("s3-prefix", "usersim", "Key prefix for uploaded artifacts")
	s3Endpoint := reportCmd.FlagSet.String("s3-endpoint", "", "Custom S3 endpoint (MinIO and friends)")
	s3PathStyle := reportCmd.FlagSet.Bool("s3-path-style", false, "Use path-style S3 addressing")

	reportCmd.Run = func() error {
		if *resultsPath == "" {
			return fmt.Errorf("a results document is required (-results)")
		}
		data, err := readInput(*resultsPath)
		if err != nil {
			return fmt.Errorf("reading %s: %w", *resultsPath, err)
		}
		doc, err := interchange.DecodeResults(data)
		if err != nil {
			return err
		}
		matrix := doc.Matrix()

		// The registry and audit are optional extras: without a project
		// file the report still renders from the matrix alone.
		var reg *usersim.Registry
		var rep *audit.Report
		if *cfgPath != "" {
			cfg, err := config.Load(*cfgPath)
			if err != nil {
				return err
			}
			if reg, err = runner.New(cfg, newLogger(false)).LoadObservers(); err != nil {
				return err
			}
			var table *usersim.FactTable
			if *factsPath != "" {
				fdata, err := readInput(*factsPath)
				if err != nil {
					return fmt.Errorf("reading %s: %w", *factsPath, err)
				}
				perc, err := interchange.DecodePerceptions(fdata)
				if err != nil {
					return err
				}
				if table, err = perc.FactTable(); err != nil {
					return err
				}
			}
			rep = audit.Analyze(matrix, reg, table)
		}

		report.WriteSummary(os.Stdout, matrix)

		var htmlBuf bytes.Buffer
		if *htmlOut != "" {
			err := report.WriteHTML(&htmlBuf, report.Data{
				Matrix:      matrix,
				Audit:       rep,
				Registry:    reg,
				GeneratedAt: time.Now(),
			})
			if err != nil {
				return err
			}
			if err := writeFile(*htmlOut, htmlBuf.Bytes()); err != nil {
				return err
			}
			fmt.Printf("Report written to %s\n", *htmlOut)
		}

		var parquetBuf bytes.Buffer
		if *parquetOut != "" {
			if err := report.WriteParquet(&parquetBuf, matrix); err != nil {
				return err
			}
			if err := writeFile(*parquetOut, parquetBuf.Bytes()); err != nil {
				return err
			}
			fmt.Printf("Cells written to %s\n", *parquetOut)
		}

		if *s3Bucket != "" {
			ctx := context.Background()
			uploader, err := report.NewS3Uploader(ctx, report.S3Options{
				Bucket:         *s3Bucket,
				Region:         *s3Region,
				Endpoint:       *s3Endpoint,
				ForcePathStyle: *s3PathStyle,
			})
			if err != nil {
				return err
			}

			type artifact struct {
				name        string
				body        []byte
				contentType string
			}
			stamp := time.Now().UTC().Format("20060102T150405Z")
			artifacts := []artifact{{"results.json", data, "application/json"}}
			if htmlBuf.Len() > 0 {
				artifacts = append(artifacts, artifact{"report.html", htmlBuf.Bytes(), "text/html"})
			}
			if parquetBuf.Len() > 0 {
				artifacts = append(artifacts, artifact{"cells.parquet", parquetBuf.Bytes(), "application/octet-stream"})
			}

			for _, a := range artifacts {
				key := fmt.Sprintf("%s/%s/%s", *s3Prefix, stamp, a.name)
				if err := uploader.Upload(ctx, key, a.body, a.contentType); err != nil {
					return err
				}
			}
			fmt.Printf("Uploaded %d artifact(s) to s3://%s/%s/%s/\n", len(artifacts), *s3Bucket, *s3Prefix, stamp)
		}

		return nil
	}

	return reportCmd
}
